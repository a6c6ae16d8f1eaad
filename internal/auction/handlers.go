package auction

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/KDLN/aurelian-market/internal/store"
)

// CreateListingRequest is the JSON body for POST /listings. The user id
// is an already-authenticated opaque identifier supplied upstream; this
// service performs no authentication.
type CreateListingRequest struct {
	UserID          string `json:"user_id"`
	ItemKey         string `json:"item_key"`
	Quantity        int64  `json:"quantity"`
	PricePerUnit    int64  `json:"price_per_unit"`
	DurationMinutes int64  `json:"duration_minutes"`
}

// ActionRequest is the JSON body for buy and cancel operations.
type ActionRequest struct {
	UserID string `json:"user_id"`
}

// HandleCreate handles POST /api/v1/listings.
func (l *Ledger) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateListingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	listing, err := l.Create(r.Context(), req.UserID, req.ItemKey, req.Quantity, req.PricePerUnit, req.DurationMinutes)
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(listing)
}

// HandleBuy handles POST /api/v1/listings/{listingID}/buy.
func (l *Ledger) HandleBuy(w http.ResponseWriter, r *http.Request) {
	listingID := chi.URLParam(r, "listingID")

	var req ActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	settlement, err := l.Buy(r.Context(), req.UserID, listingID)
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(settlement)
}

// HandleCancel handles POST /api/v1/listings/{listingID}/cancel.
func (l *Ledger) HandleCancel(w http.ResponseWriter, r *http.Request) {
	listingID := chi.URLParam(r, "listingID")

	var req ActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	listing, err := l.Cancel(r.Context(), req.UserID, listingID)
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(listing)
}

// HandleSnapshot handles GET /api/v1/listings: the active listing set
// and coarse price map, the same payload that seeds WebSocket joins.
func (l *Ledger) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(l.Snapshot())
}

// writeLedgerError maps domain errors to HTTP responses. Client-facing
// messages stay generic; detail was already logged at the source.
func writeLedgerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidIdentity), errors.Is(err, ErrInvalidInput):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrItemNotFound):
		writeError(w, "unknown item", http.StatusNotFound)
	case errors.Is(err, ErrListingNotFound):
		writeError(w, "listing not found", http.StatusNotFound)
	case errors.Is(err, ErrSelfTrade):
		writeError(w, "cannot buy your own listing", http.StatusForbidden)
	case errors.Is(err, store.ErrNotSeller):
		writeError(w, "only the seller can cancel a listing", http.StatusForbidden)
	case errors.Is(err, store.ErrNotActive):
		writeError(w, "listing no longer available", http.StatusConflict)
	case errors.Is(err, store.ErrInsufficientFunds):
		writeError(w, "insufficient funds", http.StatusConflict)
	case errors.Is(err, store.ErrInsufficientInventory):
		writeError(w, "insufficient inventory", http.StatusConflict)
	default:
		writeError(w, "operation failed", http.StatusInternalServerError)
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
