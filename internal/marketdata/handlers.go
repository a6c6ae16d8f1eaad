package marketdata

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/KDLN/aurelian-market/internal/model"
)

// DefaultHistoryDepth is the tick count returned when the query does
// not specify one.
const DefaultHistoryDepth = 50

// HandleSummary handles GET /api/v1/market/summary.
func (a *Aggregator) HandleSummary(w http.ResponseWriter, r *http.Request) {
	snapshots, err := a.Summary(r.Context())
	if err != nil {
		http.Error(w, `{"error":"market data unavailable"}`, http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snapshots)
}

// HandleHistory handles GET /api/v1/market/{itemID}/history?n=.
func (a *Aggregator) HandleHistory(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemID")

	n := DefaultHistoryDepth
	if raw := r.URL.Query().Get("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, `{"error":"n must be a positive integer"}`, http.StatusBadRequest)
			return
		}
		n = parsed
	}

	ticks, err := a.PriceHistory(r.Context(), itemID, n)
	if err != nil {
		http.Error(w, `{"error":"market data unavailable"}`, http.StatusServiceUnavailable)
		return
	}
	if ticks == nil {
		ticks = []model.PriceTick{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ticks)
}
