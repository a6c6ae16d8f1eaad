// Package auction implements the transactional listing lifecycle: an
// authoritative in-memory cache of active listings reconciled against
// the persistent store, with create/buy/cancel/expire operations that
// each commit as a single all-or-nothing storage transaction.
//
// The in-memory view is only a cache and may be briefly stale; at most
// one of {buy, cancel, expire} ever commits for a given listing id,
// enforced by the store's re-check-active-then-flip-status transaction,
// never by this package's maps.
package auction

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand/v2"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/KDLN/aurelian-market/internal/catalog"
	"github.com/KDLN/aurelian-market/internal/metrics"
	"github.com/KDLN/aurelian-market/internal/model"
	"github.com/KDLN/aurelian-market/internal/pricing"
	"github.com/KDLN/aurelian-market/internal/store"
	"github.com/KDLN/aurelian-market/internal/ws"
)

var (
	// ErrInvalidIdentity is returned when a caller-supplied user id does
	// not match the opaque-identifier shape.
	ErrInvalidIdentity = errors.New("auction: invalid user identifier")

	// ErrInvalidInput is returned for non-positive quantity or price.
	ErrInvalidInput = errors.New("auction: quantity and price must be positive")

	// ErrItemNotFound is returned for unknown item keys.
	ErrItemNotFound = errors.New("auction: unknown item")

	// ErrListingNotFound is returned when the listing id is not in the
	// active set.
	ErrListingNotFound = errors.New("auction: listing not found")

	// ErrSelfTrade is returned when a buyer attempts to buy their own
	// listing.
	ErrSelfTrade = errors.New("auction: cannot buy own listing")

	// ErrCreateFailed is the generic client-facing creation failure;
	// the underlying cause is logged, never leaked.
	ErrCreateFailed = errors.New("auction: could not create listing")
)

// Identity values are opaque but must be well-formed before any write.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// DefaultDurationMin is used when a create request omits the duration.
const DefaultDurationMin int64 = 24

// DefaultMaxListings bounds the active set loaded on reconciliation.
const DefaultMaxListings = 500

// Snapshot is the state sent to newly joined clients: the active
// listing set and the coarse ticker price map.
type Snapshot struct {
	Listings []model.Listing  `json:"listings"`
	Prices   map[string]int64 `json:"prices"`
}

// Ledger is the auction state machine. All maps are guarded by mu;
// mutation of persistent state happens only inside store transactions.
type Ledger struct {
	store       store.Store
	hub         *ws.Hub
	rng         pricing.Rand
	maxListings int

	mu       sync.RWMutex
	listings map[string]*model.Listing
	prices   map[string]int64 // coarse ticker only, not model-driven
}

// NewLedger creates an auction ledger. Pass nil for hub if broadcasting
// is not needed (tests) and nil for rng to use the system source.
func NewLedger(st store.Store, hub *ws.Hub, rng pricing.Rand, maxListings int) *Ledger {
	if maxListings <= 0 {
		maxListings = DefaultMaxListings
	}
	l := &Ledger{
		store:       st,
		hub:         hub,
		rng:         rng,
		maxListings: maxListings,
		listings:    make(map[string]*model.Listing),
		prices:      make(map[string]int64),
	}
	if l.rng == nil {
		l.rng = systemRand{}
	}
	l.seedPrices()
	return l
}

type systemRand struct{}

func (systemRand) Float64() float64 { return rand.Float64() }

func (l *Ledger) seedPrices() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, item := range catalog.Items() {
		l.prices[item] = catalog.BasePrice(item)
	}
}

// removeLocal drops a listing from the cache once its terminal
// transition has committed (or was observed committed elsewhere).
func (l *Ledger) removeLocal(listingID string) {
	l.mu.Lock()
	delete(l.listings, listingID)
	metrics.ActiveListings.Set(float64(len(l.listings)))
	l.mu.Unlock()
}

func (l *Ledger) publish(msgType string, data any) {
	if l.hub != nil {
		l.hub.Broadcast(ws.Message{Type: msgType, Data: data})
	}
}

// Create validates the request, escrows the seller's goods, and inserts
// the listing in one transaction. On success the listing joins the local
// cache and a new-listing broadcast goes out.
func (l *Ledger) Create(ctx context.Context, sellerID, itemKey string, qty, price, durationMin int64) (*model.Listing, error) {
	if !idPattern.MatchString(sellerID) {
		return nil, ErrInvalidIdentity
	}
	if qty <= 0 || price <= 0 {
		return nil, ErrInvalidInput
	}
	if !catalog.Exists(itemKey) {
		return nil, ErrItemNotFound
	}
	if durationMin <= 0 {
		durationMin = DefaultDurationMin
	}

	listing := &model.Listing{
		ID:          uuid.New().String(),
		SellerID:    sellerID,
		ItemID:      itemKey,
		Quantity:    qty,
		Price:       price,
		DurationMin: durationMin,
		FeePct:      catalog.FeePct(durationMin),
		Status:      model.StatusActive,
		CreatedAt:   time.Now().UTC(),
	}

	if err := l.store.CreateListing(ctx, listing); err != nil {
		if errors.Is(err, store.ErrInsufficientInventory) {
			return nil, err
		}
		slog.Error("listing creation failed", "seller", sellerID, "item", itemKey, "err", err)
		return nil, ErrCreateFailed
	}

	l.mu.Lock()
	l.listings[listing.ID] = listing
	metrics.ActiveListings.Set(float64(len(l.listings)))
	l.mu.Unlock()

	metrics.ListingsCreated.Inc()
	slog.Info("listing created",
		"id", listing.ID,
		"seller", sellerID,
		"item", itemKey,
		"qty", qty,
		"price", price,
		"duration_min", durationMin,
		"fee_pct", listing.FeePct,
	)
	l.publish(ws.TypeNewListing, listing)
	return listing, nil
}

// Buy settles a purchase. Self-trades and locally unknown ids are
// rejected before any write; everything else is decided inside the
// store transaction, whose status re-check makes double settlement
// impossible even when this cache is stale.
func (l *Ledger) Buy(ctx context.Context, buyerID, listingID string) (*model.Settlement, error) {
	if !idPattern.MatchString(buyerID) {
		return nil, ErrInvalidIdentity
	}

	l.mu.RLock()
	cached, ok := l.listings[listingID]
	l.mu.RUnlock()
	if !ok {
		return nil, ErrListingNotFound
	}
	if cached.SellerID == buyerID {
		return nil, ErrSelfTrade
	}

	settlement, err := l.store.PurchaseListing(ctx, listingID, buyerID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			l.removeLocal(listingID)
			return nil, ErrListingNotFound
		case errors.Is(err, store.ErrNotActive):
			// Lost the race: another settlement committed first.
			l.removeLocal(listingID)
			metrics.SettlementConflicts.Inc()
			return nil, err
		case errors.Is(err, store.ErrInsufficientFunds):
			return nil, err
		default:
			slog.Error("purchase failed", "listing", listingID, "buyer", buyerID, "err", err)
			return nil, err
		}
	}

	l.removeLocal(listingID)
	metrics.ListingsSettled.WithLabelValues(model.StatusSold).Inc()
	metrics.FeesCollected.Add(float64(settlement.Fee))
	slog.Info("listing sold",
		"id", listingID,
		"buyer", buyerID,
		"seller", settlement.Listing.SellerID,
		"item", settlement.Listing.ItemID,
		"qty", settlement.Listing.Quantity,
		"total", settlement.Total,
		"fee", settlement.Fee,
	)
	l.publish(ws.TypeListingSold, map[string]any{
		"listing_id": listingID,
		"buyer_id":   buyerID,
		"item_id":    settlement.Listing.ItemID,
		"qty":        settlement.Listing.Quantity,
		"total":      settlement.Total,
	})
	return settlement, nil
}

// Cancel lets the seller take down their own active listing; the
// escrowed goods return in the same transaction.
func (l *Ledger) Cancel(ctx context.Context, sellerID, listingID string) (*model.Listing, error) {
	if !idPattern.MatchString(sellerID) {
		return nil, ErrInvalidIdentity
	}

	l.mu.RLock()
	_, ok := l.listings[listingID]
	l.mu.RUnlock()
	if !ok {
		return nil, ErrListingNotFound
	}

	listing, err := l.store.CancelListing(ctx, listingID, sellerID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			l.removeLocal(listingID)
			return nil, ErrListingNotFound
		case errors.Is(err, store.ErrNotActive):
			l.removeLocal(listingID)
			metrics.SettlementConflicts.Inc()
			return nil, err
		case errors.Is(err, store.ErrNotSeller):
			return nil, err
		default:
			slog.Error("cancel failed", "listing", listingID, "seller", sellerID, "err", err)
			return nil, err
		}
	}

	l.removeLocal(listingID)
	metrics.ListingsSettled.WithLabelValues(model.StatusCancelled).Inc()
	slog.Info("listing cancelled", "id", listingID, "seller", sellerID)
	l.publish(ws.TypeCancelled, map[string]any{
		"listing_id": listingID,
		"item_id":    listing.ItemID,
	})
	return listing, nil
}

// Reconcile replaces the local active set wholesale with the newest
// listings from storage, then expires any listing whose age exceeds its
// duration.
func (l *Ledger) Reconcile(ctx context.Context) error {
	fresh, err := l.store.ActiveListings(ctx, l.maxListings)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	var expired []string

	l.mu.Lock()
	l.listings = make(map[string]*model.Listing, len(fresh))
	for i := range fresh {
		listing := fresh[i]
		l.listings[listing.ID] = &listing
		if listing.Expired(now) {
			expired = append(expired, listing.ID)
		}
	}
	metrics.ActiveListings.Set(float64(len(l.listings)))
	l.mu.Unlock()

	if len(expired) == 0 {
		return nil
	}
	return l.ExpireBatch(ctx, expired)
}

// ExpireBatch expires listings one transaction each. A listing that
// already made its terminal transition is skipped silently as a benign
// lost race. Any other failure aborts the remaining ids in this call;
// expiries already committed keep their effect. That partial-batch
// contract is deliberate.
func (l *Ledger) ExpireBatch(ctx context.Context, ids []string) error {
	for _, id := range ids {
		listing, err := l.store.ExpireListing(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotActive) || errors.Is(err, store.ErrNotFound) {
				l.removeLocal(id)
				continue
			}
			slog.Error("expiry batch aborted", "listing", id, "err", err)
			return err
		}

		l.removeLocal(id)
		metrics.ListingsSettled.WithLabelValues(model.StatusExpired).Inc()
		slog.Info("listing expired", "id", id, "seller", listing.SellerID, "item", listing.ItemID)
		l.publish(ws.TypeExpired, map[string]any{
			"listing_id": id,
			"item_id":    listing.ItemID,
			"qty":        listing.Quantity,
		})
	}
	return nil
}

// RefreshPrices recomputes the coarse ticker map: base price with up to
// ±15% uniform noise, floor 1. Intentionally decoupled from the data
// pipeline so the UI stays live before the slow tick has run. Returns a
// copy for broadcasting.
func (l *Ledger) RefreshPrices() map[string]int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]int64, len(l.prices))
	for _, item := range catalog.Items() {
		base := float64(catalog.BasePrice(item))
		p := int64(math.Round(base * (1 + (l.rng.Float64()*0.3 - 0.15))))
		if p < 1 {
			p = 1
		}
		l.prices[item] = p
		out[item] = p
	}
	return out
}

// Snapshot returns the current listing set and coarse price map, used
// to seed newly joined clients.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	listings := make([]model.Listing, 0, len(l.listings))
	for _, listing := range l.listings {
		listings = append(listings, *listing)
	}
	prices := make(map[string]int64, len(l.prices))
	for k, v := range l.prices {
		prices[k] = v
	}
	return Snapshot{Listings: listings, Prices: prices}
}

// SnapshotPayload adapts Snapshot for the WebSocket hub's seeding hook.
func (l *Ledger) SnapshotPayload() any {
	return l.Snapshot()
}
