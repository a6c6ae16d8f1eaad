package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/KDLN/aurelian-market/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis
// read-through cache over the hot pricing reads: price history and
// market events. Ticks are append-only and only this service writes
// them, so the history cache is invalidated on insert; events are owned
// by an external system and expire on TTL alone. Settlement paths pass
// straight through to the primary; correctness lives in its
// transactions, never in the cache.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{primary: primary, rdb: rdb, ttl: ttl}
}

func (s *CachedStore) Ping(ctx context.Context) error {
	return s.primary.Ping(ctx)
}

// cachedHistory is the stored shape: the fetch size travels with the
// ticks so a smaller request can be served from a larger cached fetch.
type cachedHistory struct {
	N     int               `json:"n"`
	Ticks []model.PriceTick `json:"ticks"`
}

func (s *CachedStore) PriceHistory(ctx context.Context, itemID string, n int) ([]model.PriceTick, error) {
	key := historyKey(itemID)

	if data, err := s.rdb.Get(ctx, key).Bytes(); err == nil {
		var ch cachedHistory
		if json.Unmarshal(data, &ch) == nil && ch.N >= n {
			if len(ch.Ticks) > n {
				return ch.Ticks[len(ch.Ticks)-n:], nil
			}
			return ch.Ticks, nil
		}
	}

	ticks, err := s.primary.PriceHistory(ctx, itemID, n)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(cachedHistory{N: n, Ticks: ticks}); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
	return ticks, nil
}

func (s *CachedStore) InsertPriceTick(ctx context.Context, t *model.PriceTick) error {
	if err := s.primary.InsertPriceTick(ctx, t); err != nil {
		return err
	}
	// Invalidate; next read re-populates.
	s.rdb.Del(ctx, historyKey(t.ItemID))
	return nil
}

func (s *CachedStore) ActiveEvents(ctx context.Context, itemID, hubID string, now time.Time) ([]model.MarketEvent, error) {
	key := eventsKey(itemID, hubID)

	if data, err := s.rdb.Get(ctx, key).Bytes(); err == nil {
		var events []model.MarketEvent
		if json.Unmarshal(data, &events) == nil {
			// A cached event may have expired inside the TTL.
			return activeNow(events, now), nil
		}
	}

	events, err := s.primary.ActiveEvents(ctx, itemID, hubID, now)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(events); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
	return events, nil
}

// --- Passthrough (settlement and signal reads stay authoritative) ---

func (s *CachedStore) ActiveListings(ctx context.Context, limit int) ([]model.Listing, error) {
	return s.primary.ActiveListings(ctx, limit)
}

func (s *CachedStore) CreateListing(ctx context.Context, l *model.Listing) error {
	return s.primary.CreateListing(ctx, l)
}

func (s *CachedStore) PurchaseListing(ctx context.Context, listingID, buyerID string) (*model.Settlement, error) {
	return s.primary.PurchaseListing(ctx, listingID, buyerID)
}

func (s *CachedStore) CancelListing(ctx context.Context, listingID, sellerID string) (*model.Listing, error) {
	return s.primary.CancelListing(ctx, listingID, sellerID)
}

func (s *CachedStore) ExpireListing(ctx context.Context, listingID string) (*model.Listing, error) {
	return s.primary.ExpireListing(ctx, listingID)
}

func (s *CachedStore) SupplySignal(ctx context.Context, itemID string, since time.Time) (int, int64, error) {
	return s.primary.SupplySignal(ctx, itemID, since)
}

func (s *CachedStore) SalesSignal(ctx context.Context, itemID string, since time.Time) (int, decimal.Decimal, error) {
	return s.primary.SalesSignal(ctx, itemID, since)
}

func (s *CachedStore) FirstTickSince(ctx context.Context, itemID string, since time.Time) (*model.PriceTick, error) {
	return s.primary.FirstTickSince(ctx, itemID, since)
}

func (s *CachedStore) Balance(ctx context.Context, userID string) (int64, error) {
	return s.primary.Balance(ctx, userID)
}

func (s *CachedStore) Holding(ctx context.Context, userID, itemID string) (int64, error) {
	return s.primary.Holding(ctx, userID, itemID)
}

func (s *CachedStore) Ledger(ctx context.Context, userID string) ([]model.LedgerTx, error) {
	return s.primary.Ledger(ctx, userID)
}

// activeNow drops events that have expired since they were cached.
func activeNow(events []model.MarketEvent, now time.Time) []model.MarketEvent {
	out := events[:0]
	for _, e := range events {
		if e.Active(now) {
			out = append(out, e)
		}
	}
	return out
}

func historyKey(itemID string) string       { return fmt.Sprintf("ticks:%s", itemID) }
func eventsKey(itemID, hubID string) string { return fmt.Sprintf("events:%s:%s", itemID, hubID) }
