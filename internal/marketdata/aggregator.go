// Package marketdata assembles the pricing inputs the price model needs
// from the persistent store: supply/demand signals, price history,
// active market events, and derived per-item market summaries.
package marketdata

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/KDLN/aurelian-market/internal/catalog"
	"github.com/KDLN/aurelian-market/internal/model"
	"github.com/KDLN/aurelian-market/internal/store"
)

// DefaultLookback is the sliding window for supply and demand signals.
const DefaultLookback = 24 * time.Hour

// Aggregator reads market state and packages it for the price model.
type Aggregator struct {
	store    store.Store
	hubID    string
	lookback time.Duration
}

// New creates an aggregator. hubID scopes event lookups; it is carried
// on ticks but no cross-hub federation exists. A zero lookback uses
// DefaultLookback.
func New(st store.Store, hubID string, lookback time.Duration) *Aggregator {
	if lookback <= 0 {
		lookback = DefaultLookback
	}
	return &Aggregator{store: st, hubID: hubID, lookback: lookback}
}

// MarketData returns the aggregated pricing inputs for one item.
//
// Supply counts only listings that are active AND were created within
// the lookback window: long-lived still-active listings are excluded
// from the signal. That double filter is the documented contract, not a
// bug: the numeric behavior of the multiplier branches depends on it.
// Demand is the count of purchases completed in the window; the average
// sale price falls back to the base price when there were no sales.
func (a *Aggregator) MarketData(ctx context.Context, itemID string) (model.MarketData, error) {
	since := time.Now().UTC().Add(-a.lookback)

	count, qty, err := a.store.SupplySignal(ctx, itemID, since)
	if err != nil {
		return model.MarketData{}, err
	}

	sales, avg, err := a.store.SalesSignal(ctx, itemID, since)
	if err != nil {
		return model.MarketData{}, err
	}

	base := catalog.BasePrice(itemID)
	if sales == 0 {
		avg = decimal.NewFromInt(base)
	}

	return model.MarketData{
		ItemID:         itemID,
		ActiveListings: count,
		TotalQuantity:  qty,
		RecentSales:    sales,
		AvgSalePrice:   avg,
		BasePrice:      base,
	}, nil
}

// PriceHistory returns the last n ticks for an item, oldest first.
func (a *Aggregator) PriceHistory(ctx context.Context, itemID string, n int) ([]model.PriceTick, error) {
	return a.store.PriceHistory(ctx, itemID, n)
}

// ActiveEvents returns the unexpired events affecting an item in this
// aggregator's hub, including globally scoped ones.
func (a *Aggregator) ActiveEvents(ctx context.Context, itemID string) ([]model.MarketEvent, error) {
	return a.store.ActiveEvents(ctx, itemID, a.hubID, time.Now().UTC())
}

// StoreTick persists one immutable price tick, stamping id, hub, and
// timestamp if unset.
func (a *Aggregator) StoreTick(ctx context.Context, t *model.PriceTick) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.HubID == "" {
		t.HubID = a.hubID
	}
	if t.At.IsZero() {
		t.At = time.Now().UTC()
	}
	return a.store.InsertPriceTick(ctx, t)
}

// Summary computes a MarketSnapshot for every tradeable item: current
// price (last tick, else base), supply and demand counts, and the
// percent change against the oldest tick inside the window.
func (a *Aggregator) Summary(ctx context.Context) ([]model.MarketSnapshot, error) {
	now := time.Now().UTC()
	since := now.Add(-a.lookback)

	items := catalog.Items()
	snapshots := make([]model.MarketSnapshot, 0, len(items))

	for _, itemID := range items {
		base := catalog.BasePrice(itemID)

		price := base
		history, err := a.store.PriceHistory(ctx, itemID, 1)
		if err != nil {
			return nil, err
		}
		if len(history) > 0 {
			price = history[len(history)-1].Price
		}

		count, _, err := a.store.SupplySignal(ctx, itemID, since)
		if err != nil {
			return nil, err
		}
		sales, _, err := a.store.SalesSignal(ctx, itemID, since)
		if err != nil {
			return nil, err
		}

		changePct := decimal.Zero
		first, err := a.store.FirstTickSince(ctx, itemID, since)
		if err != nil {
			return nil, err
		}
		if first != nil && first.Price > 0 {
			changePct = decimal.NewFromInt(price - first.Price).
				Div(decimal.NewFromInt(first.Price)).
				Mul(decimal.NewFromInt(100)).
				Round(2)
		}

		snapshots = append(snapshots, model.MarketSnapshot{
			ItemID:         itemID,
			Price:          price,
			BasePrice:      base,
			ActiveListings: count,
			RecentSales:    sales,
			ChangePct:      changePct,
		})
	}

	return snapshots, nil
}
