// Package feed drives the periodic market loops: a fast cosmetic price
// ticker, a slow data-driven pricing tick, a summary broadcast, and the
// auction reconciliation pass. If storage becomes unreachable the
// data-driven ticks degrade to a bounded synthetic random walk so the
// market stays live without its backing store.
package feed

import (
	"context"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/shopspring/decimal"

	"github.com/KDLN/aurelian-market/internal/auction"
	"github.com/KDLN/aurelian-market/internal/catalog"
	"github.com/KDLN/aurelian-market/internal/marketdata"
	"github.com/KDLN/aurelian-market/internal/metrics"
	"github.com/KDLN/aurelian-market/internal/model"
	"github.com/KDLN/aurelian-market/internal/pricing"
	"github.com/KDLN/aurelian-market/internal/store"
	"github.com/KDLN/aurelian-market/internal/ws"
)

// Intervals configures the loop cadence. Zero values fall back to the
// defaults.
type Intervals struct {
	Fast      time.Duration // cosmetic ticker
	Slow      time.Duration // data-driven pricing
	Summary   time.Duration // market summary broadcast
	Reconcile time.Duration // auction cache rebuild + expiry
}

func (iv *Intervals) applyDefaults() {
	if iv.Fast <= 0 {
		iv.Fast = 3 * time.Second
	}
	if iv.Slow <= 0 {
		iv.Slow = 6 * time.Second
	}
	if iv.Summary <= 0 {
		iv.Summary = 10 * time.Second
	}
	if iv.Reconcile <= 0 {
		iv.Reconcile = 30 * time.Second
	}
}

// SlowTickMaxChange bounds per-tick movement for the data-driven tick;
// wider than the model default so event spikes can show through.
const SlowTickMaxChange = 0.15

// HistoryDepth is how many ticks feed the volatility window.
const HistoryDepth = 50

// PriceUpdate is the structured record broadcast for each slow tick.
type PriceUpdate struct {
	ItemID     string          `json:"item_id"`
	Price      int64           `json:"price"`
	Previous   int64           `json:"previous_price"`
	Change     int64           `json:"change"`
	ChangePct  decimal.Decimal `json:"change_pct"`
	Trend      string          `json:"trend"`
	Volume     int64           `json:"volume"`
	High       int64           `json:"high"`
	Low        int64           `json:"low"`
	Volatility float64         `json:"volatility"`
	At         time.Time       `json:"at"`
}

// Loop owns the market tickers. Run it in one goroutine; the synthetic
// walk state is confined to that goroutine.
type Loop struct {
	ledger     *auction.Ledger
	agg        *marketdata.Aggregator
	hub        *ws.Hub
	st         store.Store
	priceModel *pricing.Model
	rng        pricing.Rand
	intervals  Intervals

	synthetic map[string]int64 // degraded-mode walk, per item
}

type systemRand struct{}

func (systemRand) Float64() float64 { return rand.Float64() }

// New creates the market loop. rng may be nil outside tests.
func New(ledger *auction.Ledger, agg *marketdata.Aggregator, hub *ws.Hub, st store.Store, rng pricing.Rand, intervals Intervals) *Loop {
	intervals.applyDefaults()
	if rng == nil {
		rng = systemRand{}
	}
	synthetic := make(map[string]int64)
	for _, item := range catalog.Items() {
		synthetic[item] = catalog.BasePrice(item)
	}
	return &Loop{
		ledger:     ledger,
		agg:        agg,
		hub:        hub,
		st:         st,
		priceModel: pricing.New(rng),
		rng:        rng,
		intervals:  intervals,
		synthetic:  synthetic,
	}
}

// Run blocks until ctx is cancelled.
func (f *Loop) Run(ctx context.Context) {
	fast := time.NewTicker(f.intervals.Fast)
	slow := time.NewTicker(f.intervals.Slow)
	summary := time.NewTicker(f.intervals.Summary)
	reconcile := time.NewTicker(f.intervals.Reconcile)
	defer fast.Stop()
	defer slow.Stop()
	defer summary.Stop()
	defer reconcile.Stop()

	slog.Info("market loop started",
		"fast", f.intervals.Fast,
		"slow", f.intervals.Slow,
		"summary", f.intervals.Summary,
		"reconcile", f.intervals.Reconcile,
	)

	for {
		select {
		case <-ctx.Done():
			slog.Info("market loop stopped")
			return
		case <-fast.C:
			f.fastTick()
		case <-slow.C:
			f.slowTick(ctx)
		case <-summary.C:
			f.summaryTick(ctx)
		case <-reconcile.C:
			if err := f.ledger.Reconcile(ctx); err != nil {
				slog.Warn("reconciliation failed", "err", err)
			}
		}
	}
}

// fastTick recomputes the coarse price map unconditionally. No storage
// involved, so the UI stays live even when the data pipeline is down.
func (f *Loop) fastTick() {
	prices := f.ledger.RefreshPrices()
	f.hub.Broadcast(ws.Message{Type: ws.TypePriceMap, Data: prices})
}

func (f *Loop) slowTick(ctx context.Context) {
	if err := f.st.Ping(ctx); err != nil {
		slog.Warn("storage unreachable, degraded pricing", "err", err)
		f.degradedTick()
		return
	}

	updates := make([]PriceUpdate, 0, len(catalog.Items()))
	for _, item := range catalog.Items() {
		update, err := f.priceTick(ctx, item)
		if err != nil {
			// Per-item failures are isolated.
			slog.Warn("price tick failed", "item", item, "err", err)
			continue
		}
		updates = append(updates, update)
	}
	if len(updates) > 0 {
		f.hub.Broadcast(ws.Message{Type: ws.TypePriceUpdate, Data: updates})
	}
}

// priceTick runs the full pricing pipeline for one item and persists
// the resulting tick.
func (f *Loop) priceTick(ctx context.Context, itemID string) (PriceUpdate, error) {
	data, err := f.agg.MarketData(ctx, itemID)
	if err != nil {
		return PriceUpdate{}, err
	}
	history, err := f.agg.PriceHistory(ctx, itemID, HistoryDepth)
	if err != nil {
		return PriceUpdate{}, err
	}
	events, err := f.agg.ActiveEvents(ctx, itemID)
	if err != nil {
		return PriceUpdate{}, err
	}

	prices := make([]int64, len(history))
	for i, t := range history {
		prices[i] = t.Price
	}

	res := f.priceModel.CalculateNewPrice(data, prices, events, SlowTickMaxChange)

	previous := data.BasePrice
	if len(prices) > 0 {
		previous = prices[len(prices)-1]
	}

	high, low := res.NewPrice, res.NewPrice
	for _, p := range prices {
		if p > high {
			high = p
		}
		if p < low {
			low = p
		}
	}

	now := time.Now().UTC()
	tick := &model.PriceTick{
		ItemID:     itemID,
		Price:      res.NewPrice,
		Volume:     data.TotalQuantity,
		High:       high,
		Low:        low,
		SDRatio:    res.SDRatio,
		Multiplier: res.Multiplier,
		Volatility: res.Volatility,
		Trend:      res.Trend,
		At:         now,
	}
	if err := f.agg.StoreTick(ctx, tick); err != nil {
		return PriceUpdate{}, err
	}
	metrics.PriceTicks.WithLabelValues("data").Inc()

	changePct := decimal.Zero
	if previous > 0 {
		changePct = decimal.NewFromInt(res.NewPrice - previous).
			Div(decimal.NewFromInt(previous)).
			Mul(decimal.NewFromInt(100)).
			Round(2)
	}

	return PriceUpdate{
		ItemID:     itemID,
		Price:      res.NewPrice,
		Previous:   previous,
		Change:     res.NewPrice - previous,
		ChangePct:  changePct,
		Trend:      res.Trend,
		Volume:     data.TotalQuantity,
		High:       high,
		Low:        low,
		Volatility: res.Volatility,
		At:         now,
	}, nil
}

// degradedTick advances the local random walk: ±10% of the previous
// synthetic value per step, floor 1. Nothing is persisted.
func (f *Loop) degradedTick() {
	now := time.Now().UTC()
	updates := make([]PriceUpdate, 0, len(f.synthetic))

	for _, item := range catalog.Items() {
		prev := f.synthetic[item]
		next := int64(math.Round(float64(prev) * (1 + (f.rng.Float64()*0.2 - 0.1))))
		if next < 1 {
			next = 1
		}
		f.synthetic[item] = next

		trend := pricing.TrendStable
		if next > prev {
			trend = pricing.TrendUp
		} else if next < prev {
			trend = pricing.TrendDown
		}

		changePct := decimal.Zero
		if prev > 0 {
			changePct = decimal.NewFromInt(next - prev).
				Div(decimal.NewFromInt(prev)).
				Mul(decimal.NewFromInt(100)).
				Round(2)
		}

		updates = append(updates, PriceUpdate{
			ItemID:    item,
			Price:     next,
			Previous:  prev,
			Change:    next - prev,
			ChangePct: changePct,
			Trend:     trend,
			High:      max(prev, next),
			Low:       min(prev, next),
			At:        now,
		})
		metrics.PriceTicks.WithLabelValues("degraded").Inc()
	}

	f.hub.Broadcast(ws.Message{Type: ws.TypePriceUpdate, Data: updates})
}

func (f *Loop) summaryTick(ctx context.Context) {
	if err := f.st.Ping(ctx); err != nil {
		f.hub.Broadcast(ws.Message{Type: ws.TypeMarketSummary, Data: f.syntheticSummary()})
		return
	}

	snapshots, err := f.agg.Summary(ctx)
	if err != nil {
		slog.Warn("summary tick failed", "err", err)
		return
	}
	f.hub.Broadcast(ws.Message{Type: ws.TypeMarketSummary, Data: snapshots})
}

// syntheticSummary builds snapshots from the degraded walk so summary
// broadcasts keep flowing without storage.
func (f *Loop) syntheticSummary() []model.MarketSnapshot {
	snapshots := make([]model.MarketSnapshot, 0, len(f.synthetic))
	for _, item := range catalog.Items() {
		snapshots = append(snapshots, model.MarketSnapshot{
			ItemID:    item,
			Price:     f.synthetic[item],
			BasePrice: catalog.BasePrice(item),
			ChangePct: decimal.Zero,
		})
	}
	return snapshots
}
