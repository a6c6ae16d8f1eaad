// Package pricing implements the supply/demand price simulation for
// tradeable goods.
//
// The model is nonlinear and clamped: the supply/demand ratio selects a
// price multiplier branch, active market events adjust it
// multiplicatively, symmetric random noise bounded by recent volatility
// is applied, and the resulting price is clamped to a window around the
// last known price so one tick can never move a price by more than
// maxChange.
//
// Internal arithmetic uses float64; monetary aggregates are converted to
// shopspring/decimal at the edges. The random source is injectable so
// tests can pin deterministic output.
package pricing

import (
	"math"
	"math/rand/v2"

	"github.com/shopspring/decimal"

	"github.com/KDLN/aurelian-market/internal/model"
)

const (
	// BaseVolatility is the volatility floor used when price history is
	// too short to measure realized swings.
	BaseVolatility = 0.05

	// MaxVolatility caps the noise band regardless of history.
	MaxVolatility = 0.25

	// DefaultMaxChange bounds per-tick price movement relative to the
	// last known price.
	DefaultMaxChange = 0.1

	// DepthBand is the price band (relative to current price) that
	// counts toward sell-side market depth.
	DepthBand = 1.1
)

// Trend values for a price tick.
const (
	TrendUp     = "up"
	TrendDown   = "down"
	TrendStable = "stable"
)

// Rand is the injectable random source. Implementations must return
// values in [0, 1).
type Rand interface {
	Float64() float64
}

type systemRand struct{}

func (systemRand) Float64() float64 { return rand.Float64() }

// Model computes new prices from market data. Safe for use from a single
// goroutine; the feed loop owns one instance.
type Model struct {
	rng Rand
}

// New creates a price model. A nil rng falls back to math/rand.
func New(rng Rand) *Model {
	if rng == nil {
		rng = systemRand{}
	}
	return &Model{rng: rng}
}

// SupplyDemandRatio is the primary pricing signal: active listings over
// recent sales. Zero demand is treated as an oversupply signal, floored
// at 10 so small listing counts still hit the crash branch and division
// by zero never occurs.
func SupplyDemandRatio(activeListings, recentSales int) float64 {
	if recentSales == 0 {
		return math.Max(10, float64(activeListings))
	}
	return float64(activeListings) / float64(recentSales)
}

// PriceMultiplier maps a supply/demand ratio to a base multiplier. The
// first matching branch wins; the ranges overlap at boundaries and the
// evaluation order is load-bearing.
func (m *Model) PriceMultiplier(ratio float64) float64 {
	switch {
	case ratio > 5: // severe oversupply
		return math.Max(0.3, 1-(ratio-5)*0.1)
	case ratio > 2: // oversupply
		return math.Max(0.7, 1-(ratio-2)*0.1)
	case ratio < 0.2: // extreme demand
		return math.Min(2.5, 1+(0.2-ratio)*3)
	case ratio < 0.5: // high demand
		return math.Min(1.5, 1+(0.5-ratio)*1.5)
	default: // balanced market, ±~5% noise
		return 0.95 + m.rng.Float64()*0.1
	}
}

// Volatility measures realized price swings: the mean absolute relative
// step over the history, halved, on top of base, capped at MaxVolatility.
// Histories shorter than two points return base unchanged.
func Volatility(history []int64, base float64) float64 {
	if len(history) < 2 {
		return base
	}
	var sum float64
	for i := 1; i < len(history); i++ {
		prev := float64(history[i-1])
		sum += math.Abs(float64(history[i])-prev) / prev
	}
	avg := sum / float64(len(history)-1)
	return math.Min(MaxVolatility, base+avg*0.5)
}

// ApplyEvents folds active market events into the multiplier, in list
// order, multiplicatively.
func ApplyEvents(mult float64, events []model.MarketEvent) float64 {
	for _, e := range events {
		switch e.Type {
		case model.EventShortage:
			mult *= 1 + e.Multiplier
		case model.EventSurplus:
			mult *= math.Max(0.1, 1-e.Multiplier)
		case model.EventDiscovery:
			mult *= math.Max(0.5, 1-e.Multiplier*0.5)
		case model.EventDisruption:
			mult *= 1 + e.Multiplier*1.5
		}
	}
	return mult
}

// Result is the outcome of one pricing computation. Multiplier is the
// final post-noise multiplier actually applied.
type Result struct {
	NewPrice   int64
	SDRatio    float64
	Multiplier float64
	Volatility float64
	Trend      string
}

// CalculateNewPrice runs the full pipeline for one item:
// ratio → multiplier → event adjustment → volatility-bounded noise →
// clamp against the last known price → round, floor at 1.
//
// history holds recent tick prices oldest first; the last entry is the
// clamp anchor (base price if empty). A maxChange <= 0 uses
// DefaultMaxChange.
func (m *Model) CalculateNewPrice(data model.MarketData, history []int64, events []model.MarketEvent, maxChange float64) Result {
	if maxChange <= 0 {
		maxChange = DefaultMaxChange
	}

	ratio := SupplyDemandRatio(data.ActiveListings, data.RecentSales)
	mult := m.PriceMultiplier(ratio)
	mult = ApplyEvents(mult, events)

	vol := Volatility(history, BaseVolatility)
	noise := (m.rng.Float64()*2 - 1) * vol
	mult *= 1 + noise

	raw := float64(data.BasePrice) * mult

	last := data.BasePrice
	if len(history) > 0 {
		last = history[len(history)-1]
	}

	maxDelta := float64(last) * maxChange
	raw = math.Max(float64(last)-maxDelta, math.Min(float64(last)+maxDelta, raw))

	newPrice := int64(math.Round(raw))
	if newPrice < 1 {
		newPrice = 1
	}

	trend := TrendStable
	switch {
	case float64(newPrice) > float64(last)*1.02:
		trend = TrendUp
	case float64(newPrice) < float64(last)*0.98:
		trend = TrendDown
	}

	return Result{
		NewPrice:   newPrice,
		SDRatio:    ratio,
		Multiplier: mult,
		Volatility: vol,
		Trend:      trend,
	}
}

// DepthSide is one side of the depth view: total gold value and the
// individual listed quantities inside the band.
type DepthSide struct {
	TotalValue decimal.Decimal `json:"total_value"`
	Quantities []int64         `json:"quantities"`
}

// Depth is the market depth around the current price. There is no order
// book: listings are take-it-or-leave-it asks, so only the sell side is
// ever populated. The buy side is structurally present and always empty.
type Depth struct {
	Sell DepthSide `json:"sell"`
	Buy  DepthSide `json:"buy"`
}

// MarketDepth buckets active listings priced within DepthBand of the
// current price into the sell side.
func MarketDepth(listings []model.Listing, currentPrice int64) Depth {
	d := Depth{
		Sell: DepthSide{TotalValue: decimal.Zero},
		Buy:  DepthSide{TotalValue: decimal.Zero},
	}
	limit := float64(currentPrice) * DepthBand
	for _, l := range listings {
		if float64(l.Price) > limit {
			continue
		}
		value := decimal.NewFromInt(l.Price).Mul(decimal.NewFromInt(l.Quantity))
		d.Sell.TotalValue = d.Sell.TotalValue.Add(value)
		d.Sell.Quantities = append(d.Sell.Quantities, l.Quantity)
	}
	return d
}
