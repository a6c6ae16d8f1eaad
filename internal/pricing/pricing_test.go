package pricing

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/KDLN/aurelian-market/internal/model"
)

func decimalFromInt(n int64) decimal.Decimal { return decimal.NewFromInt(n) }

// fixedRand pins the random source to a constant for deterministic runs.
type fixedRand struct{ v float64 }

func (r fixedRand) Float64() float64 { return r.v }

// neutral returns a model whose noise term is zero (0.5 → centered).
func neutral() *Model {
	return New(fixedRand{v: 0.5})
}

func closeTo(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

// --- Supply/demand ratio tests ---

func TestSupplyDemandRatio(t *testing.T) {
	tests := []struct {
		listings, sales int
		want            float64
	}{
		{100, 10, 10},
		{10, 100, 0.1},
		{50, 0, 50},  // zero demand → max(10, listings)
		{3, 0, 10},   // zero demand, small supply → floor 10
		{50, 50, 1},
	}
	for _, tt := range tests {
		got := SupplyDemandRatio(tt.listings, tt.sales)
		if !closeTo(got, tt.want) {
			t.Errorf("SupplyDemandRatio(%d, %d) = %v, want %v",
				tt.listings, tt.sales, got, tt.want)
		}
	}
}

// --- Multiplier branch tests ---

func TestPriceMultiplier_SevereOversupply(t *testing.T) {
	m := neutral()
	if got := m.PriceMultiplier(10); !closeTo(got, 0.5) {
		t.Errorf("PriceMultiplier(10) = %v, want 0.5", got)
	}
	// Floor at 0.3 no matter how deep the glut.
	if got := m.PriceMultiplier(100); !closeTo(got, 0.3) {
		t.Errorf("PriceMultiplier(100) = %v, want floor 0.3", got)
	}
}

func TestPriceMultiplier_Oversupply(t *testing.T) {
	m := neutral()
	if got := m.PriceMultiplier(3); !closeTo(got, 0.9) {
		t.Errorf("PriceMultiplier(3) = %v, want 0.9", got)
	}
	// ratio=5 falls through the >5 branch into >2.
	if got := m.PriceMultiplier(5); !closeTo(got, 0.7) {
		t.Errorf("PriceMultiplier(5) = %v, want 0.7", got)
	}
}

func TestPriceMultiplier_ExtremeDemand(t *testing.T) {
	m := neutral()
	if got := m.PriceMultiplier(0.1); !closeTo(got, 1.3) {
		t.Errorf("PriceMultiplier(0.1) = %v, want 1.3", got)
	}
	if got := m.PriceMultiplier(0); !closeTo(got, 1.6) {
		t.Errorf("PriceMultiplier(0) = %v, want 1.6", got)
	}
}

func TestPriceMultiplier_HighDemand(t *testing.T) {
	m := neutral()
	if got := m.PriceMultiplier(0.3); !closeTo(got, 1.3) {
		t.Errorf("PriceMultiplier(0.3) = %v, want 1.3", got)
	}
}

func TestPriceMultiplier_Balanced(t *testing.T) {
	// With the centered source the balanced branch is exactly 1.0.
	m := neutral()
	if got := m.PriceMultiplier(1); !closeTo(got, 1.0) {
		t.Errorf("PriceMultiplier(1) = %v, want 1.0", got)
	}
	// Over the full source range the branch stays in [0.95, 1.05).
	for _, v := range []float64{0, 0.25, 0.75, 0.999} {
		m := New(fixedRand{v: v})
		got := m.PriceMultiplier(1)
		if got < 0.95 || got >= 1.05 {
			t.Errorf("balanced multiplier %v out of [0.95, 1.05)", got)
		}
	}
}

// --- Volatility tests ---

func TestVolatility_ShortHistory(t *testing.T) {
	if got := Volatility([]int64{100}, 0.1); !closeTo(got, 0.1) {
		t.Errorf("Volatility(1 point) = %v, want base 0.1", got)
	}
	if got := Volatility(nil, 0.05); !closeTo(got, 0.05) {
		t.Errorf("Volatility(nil) = %v, want base 0.05", got)
	}
}

func TestVolatility_SwingingHistory(t *testing.T) {
	got := Volatility([]int64{100, 105, 95, 110, 90}, 0.05)
	if got <= 0.05 {
		t.Errorf("volatile history should exceed base, got %v", got)
	}
	if got > MaxVolatility {
		t.Errorf("volatility must be capped at %v, got %v", MaxVolatility, got)
	}
}

func TestVolatility_Cap(t *testing.T) {
	// Wild swings saturate the cap.
	got := Volatility([]int64{10, 100, 5, 200, 2}, 0.05)
	if !closeTo(got, MaxVolatility) {
		t.Errorf("expected cap %v, got %v", MaxVolatility, got)
	}
}

// --- Event adjustment tests ---

func TestApplyEvents_Shortage(t *testing.T) {
	events := []model.MarketEvent{{Type: model.EventShortage, Multiplier: 0.3}}
	if got := ApplyEvents(1.0, events); !closeTo(got, 1.3) {
		t.Errorf("ApplyEvents(shortage 0.3) = %v, want 1.3", got)
	}
}

func TestApplyEvents_Stacked(t *testing.T) {
	events := []model.MarketEvent{
		{Type: model.EventShortage, Multiplier: 0.2},
		{Type: model.EventDisruption, Multiplier: 0.1},
	}
	// 1.0 * 1.2 * 1.15 = 1.38
	if got := ApplyEvents(1.0, events); !closeTo(got, 1.38) {
		t.Errorf("ApplyEvents(shortage+disruption) = %v, want 1.38", got)
	}
}

func TestApplyEvents_SurplusFloor(t *testing.T) {
	events := []model.MarketEvent{{Type: model.EventSurplus, Multiplier: 2.0}}
	if got := ApplyEvents(1.0, events); !closeTo(got, 0.1) {
		t.Errorf("surplus floor should hold at 0.1, got %v", got)
	}
}

func TestApplyEvents_DiscoveryFloor(t *testing.T) {
	events := []model.MarketEvent{{Type: model.EventDiscovery, Multiplier: 3.0}}
	if got := ApplyEvents(1.0, events); !closeTo(got, 0.5) {
		t.Errorf("discovery floor should hold at 0.5, got %v", got)
	}
}

// --- Full pipeline tests ---

func TestCalculateNewPrice_ClampedToWindow(t *testing.T) {
	m := New(fixedRand{v: 0.9}) // upward noise
	data := model.MarketData{ItemID: "iron_ore", ActiveListings: 1, RecentSales: 20, BasePrice: 100}
	history := []int64{100, 102, 101, 103, 100}

	for _, maxChange := range []float64{0.05, 0.1, 0.15} {
		res := m.CalculateNewPrice(data, history, nil, maxChange)
		last := history[len(history)-1]
		delta := math.Abs(float64(res.NewPrice - last))
		// Allow one unit of slack for rounding.
		if delta > float64(last)*maxChange+1 {
			t.Errorf("maxChange=%v: |%d - %d| exceeds clamp", maxChange, res.NewPrice, last)
		}
		if res.NewPrice < 1 {
			t.Errorf("price floor violated: %d", res.NewPrice)
		}
	}
}

func TestCalculateNewPrice_FloorAtOne(t *testing.T) {
	m := New(fixedRand{v: 0.1}) // downward noise
	data := model.MarketData{ItemID: "stone", ActiveListings: 500, RecentSales: 1, BasePrice: 1}
	res := m.CalculateNewPrice(data, []int64{1}, nil, 0)
	if res.NewPrice < 1 {
		t.Errorf("price must never fall below 1, got %d", res.NewPrice)
	}
}

func TestCalculateNewPrice_Trend(t *testing.T) {
	m := neutral()

	// Heavy demand against a low anchor trends up.
	data := model.MarketData{ItemID: "gems", ActiveListings: 1, RecentSales: 50, BasePrice: 100}
	res := m.CalculateNewPrice(data, []int64{100}, nil, 0.15)
	if res.Trend != TrendUp {
		t.Errorf("expected up trend, got %s (price %d)", res.Trend, res.NewPrice)
	}

	// Glut trends down.
	data = model.MarketData{ItemID: "gems", ActiveListings: 100, RecentSales: 1, BasePrice: 100}
	res = m.CalculateNewPrice(data, []int64{100}, nil, 0.15)
	if res.Trend != TrendDown {
		t.Errorf("expected down trend, got %s (price %d)", res.Trend, res.NewPrice)
	}

	// Balanced market with neutral noise is stable.
	data = model.MarketData{ItemID: "gems", ActiveListings: 10, RecentSales: 10, BasePrice: 100}
	res = m.CalculateNewPrice(data, []int64{100}, nil, 0.15)
	if res.Trend != TrendStable {
		t.Errorf("expected stable trend, got %s (price %d)", res.Trend, res.NewPrice)
	}
}

func TestCalculateNewPrice_DefaultMaxChange(t *testing.T) {
	m := New(fixedRand{v: 0.95})
	data := model.MarketData{ItemID: "salt", ActiveListings: 0, RecentSales: 50, BasePrice: 100}
	res := m.CalculateNewPrice(data, []int64{100}, nil, 0)
	if res.NewPrice > 110 {
		t.Errorf("default clamp (0.1) violated: %d", res.NewPrice)
	}
}

func TestCalculateNewPrice_NoHistoryAnchorsToBase(t *testing.T) {
	m := neutral()
	data := model.MarketData{ItemID: "ale", ActiveListings: 100, RecentSales: 1, BasePrice: 50}
	res := m.CalculateNewPrice(data, nil, nil, 0.1)
	if res.NewPrice < 45 || res.NewPrice > 55 {
		t.Errorf("no-history price should clamp around base 50, got %d", res.NewPrice)
	}
	if res.Trend != TrendDown {
		t.Errorf("glut with no history should trend down, got %s", res.Trend)
	}
}

// --- Market depth tests ---

func TestMarketDepth_SellSideOnly(t *testing.T) {
	listings := []model.Listing{
		{ItemID: "iron_ore", Price: 100, Quantity: 5},
		{ItemID: "iron_ore", Price: 108, Quantity: 3},
		{ItemID: "iron_ore", Price: 111, Quantity: 2}, // above 100*1.1, excluded
	}
	d := MarketDepth(listings, 100)

	if len(d.Sell.Quantities) != 2 {
		t.Fatalf("expected 2 sell-side listings, got %d", len(d.Sell.Quantities))
	}
	// 100*5 + 108*3 = 824
	if !d.Sell.TotalValue.Equal(decimalFromInt(824)) {
		t.Errorf("expected sell value 824, got %s", d.Sell.TotalValue)
	}
	if len(d.Buy.Quantities) != 0 || !d.Buy.TotalValue.IsZero() {
		t.Error("buy side must always be empty (no order book)")
	}
}

func TestMarketDepth_Empty(t *testing.T) {
	d := MarketDepth(nil, 100)
	if !d.Sell.TotalValue.IsZero() {
		t.Errorf("empty depth should have zero value, got %s", d.Sell.TotalValue)
	}
}
