// Package model defines the core domain types shared across the market
// service. Gold is an integer currency: balances, prices, and fees are
// int64. Derived fractional statistics use shopspring/decimal, never
// float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Listing statuses. A listing makes exactly one terminal transition
// (sold, cancelled, or expired), linearized by the storage transaction.
const (
	StatusActive    = "active"
	StatusSold      = "sold"
	StatusCancelled = "cancelled"
	StatusExpired   = "expired"
)

// Ledger reasons for settlement rows.
const (
	ReasonPurchase = "auction_purchase"
	ReasonSale     = "auction_sale"
	ReasonFee      = "auction_fee"
)

// Market event types and severities. Events are created and expired by
// an external system; this service only reads them.
const (
	EventShortage   = "shortage"
	EventSurplus    = "surplus"
	EventDiscovery  = "discovery"
	EventDisruption = "disruption"
)

// Listing is a take-it-or-leave-it sell offer: a quantity of one item at
// a fixed unit price. The listed quantity is held in escrow (removed from
// the seller's usable inventory) while the listing is active.
type Listing struct {
	ID          string     `json:"id" db:"id"`
	SellerID    string     `json:"seller_id" db:"seller_id"`
	ItemID      string     `json:"item_id" db:"item_id"`
	Quantity    int64      `json:"quantity" db:"qty"`
	Price       int64      `json:"price" db:"price"` // gold per unit
	DurationMin int64      `json:"duration_min" db:"duration_min"`
	FeePct      int64      `json:"fee_pct" db:"fee_pct"`
	Status      string     `json:"status" db:"status"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty" db:"closed_at"`
}

// Age returns how long the listing has been alive. Recomputed on each
// reconciliation, never stored.
func (l *Listing) Age(now time.Time) time.Duration {
	return now.Sub(l.CreatedAt)
}

// Expired reports whether the listing has outlived its duration.
func (l *Listing) Expired(now time.Time) bool {
	return l.Age(now) > time.Duration(l.DurationMin)*time.Minute
}

// PriceTick is one immutable output of the pricing engine. Rows are
// append-only and feed the next tick's clamp window.
type PriceTick struct {
	ID         string    `json:"id" db:"id"`
	ItemID     string    `json:"item_id" db:"item_id"`
	HubID      string    `json:"hub_id,omitempty" db:"hub_id"`
	Price      int64     `json:"price" db:"price"`
	Volume     int64     `json:"volume" db:"volume"`
	High       int64     `json:"high" db:"high"`
	Low        int64     `json:"low" db:"low"`
	SDRatio    float64   `json:"supply_demand_ratio" db:"sd_ratio"`
	Multiplier float64   `json:"multiplier" db:"multiplier"`
	Volatility float64   `json:"volatility" db:"volatility"`
	Trend      string    `json:"trend" db:"trend"` // "up", "down", "stable"
	At         time.Time `json:"at" db:"at"`
}

// MarketEvent is a read-only pricing input: shortages, surpluses,
// discoveries, and disruptions scoped globally or to one item/hub.
type MarketEvent struct {
	ID         string     `json:"id" db:"id"`
	Type       string     `json:"type" db:"type"`
	Severity   string     `json:"severity" db:"severity"` // "low", "medium", "high"
	Multiplier float64    `json:"multiplier" db:"multiplier"`
	ItemID     string     `json:"item_id,omitempty" db:"item_id"` // empty = global
	HubID      string     `json:"hub_id,omitempty" db:"hub_id"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty" db:"expires_at"`
}

// Active reports whether the event still applies at the given instant.
func (e *MarketEvent) Active(now time.Time) bool {
	return e.ExpiresAt == nil || e.ExpiresAt.After(now)
}

// LedgerTx is an immutable double-entry ledger row: a signed gold delta
// with a reason. An empty UserID marks a house row (fee collection); the
// house has no wallet.
type LedgerTx struct {
	ID        string            `json:"id" db:"id"`
	UserID    string            `json:"user_id,omitempty" db:"user_id"`
	Amount    int64             `json:"amount" db:"amount"`
	Reason    string            `json:"reason" db:"reason"`
	Meta      map[string]string `json:"meta,omitempty" db:"meta"`
	CreatedAt time.Time         `json:"created_at" db:"created_at"`
}

// Settlement is the result of a committed purchase: the terminal listing
// plus the money movement that happened inside the same transaction.
type Settlement struct {
	Listing        Listing `json:"listing"`
	BuyerID        string  `json:"buyer_id"`
	Total          int64   `json:"total"`
	Fee            int64   `json:"fee"`
	SellerReceives int64   `json:"seller_receives"`
}

// MarketData is the aggregated pricing input for one item over the
// lookback window.
type MarketData struct {
	ItemID         string          `json:"item_id"`
	ActiveListings int             `json:"active_listings"`
	TotalQuantity  int64           `json:"total_listing_quantity"`
	RecentSales    int             `json:"recent_sales_24h"`
	AvgSalePrice   decimal.Decimal `json:"avg_sale_price_24h"`
	BasePrice      int64           `json:"base_price"`
}

// MarketSnapshot is the derived per-item summary broadcast periodically.
// Not persisted.
type MarketSnapshot struct {
	ItemID         string          `json:"item_id"`
	Price          int64           `json:"price"`
	BasePrice      int64           `json:"base_price"`
	ActiveListings int             `json:"active_listings"`
	RecentSales    int             `json:"recent_sales"`
	ChangePct      decimal.Decimal `json:"change_pct_24h"`
}
