// Package store defines the persistence boundary for the marketplace.
// PostgreSQL is the source of truth; Redis provides a read-through cache
// for hot reads; the in-memory implementation backs tests and local
// development.
//
// Every settlement (purchase, cancel, expire) is one all-or-nothing
// transaction that re-reads the listing and re-verifies it is still
// active before flipping its status. That re-check is the sole
// enforcement of the at-most-one-settlement-per-listing invariant: the
// first committer wins and any later committer gets ErrNotActive with
// zero side effects.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/KDLN/aurelian-market/internal/model"
)

var (
	// ErrNotFound is returned when a listing id does not exist.
	ErrNotFound = errors.New("store: listing not found")

	// ErrNotActive is returned when a settlement loses the race: the
	// listing already made its terminal transition.
	ErrNotActive = errors.New("store: listing no longer active")

	// ErrNotSeller is returned when a cancel is attempted by someone
	// other than the listing's seller.
	ErrNotSeller = errors.New("store: caller is not the seller")

	// ErrInsufficientFunds is returned when the buyer's balance cannot
	// cover the purchase total.
	ErrInsufficientFunds = errors.New("store: insufficient funds")

	// ErrInsufficientInventory is returned when the seller's holding
	// cannot cover the listed quantity.
	ErrInsufficientInventory = errors.New("store: insufficient inventory")
)

// Store is the persistence interface for listings, settlement, pricing
// data, and the monetary ledger.
type Store interface {
	// Ping verifies the backing store is reachable. The broadcast loop
	// uses it to decide between data-driven and degraded pricing.
	Ping(ctx context.Context) error

	// --- Listing lifecycle ---

	// ActiveListings returns up to limit active listings, newest first.
	ActiveListings(ctx context.Context, limit int) ([]model.Listing, error)

	// CreateListing escrows the listed quantity from the seller's
	// inventory and inserts the listing row, atomically.
	CreateListing(ctx context.Context, l *model.Listing) error

	// PurchaseListing settles a buy: re-verifies the listing is active,
	// marks it sold, debits the buyer, credits the seller (creating the
	// wallet if absent), moves the goods to the buyer, and writes the
	// buyer/seller/house ledger rows, all in one transaction.
	PurchaseListing(ctx context.Context, listingID, buyerID string) (*model.Settlement, error)

	// CancelListing re-verifies active and seller identity, marks the
	// listing cancelled, and returns the escrowed quantity to the seller.
	CancelListing(ctx context.Context, listingID, sellerID string) (*model.Listing, error)

	// ExpireListing re-verifies active, marks the listing expired, and
	// returns the escrowed quantity to the seller.
	ExpireListing(ctx context.Context, listingID string) (*model.Listing, error)

	// --- Pricing inputs ---

	// SupplySignal counts active listings for an item created since the
	// given time, plus their total quantity. Older still-active listings
	// are deliberately excluded from the supply signal.
	SupplySignal(ctx context.Context, itemID string, since time.Time) (count int, totalQty int64, err error)

	// SalesSignal counts listings sold since the given time and their
	// average unit price. The average is zero when there were no sales.
	SalesSignal(ctx context.Context, itemID string, since time.Time) (count int, avgPrice decimal.Decimal, err error)

	// PriceHistory returns the last n ticks for an item, oldest first.
	PriceHistory(ctx context.Context, itemID string, n int) ([]model.PriceTick, error)

	// FirstTickSince returns the oldest tick for an item at or after the
	// given time, or nil if none exists.
	FirstTickSince(ctx context.Context, itemID string, since time.Time) (*model.PriceTick, error)

	// InsertPriceTick appends one immutable tick.
	InsertPriceTick(ctx context.Context, t *model.PriceTick) error

	// ActiveEvents returns unexpired market events scoped to the given
	// item/hub or globally.
	ActiveEvents(ctx context.Context, itemID, hubID string, now time.Time) ([]model.MarketEvent, error)

	// --- Wallet / inventory / ledger reads ---

	// Balance returns a user's gold balance; absent wallets read as 0.
	Balance(ctx context.Context, userID string) (int64, error)

	// Holding returns a user's quantity of an item; absent rows read as 0.
	Holding(ctx context.Context, userID, itemID string) (int64, error)

	// Ledger returns a user's ledger rows, oldest first. An empty userID
	// selects the house rows (null owner).
	Ledger(ctx context.Context, userID string) ([]model.LedgerTx, error)
}
