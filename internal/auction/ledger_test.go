package auction_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/KDLN/aurelian-market/internal/auction"
	"github.com/KDLN/aurelian-market/internal/model"
	"github.com/KDLN/aurelian-market/internal/store"
)

type fixedRand struct{ v float64 }

func (r fixedRand) Float64() float64 { return r.v }

func newTestLedger(t *testing.T) (*auction.Ledger, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	return auction.NewLedger(ms, nil, fixedRand{v: 0.5}, 0), ms
}

// seedListing inserts a listing directly into the store, bypassing the
// ledger, so tests can control createdAt and cache staleness.
func seedListing(t *testing.T, ms *store.MemoryStore, sellerID, itemID string, qty, price, durationMin int64, createdAt time.Time) *model.Listing {
	t.Helper()
	ms.Grant(sellerID, itemID, qty)
	l := &model.Listing{
		ID:          uuid.New().String(),
		SellerID:    sellerID,
		ItemID:      itemID,
		Quantity:    qty,
		Price:       price,
		DurationMin: durationMin,
		FeePct:      5,
		Status:      model.StatusActive,
		CreatedAt:   createdAt,
	}
	if err := ms.CreateListing(context.Background(), l); err != nil {
		t.Fatalf("failed to seed listing: %v", err)
	}
	return l
}

// --- Create ---

func TestCreate_EscrowsInventory(t *testing.T) {
	ledger, ms := newTestLedger(t)
	ctx := context.Background()
	ms.Grant("alice", "iron_ore", 15)

	listing, err := ledger.Create(ctx, "alice", "iron_ore", 10, 5, 24)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if listing.FeePct != 5 {
		t.Errorf("duration 24 should carry 5%% fee, got %d", listing.FeePct)
	}
	if listing.Status != model.StatusActive {
		t.Errorf("expected active listing, got %s", listing.Status)
	}

	holding, _ := ms.Holding(ctx, "alice", "iron_ore")
	if holding != 5 {
		t.Errorf("escrow should leave 5 iron_ore, got %d", holding)
	}

	snap := ledger.Snapshot()
	if len(snap.Listings) != 1 {
		t.Errorf("expected 1 cached listing, got %d", len(snap.Listings))
	}
}

func TestCreate_FeeTiers(t *testing.T) {
	ledger, ms := newTestLedger(t)
	ctx := context.Background()
	ms.Grant("alice", "iron_ore", 100)

	tests := []struct {
		duration, wantFee int64
	}{
		{6, 2},
		{12, 3},
		{24, 5},
		{36, 8},
		{60, 12},
		{7, 5}, // unrecognized duration → default
	}
	for _, tt := range tests {
		listing, err := ledger.Create(ctx, "alice", "iron_ore", 1, 5, tt.duration)
		if err != nil {
			t.Fatalf("create (duration %d) failed: %v", tt.duration, err)
		}
		if listing.FeePct != tt.wantFee {
			t.Errorf("duration %d: fee %d, want %d", tt.duration, listing.FeePct, tt.wantFee)
		}
	}
}

func TestCreate_InsufficientInventory(t *testing.T) {
	ledger, ms := newTestLedger(t)
	ctx := context.Background()
	ms.Grant("alice", "iron_ore", 3)

	_, err := ledger.Create(ctx, "alice", "iron_ore", 10, 5, 24)
	if !errors.Is(err, store.ErrInsufficientInventory) {
		t.Errorf("expected ErrInsufficientInventory, got %v", err)
	}

	holding, _ := ms.Holding(ctx, "alice", "iron_ore")
	if holding != 3 {
		t.Errorf("failed create must not touch inventory, got %d", holding)
	}
}

func TestCreate_UnknownItem(t *testing.T) {
	ledger, _ := newTestLedger(t)
	_, err := ledger.Create(context.Background(), "alice", "philosopher_stone", 1, 5, 24)
	if !errors.Is(err, auction.ErrItemNotFound) {
		t.Errorf("expected ErrItemNotFound, got %v", err)
	}
}

func TestCreate_InvalidInput(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	if _, err := ledger.Create(ctx, "alice", "iron_ore", 0, 5, 24); !errors.Is(err, auction.ErrInvalidInput) {
		t.Errorf("zero quantity: expected ErrInvalidInput, got %v", err)
	}
	if _, err := ledger.Create(ctx, "alice", "iron_ore", 10, -1, 24); !errors.Is(err, auction.ErrInvalidInput) {
		t.Errorf("negative price: expected ErrInvalidInput, got %v", err)
	}
	if _, err := ledger.Create(ctx, "not a valid id!", "iron_ore", 10, 5, 24); !errors.Is(err, auction.ErrInvalidIdentity) {
		t.Errorf("malformed identity: expected ErrInvalidIdentity, got %v", err)
	}
}

// --- Buy ---

func TestBuy_FullSettlement(t *testing.T) {
	ledger, ms := newTestLedger(t)
	ctx := context.Background()

	ms.Grant("alice", "iron_ore", 10)
	ms.Credit("bob", 100)

	listing, err := ledger.Create(ctx, "alice", "iron_ore", 10, 5, 24)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	settlement, err := ledger.Buy(ctx, "bob", listing.ID)
	if err != nil {
		t.Fatalf("buy failed: %v", err)
	}

	// total=50, fee=floor(50*0.05)=2, seller receives 48.
	if settlement.Total != 50 || settlement.Fee != 2 || settlement.SellerReceives != 48 {
		t.Errorf("settlement = total %d fee %d seller %d, want 50/2/48",
			settlement.Total, settlement.Fee, settlement.SellerReceives)
	}

	if bal, _ := ms.Balance(ctx, "bob"); bal != 50 {
		t.Errorf("buyer balance = %d, want 50", bal)
	}
	if bal, _ := ms.Balance(ctx, "alice"); bal != 48 {
		t.Errorf("seller balance = %d, want 48", bal)
	}
	if holding, _ := ms.Holding(ctx, "bob", "iron_ore"); holding != 10 {
		t.Errorf("buyer holding = %d, want 10", holding)
	}

	// Double-entry ledger: buyer debit, seller credit, house fee.
	buyerTxs, _ := ms.Ledger(ctx, "bob")
	if len(buyerTxs) != 1 || buyerTxs[0].Amount != -50 || buyerTxs[0].Reason != model.ReasonPurchase {
		t.Errorf("unexpected buyer ledger: %+v", buyerTxs)
	}
	sellerTxs, _ := ms.Ledger(ctx, "alice")
	if len(sellerTxs) != 1 || sellerTxs[0].Amount != 48 || sellerTxs[0].Reason != model.ReasonSale {
		t.Errorf("unexpected seller ledger: %+v", sellerTxs)
	}
	if sellerTxs[0].Meta["fee"] != "2" {
		t.Errorf("sale row should carry fee metadata, got %v", sellerTxs[0].Meta)
	}
	houseTxs, _ := ms.Ledger(ctx, "")
	if len(houseTxs) != 1 || houseTxs[0].Amount != 2 || houseTxs[0].Reason != model.ReasonFee {
		t.Errorf("unexpected house ledger: %+v", houseTxs)
	}

	// Removed from the local cache immediately, ahead of reconciliation.
	if snap := ledger.Snapshot(); len(snap.Listings) != 0 {
		t.Errorf("sold listing should leave the cache, got %d listings", len(snap.Listings))
	}
}

func TestBuy_SelfTradeRejected(t *testing.T) {
	ledger, ms := newTestLedger(t)
	ctx := context.Background()

	ms.Grant("alice", "iron_ore", 10)
	ms.Credit("alice", 100)
	listing, _ := ledger.Create(ctx, "alice", "iron_ore", 10, 5, 24)

	_, err := ledger.Buy(ctx, "alice", listing.ID)
	if !errors.Is(err, auction.ErrSelfTrade) {
		t.Fatalf("expected ErrSelfTrade, got %v", err)
	}

	if bal, _ := ms.Balance(ctx, "alice"); bal != 100 {
		t.Errorf("self-trade must not move gold, balance = %d", bal)
	}
	if snap := ledger.Snapshot(); len(snap.Listings) != 1 {
		t.Error("self-trade must leave the listing active")
	}
}

func TestBuy_InsufficientFunds(t *testing.T) {
	ledger, ms := newTestLedger(t)
	ctx := context.Background()

	ms.Grant("alice", "iron_ore", 10)
	ms.Credit("bob", 10) // needs 50
	listing, _ := ledger.Create(ctx, "alice", "iron_ore", 10, 5, 24)

	_, err := ledger.Buy(ctx, "bob", listing.ID)
	if !errors.Is(err, store.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	if bal, _ := ms.Balance(ctx, "bob"); bal != 10 {
		t.Errorf("failed buy must not touch wallet, balance = %d", bal)
	}
	if snap := ledger.Snapshot(); len(snap.Listings) != 1 {
		t.Error("failed buy must leave the listing active")
	}
}

func TestBuy_UnknownListing(t *testing.T) {
	ledger, _ := newTestLedger(t)
	_, err := ledger.Buy(context.Background(), "bob", uuid.New().String())
	if !errors.Is(err, auction.ErrListingNotFound) {
		t.Errorf("expected ErrListingNotFound, got %v", err)
	}
}

func TestBuy_LostRaceHasNoSideEffects(t *testing.T) {
	ledger, ms := newTestLedger(t)
	ctx := context.Background()

	ms.Grant("alice", "iron_ore", 10)
	ms.Credit("bob", 100)
	ms.Credit("carol", 100)
	listing, _ := ledger.Create(ctx, "alice", "iron_ore", 10, 5, 24)

	// Another instance settles the listing first; this ledger's cache is
	// now stale.
	if _, err := ms.PurchaseListing(ctx, listing.ID, "carol"); err != nil {
		t.Fatalf("concurrent purchase failed: %v", err)
	}

	_, err := ledger.Buy(ctx, "bob", listing.ID)
	if !errors.Is(err, store.ErrNotActive) {
		t.Fatalf("expected ErrNotActive for lost race, got %v", err)
	}

	// Zero additional movement: bob untouched, alice credited exactly once.
	if bal, _ := ms.Balance(ctx, "bob"); bal != 100 {
		t.Errorf("loser's wallet must be untouched, balance = %d", bal)
	}
	if bal, _ := ms.Balance(ctx, "alice"); bal != 48 {
		t.Errorf("seller must be credited exactly once, balance = %d", bal)
	}
	if holding, _ := ms.Holding(ctx, "bob", "iron_ore"); holding != 0 {
		t.Errorf("loser must receive no goods, holding = %d", holding)
	}
}

// --- Cancel ---

func TestCancel_ReturnsEscrow(t *testing.T) {
	ledger, ms := newTestLedger(t)
	ctx := context.Background()

	ms.Grant("alice", "iron_ore", 10)
	listing, _ := ledger.Create(ctx, "alice", "iron_ore", 10, 5, 24)

	if _, err := ledger.Cancel(ctx, "alice", listing.ID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	if holding, _ := ms.Holding(ctx, "alice", "iron_ore"); holding != 10 {
		t.Errorf("escrow should return on cancel, holding = %d", holding)
	}
	if snap := ledger.Snapshot(); len(snap.Listings) != 0 {
		t.Error("cancelled listing should leave the cache")
	}
}

func TestCancel_SellerOnly(t *testing.T) {
	ledger, ms := newTestLedger(t)
	ctx := context.Background()

	ms.Grant("alice", "iron_ore", 10)
	listing, _ := ledger.Create(ctx, "alice", "iron_ore", 10, 5, 24)

	_, err := ledger.Cancel(ctx, "mallory", listing.ID)
	if !errors.Is(err, store.ErrNotSeller) {
		t.Fatalf("expected ErrNotSeller, got %v", err)
	}
	if snap := ledger.Snapshot(); len(snap.Listings) != 1 {
		t.Error("foreign cancel must leave the listing active")
	}
}

// --- Reconciliation and expiry ---

func TestReconcile_RebuildsCache(t *testing.T) {
	ledger, ms := newTestLedger(t)
	ctx := context.Background()

	seedListing(t, ms, "alice", "iron_ore", 10, 5, 24, time.Now().UTC())

	if err := ledger.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if snap := ledger.Snapshot(); len(snap.Listings) != 1 {
		t.Errorf("expected 1 listing after reconcile, got %d", len(snap.Listings))
	}
}

func TestReconcile_ExpiresAgedListings(t *testing.T) {
	ledger, ms := newTestLedger(t)
	ctx := context.Background()

	// Duration 6 minutes, created 10 minutes ago.
	old := time.Now().UTC().Add(-10 * time.Minute)
	listing := seedListing(t, ms, "alice", "iron_ore", 10, 5, 6, old)

	if err := ledger.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}

	if holding, _ := ms.Holding(ctx, "alice", "iron_ore"); holding != 10 {
		t.Errorf("expiry should return escrow, holding = %d", holding)
	}
	if snap := ledger.Snapshot(); len(snap.Listings) != 0 {
		t.Error("expired listing should leave the cache")
	}

	// Subsequent buys fail not-found.
	_, err := ledger.Buy(ctx, "bob", listing.ID)
	if !errors.Is(err, auction.ErrListingNotFound) {
		t.Errorf("buy after expiry: expected ErrListingNotFound, got %v", err)
	}
}

// flakyStore fails ExpireListing for one chosen id.
type flakyStore struct {
	*store.MemoryStore
	failID string
}

var errBoom = errors.New("simulated storage failure")

func (s *flakyStore) ExpireListing(ctx context.Context, listingID string) (*model.Listing, error) {
	if listingID == s.failID {
		return nil, errBoom
	}
	return s.MemoryStore.ExpireListing(ctx, listingID)
}

func TestExpireBatch_AbortsRemainingOnFailure(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	old := time.Now().UTC().Add(-time.Hour)
	bad := seedListing(t, ms, "alice", "iron_ore", 5, 5, 6, old)
	good := seedListing(t, ms, "alice", "timber", 5, 3, 6, old)

	fs := &flakyStore{MemoryStore: ms, failID: bad.ID}
	ledger := auction.NewLedger(fs, nil, fixedRand{v: 0.5}, 0)

	// Failing id first: the rest of the batch is aborted.
	if err := ledger.ExpireBatch(ctx, []string{bad.ID, good.ID}); !errors.Is(err, errBoom) {
		t.Fatalf("expected the batch to surface the failure, got %v", err)
	}
	if got, _ := ms.ActiveListings(ctx, 10); len(got) != 2 {
		t.Errorf("aborted batch must leave remaining listings active, got %d active", len(got))
	}

	// Failing id last: the earlier commit stands.
	if err := ledger.ExpireBatch(ctx, []string{good.ID, bad.ID}); !errors.Is(err, errBoom) {
		t.Fatalf("expected the batch to surface the failure, got %v", err)
	}
	if got, _ := ms.ActiveListings(ctx, 10); len(got) != 1 {
		t.Errorf("committed expiry must stand, got %d active", len(got))
	}
}

func TestExpireBatch_SkipsLostRaces(t *testing.T) {
	ledger, ms := newTestLedger(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-time.Hour)
	a := seedListing(t, ms, "alice", "iron_ore", 5, 5, 6, old)
	b := seedListing(t, ms, "alice", "timber", 5, 3, 6, old)

	// a already settled elsewhere: benign, must not abort the batch.
	if _, err := ms.ExpireListing(ctx, a.ID); err != nil {
		t.Fatalf("pre-expire failed: %v", err)
	}

	if err := ledger.ExpireBatch(ctx, []string{a.ID, b.ID}); err != nil {
		t.Fatalf("lost race should be skipped silently, got %v", err)
	}
	if got, _ := ms.ActiveListings(ctx, 10); len(got) != 0 {
		t.Errorf("both listings should be terminal, got %d active", len(got))
	}
}

// --- Coarse ticker and snapshot ---

func TestRefreshPrices_Bounds(t *testing.T) {
	for _, v := range []float64{0, 0.5, 0.999} {
		ms := store.NewMemoryStore()
		ledger := auction.NewLedger(ms, nil, fixedRand{v: v}, 0)

		prices := ledger.RefreshPrices()
		if len(prices) == 0 {
			t.Fatal("expected prices for all catalog items")
		}
		for item, p := range prices {
			if p < 1 {
				t.Errorf("%s: price %d below floor", item, p)
			}
		}
	}
}

func TestSnapshot_SeedsPriceMap(t *testing.T) {
	ledger, _ := newTestLedger(t)
	snap := ledger.Snapshot()
	if len(snap.Prices) == 0 {
		t.Error("snapshot should carry the coarse price map")
	}
	if snap.Prices["iron_ore"] != 5 {
		t.Errorf("initial price should be base price, got %d", snap.Prices["iron_ore"])
	}
}
