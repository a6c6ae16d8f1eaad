package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/KDLN/aurelian-market/internal/model"
)

func activeListing(t *testing.T, s *MemoryStore, sellerID string, qty, price int64) *model.Listing {
	t.Helper()
	s.Grant(sellerID, "iron_ore", qty)
	l := &model.Listing{
		ID:          uuid.New().String(),
		SellerID:    sellerID,
		ItemID:      "iron_ore",
		Quantity:    qty,
		Price:       price,
		DurationMin: 24,
		FeePct:      5,
		Status:      model.StatusActive,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.CreateListing(context.Background(), l); err != nil {
		t.Fatalf("create listing: %v", err)
	}
	return l
}

func TestPurchaseListing_SingleWinnerUnderContention(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	l := activeListing(t, s, "seller", 10, 5)
	const buyers = 16
	for i := range buyers {
		s.Credit(buyerID(i), 100)
	}

	var wg sync.WaitGroup
	results := make([]error, buyers)
	for i := range buyers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = s.PurchaseListing(ctx, l.ID, buyerID(i))
		}(i)
	}
	wg.Wait()

	var wins, conflicts int
	for _, err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrNotActive):
			conflicts++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("wins = %d, want exactly 1", wins)
	}
	if conflicts != buyers-1 {
		t.Errorf("conflicts = %d, want %d", conflicts, buyers-1)
	}

	// Money and goods moved exactly once.
	if bal, _ := s.Balance(ctx, "seller"); bal != 48 {
		t.Errorf("seller balance = %d, want 48", bal)
	}
	house, _ := s.Ledger(ctx, "")
	if len(house) != 1 || house[0].Amount != 2 {
		t.Errorf("unexpected house ledger: %+v", house)
	}
}

func buyerID(i int) string {
	return "buyer-" + string(rune('a'+i))
}

func TestCancelThenExpire_SecondTransitionFails(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	l := activeListing(t, s, "seller", 10, 5)
	if _, err := s.CancelListing(ctx, l.ID, "seller"); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	if _, err := s.ExpireListing(ctx, l.ID); !errors.Is(err, ErrNotActive) {
		t.Errorf("expire after cancel: expected ErrNotActive, got %v", err)
	}
	// Escrow returned exactly once.
	if holding, _ := s.Holding(ctx, "seller", "iron_ore"); holding != 10 {
		t.Errorf("holding = %d, want 10", holding)
	}
}

func TestPriceHistory_TailOldestFirst(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i, p := range []int64{5, 6, 7, 8} {
		err := s.InsertPriceTick(ctx, &model.PriceTick{
			ID:     uuid.New().String(),
			ItemID: "iron_ore",
			Price:  p,
			At:     time.Now().UTC().Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("insert tick: %v", err)
		}
	}

	history, err := s.PriceHistory(ctx, "iron_ore", 2)
	if err != nil {
		t.Fatalf("PriceHistory failed: %v", err)
	}
	if len(history) != 2 || history[0].Price != 7 || history[1].Price != 8 {
		t.Errorf("expected newest two oldest first, got %+v", history)
	}
}

func TestActiveListings_NewestFirstWithLimit(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.Grant("seller", "iron_ore", 30)
	base := time.Now().UTC()
	var newest string
	for i := range 3 {
		l := &model.Listing{
			ID:        uuid.New().String(),
			SellerID:  "seller",
			ItemID:    "iron_ore",
			Quantity:  10,
			Price:     5,
			Status:    model.StatusActive,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.CreateListing(ctx, l); err != nil {
			t.Fatalf("create listing: %v", err)
		}
		newest = l.ID
	}

	out, err := s.ActiveListings(ctx, 2)
	if err != nil {
		t.Fatalf("ActiveListings failed: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 listings, got %d", len(out))
	}
	if out[0].ID != newest {
		t.Errorf("expected newest listing first, got %s", out[0].ID)
	}
}
