package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/KDLN/aurelian-market/internal/model"
)

// MemoryStore implements Store with in-memory maps under one mutex, so
// every settlement is atomic exactly like a database transaction. Used
// for testing and development; nothing persists.
type MemoryStore struct {
	mu          sync.RWMutex
	listings    map[string]*model.Listing
	wallets     map[string]int64
	inventories map[string]map[string]int64 // userID → itemID → qty
	ticks       []model.PriceTick
	events      []model.MarketEvent
	ledger      []model.LedgerTx
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		listings:    make(map[string]*model.Listing),
		wallets:     make(map[string]int64),
		inventories: make(map[string]map[string]int64),
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

// --- Seed helpers (test/dev only, not part of Store) ---

// Credit adds gold to a user's wallet, creating it if absent.
func (s *MemoryStore) Credit(userID string, amount int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wallets[userID] += amount
}

// Grant adds inventory to a user's holding.
func (s *MemoryStore) Grant(userID, itemID string, qty int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addHolding(userID, itemID, qty)
}

// AddEvent registers a market event.
func (s *MemoryStore) AddEvent(e model.MarketEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *MemoryStore) addHolding(userID, itemID string, qty int64) {
	inv, ok := s.inventories[userID]
	if !ok {
		inv = make(map[string]int64)
		s.inventories[userID] = inv
	}
	inv[itemID] += qty
}

// --- Listing lifecycle ---

func (s *MemoryStore) ActiveListings(_ context.Context, limit int) ([]model.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Listing
	for _, l := range s.listings {
		if l.Status == model.StatusActive {
			out = append(out, *l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) CreateListing(_ context.Context, l *model.Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inventories[l.SellerID][l.ItemID] < l.Quantity {
		return ErrInsufficientInventory
	}
	s.inventories[l.SellerID][l.ItemID] -= l.Quantity

	cp := *l
	s.listings[l.ID] = &cp
	return nil
}

func (s *MemoryStore) PurchaseListing(_ context.Context, listingID, buyerID string) (*model.Settlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.listings[listingID]
	if !ok {
		return nil, ErrNotFound
	}
	if l.Status != model.StatusActive {
		return nil, ErrNotActive
	}

	total := l.Quantity * l.Price
	fee := total * l.FeePct / 100
	sellerReceives := total - fee

	if s.wallets[buyerID] < total {
		return nil, ErrInsufficientFunds
	}

	now := time.Now().UTC()
	s.wallets[buyerID] -= total
	s.wallets[l.SellerID] += sellerReceives
	s.addHolding(buyerID, l.ItemID, l.Quantity)

	l.Status = model.StatusSold
	l.ClosedAt = &now

	meta := map[string]string{"listing_id": l.ID, "item_id": l.ItemID}
	s.ledger = append(s.ledger,
		model.LedgerTx{ID: uuid.New().String(), UserID: buyerID, Amount: -total, Reason: model.ReasonPurchase, Meta: meta, CreatedAt: now},
		model.LedgerTx{ID: uuid.New().String(), UserID: l.SellerID, Amount: sellerReceives, Reason: model.ReasonSale, Meta: map[string]string{"listing_id": l.ID, "item_id": l.ItemID, "fee": decimal.NewFromInt(fee).String()}, CreatedAt: now},
		model.LedgerTx{ID: uuid.New().String(), UserID: "", Amount: fee, Reason: model.ReasonFee, Meta: meta, CreatedAt: now},
	)

	return &model.Settlement{
		Listing:        *l,
		BuyerID:        buyerID,
		Total:          total,
		Fee:            fee,
		SellerReceives: sellerReceives,
	}, nil
}

func (s *MemoryStore) CancelListing(_ context.Context, listingID, sellerID string) (*model.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeListing(listingID, sellerID, model.StatusCancelled)
}

func (s *MemoryStore) ExpireListing(_ context.Context, listingID string) (*model.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeListing(listingID, "", model.StatusExpired)
}

// closeListing handles the shared cancel/expire path: re-verify active,
// flip status, and return the escrowed quantity to the seller. Caller
// holds the write lock.
func (s *MemoryStore) closeListing(listingID, sellerID, status string) (*model.Listing, error) {
	l, ok := s.listings[listingID]
	if !ok {
		return nil, ErrNotFound
	}
	if l.Status != model.StatusActive {
		return nil, ErrNotActive
	}
	if sellerID != "" && l.SellerID != sellerID {
		return nil, ErrNotSeller
	}

	now := time.Now().UTC()
	l.Status = status
	l.ClosedAt = &now
	s.addHolding(l.SellerID, l.ItemID, l.Quantity)

	cp := *l
	return &cp, nil
}

// --- Pricing inputs ---

func (s *MemoryStore) SupplySignal(_ context.Context, itemID string, since time.Time) (int, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	var qty int64
	for _, l := range s.listings {
		if l.ItemID == itemID && l.Status == model.StatusActive && !l.CreatedAt.Before(since) {
			count++
			qty += l.Quantity
		}
	}
	return count, qty, nil
}

func (s *MemoryStore) SalesSignal(_ context.Context, itemID string, since time.Time) (int, decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	sum := decimal.Zero
	for _, l := range s.listings {
		if l.ItemID == itemID && l.Status == model.StatusSold && l.ClosedAt != nil && !l.ClosedAt.Before(since) {
			count++
			sum = sum.Add(decimal.NewFromInt(l.Price))
		}
	}
	if count == 0 {
		return 0, decimal.Zero, nil
	}
	return count, sum.Div(decimal.NewFromInt(int64(count))).Round(2), nil
}

func (s *MemoryStore) PriceHistory(_ context.Context, itemID string, n int) ([]model.PriceTick, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.PriceTick
	for _, t := range s.ticks {
		if t.ItemID == itemID {
			out = append(out, t)
		}
	}
	if n > 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	return out, nil
}

func (s *MemoryStore) FirstTickSince(_ context.Context, itemID string, since time.Time) (*model.PriceTick, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, t := range s.ticks {
		if t.ItemID == itemID && !t.At.Before(since) {
			cp := t
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) InsertPriceTick(_ context.Context, t *model.PriceTick) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticks = append(s.ticks, *t)
	return nil
}

func (s *MemoryStore) ActiveEvents(_ context.Context, itemID, hubID string, now time.Time) ([]model.MarketEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.MarketEvent
	for _, e := range s.events {
		if !e.Active(now) {
			continue
		}
		if (e.ItemID == "" || e.ItemID == itemID) && (e.HubID == "" || e.HubID == hubID) {
			out = append(out, e)
		}
	}
	return out, nil
}

// --- Wallet / inventory / ledger reads ---

func (s *MemoryStore) Balance(_ context.Context, userID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.wallets[userID], nil
}

func (s *MemoryStore) Holding(_ context.Context, userID, itemID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inventories[userID][itemID], nil
}

func (s *MemoryStore) Ledger(_ context.Context, userID string) ([]model.LedgerTx, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.LedgerTx
	for _, tx := range s.ledger {
		if tx.UserID == userID {
			out = append(out, tx)
		}
	}
	return out, nil
}
