package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/KDLN/aurelian-market/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Settlements run inside a transaction with SELECT ... FOR UPDATE on the
// listing row; wallet and inventory deltas are atomic column increments,
// never read-then-write, so they stay safe under concurrent mutation by
// other subsystems and other service instances.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const listingCols = `id, seller_id, item_id, qty, price, duration_min, fee_pct, status, created_at, closed_at`

func scanListing(row pgx.Row) (*model.Listing, error) {
	var l model.Listing
	err := row.Scan(&l.ID, &l.SellerID, &l.ItemID, &l.Quantity, &l.Price,
		&l.DurationMin, &l.FeePct, &l.Status, &l.CreatedAt, &l.ClosedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// --- Listing lifecycle ---

func (s *PostgresStore) ActiveListings(ctx context.Context, limit int) ([]model.Listing, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+listingCols+`
		 FROM listings WHERE status = 'active'
		 ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var listings []model.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		listings = append(listings, *l)
	}
	return listings, rows.Err()
}

func (s *PostgresStore) CreateListing(ctx context.Context, l *model.Listing) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// Escrow: atomic decrement guarded by the quantity check.
	ct, err := tx.Exec(ctx,
		`UPDATE inventories SET qty = qty - $3
		 WHERE user_id = $1 AND item_id = $2 AND qty >= $3`,
		l.SellerID, l.ItemID, l.Quantity)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrInsufficientInventory
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO listings (id, seller_id, item_id, qty, price, duration_min, fee_pct, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		l.ID, l.SellerID, l.ItemID, l.Quantity, l.Price,
		l.DurationMin, l.FeePct, l.Status, l.CreatedAt)
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) PurchaseListing(ctx context.Context, listingID, buyerID string) (*model.Settlement, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	// Authoritative re-check: the caller's view may be stale.
	l, err := scanListing(tx.QueryRow(ctx,
		`SELECT `+listingCols+` FROM listings WHERE id = $1 FOR UPDATE`, listingID))
	if err != nil {
		return nil, err
	}
	if l.Status != model.StatusActive {
		return nil, ErrNotActive
	}

	total := l.Quantity * l.Price
	fee := total * l.FeePct / 100
	sellerReceives := total - fee

	// Debit the buyer; the balance guard makes overdraft impossible.
	ct, err := tx.Exec(ctx,
		`UPDATE wallets SET balance = balance - $2
		 WHERE user_id = $1 AND balance >= $2`, buyerID, total)
	if err != nil {
		return nil, err
	}
	if ct.RowsAffected() == 0 {
		return nil, ErrInsufficientFunds
	}

	// Credit the seller, creating the wallet if absent.
	_, err = tx.Exec(ctx,
		`INSERT INTO wallets (user_id, balance) VALUES ($1, $2)
		 ON CONFLICT (user_id) DO UPDATE SET balance = wallets.balance + EXCLUDED.balance`,
		l.SellerID, sellerReceives)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	_, err = tx.Exec(ctx,
		`UPDATE listings SET status = 'sold', closed_at = $2 WHERE id = $1`,
		listingID, now)
	if err != nil {
		return nil, err
	}

	// Move the goods to the buyer.
	_, err = tx.Exec(ctx,
		`INSERT INTO inventories (user_id, item_id, qty) VALUES ($1, $2, $3)
		 ON CONFLICT (user_id, item_id) DO UPDATE SET qty = inventories.qty + EXCLUDED.qty`,
		buyerID, l.ItemID, l.Quantity)
	if err != nil {
		return nil, err
	}

	meta := map[string]string{"listing_id": l.ID, "item_id": l.ItemID}
	saleMeta := map[string]string{"listing_id": l.ID, "item_id": l.ItemID, "fee": fmt.Sprint(fee)}

	if err := insertLedgerRow(ctx, tx, buyerID, -total, model.ReasonPurchase, meta, now); err != nil {
		return nil, err
	}
	if err := insertLedgerRow(ctx, tx, l.SellerID, sellerReceives, model.ReasonSale, saleMeta, now); err != nil {
		return nil, err
	}
	// House row: null owner.
	if err := insertLedgerRow(ctx, tx, "", fee, model.ReasonFee, meta, now); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	l.Status = model.StatusSold
	l.ClosedAt = &now
	return &model.Settlement{
		Listing:        *l,
		BuyerID:        buyerID,
		Total:          total,
		Fee:            fee,
		SellerReceives: sellerReceives,
	}, nil
}

func (s *PostgresStore) CancelListing(ctx context.Context, listingID, sellerID string) (*model.Listing, error) {
	return s.closeListing(ctx, listingID, sellerID, model.StatusCancelled)
}

func (s *PostgresStore) ExpireListing(ctx context.Context, listingID string) (*model.Listing, error) {
	return s.closeListing(ctx, listingID, "", model.StatusExpired)
}

func (s *PostgresStore) closeListing(ctx context.Context, listingID, sellerID, status string) (*model.Listing, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	l, err := scanListing(tx.QueryRow(ctx,
		`SELECT `+listingCols+` FROM listings WHERE id = $1 FOR UPDATE`, listingID))
	if err != nil {
		return nil, err
	}
	if l.Status != model.StatusActive {
		return nil, ErrNotActive
	}
	if sellerID != "" && l.SellerID != sellerID {
		return nil, ErrNotSeller
	}

	now := time.Now().UTC()
	_, err = tx.Exec(ctx,
		`UPDATE listings SET status = $2, closed_at = $3 WHERE id = $1`,
		listingID, status, now)
	if err != nil {
		return nil, err
	}

	// Return the escrowed goods to the seller.
	_, err = tx.Exec(ctx,
		`INSERT INTO inventories (user_id, item_id, qty) VALUES ($1, $2, $3)
		 ON CONFLICT (user_id, item_id) DO UPDATE SET qty = inventories.qty + EXCLUDED.qty`,
		l.SellerID, l.ItemID, l.Quantity)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	l.Status = status
	l.ClosedAt = &now
	return l, nil
}

func insertLedgerRow(ctx context.Context, tx pgx.Tx, userID string, amount int64, reason string, meta map[string]string, at time.Time) error {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	var owner *string
	if userID != "" {
		owner = &userID
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO ledger_txs (id, user_id, amount, reason, meta, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.New().String(), owner, amount, reason, metaJSON, at)
	return err
}

// --- Pricing inputs ---

func (s *PostgresStore) SupplySignal(ctx context.Context, itemID string, since time.Time) (int, int64, error) {
	var count int
	var qty int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(SUM(qty), 0)
		 FROM listings
		 WHERE item_id = $1 AND status = 'active' AND created_at >= $2`,
		itemID, since).Scan(&count, &qty)
	return count, qty, err
}

func (s *PostgresStore) SalesSignal(ctx context.Context, itemID string, since time.Time) (int, decimal.Decimal, error) {
	var count int
	var avgStr string
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(AVG(price), 0)::TEXT
		 FROM listings
		 WHERE item_id = $1 AND status = 'sold' AND closed_at >= $2`,
		itemID, since).Scan(&count, &avgStr)
	if err != nil {
		return 0, decimal.Zero, err
	}
	avg, _ := decimal.NewFromString(avgStr)
	return count, avg.Round(2), nil
}

const tickCols = `id, item_id, hub_id, price, volume, high, low, sd_ratio, multiplier, volatility, trend, at`

func scanTick(row pgx.Row) (*model.PriceTick, error) {
	var t model.PriceTick
	err := row.Scan(&t.ID, &t.ItemID, &t.HubID, &t.Price, &t.Volume, &t.High,
		&t.Low, &t.SDRatio, &t.Multiplier, &t.Volatility, &t.Trend, &t.At)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *PostgresStore) PriceHistory(ctx context.Context, itemID string, n int) ([]model.PriceTick, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tickCols+`
		 FROM price_ticks WHERE item_id = $1
		 ORDER BY at DESC LIMIT $2`, itemID, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ticks []model.PriceTick
	for rows.Next() {
		t, err := scanTick(rows)
		if err != nil {
			return nil, err
		}
		ticks = append(ticks, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Query is newest-first; callers expect oldest-first.
	for i, j := 0, len(ticks)-1; i < j; i, j = i+1, j-1 {
		ticks[i], ticks[j] = ticks[j], ticks[i]
	}
	return ticks, nil
}

func (s *PostgresStore) FirstTickSince(ctx context.Context, itemID string, since time.Time) (*model.PriceTick, error) {
	t, err := scanTick(s.pool.QueryRow(ctx,
		`SELECT `+tickCols+`
		 FROM price_ticks WHERE item_id = $1 AND at >= $2
		 ORDER BY at ASC LIMIT 1`, itemID, since))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return t, nil
}

func (s *PostgresStore) InsertPriceTick(ctx context.Context, t *model.PriceTick) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO price_ticks (`+tickCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		t.ID, t.ItemID, t.HubID, t.Price, t.Volume, t.High, t.Low,
		t.SDRatio, t.Multiplier, t.Volatility, t.Trend, t.At)
	return err
}

func (s *PostgresStore) ActiveEvents(ctx context.Context, itemID, hubID string, now time.Time) ([]model.MarketEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, type, severity, multiplier, item_id, hub_id, expires_at
		 FROM market_events
		 WHERE (item_id = '' OR item_id = $1)
		   AND (hub_id = '' OR hub_id = $2)
		   AND (expires_at IS NULL OR expires_at > $3)`,
		itemID, hubID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.MarketEvent
	for rows.Next() {
		var e model.MarketEvent
		if err := rows.Scan(&e.ID, &e.Type, &e.Severity, &e.Multiplier,
			&e.ItemID, &e.HubID, &e.ExpiresAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Wallet / inventory / ledger reads ---

func (s *PostgresStore) Balance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE((SELECT balance FROM wallets WHERE user_id = $1), 0)`,
		userID).Scan(&balance)
	return balance, err
}

func (s *PostgresStore) Holding(ctx context.Context, userID, itemID string) (int64, error) {
	var qty int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE((SELECT qty FROM inventories WHERE user_id = $1 AND item_id = $2), 0)`,
		userID, itemID).Scan(&qty)
	return qty, err
}

func (s *PostgresStore) Ledger(ctx context.Context, userID string) ([]model.LedgerTx, error) {
	var rows pgx.Rows
	var err error
	if userID == "" {
		rows, err = s.pool.Query(ctx,
			`SELECT id, COALESCE(user_id, ''), amount, reason, meta, created_at
			 FROM ledger_txs WHERE user_id IS NULL ORDER BY created_at`)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT id, COALESCE(user_id, ''), amount, reason, meta, created_at
			 FROM ledger_txs WHERE user_id = $1 ORDER BY created_at`, userID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []model.LedgerTx
	for rows.Next() {
		var tx model.LedgerTx
		var metaJSON []byte
		if err := rows.Scan(&tx.ID, &tx.UserID, &tx.Amount, &tx.Reason,
			&metaJSON, &tx.CreatedAt); err != nil {
			return nil, err
		}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &tx.Meta); err != nil {
				return nil, err
			}
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}
