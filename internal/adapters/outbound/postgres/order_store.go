package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/archon-research/stl-notional/internal/domain/entity"
	"github.com/archon-research/stl-notional/internal/ports/outbound"
)

// Compile-time check that OrderStore implements outbound.OrderStore
var _ outbound.OrderStore = (*OrderStore)(nil)

const orderColumns = `id, symbol, price::text, qty, side,
	commission::text, fees::text, tax::text, venue, account, timestamp_utc`

// OrderStoreConfig holds configuration for OrderStore.
type OrderStoreConfig struct {
	// LockTimeout bounds each row lock wait. A transaction that cannot lock
	// an order in time aborts with ErrTransactionConflict.
	// Default: 2 seconds
	LockTimeout time.Duration

	// Logger is the structured logger.
	Logger *slog.Logger
}

// OrderStoreConfigDefaults returns the default configuration.
func OrderStoreConfigDefaults() OrderStoreConfig {
	return OrderStoreConfig{
		LockTimeout: 2 * time.Second,
		Logger:      slog.Default(),
	}
}

// OrderStore is the PostgreSQL record store. Rows are locked with
// SELECT ... FOR UPDATE under read-committed isolation.
type OrderStore struct {
	pool        *pgxpool.Pool
	txm         *TxManager
	lockTimeout time.Duration
	logger      *slog.Logger
}

// NewOrderStore creates a new PostgreSQL order store.
func NewOrderStore(pool *pgxpool.Pool, config OrderStoreConfig) (*OrderStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("database pool cannot be nil")
	}

	defaults := OrderStoreConfigDefaults()
	if config.LockTimeout <= 0 {
		config.LockTimeout = defaults.LockTimeout
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	logger := config.Logger.With("component", "postgres-order-store")
	txm, err := NewTxManager(pool, logger)
	if err != nil {
		return nil, err
	}

	return &OrderStore{
		pool:        pool,
		txm:         txm,
		lockTimeout: config.LockTimeout,
		logger:      logger,
	}, nil
}

// WithinTx runs fn in a read-committed transaction.
func (s *OrderStore) WithinTx(ctx context.Context, fn func(tx outbound.OrderTx) error) error {
	opts := TxOptions{IsoLevel: pgx.ReadCommitted, LockTimeout: s.lockTimeout}
	return s.txm.WithTransactionOptions(ctx, opts, func(tx pgx.Tx) error {
		return fn(&orderTx{tx: tx})
	})
}

// Get reads a committed order.
func (s *OrderStore) Get(ctx context.Context, id int64) (*entity.Order, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	order, err := scanOrder(row)
	if err != nil {
		return nil, classifyError("querying order", err)
	}
	return order, nil
}

// SumNotionalMinor rounds each order's notional to cents before summing, the
// same way entity.Order.AmountMinor does.
func (s *OrderStore) SumNotionalMinor(ctx context.Context) (int64, error) {
	var total int64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(ROUND(price * qty * 100)), 0)::bigint
		FROM orders
	`).Scan(&total)
	if err != nil {
		return 0, classifyError("summing order notional", err)
	}
	return total, nil
}

// Count returns the number of orders.
func (s *OrderStore) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM orders`).Scan(&count); err != nil {
		return 0, classifyError("counting orders", err)
	}
	return count, nil
}

// orderTx implements outbound.OrderTx on a pgx transaction.
type orderTx struct {
	tx pgx.Tx
}

func (t *orderTx) GetForUpdate(ctx context.Context, id int64) (*entity.Order, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id)
	order, err := scanOrder(row)
	if err != nil {
		return nil, classifyError("locking order", err)
	}
	return order, nil
}

func (t *orderTx) Put(ctx context.Context, o *entity.Order) error {
	if o == nil {
		return fmt.Errorf("%w: order is nil", entity.ErrInvalidOrder)
	}

	_, err := t.tx.Exec(ctx, `
		INSERT INTO orders (id, symbol, price, qty, side, commission, fees, tax, venue, account, timestamp_utc)
		VALUES ($1, $2, $3::numeric, $4, $5, $6::numeric, $7::numeric, $8::numeric, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			symbol        = EXCLUDED.symbol,
			price         = EXCLUDED.price,
			qty           = EXCLUDED.qty,
			side          = EXCLUDED.side,
			commission    = EXCLUDED.commission,
			fees          = EXCLUDED.fees,
			tax           = EXCLUDED.tax,
			venue         = EXCLUDED.venue,
			account       = EXCLUDED.account,
			timestamp_utc = EXCLUDED.timestamp_utc,
			updated_at    = now()
	`,
		o.ID, o.Symbol, o.Price.String(), o.Qty, int16(o.Side),
		o.Commission.String(), o.Fees.String(), o.Tax.String(),
		o.Venue, o.Account, o.TimestampUTC,
	)
	if err != nil {
		return classifyError("upserting order", err)
	}
	return nil
}

func (t *orderTx) Remove(ctx context.Context, id int64) (*entity.Order, error) {
	row := t.tx.QueryRow(ctx, `DELETE FROM orders WHERE id = $1 RETURNING `+orderColumns, id)
	order, err := scanOrder(row)
	if err != nil {
		return nil, classifyError("deleting order", err)
	}
	return order, nil
}

// scanOrder scans one order row. Returns nil, nil when there is no row.
func scanOrder(row pgx.Row) (*entity.Order, error) {
	var o entity.Order
	var side int16
	var price, commission, fees, tax string
	err := row.Scan(
		&o.ID, &o.Symbol, &price, &o.Qty, &side,
		&commission, &fees, &tax, &o.Venue, &o.Account, &o.TimestampUTC,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	o.Side = entity.Side(side)
	if o.Price, err = parseNumeric("price", price); err != nil {
		return nil, err
	}
	if o.Commission, err = parseNumeric("commission", commission); err != nil {
		return nil, err
	}
	if o.Fees, err = parseNumeric("fees", fees); err != nil {
		return nil, err
	}
	if o.Tax, err = parseNumeric("tax", tax); err != nil {
		return nil, err
	}
	o.TimestampUTC = o.TimestampUTC.UTC()
	return &o, nil
}
