package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TxManager runs functions inside pgx transactions and classifies their
// failures with the outbound store sentinels.
//
// Usage:
//
//	txm := postgres.NewTxManager(pool, logger)
//	err := txm.WithTransaction(ctx, func(tx pgx.Tx) error {
//	    _, err := tx.Exec(ctx, "UPDATE ...")
//	    return err // non-nil triggers rollback
//	})
type TxManager struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewTxManager creates a new transaction manager.
// Returns an error if the pool is nil.
func NewTxManager(pool *pgxpool.Pool, logger *slog.Logger) (*TxManager, error) {
	if pool == nil {
		return nil, fmt.Errorf("database pool cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TxManager{
		pool:   pool,
		logger: logger,
	}, nil
}

// TxOptions configures transaction behavior.
type TxOptions struct {
	// IsoLevel sets the transaction isolation level.
	// Default: pgx.ReadCommitted
	IsoLevel pgx.TxIsoLevel

	// LockTimeout bounds each row lock wait inside the transaction.
	// Zero keeps the server setting.
	LockTimeout time.Duration
}

// WithTransaction executes fn within a read-committed transaction.
func (m *TxManager) WithTransaction(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return m.WithTransactionOptions(ctx, TxOptions{}, fn)
}

// WithTransactionOptions executes fn within a transaction.
//
// The transaction is rolled back if:
//   - fn returns an error
//   - fn panics (panic is re-raised after rollback)
//   - ctx is done before commit
//
// A commit whose outcome cannot be determined returns an error wrapping
// outbound.ErrCommitOutcomeUnknown.
func (m *TxManager) WithTransactionOptions(ctx context.Context, opts TxOptions, fn func(tx pgx.Tx) error) error {
	if opts.IsoLevel == "" {
		opts.IsoLevel = pgx.ReadCommitted
	}

	tx, err := m.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: opts.IsoLevel})
	if err != nil {
		return classifyError("failed to begin transaction", err)
	}

	defer func() {
		if p := recover(); p != nil {
			rollback(ctx, tx, m.logger)
			panic(p)
		}
	}()

	if opts.LockTimeout > 0 {
		if _, err := tx.Exec(ctx, "SELECT set_config('lock_timeout', $1, true)", formatLockTimeout(opts.LockTimeout)); err != nil {
			rollback(ctx, tx, m.logger)
			return classifyError("failed to set lock timeout", err)
		}
	}

	if err := fn(tx); err != nil {
		rollback(ctx, tx, m.logger)
		return err
	}

	if err := ctx.Err(); err != nil {
		rollback(ctx, tx, m.logger)
		return classifyError("transaction aborted before commit", err)
	}

	if err := tx.Commit(ctx); err != nil {
		rollback(ctx, tx, m.logger)
		return classifyCommitError(err)
	}

	return nil
}
