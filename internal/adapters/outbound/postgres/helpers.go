package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// rollbackTimeout bounds the rollback issued after fn fails or panics.
const rollbackTimeout = 5 * time.Second

// rollback rolls back the transaction and logs the error if it is not pgx.ErrTxClosed.
// It runs detached from ctx so a cancelled caller still releases its locks.
func rollback(ctx context.Context, tx pgx.Tx, logger *slog.Logger) {
	rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()

	if err := tx.Rollback(rbCtx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		logger.Error("failed to rollback transaction", "error", err)
	}
}

// parseNumeric parses a NUMERIC column selected as text.
func parseNumeric(column, raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s %q: %w", column, raw, err)
	}
	return d, nil
}

// formatLockTimeout renders d for set_config('lock_timeout', ...).
func formatLockTimeout(d time.Duration) string {
	return fmt.Sprintf("%dms", d.Milliseconds())
}
