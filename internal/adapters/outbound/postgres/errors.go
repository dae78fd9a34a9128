package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/archon-research/stl-notional/internal/ports/outbound"
)

// SQLSTATE codes that abort a transaction without applying it and are worth
// retrying.
var conflictCodes = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available (lock_timeout)
	"57014": true, // query_canceled (statement_timeout, context cancel)
}

// SQLSTATE codes meaning the server refused or lost the session.
var unavailableCodes = map[string]bool{
	"57P01": true, // admin_shutdown
	"57P02": true, // crash_shutdown
	"57P03": true, // cannot_connect_now
	"53300": true, // too_many_connections
}

// classifyError wraps err with the outbound sentinel describing it. Errors
// that fit no class are returned unchanged.
func classifyError(op string, err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case conflictCodes[pgErr.Code]:
			return fmt.Errorf("%w: %s: %w", outbound.ErrTransactionConflict, op, err)
		case unavailableCodes[pgErr.Code], strings.HasPrefix(pgErr.Code, "08"):
			return fmt.Errorf("%w: %s: %w", outbound.ErrStoreUnavailable, op, err)
		default:
			return fmt.Errorf("%s: %w", op, err)
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
		return fmt.Errorf("%w: %s: %w", outbound.ErrTransactionConflict, op, err)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) || pgconn.SafeToRetry(err) {
		return fmt.Errorf("%w: %s: %w", outbound.ErrStoreUnavailable, op, err)
	}

	return fmt.Errorf("%s: %w", op, err)
}

// classifyCommitError classifies a failed COMMIT. A server error means the
// transaction was rolled back; a transport error after the COMMIT was sent
// leaves the outcome unknown.
func classifyCommitError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) || pgconn.SafeToRetry(err) {
		return classifyError("failed to commit transaction", err)
	}
	return fmt.Errorf("%w: failed to commit transaction: %w", outbound.ErrCommitOutcomeUnknown, err)
}
