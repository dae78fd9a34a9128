package postgres

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/archon-research/stl-notional/internal/ports/outbound"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "serialization failure", err: &pgconn.PgError{Code: "40001"}, want: outbound.ErrTransactionConflict},
		{name: "deadlock", err: &pgconn.PgError{Code: "40P01"}, want: outbound.ErrTransactionConflict},
		{name: "lock timeout", err: &pgconn.PgError{Code: "55P03"}, want: outbound.ErrTransactionConflict},
		{name: "connection failure", err: &pgconn.PgError{Code: "08006"}, want: outbound.ErrStoreUnavailable},
		{name: "shutdown", err: &pgconn.PgError{Code: "57P01"}, want: outbound.ErrStoreUnavailable},
		{name: "deadline", err: context.DeadlineExceeded, want: outbound.ErrTransactionConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyError("op", tt.err)
			if !errors.Is(got, tt.want) {
				t.Errorf("classifyError(%v) = %v, want %v", tt.err, got, tt.want)
			}
			if !errors.Is(got, tt.err) {
				t.Errorf("classifyError dropped the cause: %v", got)
			}
		})
	}
}

func TestClassifyError_Unclassified(t *testing.T) {
	sentinels := []error{
		outbound.ErrTransactionConflict,
		outbound.ErrStoreUnavailable,
		outbound.ErrCommitOutcomeUnknown,
	}

	for _, err := range []error{
		&pgconn.PgError{Code: "23514"}, // check_violation
		context.Canceled,
		errors.New("boom"),
	} {
		got := classifyError("op", err)
		for _, s := range sentinels {
			if errors.Is(got, s) {
				t.Errorf("classifyError(%v) = %v, unexpectedly %v", err, got, s)
			}
		}
	}

	if classifyError("op", nil) != nil {
		t.Error("classifyError(nil) != nil")
	}
}

func TestClassifyCommitError(t *testing.T) {
	if err := classifyCommitError(&pgconn.PgError{Code: "40001"}); !errors.Is(err, outbound.ErrTransactionConflict) {
		t.Errorf("server rejection = %v, want ErrTransactionConflict", err)
	}
	if err := classifyCommitError(io.ErrUnexpectedEOF); !errors.Is(err, outbound.ErrCommitOutcomeUnknown) {
		t.Errorf("lost connection = %v, want ErrCommitOutcomeUnknown", err)
	}
}

func TestFormatLockTimeout(t *testing.T) {
	if got := formatLockTimeout(1500 * time.Millisecond); got != "1500ms" {
		t.Errorf("formatLockTimeout = %q, want 1500ms", got)
	}
}

func TestNewOrderStore_NilPool(t *testing.T) {
	if _, err := NewOrderStore(nil, OrderStoreConfig{}); err == nil {
		t.Error("expected error for nil pool")
	}
	if _, err := NewTxManager(nil, nil); err == nil {
		t.Error("expected error for nil pool")
	}
}
