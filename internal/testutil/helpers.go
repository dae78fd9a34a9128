// Package testutil holds shared helpers for unit and integration tests.
package testutil

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/archon-research/stl-notional/internal/domain/entity"
)

// DiscardLogger returns an slog.Logger that writes to io.Discard.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// FixedNow returns a clock that always reports t.
func FixedNow(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

// NewOrder builds a valid buy order. Price is parsed as a decimal string.
func NewOrder(t testing.TB, id int64, price string, qty int64) *entity.Order {
	t.Helper()
	p, err := decimal.NewFromString(price)
	if err != nil {
		t.Fatalf("invalid price %q: %v", price, err)
	}
	return &entity.Order{
		ID:           id,
		Symbol:       "AAPL",
		Price:        p,
		Qty:          qty,
		Side:         entity.SideBuy,
		Venue:        "XNAS",
		Account:      "acct-1",
		TimestampUTC: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}
