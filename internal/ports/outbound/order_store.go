package outbound

import (
	"context"

	"github.com/archon-research/stl-notional/internal/domain/entity"
)

// OrderStore is the transactional record store holding orders keyed by ID.
//
// Transactions are pessimistic with read-committed isolation: touching a key
// inside a transaction locks it until commit or abort, so two transactions on
// the same key serialize while different keys proceed in parallel.
type OrderStore interface {
	// WithinTx runs fn inside a transaction. The transaction commits when fn
	// returns nil and aborts otherwise, including on panic and on context
	// cancellation. An aborted transaction leaves the store unchanged.
	WithinTx(ctx context.Context, fn func(tx OrderTx) error) error

	// Get reads a committed order outside any transaction.
	// Returns nil, nil if the order does not exist.
	Get(ctx context.Context, id int64) (*entity.Order, error)

	// SumNotionalMinor returns Σ round(Price × Qty × 100) over all live
	// orders, rounding each order half away from zero.
	SumNotionalMinor(ctx context.Context) (int64, error)

	// Count returns the number of live orders.
	Count(ctx context.Context) (int64, error)
}

// OrderTx is the view of the store inside one transaction.
type OrderTx interface {
	// GetForUpdate reads an order and locks its key for the rest of the
	// transaction. Returns nil, nil if the order does not exist.
	GetForUpdate(ctx context.Context, id int64) (*entity.Order, error)

	// Put inserts or replaces an order.
	Put(ctx context.Context, order *entity.Order) error

	// Remove deletes an order and returns the removed record, or nil if the
	// key did not exist.
	Remove(ctx context.Context, id int64) (*entity.Order, error)
}
