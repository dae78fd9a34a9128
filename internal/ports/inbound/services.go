// Package inbound contains the primary/inbound ports.
// These interfaces define the use cases that the application exposes.
package inbound

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/archon-research/stl-notional/internal/domain/entity"
)

// MutationResult is the outcome of one order mutation.
type MutationResult struct {
	// Total is the resulting aggregate in major units.
	Total decimal.Decimal

	// TotalMinor is the resulting aggregate in minor units.
	TotalMinor int64

	// Delta is the change implied by the mutation, in minor units.
	Delta int64

	// Applied reports whether the record mutation was committed.
	Applied bool

	// Confirmed is false when the record was committed but the counter could
	// not confirm the new total. TotalMinor is then provisional.
	Confirmed bool

	// Replaced reports whether an existing order was overwritten.
	Replaced bool
}

// ReconcileResult is the outcome of a reconciliation.
type ReconcileResult struct {
	// ComputedMinor is the total computed from the record store.
	ComputedMinor int64

	// PreviousMinor is the counter value that was replaced.
	PreviousMinor int64

	// Diverged reports whether the two differed.
	Diverged bool

	// Records is the number of live orders.
	Records int64
}

// OrderTotalService is the mutation API exposed to producers such as an
// order-entry frontend or a mutation queue.
type OrderTotalService interface {
	// Add inserts an order and returns the new total.
	Add(ctx context.Context, order *entity.Order) (MutationResult, error)

	// Upsert inserts or replaces an order and returns the new total.
	Upsert(ctx context.Context, order *entity.Order) (MutationResult, error)

	// Delete removes an order and returns the new total. Deleting a missing
	// order is a no-op returning the current total.
	Delete(ctx context.Context, id int64) (MutationResult, error)

	// Get returns a committed order, or nil if it does not exist.
	Get(ctx context.Context, id int64) (*entity.Order, error)

	// Total returns the current total in minor units.
	Total(ctx context.Context) (int64, error)

	// Reconcile recomputes the total from the record store and resynchronizes
	// the counter.
	Reconcile(ctx context.Context) (ReconcileResult, error)
}

// HealthChecker defines the interface for services that can report readiness and liveness.
//
// Implementations:
//   - aggregator.Reconciler: ready after the startup reconciliation, unhealthy
//     after repeated reconciliation failures
type HealthChecker interface {
	// IsReady returns true when the service is ready to handle traffic.
	IsReady() bool

	// IsHealthy returns true when the service is operating normally.
	IsHealthy() bool
}
