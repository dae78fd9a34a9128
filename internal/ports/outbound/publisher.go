package outbound

import (
	"context"
	"time"
)

// TotalOperation names what produced a published total.
type TotalOperation string

const (
	TotalOperationAdd       TotalOperation = "add"
	TotalOperationUpsert    TotalOperation = "upsert"
	TotalOperationDelete    TotalOperation = "delete"
	TotalOperationReconcile TotalOperation = "reconcile"
)

// TotalEvent is published whenever the aggregate total changes.
//
// Totals from concurrent writers may be observed out of commit order; consumers
// should treat them as a converging value, using Sequence only to discard
// events older than one they already hold from the same producer.
type TotalEvent struct {
	// EventID uniquely identifies the event.
	EventID string `json:"eventId"`

	// Sequence increases monotonically per producing process.
	Sequence uint64 `json:"sequence"`

	// TotalMinor is the total in minor units.
	TotalMinor int64 `json:"totalMinor"`

	// Total is the total in major units, formatted with two decimals.
	Total string `json:"total"`

	// Delta is the change applied by the operation, in minor units.
	Delta int64 `json:"delta"`

	// Operation is the operation that produced the total.
	Operation TotalOperation `json:"operation"`

	// OrderID is the order touched by the mutation (0 for reconciliations).
	OrderID int64 `json:"orderId,omitempty"`

	// Confirmed is false when the counter could not confirm the total and
	// the value is provisional.
	Confirmed bool `json:"confirmed"`

	// PublishedAt is when the event was created.
	PublishedAt time.Time `json:"publishedAt"`
}

// TotalPublisher notifies subscribers of a new total. Publishing is
// best-effort: failures never roll back the mutation that produced the total.
type TotalPublisher interface {
	// Publish sends the event to subscribers.
	Publish(ctx context.Context, event TotalEvent) error

	// Close closes the publisher and releases any resources.
	Close() error
}
