package outbound

import "context"

// TotalReader gives read-only access to the aggregate total.
type TotalReader interface {
	// Read returns the current total in minor units.
	Read(ctx context.Context) (int64, error)
}

// AggregateCounter is a separately replicated integer counter holding the
// running notional total in minor units.
//
// Each operation is atomic with respect to concurrent callers, but the counter
// is NOT enlisted in OrderStore transactions. Only the aggregator service may
// hold a value of this type; everything else gets a TotalReader.
type AggregateCounter interface {
	TotalReader

	// AddAndGet atomically adds delta and returns the new total.
	AddAndGet(ctx context.Context, delta int64) (int64, error)

	// Exchange atomically replaces the total and returns the previous value.
	Exchange(ctx context.Context, value int64) (int64, error)

	// Close releases the counter's connection.
	Close() error
}
