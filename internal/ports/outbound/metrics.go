package outbound

import (
	"context"
	"time"
)

// AggregatorMetrics records aggregator telemetry without tying the services
// to a telemetry implementation.
type AggregatorMetrics interface {
	// RecordMutation records one coordinator call.
	// outcome is "confirmed", "unconfirmed", "not_applied", "noop" or "invalid".
	RecordMutation(ctx context.Context, op TotalOperation, outcome string, duration time.Duration)

	// RecordReconciliation records one reconciliation run.
	// status is "ok", "diverged" or "error".
	RecordReconciliation(ctx context.Context, status string, duration time.Duration)

	// RecordDivergence records the size of a detected divergence in minor units.
	RecordDivergence(ctx context.Context, diffMinor int64)

	// RecordTotal records the latest known total in minor units.
	RecordTotal(ctx context.Context, totalMinor int64)
}
