package aggregator

import "errors"

var (
	// ErrNotApplied means the record mutation was not committed and the
	// counter was not touched. It is always joined with the cause
	// (outbound.ErrStoreUnavailable, outbound.ErrTransactionConflict, ...).
	ErrNotApplied = errors.New("mutation not applied")

	// ErrCounterApplyFailed means the record mutation was committed but the
	// counter add failed or its result is unknown. The returned total is
	// provisional and a reconciliation has been requested. Never retry the
	// delta blindly: it may already have been applied.
	ErrCounterApplyFailed = errors.New("mutation recorded but total unconfirmed")

	// ErrDivergenceDetected means a reconciliation found the counter different
	// from the total computed from the record store. The counter has already
	// been overwritten with the computed value.
	ErrDivergenceDetected = errors.New("aggregate divergence detected")

	// ErrOrderExists is returned by Add under AddPolicyReject when the order
	// already exists.
	ErrOrderExists = errors.New("order already exists")

	// ErrNotReady is returned for calls made before the startup
	// reconciliation completed.
	ErrNotReady = errors.New("aggregator not ready: startup reconciliation pending")
)
