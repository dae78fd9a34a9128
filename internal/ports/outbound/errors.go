// Package outbound defines the outbound port interfaces.
package outbound

import "errors"

// Store and counter adapters wrap their failures with these sentinels so the
// services can classify them with errors.Is.
var (
	// ErrStoreUnavailable means the record store could not be reached.
	// Nothing was applied; the operation is safe to retry.
	ErrStoreUnavailable = errors.New("record store unavailable")

	// ErrTransactionConflict means lock contention, a deadlock, a
	// serialization failure or the transaction deadline aborted the
	// transaction. Nothing was applied; the operation is safe to retry.
	ErrTransactionConflict = errors.New("transaction conflict")

	// ErrCommitOutcomeUnknown means the commit was sent but no answer came
	// back. The record may or may not have been committed.
	ErrCommitOutcomeUnknown = errors.New("commit outcome unknown")

	// ErrCounterUnavailable means the aggregate counter operation failed or
	// its result is unknown.
	ErrCounterUnavailable = errors.New("aggregate counter unavailable")
)
