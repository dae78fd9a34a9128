package outbound

import (
	"context"
	"time"
)

// DivergenceReport records a reconciliation that found the counter out of
// line with the record store.
type DivergenceReport struct {
	// ReportID uniquely identifies the report.
	ReportID string `json:"reportId"`

	// Trigger is what started the reconciliation ("startup", "interval", "request", "manual").
	Trigger string `json:"trigger"`

	// PreviousMinor is the counter value replaced by the reconciliation.
	PreviousMinor int64 `json:"previousMinor"`

	// ComputedMinor is the total computed from the record store.
	ComputedMinor int64 `json:"computedMinor"`

	// DiffMinor is ComputedMinor - PreviousMinor.
	DiffMinor int64 `json:"diffMinor"`

	// Records is the number of live orders at reconciliation time.
	Records int64 `json:"records"`

	// DetectedAt is when the divergence was observed.
	DetectedAt time.Time `json:"detectedAt"`
}

// DivergenceReporter archives divergence reports for later audit.
type DivergenceReporter interface {
	// ReportDivergence stores the report.
	ReportDivergence(ctx context.Context, report DivergenceReport) error
}
