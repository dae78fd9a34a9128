package aggregator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/archon-research/stl-notional/internal/ports/outbound"
)

// AddPolicy decides what Add does when the order already exists.
type AddPolicy string

const (
	// AddPolicyOverwrite treats Add on an existing order like Upsert.
	AddPolicyOverwrite AddPolicy = "overwrite"

	// AddPolicyReject rejects Add on an existing order with ErrOrderExists.
	AddPolicyReject AddPolicy = "reject"
)

// ParseAddPolicy parses "overwrite" or "reject". An empty string yields the default.
func ParseAddPolicy(raw string) (AddPolicy, error) {
	switch AddPolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", AddPolicyOverwrite:
		return AddPolicyOverwrite, nil
	case AddPolicyReject:
		return AddPolicyReject, nil
	default:
		return "", fmt.Errorf("unknown add policy %q (want overwrite or reject)", raw)
	}
}

// Config holds configuration for the aggregator service.
type Config struct {
	// AddPolicy decides what Add does with an existing order.
	// Default: AddPolicyOverwrite
	AddPolicy AddPolicy

	// TxTimeout bounds each record store transaction. A transaction that has
	// not committed by then aborts and the mutation is not applied.
	// Default: 5 seconds
	TxTimeout time.Duration

	// CounterTimeout bounds each counter operation.
	// Default: 2 seconds
	CounterTimeout time.Duration

	// PublishTimeout bounds each call to the Publisher.
	// Default: 5 seconds
	PublishTimeout time.Duration

	// ReconcileInterval is the period of background reconciliations.
	// Negative disables the periodic schedule; requests still run.
	// Default: 1 minute
	ReconcileInterval time.Duration

	// MinRequestInterval limits how often on-demand reconciliations run.
	// Default: 1 second
	MinRequestInterval time.Duration

	// MaxConsecutiveFailures is how many reconciliations in a row may fail
	// before the service reports itself unhealthy.
	// Default: 3
	MaxConsecutiveFailures int

	// Publisher receives every new total (optional).
	Publisher outbound.TotalPublisher

	// Reporter archives divergence reports (optional).
	Reporter outbound.DivergenceReporter

	// Metrics records telemetry (optional).
	Metrics outbound.AggregatorMetrics

	// Logger is the structured logger.
	Logger *slog.Logger

	// Now returns the current time. Default: time.Now
	Now func() time.Time
}

func configDefaults() Config {
	return Config{
		AddPolicy:              AddPolicyOverwrite,
		TxTimeout:              5 * time.Second,
		CounterTimeout:         2 * time.Second,
		PublishTimeout:         5 * time.Second,
		ReconcileInterval:      time.Minute,
		MinRequestInterval:     time.Second,
		MaxConsecutiveFailures: 3,
		Logger:                 slog.Default(),
		Now:                    time.Now,
	}
}

func (c Config) withDefaults() Config {
	defaults := configDefaults()
	if c.AddPolicy == "" {
		c.AddPolicy = defaults.AddPolicy
	}
	if c.TxTimeout <= 0 {
		c.TxTimeout = defaults.TxTimeout
	}
	if c.CounterTimeout <= 0 {
		c.CounterTimeout = defaults.CounterTimeout
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = defaults.PublishTimeout
	}
	if c.ReconcileInterval == 0 {
		c.ReconcileInterval = defaults.ReconcileInterval
	}
	if c.MinRequestInterval <= 0 {
		c.MinRequestInterval = defaults.MinRequestInterval
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = defaults.MaxConsecutiveFailures
	}
	if c.Logger == nil {
		c.Logger = defaults.Logger
	}
	if c.Now == nil {
		c.Now = defaults.Now
	}
	if c.Metrics == nil {
		c.Metrics = noopMetrics{}
	}
	return c
}

type noopMetrics struct{}

func (noopMetrics) RecordMutation(context.Context, outbound.TotalOperation, string, time.Duration) {}
func (noopMetrics) RecordReconciliation(context.Context, string, time.Duration) {}
func (noopMetrics) RecordDivergence(context.Context, int64) {}
func (noopMetrics) RecordTotal(context.Context, int64) {}
