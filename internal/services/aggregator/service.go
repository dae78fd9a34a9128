package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/archon-research/stl-notional/internal/domain/entity"
	"github.com/archon-research/stl-notional/internal/ports/inbound"
	"github.com/archon-research/stl-notional/internal/ports/outbound"
)

// Service owns the aggregate counter and exposes it only through the
// Coordinator and the Reconciler.
type Service struct {
	store      outbound.OrderStore
	coord      *Coordinator
	reconciler *Reconciler
	logger     *slog.Logger
}

// Compile-time checks
var (
	_ inbound.OrderTotalService = (*Service)(nil)
	_ inbound.HealthChecker     = (*Service)(nil)
)

// New creates the aggregator service. The counter must not be shared with
// any other component.
func New(store outbound.OrderStore, counter outbound.AggregateCounter, config Config) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if counter == nil {
		return nil, fmt.Errorf("counter cannot be nil")
	}

	config = config.withDefaults()
	state := &totalState{}
	em := newEmitter(config.Publisher, config.Now, config.PublishTimeout, config.Logger.With("component", "publisher"))

	reconciler := newReconciler(store, counter, state, em, config)
	coord := newCoordinator(store, counter, state, em, reconciler.Request, config)

	return &Service{
		store:      store,
		coord:      coord,
		reconciler: reconciler,
		logger:     config.Logger.With("component", "aggregator"),
	}, nil
}

// Start runs the startup reconciliation and the background reconciler.
// The service accepts writes only after Start returned nil.
func (s *Service) Start(ctx context.Context) error {
	if err := s.reconciler.Start(ctx); err != nil {
		return err
	}
	s.logger.Info("aggregator started")
	return nil
}

// Stop stops the background reconciler.
func (s *Service) Stop() error {
	err := s.reconciler.Stop()
	s.logger.Info("aggregator stopped")
	return err
}

// Add inserts an order.
func (s *Service) Add(ctx context.Context, order *entity.Order) (inbound.MutationResult, error) {
	return s.coord.Add(ctx, order)
}

// Upsert inserts or replaces an order.
func (s *Service) Upsert(ctx context.Context, order *entity.Order) (inbound.MutationResult, error) {
	return s.coord.Upsert(ctx, order)
}

// Delete removes an order.
func (s *Service) Delete(ctx context.Context, id int64) (inbound.MutationResult, error) {
	return s.coord.Delete(ctx, id)
}

// Get returns a committed order, or nil if it does not exist.
func (s *Service) Get(ctx context.Context, id int64) (*entity.Order, error) {
	order, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get order %d: %w", id, err)
	}
	return order, nil
}

// Total returns the current total in minor units.
func (s *Service) Total(ctx context.Context) (int64, error) {
	if !s.reconciler.IsReady() {
		return 0, ErrNotReady
	}
	return s.coord.Total(ctx)
}

// Reconcile runs a reconciliation now. A corrected divergence is not an
// error for the caller; it is reported through ReconcileResult.Diverged.
func (s *Service) Reconcile(ctx context.Context) (inbound.ReconcileResult, error) {
	report, err := s.reconciler.Reconcile(ctx)
	if err != nil && !errors.Is(err, ErrDivergenceDetected) {
		return inbound.ReconcileResult{}, err
	}
	return inbound.ReconcileResult{
		ComputedMinor: report.Computed,
		PreviousMinor: report.Previous,
		Diverged:      report.Diverged,
		Records:       report.Records,
	}, nil
}

// RequestReconcile schedules a background reconciliation.
func (s *Service) RequestReconcile() {
	s.reconciler.Request()
}

// IsReady reports whether the startup reconciliation succeeded.
func (s *Service) IsReady() bool {
	return s.reconciler.IsReady()
}

// IsHealthy reports whether reconciliations are succeeding.
func (s *Service) IsHealthy() bool {
	return s.reconciler.IsHealthy()
}
