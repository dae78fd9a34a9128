// Package aggregator keeps a running notional total of all live orders in
// step with the order record store.
//
// The total lives in an AggregateCounter that is not part of the store's
// transactions. Every mutation therefore runs in two phases: the record is
// committed first and only then is the delta added to the counter. A crash or
// counter failure between the two phases leaves the counter off by exactly
// that delta until the Reconciler recomputes the total from the store and
// overwrites the counter. This is an eventual-consistency boundary, not an
// atomic update: a successful call returns a confirmed total, a failed counter
// apply returns a provisional one, and a failed commit returns an error with
// the counter untouched.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/archon-research/stl-notional/internal/domain/entity"
	"github.com/archon-research/stl-notional/internal/ports/inbound"
	"github.com/archon-research/stl-notional/internal/ports/outbound"
)

const (
	// tracerName is the instrumentation name for this service.
	tracerName = "github.com/archon-research/stl-notional/internal/services/aggregator"
)

// Mutation outcomes reported to AggregatorMetrics.
const (
	outcomeConfirmed   = "confirmed"
	outcomeUnconfirmed = "unconfirmed"
	outcomeNotApplied  = "not_applied"
	outcomeNoop        = "noop"
	outcomeInvalid     = "invalid"
)

// totalState is shared by the Coordinator and the Reconciler.
type totalState struct {
	// last is the most recent total confirmed by the counter.
	last atomic.Int64

	// writes counts mutations committed to the store.
	writes atomic.Uint64

	// pending counts mutations between transaction start and the end of their
	// counter update. A reconciliation that overlaps one of them may store a
	// total the late delta is then added on top of.
	pending atomic.Int64

	// ready is set once the startup reconciliation succeeded.
	ready atomic.Bool
}

// Coordinator applies order mutations to the record store and the aggregate
// counter in commit-then-apply order.
type Coordinator struct {
	store     outbound.OrderStore
	counter   outbound.AggregateCounter
	state     *totalState
	emitter   *emitter
	reconcile func()

	addPolicy      AddPolicy
	txTimeout      time.Duration
	counterTimeout time.Duration
	metrics        outbound.AggregatorMetrics
	now            func() time.Time
	logger         *slog.Logger
}

func newCoordinator(store outbound.OrderStore, counter outbound.AggregateCounter, state *totalState, em *emitter, reconcile func(), cfg Config) *Coordinator {
	return &Coordinator{
		store:          store,
		counter:        counter,
		state:          state,
		emitter:        em,
		reconcile:      reconcile,
		addPolicy:      cfg.AddPolicy,
		txTimeout:      cfg.TxTimeout,
		counterTimeout: cfg.CounterTimeout,
		metrics:        cfg.Metrics,
		now:            cfg.Now,
		logger:         cfg.Logger.With("component", "coordinator"),
	}
}

// Add inserts an order. What happens when the order already exists depends
// on the configured AddPolicy.
func (c *Coordinator) Add(ctx context.Context, order *entity.Order) (inbound.MutationResult, error) {
	return c.put(ctx, outbound.TotalOperationAdd, order)
}

// Upsert inserts or replaces an order.
func (c *Coordinator) Upsert(ctx context.Context, order *entity.Order) (inbound.MutationResult, error) {
	return c.put(ctx, outbound.TotalOperationUpsert, order)
}

// Delete removes an order. Deleting a missing order applies no delta and
// returns the current total.
func (c *Coordinator) Delete(ctx context.Context, id int64) (inbound.MutationResult, error) {
	start := time.Now()
	op := outbound.TotalOperationDelete

	if id <= 0 {
		c.metrics.RecordMutation(ctx, op, outcomeInvalid, time.Since(start))
		return inbound.MutationResult{}, fmt.Errorf("%w: id must be positive, got %d", entity.ErrInvalidOrder, id)
	}
	if !c.state.ready.Load() {
		return inbound.MutationResult{}, ErrNotReady
	}
	c.state.pending.Add(1)
	defer c.state.pending.Add(-1)

	ctx, span := otel.Tracer(tracerName).Start(ctx, "aggregator.delete",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.Int64("order.id", id)),
	)
	defer span.End()

	var delta int64
	var removed bool
	err := c.withinTx(ctx, func(tx outbound.OrderTx) error {
		existing, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if existing == nil {
			return nil
		}
		amount, err := existing.AmountMinor()
		if err != nil {
			return err
		}
		if _, err := tx.Remove(ctx, id); err != nil {
			return err
		}
		delta = -amount
		removed = true
		return nil
	})
	if err != nil {
		return c.notApplied(ctx, span, op, id, start, err)
	}

	if !removed {
		span.SetAttributes(attribute.Bool("order.missing", true))
		total, err := c.readTotal(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to read total")
			return inbound.MutationResult{}, err
		}
		c.metrics.RecordMutation(ctx, op, outcomeNoop, time.Since(start))
		return confirmedResult(total, 0, false), nil
	}

	return c.apply(ctx, span, op, id, delta, false, start)
}

// Total returns the current total in minor units.
func (c *Coordinator) Total(ctx context.Context) (int64, error) {
	return c.readTotal(ctx)
}

func (c *Coordinator) put(ctx context.Context, op outbound.TotalOperation, order *entity.Order) (inbound.MutationResult, error) {
	start := time.Now()

	if order == nil {
		c.metrics.RecordMutation(ctx, op, outcomeInvalid, time.Since(start))
		return inbound.MutationResult{}, fmt.Errorf("%w: order is nil", entity.ErrInvalidOrder)
	}
	record := order.Clone()
	record.Normalize(c.now())
	if err := record.Validate(); err != nil {
		c.metrics.RecordMutation(ctx, op, outcomeInvalid, time.Since(start))
		return inbound.MutationResult{}, err
	}
	amount, err := record.AmountMinor()
	if err != nil {
		c.metrics.RecordMutation(ctx, op, outcomeInvalid, time.Since(start))
		return inbound.MutationResult{}, err
	}
	if !c.state.ready.Load() {
		return inbound.MutationResult{}, ErrNotReady
	}
	c.state.pending.Add(1)
	defer c.state.pending.Add(-1)

	ctx, span := otel.Tracer(tracerName).Start(ctx, "aggregator."+string(op),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.Int64("order.id", record.ID),
			attribute.String("order.symbol", record.Symbol),
		),
	)
	defer span.End()

	var delta int64
	var replaced bool
	err = c.withinTx(ctx, func(tx outbound.OrderTx) error {
		existing, err := tx.GetForUpdate(ctx, record.ID)
		if err != nil {
			return err
		}
		delta = amount
		if existing != nil {
			if op == outbound.TotalOperationAdd && c.addPolicy == AddPolicyReject {
				return fmt.Errorf("%w: id %d", ErrOrderExists, record.ID)
			}
			previous, err := existing.AmountMinor()
			if err != nil {
				return err
			}
			delta -= previous
			replaced = true
		}
		return tx.Put(ctx, record)
	})
	if err != nil {
		return c.notApplied(ctx, span, op, record.ID, start, err)
	}

	return c.apply(ctx, span, op, record.ID, delta, replaced, start)
}

// withinTx runs fn in a store transaction bounded by the transaction timeout.
func (c *Coordinator) withinTx(ctx context.Context, fn func(tx outbound.OrderTx) error) error {
	txCtx, cancel := context.WithTimeout(ctx, c.txTimeout)
	defer cancel()

	err := c.store.WithinTx(txCtx, fn)
	if err != nil && !errors.Is(err, outbound.ErrTransactionConflict) &&
		errors.Is(txCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("%w: transaction exceeded %s: %w", outbound.ErrTransactionConflict, c.txTimeout, err)
	}
	return err
}

// apply adds a committed delta to the counter and publishes the new total.
func (c *Coordinator) apply(ctx context.Context, span trace.Span, op outbound.TotalOperation, id, delta int64, replaced bool, start time.Time) (inbound.MutationResult, error) {
	c.state.writes.Add(1)
	span.SetAttributes(
		attribute.Int64("total.delta", delta),
		attribute.Bool("order.replaced", replaced),
	)

	// The record is committed. Cancelling the caller must not strand the delta.
	applyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.counterTimeout)
	defer cancel()

	var total int64
	var err error
	if delta == 0 {
		total, err = c.counter.Read(applyCtx)
	} else {
		total, err = c.counter.AddAndGet(applyCtx, delta)
	}
	if err != nil {
		provisional := c.state.last.Load() + delta
		span.RecordError(err)
		span.SetStatus(codes.Error, "counter apply failed")
		c.logger.Error("order recorded but total unconfirmed, requesting reconciliation",
			"error", err,
			"operation", op,
			"orderId", id,
			"delta", delta,
			"provisionalMinor", provisional,
		)
		c.reconcile()
		c.emitter.emit(ctx, op, id, provisional, delta, false)
		c.metrics.RecordMutation(ctx, op, outcomeUnconfirmed, time.Since(start))

		result := inbound.MutationResult{
			Total:      entity.FromMinorUnits(provisional),
			TotalMinor: provisional,
			Delta:      delta,
			Applied:    true,
			Confirmed:  false,
			Replaced:   replaced,
		}
		return result, fmt.Errorf("%w: order %d: %w", ErrCounterApplyFailed, id, err)
	}

	c.state.last.Store(total)
	span.SetAttributes(attribute.Int64("total.minor", total))
	c.emitter.emit(ctx, op, id, total, delta, true)
	c.metrics.RecordMutation(ctx, op, outcomeConfirmed, time.Since(start))
	c.metrics.RecordTotal(ctx, total)

	c.logger.Debug("order applied",
		"operation", op,
		"orderId", id,
		"delta", delta,
		"totalMinor", total,
		"duration", time.Since(start),
	)

	result := confirmedResult(total, delta, replaced)
	return result, nil
}

// notApplied reports a mutation whose transaction did not commit.
func (c *Coordinator) notApplied(ctx context.Context, span trace.Span, op outbound.TotalOperation, id int64, start time.Time, err error) (inbound.MutationResult, error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, "mutation not applied")
	c.metrics.RecordMutation(ctx, op, outcomeNotApplied, time.Since(start))

	if errors.Is(err, outbound.ErrCommitOutcomeUnknown) {
		c.logger.Warn("commit outcome unknown, requesting reconciliation",
			"error", err,
			"operation", op,
			"orderId", id,
		)
		c.reconcile()
	} else if !errors.Is(err, ErrOrderExists) {
		c.logger.Info("mutation not applied", "error", err, "operation", op, "orderId", id)
	}

	return inbound.MutationResult{}, fmt.Errorf("%w: %s order %d: %w", ErrNotApplied, op, id, err)
}

func (c *Coordinator) readTotal(ctx context.Context) (int64, error) {
	readCtx, cancel := context.WithTimeout(ctx, c.counterTimeout)
	defer cancel()

	total, err := c.counter.Read(readCtx)
	if err != nil {
		return 0, fmt.Errorf("failed to read total: %w", err)
	}
	c.state.last.Store(total)
	return total, nil
}

func confirmedResult(total, delta int64, replaced bool) inbound.MutationResult {
	return inbound.MutationResult{
		Total:      entity.FromMinorUnits(total),
		TotalMinor: total,
		Delta:      delta,
		Applied:    true,
		Confirmed:  true,
		Replaced:   replaced,
	}
}
