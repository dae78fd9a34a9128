package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/archon-research/stl-notional/internal/ports/inbound"
	"github.com/archon-research/stl-notional/internal/ports/outbound"
)

// Reconciliation triggers.
const (
	TriggerStartup  = "startup"
	TriggerInterval = "interval"
	TriggerRequest  = "request"
	TriggerManual   = "manual"
)

// Report describes one reconciliation run.
type Report struct {
	// Computed is the total computed from the record store.
	Computed int64

	// Previous is the counter value that was replaced.
	Previous int64

	// Diff is Computed - Previous.
	Diff int64

	// Diverged reports whether Previous and Computed differed.
	Diverged bool

	// Records is the number of live orders, or -1 if counting failed.
	Records int64

	// At is when the run started.
	At time.Time

	// Duration is how long the run took.
	Duration time.Duration

	// Trigger is what started the run.
	Trigger string
}

// Reconciler recomputes the total from the record store and overwrites the
// counter with it.
//
// A run that overlaps in-flight writes may store a total that is stale by the
// deltas committed during its scan, or one that a late counter update is then
// added on top of. The Reconciler schedules a follow-up run whenever a write
// was in flight at the start or end of a run, or committed during it, and
// keeps doing so until a run sees no write in flight.
type Reconciler struct {
	store   outbound.OrderStore
	counter outbound.AggregateCounter
	state   *totalState
	emitter *emitter

	interval       time.Duration
	counterTimeout time.Duration
	maxFailures    int
	reporter       outbound.DivergenceReporter
	metrics        outbound.AggregatorMetrics
	now            func() time.Time
	logger         *slog.Logger

	// runMu serializes runs so two Exchange calls never interleave.
	runMu    sync.Mutex
	trigger  chan struct{}
	limiter  *rate.Limiter
	failures atomic.Int32

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Compile-time check that Reconciler implements inbound.HealthChecker
var _ inbound.HealthChecker = (*Reconciler)(nil)

func newReconciler(store outbound.OrderStore, counter outbound.AggregateCounter, state *totalState, em *emitter, cfg Config) *Reconciler {
	return &Reconciler{
		store:          store,
		counter:        counter,
		state:          state,
		emitter:        em,
		interval:       cfg.ReconcileInterval,
		counterTimeout: cfg.CounterTimeout,
		maxFailures:    cfg.MaxConsecutiveFailures,
		reporter:       cfg.Reporter,
		metrics:        cfg.Metrics,
		now:            cfg.Now,
		logger:         cfg.Logger.With("component", "reconciler"),
		trigger:        make(chan struct{}, 1),
		limiter:        rate.NewLimiter(rate.Every(cfg.MinRequestInterval), 1),
	}
}

// Start runs the startup reconciliation and then the background loop.
// Writes are rejected until the startup reconciliation succeeds; if it fails,
// Start returns the error and no loop is started.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel != nil {
		return errors.New("reconciler already started")
	}

	report, err := r.run(ctx, TriggerStartup)
	if err != nil && !errors.Is(err, ErrDivergenceDetected) {
		return fmt.Errorf("startup reconciliation failed: %w", err)
	}

	r.logger.Info("startup reconciliation complete",
		"totalMinor", report.Computed,
		"previousMinor", report.Previous,
		"records", report.Records,
		"duration", report.Duration,
	)

	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.loop(loopCtx, r.done)

	return nil
}

// Stop cancels the background loop and waits for an in-flight run to finish.
func (r *Reconciler) Stop() error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	r.logger.Info("reconciler stopped")
	return nil
}

// Request asks the background loop for a reconciliation. It never blocks;
// requests made while one is already pending are coalesced.
func (r *Reconciler) Request() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Reconcile runs a reconciliation immediately.
// A detected divergence is corrected and reported through the returned
// error wrapping ErrDivergenceDetected alongside a valid Report.
func (r *Reconciler) Reconcile(ctx context.Context) (Report, error) {
	return r.run(ctx, TriggerManual)
}

// IsReady returns true once the startup reconciliation succeeded.
func (r *Reconciler) IsReady() bool {
	return r.state.ready.Load()
}

// IsHealthy returns true while fewer than MaxConsecutiveFailures runs in a
// row have failed.
func (r *Reconciler) IsHealthy() bool {
	return int(r.failures.Load()) < r.maxFailures
}

func (r *Reconciler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	var tick <-chan time.Time
	if r.interval > 0 {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			r.runLogged(ctx, TriggerInterval)
		case <-r.trigger:
			if err := r.limiter.Wait(ctx); err != nil {
				return
			}
			r.runLogged(ctx, TriggerRequest)
		}
	}
}

func (r *Reconciler) runLogged(ctx context.Context, trigger string) {
	if _, err := r.run(ctx, trigger); err != nil && !errors.Is(err, ErrDivergenceDetected) {
		r.logger.Error("reconciliation failed",
			"error", err,
			"trigger", trigger,
			"consecutiveFailures", r.failures.Load(),
		)
	}
}

func (r *Reconciler) run(ctx context.Context, trigger string) (Report, error) {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	start := time.Now()
	report := Report{At: r.now().UTC(), Trigger: trigger, Records: -1}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "aggregator.reconcile",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("reconcile.trigger", trigger)),
	)
	defer span.End()

	writesBefore := r.state.writes.Load()
	pendingBefore := r.state.pending.Load()

	computed, err := r.store.SumNotionalMinor(ctx)
	if err != nil {
		return report, r.fail(ctx, span, start, fmt.Errorf("failed to sum orders: %w", err))
	}
	report.Computed = computed

	if records, err := r.store.Count(ctx); err != nil {
		r.logger.Warn("failed to count orders", "error", err)
	} else {
		report.Records = records
	}

	exchangeCtx, cancel := context.WithTimeout(ctx, r.counterTimeout)
	previous, err := r.counter.Exchange(exchangeCtx, computed)
	cancel()
	if err != nil {
		return report, r.fail(ctx, span, start, fmt.Errorf("failed to exchange total: %w", err))
	}

	report.Previous = previous
	report.Diff = computed - previous
	report.Diverged = report.Diff != 0
	report.Duration = time.Since(start)

	r.state.last.Store(computed)
	r.state.ready.Store(true)
	r.failures.Store(0)

	span.SetAttributes(
		attribute.Int64("total.computed", computed),
		attribute.Int64("total.previous", previous),
		attribute.Int64("orders.count", report.Records),
	)
	r.metrics.RecordTotal(ctx, computed)

	if pendingBefore > 0 || r.state.pending.Load() > 0 || r.state.writes.Load() != writesBefore {
		r.logger.Debug("writes overlapped reconciliation, scheduling follow-up", "trigger", trigger)
		r.Request()
	}

	if !report.Diverged {
		r.metrics.RecordReconciliation(ctx, "ok", report.Duration)
		if trigger == TriggerStartup {
			r.emitter.emit(ctx, outbound.TotalOperationReconcile, 0, computed, 0, true)
		}
		return report, nil
	}

	span.SetAttributes(attribute.Bool("total.diverged", true))
	r.metrics.RecordReconciliation(ctx, "diverged", report.Duration)
	r.metrics.RecordDivergence(ctx, report.Diff)

	divErr := fmt.Errorf("%w: counter held %d, record store sums to %d (diff %d)",
		ErrDivergenceDetected, previous, computed, report.Diff)
	r.logger.Warn("aggregate divergence corrected",
		"error", divErr,
		"trigger", trigger,
		"previousMinor", previous,
		"computedMinor", computed,
		"diffMinor", report.Diff,
		"records", report.Records,
	)

	r.emitter.emit(ctx, outbound.TotalOperationReconcile, 0, computed, report.Diff, true)
	r.report(ctx, report)

	return report, divErr
}

func (r *Reconciler) fail(ctx context.Context, span trace.Span, start time.Time, err error) error {
	failures := r.failures.Add(1)
	span.RecordError(err)
	span.SetStatus(codes.Error, "reconciliation failed")
	r.metrics.RecordReconciliation(ctx, "error", time.Since(start))
	if int(failures) == r.maxFailures {
		r.logger.Error("reconciler unhealthy", "consecutiveFailures", failures)
	}
	return err
}

func (r *Reconciler) report(ctx context.Context, report Report) {
	if r.reporter == nil {
		return
	}

	divergence := outbound.DivergenceReport{
		ReportID:      uuid.NewString(),
		Trigger:       report.Trigger,
		PreviousMinor: report.Previous,
		ComputedMinor: report.Computed,
		DiffMinor:     report.Diff,
		Records:       report.Records,
		DetectedAt:    report.At,
	}
	if err := r.reporter.ReportDivergence(context.WithoutCancel(ctx), divergence); err != nil {
		r.logger.Warn("failed to write divergence report", "error", err, "reportId", divergence.ReportID)
	}
}
