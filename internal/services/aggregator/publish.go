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

	"github.com/archon-research/stl-notional/internal/domain/entity"
	"github.com/archon-research/stl-notional/internal/ports/outbound"
)

// ErrPublishQueueFull is returned by AsyncPublisher when its buffer is full
// and the event was dropped.
var ErrPublishQueueFull = errors.New("publish queue full")

// emitter builds TotalEvents and hands them to the publisher. Failures are
// logged and never returned: publishing is best-effort.
type emitter struct {
	publisher outbound.TotalPublisher
	seq       atomic.Uint64
	now       func() time.Time
	timeout   time.Duration
	logger    *slog.Logger
}

func newEmitter(publisher outbound.TotalPublisher, now func() time.Time, timeout time.Duration, logger *slog.Logger) *emitter {
	return &emitter{
		publisher: publisher,
		now:       now,
		timeout:   timeout,
		logger:    logger,
	}
}

func (e *emitter) emit(ctx context.Context, op outbound.TotalOperation, orderID, totalMinor, delta int64, confirmed bool) {
	if e.publisher == nil {
		return
	}

	event := outbound.TotalEvent{
		EventID:     uuid.NewString(),
		Sequence:    e.seq.Add(1),
		TotalMinor:  totalMinor,
		Total:       entity.FormatMinorUnits(totalMinor),
		Delta:       delta,
		Operation:   op,
		OrderID:     orderID,
		Confirmed:   confirmed,
		PublishedAt: e.now().UTC(),
	}

	// The mutation is already committed; the caller going away must not stop the publish.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancel()

	if err := e.publisher.Publish(pubCtx, event); err != nil {
		e.logger.Warn("failed to publish total",
			"error", err,
			"operation", op,
			"orderId", orderID,
			"totalMinor", totalMinor,
			"sequence", event.Sequence,
		)
	}
}

// MultiPublisher fans a total out to several publishers.
type MultiPublisher struct {
	publishers []outbound.TotalPublisher
}

// Compile-time check that MultiPublisher implements outbound.TotalPublisher
var _ outbound.TotalPublisher = (*MultiPublisher)(nil)

// NewMultiPublisher creates a fan-out publisher. Nil entries are skipped.
func NewMultiPublisher(publishers ...outbound.TotalPublisher) *MultiPublisher {
	m := &MultiPublisher{}
	for _, p := range publishers {
		if p != nil {
			m.publishers = append(m.publishers, p)
		}
	}
	return m
}

// Publish sends the event to every publisher and joins their errors.
func (m *MultiPublisher) Publish(ctx context.Context, event outbound.TotalEvent) error {
	var errs []error
	for _, p := range m.publishers {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every publisher.
func (m *MultiPublisher) Close() error {
	var errs []error
	for _, p := range m.publishers {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AsyncPublisherConfig holds configuration for AsyncPublisher.
type AsyncPublisherConfig struct {
	// BufferSize is the number of events that may wait for delivery.
	// Default: 256
	BufferSize int

	// PublishTimeout bounds each delivery to the wrapped publisher.
	// Default: 10 seconds
	PublishTimeout time.Duration

	// Logger is the structured logger.
	Logger *slog.Logger
}

// AsyncPublisher decouples the write path from slow transports. Publish only
// enqueues; a single worker delivers events in enqueue order. When the buffer
// is full the event is dropped, since a later total supersedes it.
type AsyncPublisher struct {
	next    outbound.TotalPublisher
	queue   chan outbound.TotalEvent
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.RWMutex
	closed  bool
	done    chan struct{}
	dropped atomic.Uint64
}

// Compile-time check that AsyncPublisher implements outbound.TotalPublisher
var _ outbound.TotalPublisher = (*AsyncPublisher)(nil)

// NewAsyncPublisher starts the delivery worker.
func NewAsyncPublisher(next outbound.TotalPublisher, config AsyncPublisherConfig) (*AsyncPublisher, error) {
	if next == nil {
		return nil, fmt.Errorf("publisher cannot be nil")
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 256
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	p := &AsyncPublisher{
		next:    next,
		queue:   make(chan outbound.TotalEvent, config.BufferSize),
		timeout: config.PublishTimeout,
		logger:  config.Logger.With("component", "async-publisher"),
		done:    make(chan struct{}),
	}
	go p.run()
	return p, nil
}

// Publish enqueues the event without blocking.
func (p *AsyncPublisher) Publish(_ context.Context, event outbound.TotalEvent) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return errors.New("publisher is closed")
	}

	select {
	case p.queue <- event:
		return nil
	default:
		p.dropped.Add(1)
		return fmt.Errorf("%w: dropped event %d", ErrPublishQueueFull, event.Sequence)
	}
}

// Dropped returns how many events were dropped because the buffer was full.
func (p *AsyncPublisher) Dropped() uint64 {
	return p.dropped.Load()
}

func (p *AsyncPublisher) run() {
	defer close(p.done)
	for event := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		if err := p.next.Publish(ctx, event); err != nil {
			p.logger.Warn("failed to deliver total",
				"error", err,
				"sequence", event.Sequence,
				"totalMinor", event.TotalMinor,
			)
		}
		cancel()
	}
}

// Close stops accepting events, drains the queue and closes the wrapped publisher.
func (p *AsyncPublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	<-p.done
	return p.next.Close()
}
