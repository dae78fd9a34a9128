package memory

import (
	"context"
	"sync"

	"github.com/archon-research/stl-notional/internal/ports/outbound"
)

// Compile-time checks
var (
	_ outbound.TotalPublisher     = (*Publisher)(nil)
	_ outbound.DivergenceReporter = (*DivergenceReporter)(nil)
)

// Publisher records published totals for inspection in tests.
type Publisher struct {
	mu     sync.RWMutex
	events []outbound.TotalEvent
	err    error
	closed bool

	// Callback for test assertions
	onPublish func(outbound.TotalEvent)
}

// NewPublisher creates an empty publisher.
func NewPublisher() *Publisher {
	return &Publisher{}
}

// Publish stores the event, or returns the injected error.
func (p *Publisher) Publish(ctx context.Context, event outbound.TotalEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.err != nil {
		return p.err
	}
	if p.closed {
		return nil
	}

	p.events = append(p.events, event)
	if p.onPublish != nil {
		p.onPublish(event)
	}
	return nil
}

// Close marks the publisher as closed.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Events returns all published events in order.
func (p *Publisher) Events() []outbound.TotalEvent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	result := make([]outbound.TotalEvent, len(p.events))
	copy(result, p.events)
	return result
}

// Last returns the most recent event.
func (p *Publisher) Last() (outbound.TotalEvent, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.events) == 0 {
		return outbound.TotalEvent{}, false
	}
	return p.events[len(p.events)-1], true
}

// SetError makes every Publish fail with err. Nil clears it.
func (p *Publisher) SetError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// SetOnPublish registers a callback invoked for each stored event.
func (p *Publisher) SetOnPublish(fn func(outbound.TotalEvent)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onPublish = fn
}

// IsClosed reports whether Close was called.
func (p *Publisher) IsClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

// DivergenceReporter records divergence reports in memory.
type DivergenceReporter struct {
	mu      sync.RWMutex
	reports []outbound.DivergenceReport
}

// NewDivergenceReporter creates an empty reporter.
func NewDivergenceReporter() *DivergenceReporter {
	return &DivergenceReporter{}
}

// ReportDivergence stores the report.
func (r *DivergenceReporter) ReportDivergence(ctx context.Context, report outbound.DivergenceReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, report)
	return nil
}

// Reports returns all stored reports.
func (r *DivergenceReporter) Reports() []outbound.DivergenceReport {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]outbound.DivergenceReport, len(r.reports))
	copy(result, r.reports)
	return result
}
