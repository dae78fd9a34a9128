package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/archon-research/stl-notional/internal/ports/outbound"
)

// Compile-time check that Counter implements outbound.AggregateCounter
var _ outbound.AggregateCounter = (*Counter)(nil)

var errCounterClosed = errors.New("counter closed")

// CounterFaults injects failures into a Counter.
type CounterFaults struct {
	// AddErr fails AddAndGet.
	AddErr error

	// AddApplied applies the delta before returning AddErr, simulating a
	// timeout on an add that reached the counter.
	AddApplied bool

	// ReadErr fails Read.
	ReadErr error

	// ExchangeErr fails Exchange.
	ExchangeErr error
}

// Counter is an in-memory aggregate counter.
type Counter struct {
	mu     sync.Mutex
	value  int64
	faults CounterFaults
	closed bool

	adds      int
	exchanges int
}

// NewCounter creates a counter holding initial.
func NewCounter(initial int64) *Counter {
	return &Counter{value: initial}
}

// SetFaults replaces the injected failures.
func (c *Counter) SetFaults(f CounterFaults) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faults = f
}

// Set overwrites the value without counting as an exchange.
func (c *Counter) Set(value int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = value
}

// Value returns the value, ignoring injected failures.
func (c *Counter) Value() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Adds returns how many AddAndGet calls reached the counter.
func (c *Counter) Adds() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.adds
}

// Exchanges returns how many Exchange calls succeeded.
func (c *Counter) Exchanges() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exchanges
}

func (c *Counter) AddAndGet(ctx context.Context, delta int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, fmt.Errorf("%w: %w", outbound.ErrCounterUnavailable, errCounterClosed)
	}
	if c.faults.AddErr != nil {
		if c.faults.AddApplied {
			c.value += delta
			c.adds++
		}
		return 0, fmt.Errorf("%w: %w", outbound.ErrCounterUnavailable, c.faults.AddErr)
	}
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: %w", outbound.ErrCounterUnavailable, err)
	}

	c.value += delta
	c.adds++
	return c.value, nil
}

func (c *Counter) Read(ctx context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, fmt.Errorf("%w: %w", outbound.ErrCounterUnavailable, errCounterClosed)
	}
	if c.faults.ReadErr != nil {
		return 0, fmt.Errorf("%w: %w", outbound.ErrCounterUnavailable, c.faults.ReadErr)
	}
	return c.value, nil
}

func (c *Counter) Exchange(ctx context.Context, value int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, fmt.Errorf("%w: %w", outbound.ErrCounterUnavailable, errCounterClosed)
	}
	if c.faults.ExchangeErr != nil {
		return 0, fmt.Errorf("%w: %w", outbound.ErrCounterUnavailable, c.faults.ExchangeErr)
	}

	previous := c.value
	c.value = value
	c.exchanges++
	return previous, nil
}

// Close marks the counter closed; later operations fail with
// outbound.ErrCounterUnavailable.
func (c *Counter) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
