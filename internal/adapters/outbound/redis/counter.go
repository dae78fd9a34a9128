package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/archon-research/stl-notional/internal/ports/outbound"
)

// Compile-time check that Counter implements outbound.AggregateCounter
var _ outbound.AggregateCounter = (*Counter)(nil)

// totalKeySuffix names the counter key, distinct from any order keyspace.
const totalKeySuffix = "orders_total_cents"

// Counter is a Redis implementation of outbound.AggregateCounter.
// A missing key reads as zero.
type Counter struct {
	client *redis.Client
	key    string
	logger *slog.Logger
}

// NewCounter creates a new Redis counter.
func NewCounter(cfg Config, logger *slog.Logger) (*Counter, error) {
	cfg = cfg.withDefaults()
	client, err := newClient(cfg)
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Counter{
		client: client,
		key:    cfg.KeyPrefix + ":" + totalKeySuffix,
		logger: logger.With("component", "redis-counter"),
	}, nil
}

// Ping checks the Redis connection.
func (c *Counter) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Key returns the Redis key holding the total.
func (c *Counter) Key() string {
	return c.key
}

// AddAndGet runs INCRBY.
func (c *Counter) AddAndGet(ctx context.Context, delta int64) (int64, error) {
	total, err := c.client.IncrBy(ctx, c.key, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: failed to add %d: %w", outbound.ErrCounterUnavailable, delta, err)
	}
	return total, nil
}

// Read runs GET.
func (c *Counter) Read(ctx context.Context) (int64, error) {
	total, err := c.client.Get(ctx, c.key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: failed to read total: %w", outbound.ErrCounterUnavailable, err)
	}
	return total, nil
}

// Exchange runs GETSET and returns the previous value.
func (c *Counter) Exchange(ctx context.Context, value int64) (int64, error) {
	previous, err := c.client.GetSet(ctx, c.key, value).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: failed to exchange total: %w", outbound.ErrCounterUnavailable, err)
	}
	return previous, nil
}

// Close closes the Redis connection.
func (c *Counter) Close() error {
	return c.client.Close()
}
