package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/archon-research/stl-notional/internal/ports/outbound"
)

// Compile-time check that Publisher implements outbound.TotalPublisher
var _ outbound.TotalPublisher = (*Publisher)(nil)

// Publisher publishes totals as JSON on a Redis pub/sub channel so every
// service instance can forward them to its own subscribers.
type Publisher struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

// NewPublisher creates a new Redis publisher.
func NewPublisher(cfg Config, logger *slog.Logger) (*Publisher, error) {
	cfg = cfg.withDefaults()
	client, err := newClient(cfg)
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Publisher{
		client:  client,
		channel: cfg.Channel,
		logger:  logger.With("component", "redis-publisher"),
	}, nil
}

// Publish sends the event to the channel.
func (p *Publisher) Publish(ctx context.Context, event outbound.TotalEvent) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal total event: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, raw).Err(); err != nil {
		return fmt.Errorf("failed to publish total: %w", err)
	}
	return nil
}

// Subscribe forwards events from the channel to onEvent until ctx is done.
// It returns once the subscription is confirmed.
func (p *Publisher) Subscribe(ctx context.Context, onEvent func(outbound.TotalEvent)) error {
	if onEvent == nil {
		return fmt.Errorf("onEvent callback required")
	}

	sub := p.client.Subscribe(ctx, p.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					return
				}
				var event outbound.TotalEvent
				if err := json.Unmarshal([]byte(m.Payload), &event); err != nil {
					p.logger.Warn("bad total payload", "error", err, "channel", m.Channel)
					continue
				}
				onEvent(event)
			}
		}
	}()

	return nil
}

// Close closes the Redis connection.
func (p *Publisher) Close() error {
	return p.client.Close()
}
