// Package mutation_consumer applies order mutations received from a queue.
//
// Each message body is a JSON object:
//
//	{"op": "add",    "order": {...}}
//	{"op": "upsert", "order": {...}}
//	{"op": "delete", "id": 42}
//
// A message is deleted once its mutation was committed, even when the total
// could not be confirmed, and when it can never succeed (malformed body,
// invalid order, rejected add). Any other failure leaves the message on the
// queue for redelivery. Every operation is idempotent under redelivery
// except Add under the reject policy, which then fails with ErrOrderExists.
package mutation_consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/archon-research/stl-notional/internal/domain/entity"
	"github.com/archon-research/stl-notional/internal/ports/inbound"
	"github.com/archon-research/stl-notional/internal/ports/outbound"
	"github.com/archon-research/stl-notional/internal/services/aggregator"
)

// ErrPoisonMessage marks a message that can never be applied.
var ErrPoisonMessage = errors.New("poison message")

// Operation names a queued mutation.
type Operation string

const (
	OperationAdd    Operation = "add"
	OperationUpsert Operation = "upsert"
	OperationDelete Operation = "delete"
)

// Message is the queued mutation payload.
type Message struct {
	Op    Operation     `json:"op"`
	Order *entity.Order `json:"order,omitempty"`
	ID    int64         `json:"id,omitempty"`
}

// Config holds configuration for the consumer.
type Config struct {
	// MaxMessages is the batch size per receive. Default: 10
	MaxMessages int

	// PollInterval is the pause between receives. Default: 100ms
	PollInterval time.Duration

	// Logger is the structured logger.
	Logger *slog.Logger
}

func configDefaults() Config {
	return Config{
		MaxMessages:  10,
		PollInterval: 100 * time.Millisecond,
		Logger:       slog.Default(),
	}
}

// Service polls the queue and applies each mutation through the aggregator.
type Service struct {
	config   Config
	consumer outbound.SQSConsumer
	orders   inbound.OrderTotalService

	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

// NewService creates a new mutation consumer.
func NewService(config Config, consumer outbound.SQSConsumer, orders inbound.OrderTotalService) (*Service, error) {
	if consumer == nil {
		return nil, fmt.Errorf("consumer cannot be nil")
	}
	if orders == nil {
		return nil, fmt.Errorf("order service cannot be nil")
	}

	defaults := configDefaults()
	if config.MaxMessages == 0 {
		config.MaxMessages = defaults.MaxMessages
	}
	if config.PollInterval == 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	return &Service{
		config:   config,
		consumer: consumer,
		orders:   orders,
		logger:   config.Logger.With("component", "mutation-consumer"),
	}, nil
}

// Start launches the poll loop.
func (s *Service) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.processLoop(ctx)
	}()

	s.logger.Info("mutation consumer started", "maxMessages", s.config.MaxMessages)
	return nil
}

// Stop stops the poll loop and waits for the in-flight batch.
func (s *Service) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("mutation consumer stopped")
	return nil
}

func (s *Service) processLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.processMessages(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("error processing messages", "error", err)
			}
		}
	}
}

func (s *Service) processMessages(ctx context.Context) error {
	messages, err := s.consumer.ReceiveMessages(ctx, s.config.MaxMessages)
	if err != nil {
		return fmt.Errorf("receiving messages: %w", err)
	}
	if len(messages) == 0 {
		return nil
	}

	var errs []error
	for _, msg := range messages {
		err := s.processMessage(ctx, msg)
		switch {
		case err == nil:
		case errors.Is(err, ErrPoisonMessage):
			s.logger.Warn("dropping message that can never be applied",
				"messageId", msg.MessageID,
				"error", err,
			)
		default:
			s.logger.Warn("mutation failed, leaving message for redelivery",
				"messageId", msg.MessageID,
				"receiveCount", msg.ReceiveCount,
				"error", err,
			)
			errs = append(errs, err)
			continue
		}

		if deleteErr := s.consumer.DeleteMessage(ctx, msg.ReceiptHandle); deleteErr != nil {
			s.logger.Error("failed to delete message", "messageId", msg.MessageID, "error", deleteErr)
		}
	}

	return errors.Join(errs...)
}

// processMessage applies one message. It returns nil when the message is
// done, an error wrapping ErrPoisonMessage when it must be dropped, and any
// other error when it should be redelivered.
func (s *Service) processMessage(ctx context.Context, msg outbound.SQSMessage) error {
	var m Message
	if err := json.Unmarshal([]byte(msg.Body), &m); err != nil {
		return fmt.Errorf("%w: decoding body: %w", ErrPoisonMessage, err)
	}

	var result inbound.MutationResult
	var err error
	switch m.Op {
	case OperationAdd, OperationUpsert:
		if m.Order == nil {
			return fmt.Errorf("%w: %s without order", ErrPoisonMessage, m.Op)
		}
		if m.Op == OperationAdd {
			result, err = s.orders.Add(ctx, m.Order)
		} else {
			result, err = s.orders.Upsert(ctx, m.Order)
		}
	case OperationDelete:
		id := m.ID
		if id == 0 && m.Order != nil {
			id = m.Order.ID
		}
		result, err = s.orders.Delete(ctx, id)
	default:
		return fmt.Errorf("%w: unknown op %q", ErrPoisonMessage, m.Op)
	}

	switch {
	case err == nil:
		s.logger.Debug("mutation applied", "messageId", msg.MessageID, "op", m.Op, "totalMinor", result.TotalMinor)
		return nil
	case errors.Is(err, aggregator.ErrCounterApplyFailed):
		// Committed; reconciliation repairs the total.
		return nil
	case errors.Is(err, entity.ErrInvalidOrder), errors.Is(err, aggregator.ErrOrderExists):
		return fmt.Errorf("%w: %w", ErrPoisonMessage, err)
	default:
		return err
	}
}
