// Package sns publishes aggregate totals to an AWS SNS topic.
//
// Each TotalEvent is sent as a JSON message with attributes that let
// subscribers filter without parsing the body:
//   - operation: "add", "upsert", "delete" or "reconcile"
//   - confirmed: "true" or "false"
//   - sequence: the producer's event sequence number
//
// Transient failures are retried with exponential backoff. For tests, use
// memory.Publisher instead.
package sns

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/archon-research/stl-notional/internal/pkg/retry"
	"github.com/archon-research/stl-notional/internal/ports/outbound"
)

// Compile-time check that Publisher implements outbound.TotalPublisher
var _ outbound.TotalPublisher = (*Publisher)(nil)

// SNSAPI defines the subset of SNS client methods used by Publisher.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Config holds configuration for the SNS publisher.
type Config struct {
	// TopicARN is the topic totals are published to.
	TopicARN string

	// Retry controls retries of transient failures.
	Retry retry.Config

	// Logger is the structured logger.
	Logger *slog.Logger
}

// ConfigDefaults returns a config with default values.
func ConfigDefaults() Config {
	return Config{
		Retry: retry.Config{
			MaxRetries:     3,
			InitialBackoff: 100 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
			BackoffFactor:  2.0,
			Jitter:         true,
		},
		Logger: slog.Default(),
	}
}

// Publisher publishes totals to SNS.
type Publisher struct {
	client   SNSAPI
	topicARN string
	retry    retry.Config
	logger   *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// NewPublisher creates a new SNS publisher.
func NewPublisher(client SNSAPI, config Config) (*Publisher, error) {
	if client == nil {
		return nil, errors.New("sns client is required")
	}
	if config.TopicARN == "" {
		return nil, errors.New("topic ARN is required")
	}

	defaults := ConfigDefaults()
	if config.Retry == (retry.Config{}) {
		config.Retry = defaults.Retry
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	return &Publisher{
		client:   client,
		topicARN: config.TopicARN,
		retry:    config.Retry,
		logger:   config.Logger.With("component", "sns-publisher"),
	}, nil
}

// Publish sends the event to the topic.
func (p *Publisher) Publish(ctx context.Context, event outbound.TotalEvent) error {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return errors.New("sns publisher is closed")
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal total event: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Message:  aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"operation": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(event.Operation)),
			},
			"confirmed": {
				DataType:    aws.String("String"),
				StringValue: aws.String(strconv.FormatBool(event.Confirmed)),
			},
			"sequence": {
				DataType:    aws.String("Number"),
				StringValue: aws.String(strconv.FormatUint(event.Sequence, 10)),
			},
		},
	}

	onRetry := func(attempt int, err error, backoff time.Duration) {
		p.logger.Warn("publish failed, retrying",
			"attempt", attempt,
			"maxRetries", p.retry.MaxRetries,
			"backoff", backoff,
			"error", err,
			"sequence", event.Sequence,
		)
	}

	err = retry.DoVoid(ctx, p.retry, isRetryableError, onRetry, func() error {
		_, err := p.client.Publish(ctx, input)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to publish to SNS: %w", err)
	}
	return nil
}

// isRetryableError reports whether an SNS error is transient.
func isRetryableError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var notFound *types.NotFoundException
	var invalid *types.InvalidParameterException
	var authErr *types.AuthorizationErrorException
	if errors.As(err, &notFound) || errors.As(err, &invalid) || errors.As(err, &authErr) {
		return false
	}

	// Throttling, internal errors and network failures are all retried.
	return true
}

// Close marks the publisher as closed.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		p.logger.Info("SNS publisher closed")
	}
	return nil
}
