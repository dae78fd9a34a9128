package sqs

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/archon-research/stl-notional/internal/testutil"
)

type mockSQS struct {
	receiveFn func(ctx context.Context, params *sqs.ReceiveMessageInput) (*sqs.ReceiveMessageOutput, error)
	deleteFn  func(ctx context.Context, params *sqs.DeleteMessageInput) (*sqs.DeleteMessageOutput, error)
}

func (m *mockSQS) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	if m.receiveFn != nil {
		return m.receiveFn(ctx, params)
	}
	return &sqs.ReceiveMessageOutput{}, nil
}

func (m *mockSQS) DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, params)
	}
	return &sqs.DeleteMessageOutput{}, nil
}

const testQueueURL = "http://localhost:4566/000000000000/order-mutations"

func TestNewConsumer_RequiresQueueURL(t *testing.T) {
	if _, err := newConsumer(&mockSQS{}, Config{}, nil); err == nil {
		t.Fatal("expected error for empty queue URL")
	}
	c, err := newConsumer(&mockSQS{}, Config{QueueURL: testQueueURL}, nil)
	if err != nil {
		t.Fatalf("newConsumer: %v", err)
	}
	if c.config.WaitTimeSeconds != 20 {
		t.Errorf("WaitTimeSeconds = %d, want 20", c.config.WaitTimeSeconds)
	}
}

func TestConsumer_ReceiveMessages(t *testing.T) {
	var captured *sqs.ReceiveMessageInput
	client := &mockSQS{receiveFn: func(_ context.Context, in *sqs.ReceiveMessageInput) (*sqs.ReceiveMessageOutput, error) {
		captured = in
		return &sqs.ReceiveMessageOutput{Messages: []types.Message{
			{
				MessageId:     aws.String("m1"),
				ReceiptHandle: aws.String("r1"),
				Body:          aws.String(`{"op":"delete","id":1}`),
				Attributes:    map[string]string{"ApproximateReceiveCount": "3"},
			},
			{MessageId: aws.String("m2")}, // incomplete, skipped
		}}, nil
	}}

	c, err := newConsumer(client, Config{QueueURL: testQueueURL, WaitTimeSeconds: 1}, testutil.DiscardLogger())
	if err != nil {
		t.Fatalf("newConsumer: %v", err)
	}

	msgs, err := c.ReceiveMessages(context.Background(), 50)
	if err != nil {
		t.Fatalf("ReceiveMessages: %v", err)
	}
	if captured.MaxNumberOfMessages != 10 {
		t.Errorf("MaxNumberOfMessages = %d, want 10", captured.MaxNumberOfMessages)
	}
	if captured.WaitTimeSeconds != 1 {
		t.Errorf("WaitTimeSeconds = %d, want 1", captured.WaitTimeSeconds)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].MessageID != "m1" || msgs[0].ReceiptHandle != "r1" || msgs[0].ReceiveCount != 3 {
		t.Errorf("message = %+v", msgs[0])
	}
}

func TestConsumer_ReceiveMessagesError(t *testing.T) {
	client := &mockSQS{receiveFn: func(context.Context, *sqs.ReceiveMessageInput) (*sqs.ReceiveMessageOutput, error) {
		return nil, errors.New("boom")
	}}
	c, _ := newConsumer(client, Config{QueueURL: testQueueURL}, testutil.DiscardLogger())
	if _, err := c.ReceiveMessages(context.Background(), 1); err == nil {
		t.Fatal("expected error")
	}
}

func TestConsumer_DeleteMessage(t *testing.T) {
	var handle string
	client := &mockSQS{deleteFn: func(_ context.Context, in *sqs.DeleteMessageInput) (*sqs.DeleteMessageOutput, error) {
		handle = *in.ReceiptHandle
		return &sqs.DeleteMessageOutput{}, nil
	}}
	c, _ := newConsumer(client, Config{QueueURL: testQueueURL}, testutil.DiscardLogger())
	if err := c.DeleteMessage(context.Background(), "r1"); err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}
	if handle != "r1" {
		t.Errorf("deleted handle = %q, want r1", handle)
	}
}
