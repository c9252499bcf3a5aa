package queue

import (
	"context"
	"errors"
	"time"

	"github.com/docflowhq/docflow/pkg/types"
)

var (
	// ErrSaturated is returned when a queue has reached its hard limit.
	// The caller must back off; messages are never dropped.
	ErrSaturated = errors.New("queue saturated")

	// ErrUnknownMessage is returned when acking a message the broker does
	// not track (already acked, or from a previous incarnation).
	ErrUnknownMessage = errors.New("unknown message")
)

// Delivery is a dequeued message together with its ack handle.
type Delivery struct {
	Message types.Message
}

// Broker defines the queue fabric: named queues with at-least-once
// delivery, per-message acknowledgement, delayed delivery, and a
// dead-letter queue per stage.
type Broker interface {
	Enqueue(queue types.QueueName, msg types.Message) error
	EnqueueAfter(queue types.QueueName, msg types.Message, delay time.Duration) error

	// Dequeue blocks until a message is ready or ctx is done. The message
	// stays in-flight until Ack or Nack; an in-flight message whose
	// visibility window lapses is redelivered.
	Dequeue(ctx context.Context, queue types.QueueName) (*Delivery, error)

	Ack(msgID string) error
	Nack(msgID string) error
	MoveToDeadLetter(msgID string) error

	Depth(queue types.QueueName) int
	DeadLetters(queue types.QueueName) []types.Message
	Saturated(queue types.QueueName) bool

	Close() error
}
