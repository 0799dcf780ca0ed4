// Package queue provides the durable message queues connecting pipeline
// stages. Delivery is at-least-once: a message stays invisible for the
// visibility timeout after a receive and reappears if the consumer never
// acks, so stage handlers must persist before acking and tolerate
// redelivery.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/arklow-data/tender-triage/internal/resilience"
)

// Delivery is one claimed message. ReceiveCount includes this delivery.
type Delivery struct {
	ID           string
	Queue        string
	Body         []byte
	ReceiveCount int
	EnqueuedAt   time.Time
}

// Options tunes delivery behavior.
type Options struct {
	// VisibilityTimeout is how long a claimed message stays hidden before
	// it is considered abandoned and redelivered.
	VisibilityTimeout time.Duration

	// MaxReceives is the delivery budget. A message claimed more times than
	// this is moved to the dead-letter queue instead of being delivered.
	MaxReceives int
}

// DefaultOptions matches the shipped config defaults.
func DefaultOptions() Options {
	return Options{
		VisibilityTimeout: 2 * time.Minute,
		MaxReceives:       5,
	}
}

// Queue is a named, durable, at-least-once message queue with an attached
// dead-letter queue.
type Queue interface {
	// Send enqueues a message body on the named queue.
	Send(ctx context.Context, queueName string, body []byte) error

	// Receive claims up to max visible messages. Claimed messages become
	// invisible for the visibility timeout. Messages over their delivery
	// budget are dead-lettered instead of returned.
	Receive(ctx context.Context, queueName string, max int) ([]Delivery, error)

	// Ack deletes a delivered message. Call only after all durable writes
	// for the message have committed.
	Ack(ctx context.Context, id string) error

	// Nack makes a delivered message visible again after the given delay.
	Nack(ctx context.Context, id string, delay time.Duration) error

	// DeadLetter moves a delivery to the dead-letter queue with the cause.
	DeadLetter(ctx context.Context, d Delivery, cause error) error

	// Depth counts visible-or-claimed messages on the named queue.
	Depth(ctx context.Context, queueName string) (int64, error)

	// ListDLQ returns dead-letter entries matching the filter.
	ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error)

	// RequeueDLQ moves a dead-letter entry back onto its origin queue with
	// a fresh delivery budget.
	RequeueDLQ(ctx context.Context, id string) error

	// RemoveDLQ deletes a dead-letter entry.
	RemoveDLQ(ctx context.Context, id string) error

	// CountDLQ counts dead-letter entries.
	CountDLQ(ctx context.Context) (int64, error)
}

// SendJSON marshals v and enqueues it on the named queue.
func SendJSON(ctx context.Context, q Queue, queueName string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return eris.Wrapf(err, "queue: marshal message for %s", queueName)
	}
	return q.Send(ctx, queueName, body)
}
