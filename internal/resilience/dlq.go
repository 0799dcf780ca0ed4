package resilience

import (
	"time"

	"github.com/arklow-data/tender-triage/internal/model"
)

// Error classifications stored alongside dead-lettered messages.
const (
	ErrorTypeTransient = "transient"
	ErrorTypePermanent = "permanent"
)

// DLQEntry is a pipeline message that exhausted its delivery budget or
// failed to parse. Entries are inspected and requeued via the dlq command.
type DLQEntry struct {
	ID           string                `json:"id"`
	QueueName    string                `json:"queue_name"`
	Message      model.PipelineMessage `json:"message"`

	// RawBody preserves the payload when it never parsed into a message.
	RawBody string `json:"raw_body,omitempty"`

	Error        string    `json:"error"`
	ErrorType    string    `json:"error_type"`
	ReceiveCount int       `json:"receive_count"`
	RetryCount   int       `json:"retry_count"`
	MaxRetries   int       `json:"max_retries"`
	CreatedAt    time.Time `json:"created_at"`
	LastFailedAt time.Time `json:"last_failed_at"`
}

// DLQFilter narrows dead-letter queries.
type DLQFilter struct {
	QueueName string `json:"queue_name,omitempty"`
	ErrorType string `json:"error_type,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// CanRetry reports whether the entry still has requeue budget.
func (e *DLQEntry) CanRetry() bool {
	return e.RetryCount < e.MaxRetries
}

// ClassifyError buckets an error for DLQ bookkeeping.
func ClassifyError(err error) string {
	if IsTransient(err) {
		return ErrorTypeTransient
	}
	return ErrorTypePermanent
}
