package interfaces

import (
	"context"
	"encoding/json"
	"time"
)

// QueueMessage is the envelope placed on the work queue for one extraction
// task (one Bronze document awaiting text/structured extraction).
type QueueMessage struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"` // "extract_document"
	Payload     json.RawMessage `json:"payload"`
	Attempt     int             `json:"attempt"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
}

// ReceivedMessage pairs a dequeued message with its lease handle: the
// consumer must call Ack, Nack, or let the visibility timeout expire before
// the lease runs out.
type ReceivedMessage struct {
	Message  QueueMessage
	LeaseID  string
	Attempt  int
}

// WorkQueue is the at-least-once delivery abstraction (C2) the Extraction
// Worker pool (C9) consumes. Implementations provide a visibility-timeout
// lease per receive and a dead-letter sink for messages that exhaust
// max_attempts.
type WorkQueue interface {
	// Enqueue places msg on the queue, returning its assigned ID.
	Enqueue(ctx context.Context, msgType string, payload json.RawMessage) (string, error)

	// Receive dequeues up to batchSize messages, each leased for the
	// queue's configured visibility timeout. Returns an empty slice (not an
	// error) if nothing is available.
	Receive(ctx context.Context, batchSize int) ([]ReceivedMessage, error)

	// Ack permanently removes a message after successful processing.
	Ack(ctx context.Context, leaseID string) error

	// Nack releases a message's lease early for immediate redelivery,
	// incrementing its attempt counter. If the message's attempt counter
	// has reached max_attempts, implementations move it to the dead-letter
	// sink instead of redelivering it.
	Nack(ctx context.Context, leaseID string) error

	// MoveToDeadLetter removes a message from the main queue and appends it
	// to the dead-letter sink with the given reason, regardless of its
	// current attempt count.
	MoveToDeadLetter(ctx context.Context, leaseID string, reason string) error

	// Extend renews a message's visibility lease, used by long-running
	// handlers (e.g. OCR fallback) to avoid premature redelivery.
	Extend(ctx context.Context, leaseID string, duration time.Duration) error

	// Depth reports the number of messages still outstanding on the main
	// queue (pending plus currently leased), used by the Orchestrator's
	// Drain step to detect when a run's enqueued work is fully consumed.
	Depth(ctx context.Context) (int, error)
}
