// Package workqueue implements the at-least-once Work Queue (C2) on top of
// goqite, the teacher's queue library, backed by a pure-Go SQLite database.
package workqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ternarybob/arbor"
	"maragu.dev/goqite"

	_ "modernc.org/sqlite"

	"github.com/ternarybob/discloser/internal/common"
	"github.com/ternarybob/discloser/internal/interfaces"
)

// Queue is a goqite-backed interfaces.WorkQueue with an explicit
// dead-letter sink: a message that exhausts maxAttempts is moved to a
// second goqite queue (sharing the same database) rather than redelivered
// forever.
//
// goqite itself only tracks delivery via its visibility-timeout column, not
// an attempt counter, and exposes no way to update a message's body in
// place. This type keeps a small in-memory table of outstanding leases
// (populated on Receive, cleared on Ack/Nack/dead letter) to know each
// message's own envelope while it is leased, and Nack persists the
// incremented attempt count by re-Send-ing a fresh envelope and deleting
// the original row, rather than merely extending the original message's
// visibility. A process restart loses the lease table; once a
// still-outstanding message's visibility timeout expires and goqite
// redelivers it, its attempt count is one more than the count stored in
// its body (the last Nack's value, or 0 if it was never nacked), the same
// loss of in-flight state the queue already accepts for lease bookkeeping.
type Queue struct {
	db          *sql.DB
	main        *goqite.Queue
	deadLetter  *goqite.Queue
	maxAttempts int
	visibility  time.Duration
	logger      arbor.ILogger

	mu     sync.Mutex
	leased map[string]interfaces.QueueMessage

	// depth is an application-level count of messages outstanding on the
	// main queue (pending or leased, not yet acked or dead-lettered).
	// goqite itself exposes no count query over its schema, so this is
	// tracked alongside the lease table rather than read from storage.
	depth int64
}

// New opens (and migrates, if needed) the SQLite-backed goqite queues
// described by cfg.
func New(ctx context.Context, cfg common.QueueConfig, logger arbor.ILogger) (*Queue, error) {
	db, err := sql.Open("sqlite", cfg.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("open queue database %s: %w", cfg.SQLitePath, err)
	}
	db.SetMaxOpenConns(1) // matches goqite's SQLite single-writer guidance

	if err := goqite.Setup(ctx, db); err != nil {
		return nil, fmt.Errorf("setup goqite schema: %w", err)
	}

	visibility := common.Duration(cfg.VisibilityTimeout, 5*time.Minute)

	main := goqite.New(goqite.NewOpts{
		DB:      db,
		Name:    cfg.QueueName,
		Timeout: visibility,
	})
	dead := goqite.New(goqite.NewOpts{
		DB:   db,
		Name: cfg.DeadLetterName,
	})

	return &Queue{
		db:          db,
		main:        main,
		deadLetter:  dead,
		maxAttempts: cfg.MaxAttempts,
		visibility:  visibility,
		logger:      logger,
		leased:      make(map[string]interfaces.QueueMessage),
	}, nil
}

// Close closes the underlying database connection.
func (q *Queue) Close() error {
	return q.db.Close()
}

func (q *Queue) Enqueue(ctx context.Context, msgType string, payload json.RawMessage) (string, error) {
	envelope := interfaces.QueueMessage{
		Type:       msgType,
		Payload:    payload,
		Attempt:    0,
		EnqueuedAt: time.Now(),
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("encode queue message: %w", err)
	}

	id, err := q.main.Send(ctx, goqite.Message{Body: body})
	if err != nil {
		return "", fmt.Errorf("%w: enqueue: %v", interfaces.ErrTransientIO, err)
	}
	atomic.AddInt64(&q.depth, 1)
	return string(id), nil
}

func (q *Queue) Receive(ctx context.Context, batchSize int) ([]interfaces.ReceivedMessage, error) {
	out := make([]interfaces.ReceivedMessage, 0, batchSize)
	for i := 0; i < batchSize; i++ {
		gMsg, err := q.main.Receive(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: receive: %v", interfaces.ErrTransientIO, err)
		}
		if gMsg == nil {
			break
		}

		var envelope interfaces.QueueMessage
		if err := json.Unmarshal(gMsg.Body, &envelope); err != nil {
			q.logger.Error().Err(err).Str("lease_id", string(gMsg.ID)).Msg("dropping unparseable queue message")
			_ = q.main.Delete(ctx, gMsg.ID)
			continue
		}
		envelope.ID = string(gMsg.ID)
		envelope.Attempt++
		leaseID := string(gMsg.ID)

		q.mu.Lock()
		q.leased[leaseID] = envelope
		q.mu.Unlock()

		out = append(out, interfaces.ReceivedMessage{
			Message: envelope,
			LeaseID: leaseID,
			Attempt: envelope.Attempt,
		})
	}
	return out, nil
}

func (q *Queue) Ack(ctx context.Context, leaseID string) error {
	if err := q.main.Delete(ctx, goqite.ID(leaseID)); err != nil {
		return fmt.Errorf("%w: ack %s: %v", interfaces.ErrTransientIO, leaseID, err)
	}
	q.forgetLease(leaseID)
	atomic.AddInt64(&q.depth, -1)
	return nil
}

// Nack redelivers a failed message for retry, unless its attempt count has
// reached maxAttempts, in which case it is dead-lettered instead. Since
// goqite has no in-place body update, redelivery re-Sends a fresh envelope
// carrying the incremented attempt count and deletes the original row,
// rather than just extending the original message's visibility window —
// otherwise every redelivery would re-read Attempt:0 from the stale body
// and the dead-letter guard above would never trip.
func (q *Queue) Nack(ctx context.Context, leaseID string) error {
	envelope, known := q.peekLease(leaseID)
	if known && q.maxAttempts > 0 && envelope.Attempt >= q.maxAttempts {
		return q.MoveToDeadLetter(ctx, leaseID, "max attempts exceeded")
	}

	if !known {
		// No envelope on record (e.g. after a process restart) — fall back
		// to extending the original message's visibility so it is at least
		// redelivered, even though its attempt count can't be recovered.
		if err := q.main.Extend(ctx, goqite.ID(leaseID), 0); err != nil {
			return fmt.Errorf("%w: nack %s: %v", interfaces.ErrTransientIO, leaseID, err)
		}
		q.forgetLease(leaseID)
		return nil
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("encode queue message: %w", err)
	}
	if _, err := q.main.Send(ctx, goqite.Message{Body: body}); err != nil {
		return fmt.Errorf("%w: nack redeliver %s: %v", interfaces.ErrTransientIO, leaseID, err)
	}
	if err := q.main.Delete(ctx, goqite.ID(leaseID)); err != nil {
		return fmt.Errorf("%w: nack remove original %s: %v", interfaces.ErrTransientIO, leaseID, err)
	}
	q.forgetLease(leaseID)
	return nil
}

func (q *Queue) MoveToDeadLetter(ctx context.Context, leaseID string, reason string) error {
	envelope, known := q.peekLease(leaseID)
	if !known {
		envelope = interfaces.QueueMessage{ID: leaseID}
	}

	deadEnvelope := struct {
		interfaces.QueueMessage
		DeadLetterReason string `json:"dead_letter_reason"`
	}{QueueMessage: envelope, DeadLetterReason: reason}

	body, err := json.Marshal(deadEnvelope)
	if err != nil {
		return fmt.Errorf("encode dead letter envelope: %w", err)
	}

	if _, err := q.deadLetter.Send(ctx, goqite.Message{Body: body}); err != nil {
		return fmt.Errorf("%w: send to dead letter: %v", interfaces.ErrTransientIO, err)
	}
	if err := q.main.Delete(ctx, goqite.ID(leaseID)); err != nil {
		return fmt.Errorf("%w: remove from main queue after dead-lettering: %v", interfaces.ErrTransientIO, err)
	}
	q.forgetLease(leaseID)
	atomic.AddInt64(&q.depth, -1)
	q.logger.Warn().Str("lease_id", leaseID).Str("reason", reason).Msg("message moved to dead letter queue")
	return nil
}

// Depth returns the current count of outstanding main-queue messages.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	return int(atomic.LoadInt64(&q.depth)), nil
}

func (q *Queue) Extend(ctx context.Context, leaseID string, duration time.Duration) error {
	if err := q.main.Extend(ctx, goqite.ID(leaseID), duration); err != nil {
		return fmt.Errorf("%w: extend lease %s: %v", interfaces.ErrTransientIO, leaseID, err)
	}
	return nil
}

func (q *Queue) peekLease(leaseID string) (interfaces.QueueMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	msg, ok := q.leased[leaseID]
	return msg, ok
}

func (q *Queue) forgetLease(leaseID string) {
	q.mu.Lock()
	delete(q.leased, leaseID)
	q.mu.Unlock()
}

var _ interfaces.WorkQueue = (*Queue)(nil)
