package workqueue_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/discloser/internal/common"
	"github.com/ternarybob/discloser/internal/workqueue"
)

func newTestQueue(t *testing.T) *workqueue.Queue {
	t.Helper()
	cfg := common.QueueConfig{
		SQLitePath:        filepath.Join(t.TempDir(), "queue.db"),
		QueueName:         "test_tasks",
		DeadLetterName:    "test_tasks_dead",
		VisibilityTimeout: "1s",
		MaxAttempts:       2,
		BatchSize:         5,
		Concurrency:       1,
		PollInterval:      "50ms",
	}
	q, err := workqueue.New(context.Background(), cfg, arbor.NewLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestEnqueueReceiveAck(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "extract_document", json.RawMessage(`{"doc_id":"doc_1"}`))
	require.NoError(t, err)

	received, err := q.Receive(ctx, 10)
	require.NoError(t, err)
	require.Len(t, received, 1)
	require.Equal(t, 1, received[0].Attempt)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, depth)

	require.NoError(t, q.Ack(ctx, received[0].LeaseID))

	depth, err = q.Depth(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, depth)

	again, err := q.Receive(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, again)
}

func TestNackRedeliversThenDeadLetters(t *testing.T) {
	q := newTestQueue(t) // MaxAttempts: 2
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "extract_document", json.RawMessage(`{"doc_id":"doc_2"}`))
	require.NoError(t, err)

	first, err := q.Receive(ctx, 1)
	require.NoError(t, err)
	require.Len(t, first, 1)
	require.Equal(t, 1, first[0].Attempt)
	require.NoError(t, q.Nack(ctx, first[0].LeaseID))

	time.Sleep(50 * time.Millisecond)

	second, err := q.Receive(ctx, 1)
	require.NoError(t, err)
	require.Len(t, second, 1)
	require.Equal(t, 2, second[0].Attempt)

	// Second nack: attempt 2 has reached max_attempts (2), so it dead-letters instead of redelivering.
	require.NoError(t, q.Nack(ctx, second[0].LeaseID))

	time.Sleep(50 * time.Millisecond)
	third, err := q.Receive(ctx, 1)
	require.NoError(t, err)
	require.Empty(t, third)
}

func TestMoveToDeadLetterRemovesFromMainQueue(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "extract_document", json.RawMessage(`{"doc_id":"doc_3"}`))
	require.NoError(t, err)

	received, err := q.Receive(ctx, 1)
	require.NoError(t, err)
	require.Len(t, received, 1)

	require.NoError(t, q.MoveToDeadLetter(ctx, received[0].LeaseID, "unrecoverable parse error"))

	remaining, err := q.Receive(ctx, 1)
	require.NoError(t, err)
	require.Empty(t, remaining)
}
