package workqueue

import (
	"context"
	"errors"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/discloser/internal/common"
	"github.com/ternarybob/discloser/internal/interfaces"
)

// Handler processes one dequeued message. Returning nil acks the message;
// returning an error nacks it (which dead-letters it once max_attempts is
// exhausted). Returning a *PermanentError dead-letters it immediately,
// without waiting for max_attempts redeliveries, for errors §4.9
// classifies as permanent (e.g. ExtractionFailed, a malformed PDF).
type Handler func(ctx context.Context, msg interfaces.ReceivedMessage) error

// PermanentError marks a handler failure as non-retriable: the message
// goes straight to the dead-letter queue instead of being redelivered.
type PermanentError struct {
	Reason string
	Err    error
}

func (e *PermanentError) Error() string { return e.Reason + ": " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Pool polls a WorkQueue with a fixed number of concurrent workers, each
// pulling its own batch and dispatching to a single registered handler.
// This mirrors the teacher's staggered-start, ticker-poll worker loop
// (internal/queue/worker.go), generalized to the explicit Ack/Nack/
// dead-letter contract this queue exposes.
type Pool struct {
	queue        interfaces.WorkQueue
	handler      Handler
	concurrency  int
	batchSize    int
	pollInterval time.Duration
	logger       arbor.ILogger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewPool builds a worker pool over queue with handler as the single
// message handler.
func NewPool(queue interfaces.WorkQueue, handler Handler, cfg common.QueueConfig, logger arbor.ILogger) *Pool {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 1
	}
	return &Pool{
		queue:        queue,
		handler:      handler,
		concurrency:  concurrency,
		batchSize:    batchSize,
		pollInterval: common.Duration(cfg.PollInterval, 2*time.Second),
		logger:       logger,
	}
}

// Start launches the pool's workers, each staggered by a fraction of the
// poll interval so a cold start doesn't thunder all workers against the
// queue at once.
func (p *Pool) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	var active int
	results := make(chan struct{}, p.concurrency)

	for i := 0; i < p.concurrency; i++ {
		active++
		go func(workerID int) {
			defer func() { results <- struct{}{} }()
			stagger := time.Duration(workerID) * (p.pollInterval / time.Duration(p.concurrency+1))
			select {
			case <-time.After(stagger):
			case <-ctx.Done():
				return
			}
			p.worker(ctx, workerID)
		}(i)
	}

	go func() {
		for i := 0; i < active; i++ {
			<-results
		}
		close(p.done)
	}()
}

// Stop cancels all workers and blocks until they exit.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	if p.done != nil {
		<-p.done
	}
}

func (p *Pool) worker(ctx context.Context, workerID int) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx, workerID)
		}
	}
}

func (p *Pool) poll(ctx context.Context, workerID int) {
	msgs, err := p.queue.Receive(ctx, p.batchSize)
	if err != nil {
		p.logger.Error().Err(err).Int("worker_id", workerID).Msg("queue receive failed")
		return
	}

	for _, msg := range msgs {
		err := p.handler(ctx, msg)
		if err == nil {
			if aerr := p.queue.Ack(ctx, msg.LeaseID); aerr != nil {
				p.logger.Error().Err(aerr).Str("lease_id", msg.LeaseID).Msg("ack failed")
			}
			continue
		}

		var permErr *PermanentError
		if errors.As(err, &permErr) {
			p.logger.Warn().Err(err).Int("worker_id", workerID).Str("lease_id", msg.LeaseID).Msg("handler failed permanently, dead-lettering message")
			if derr := p.queue.MoveToDeadLetter(ctx, msg.LeaseID, permErr.Reason); derr != nil {
				p.logger.Error().Err(derr).Str("lease_id", msg.LeaseID).Msg("dead-letter failed")
			}
			continue
		}

		p.logger.Warn().Err(err).Int("worker_id", workerID).Str("lease_id", msg.LeaseID).Msg("handler failed, nacking message")
		if nerr := p.queue.Nack(ctx, msg.LeaseID); nerr != nil {
			p.logger.Error().Err(nerr).Str("lease_id", msg.LeaseID).Msg("nack failed")
		}
	}
}
