// Package scheduler drives cron-triggered orchestrator runs, grounded on
// the teacher's robfig/cron scheduler service
// (internal/services/scheduler/scheduler_service.go), trimmed to the one
// thing this pipeline needs: invoke a named handler on a cron schedule and
// track its last run outcome.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
)

// JobFunc is one scheduled unit of work. The scheduler passes it a
// background context; JobFunc is responsible for its own timeout.
type JobFunc func(ctx context.Context) error

type jobEntry struct {
	name      string
	schedule  string
	handler   JobFunc
	entryID   cron.EntryID
	isRunning bool
	lastRun   time.Time
	lastErr   error
}

// Service wraps a robfig/cron scheduler with named jobs and run bookkeeping.
type Service struct {
	cron   *cron.Cron
	logger arbor.ILogger

	mu      sync.Mutex
	jobs    map[string]*jobEntry
	running bool
}

// New builds a Service. Jobs must be registered with RegisterJob before
// Start is called.
func New(logger arbor.ILogger) *Service {
	return &Service{
		cron:   cron.New(),
		logger: logger,
		jobs:   make(map[string]*jobEntry),
	}
}

// RegisterJob adds a named job on the given cron schedule. handler runs in
// its own goroutine each time the schedule fires; overlapping fires for the
// same job are skipped rather than queued, since an Orchestrator run is not
// safe to invoke concurrently against the same (source, year) per §5.
func (s *Service) RegisterJob(name, schedule string, handler JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %q already registered", name)
	}

	entry := &jobEntry{name: name, schedule: schedule, handler: handler}
	entryID, err := s.cron.AddFunc(schedule, func() { s.runJob(entry) })
	if err != nil {
		return fmt.Errorf("register job %q on schedule %q: %w", name, schedule, err)
	}
	entry.entryID = entryID
	s.jobs[name] = entry
	return nil
}

func (s *Service) runJob(entry *jobEntry) {
	s.mu.Lock()
	if entry.isRunning {
		s.mu.Unlock()
		s.logger.Warn().Str("job", entry.name).Msg("scheduled run skipped, previous run still in progress")
		return
	}
	entry.isRunning = true
	s.mu.Unlock()

	s.logger.Info().Str("job", entry.name).Str("schedule", entry.schedule).Msg("scheduled job starting")
	err := entry.handler(context.Background())

	s.mu.Lock()
	entry.isRunning = false
	entry.lastRun = time.Now()
	entry.lastErr = err
	s.mu.Unlock()

	if err != nil {
		s.logger.Error().Err(err).Str("job", entry.name).Msg("scheduled job failed")
		return
	}
	s.logger.Info().Str("job", entry.name).Msg("scheduled job finished")
}

// Start begins the cron loop.
func (s *Service) Start() {
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	s.cron.Start()
	s.logger.Info().Msg("scheduler started")
}

// Stop halts the cron loop and blocks until any in-flight job finishes.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info().Msg("scheduler stopped")
}
