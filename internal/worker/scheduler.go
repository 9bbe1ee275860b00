package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/martinsuchenak/protosync/internal/inherit"
	"github.com/martinsuchenak/protosync/internal/log"
)

// Syncer runs a full template resync
type Syncer interface {
	SyncAll(ctx context.Context) (*inherit.SyncResult, error)
}

// Status is the outcome of the most recent run
type Status struct {
	Running  bool                `json:"running"`
	LastRun  *time.Time          `json:"last_run,omitempty"`
	LastErr  string              `json:"last_error,omitempty"`
	Result   *inherit.SyncResult `json:"result,omitempty"`
	Schedule string              `json:"schedule"`
}

// Scheduler runs the periodic resync. At most one sync runs at a time.
type Scheduler struct {
	mu       sync.RWMutex
	cron     *cron.Cron
	schedule string
	running  bool
	syncing  bool
	ctx      context.Context
	cancel   context.CancelFunc

	syncer  Syncer
	lastRun *time.Time
	lastErr error
	result  *inherit.SyncResult
}

// NewScheduler creates a scheduler running syncer on the cron schedule
func NewScheduler(syncer Syncer, schedule string) (*Scheduler, error) {
	s := &Scheduler{schedule: schedule, syncer: syncer}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := s.cron.AddFunc(schedule, func() { s.RunNow() }); err != nil {
		return nil, fmt.Errorf("invalid sync schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}

	s.running = true
	if s.ctx.Err() != nil {
		// stopped before, runs get a fresh context
		s.ctx, s.cancel = context.WithCancel(context.Background())
	}
	log.Info("Starting background scheduler", "schedule", s.schedule)
	s.cron.Start()
}

// Stop gracefully stops the scheduler and waits for a running sync. A
// stopped scheduler can be started again.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	log.Info("Stopping background scheduler")
	cancel()
	<-s.cron.Stop().Done()
}

// RunNow runs a resync immediately unless one is already running. It
// reports whether a sync was started.
func (s *Scheduler) RunNow() bool {
	s.mu.Lock()
	if s.syncing {
		s.mu.Unlock()
		log.Debug("Resync already running, skipping")
		return false
	}
	s.syncing = true
	ctx := s.ctx
	s.mu.Unlock()

	log.Info("Running template resync")
	result, err := s.syncer.SyncAll(ctx)
	observeSync(result, err)

	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncing = false
	s.lastRun = &now
	s.lastErr = err
	s.result = result

	if err != nil {
		log.Error("Template resync failed", "error", err)
	}
	return true
}

// Status returns the state of the scheduler
func (s *Scheduler) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Status{
		Running:  s.syncing,
		LastRun:  s.lastRun,
		Result:   s.result,
		Schedule: s.schedule,
	}
	if s.lastErr != nil {
		st.LastErr = s.lastErr.Error()
	}
	return st
}
