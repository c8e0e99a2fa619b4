// Package scheduler refreshes the occurrence index on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	appLog "webcal/internal/log"
	"webcal/internal/model"
)

// Index is the part of the aggregator the scheduler drives. RefreshOr
// re-runs the newest requested window, or fetches fallback when there is
// none.
type Index interface {
	RefreshOr(ctx context.Context, fallback model.Window) error
}

// WindowFunc returns the window to fetch when nothing has been fetched
// yet.
type WindowFunc func(now time.Time) model.Window

// Scheduler runs periodic refreshes.
type Scheduler struct {
	cron       *cron.Cron
	spec       string
	index      Index
	initial    WindowFunc
	jobTimeout time.Duration
	now        func() time.Time

	mu      sync.Mutex
	ctx     context.Context
	lastRun time.Time
	lastErr error
}

// New creates a Scheduler firing on spec in loc.
func New(spec string, loc *time.Location, index Index, initial WindowFunc, jobTimeout time.Duration) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	if jobTimeout <= 0 {
		jobTimeout = 2 * time.Minute
	}
	return &Scheduler{
		cron:       cron.New(cron.WithLocation(loc)),
		spec:       spec,
		index:      index,
		initial:    initial,
		jobTimeout: jobTimeout,
		now:        time.Now,
		ctx:        context.Background(),
	}
}

// Validate reports whether a cron spec parses.
func Validate(spec string) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid refresh schedule %q: %w", spec, err)
	}
	return nil
}

// Start registers the refresh job and starts the cron loop. It blocks
// until ctx is cancelled, then waits for a running job to finish.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	if _, err := s.cron.AddFunc(s.spec, s.run); err != nil {
		return fmt.Errorf("add refresh job: %w", err)
	}
	s.cron.Start()
	appLog.Info("scheduler started", "refresh", s.spec)

	<-ctx.Done()
	s.Stop()
	return nil
}

// Stop stops the cron loop and waits for a running job.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	appLog.Info("scheduler stopped")
}

// RunOnce performs one refresh immediately. Before any window has been
// requested it fetches the initial window.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	var fallback model.Window
	if s.initial != nil {
		fallback = s.initial(s.now())
	}

	ctx, cancel := context.WithTimeout(ctx, s.jobTimeout)
	defer cancel()

	appLog.Debug("scheduler: refresh")
	err := s.index.RefreshOr(ctx, fallback)

	s.mu.Lock()
	s.lastRun = s.now()
	s.lastErr = err
	s.mu.Unlock()
	return err
}

func (s *Scheduler) run() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	if err := s.RunOnce(ctx); err != nil {
		appLog.Error("scheduled refresh failed", err)
	}
}

// LastRun returns the time and result of the last refresh.
func (s *Scheduler) LastRun() (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun, s.lastErr
}
