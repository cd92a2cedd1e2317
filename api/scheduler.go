/*
scheduler.go - Automated expiration sweep

PURPOSE:
  Periodically moves credits past their expiration date to EXPIRED so
  stored statuses match what balances already report.

DESIGN:
  - Runs on a cron schedule (robfig/cron), "@hourly" by default
  - Runs once immediately on Start
  - Overlapping runs are skipped, and the sweep is idempotent anyway
  - The last run's time, count and error are kept for inspection

USAGE:
  scheduler := NewExpirationScheduler(ledger, "@hourly", log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: TriggerExpire endpoint (manual sweep)
  - generic/ledger.go: MarkExpired
*/
package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Sweeper runs one expiration pass and reports how many entries expired.
type Sweeper interface {
	MarkExpired(ctx context.Context) (int, error)
}

// SweepTimeout bounds a single scheduled run.
const SweepTimeout = 5 * time.Minute

// ExpirationScheduler runs the expiration sweep on a schedule.
type ExpirationScheduler struct {
	Sweeper  Sweeper
	Schedule string
	Log      logrus.FieldLogger

	cron *cron.Cron
	mu   sync.Mutex
	wg   sync.WaitGroup

	lastRun   time.Time
	lastCount int
	lastErr   error
}

func NewExpirationScheduler(sweeper Sweeper, schedule string, log logrus.FieldLogger) *ExpirationScheduler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &ExpirationScheduler{
		Sweeper:  sweeper,
		Schedule: schedule,
		Log:      log.WithField("component", "scheduler"),
	}
}

// Start begins the scheduler.
func (s *ExpirationScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}

	c := cron.New(cron.WithChain(
		cron.Recover(cron.PrintfLogger(s.Log)),
		cron.SkipIfStillRunning(cron.PrintfLogger(s.Log)),
	))
	if _, err := c.AddFunc(s.Schedule, s.RunOnce); err != nil {
		return fmt.Errorf("schedule %q: %w", s.Schedule, err)
	}
	s.cron = c

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.RunOnce()
	}()
	c.Start()
	s.Log.WithField("schedule", s.Schedule).Info("expiration scheduler started")
	return nil
}

// Stop stops the scheduler and waits for a running sweep to finish.
func (s *ExpirationScheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.wg.Wait()
	s.Log.Info("expiration scheduler stopped")
}

// RunOnce performs one sweep and records the outcome.
func (s *ExpirationScheduler) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), SweepTimeout)
	defer cancel()

	started := time.Now()
	n, err := s.Sweeper.MarkExpired(ctx)

	s.mu.Lock()
	s.lastRun, s.lastCount, s.lastErr = started, n, err
	s.mu.Unlock()

	log := s.Log.WithFields(logrus.Fields{"expired": n, "duration": time.Since(started).String()})
	if err != nil {
		log.WithError(err).Error("expiration sweep failed")
		return
	}
	log.Debug("expiration sweep completed")
}

// LastRun reports the most recent sweep.
func (s *ExpirationScheduler) LastRun() (at time.Time, expired int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun, s.lastCount, s.lastErr
}
