/*
scheduler.go - Automated statement generation

PURPOSE:
  Periodically closes the last closed billing period of every eligible
  company and records the outcome of each company's run.

DESIGN:
  - Runs a background goroutine with configurable interval
  - Runs once immediately on Start, then on every tick
  - Each pass targets the most recently closed period, so a missed tick is
    caught up on the next one and a repeated tick is an idempotent skip
  - Stop cancels the pass in flight between companies; a company already
    started finishes its unit of work
  - Passes never overlap: a tick arriving during a long pass is dropped

CONFIGURATION:
  - Interval: How often to run (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewBillingScheduler(engine, runs, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RunAll endpoint (manual trigger)
  - billing/engine.go: RunForAllEligible
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/ticket-billing/billing"
	"github.com/warp/ticket-billing/store/sqlite"
)

// BillingScheduler handles automated statement generation.
type BillingScheduler struct {
	Engine   *billing.Engine
	Runs     RunRecorder // nil disables run history
	Logger   *zap.Logger
	Interval time.Duration
	Enabled  bool

	ticker  *time.Ticker
	stop    chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running sync.Mutex

	lastRun time.Time
}

// NewBillingScheduler creates a new scheduler.
func NewBillingScheduler(engine *billing.Engine, runs RunRecorder, logger *zap.Logger) *BillingScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BillingScheduler{
		Engine:   engine,
		Runs:     runs,
		Logger:   logger.Named("scheduler"),
		Interval: 1 * time.Hour,
		Enabled:  true,
	}
}

// Start begins the scheduler. Calling Start twice is a no-op.
func (s *BillingScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.Logger.Info("scheduler disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.stop = make(chan struct{})
	s.ticker = time.NewTicker(s.Interval)
	s.wg.Add(1)

	go s.run(ctx, s.ticker.C, s.stop)

	s.Logger.Info("scheduler started", zap.Duration("interval", s.Interval))
}

// Stop stops the scheduler and waits for the pass in flight.
func (s *BillingScheduler) Stop() {
	s.mu.Lock()
	if s.ticker == nil {
		s.mu.Unlock()
		return
	}
	s.ticker.Stop()
	s.cancel()
	close(s.stop)
	s.ticker = nil
	s.mu.Unlock()

	// pass takes s.mu to record lastRun, so wait outside it.
	s.wg.Wait()
	s.Logger.Info("scheduler stopped")
}

func (s *BillingScheduler) run(ctx context.Context, ticks <-chan time.Time, stop <-chan struct{}) {
	defer s.wg.Done()

	s.tick(ctx)

	for {
		select {
		case <-ticks:
			s.tick(ctx)
		case <-stop:
			return
		}
	}
}

func (s *BillingScheduler) tick(ctx context.Context) {
	if !s.running.TryLock() {
		s.Logger.Warn("previous billing pass still running, tick dropped")
		return
	}
	defer s.running.Unlock()
	s.pass(ctx)
}

// RunNow runs a pass synchronously, waiting for any pass in flight.
func (s *BillingScheduler) RunNow(ctx context.Context) []billing.RunResult {
	s.running.Lock()
	defer s.running.Unlock()
	return s.pass(ctx)
}

func (s *BillingScheduler) pass(ctx context.Context) []billing.RunResult {
	now := s.Engine.Now()
	s.Logger.Debug("billing pass started", zap.Time("now", now))

	results := s.Engine.RunForAllEligible(ctx, now)
	recordRuns(ctx, s.Runs, s.Logger, results, now)

	counts := make(map[billing.RunStatus]int)
	for _, r := range results {
		counts[r.Status]++
	}
	s.Logger.Info("billing pass completed",
		zap.Int("generated", counts[billing.RunGenerated]),
		zap.Int("skipped", counts[billing.RunSkipped]),
		zap.Int("conflict", counts[billing.RunConflict]),
		zap.Int("failed", counts[billing.RunFailed]))

	s.mu.Lock()
	s.lastRun = now
	s.mu.Unlock()
	return results
}

// LastRunTime returns when the last pass started, zero if none ran.
func (s *BillingScheduler) LastRunTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun
}

// GetNextRunTime returns when the next scheduled pass will run.
func (s *BillingScheduler) GetNextRunTime() time.Time {
	last := s.LastRunTime()
	if last.IsZero() {
		return s.Engine.Now()
	}
	return last.Add(s.Interval)
}

// recordRuns persists one history row per result. History is best effort:
// failures are logged and never change the outcome of the run.
func recordRuns(ctx context.Context, runs RunRecorder, logger *zap.Logger, results []billing.RunResult, now time.Time) {
	if runs == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, r := range results {
		rec := sqlite.RunRecord{
			ID:        billing.NewTimeOrderedID(),
			CompanyID: string(r.CompanyID),
			Status:    string(r.Status),
			Reason:    r.Reason,
			Retryable: r.Retryable(),
			CreatedAt: now,
		}
		if !r.Period.Start.IsZero() {
			start, end := r.Period.Start, r.Period.End
			rec.PeriodStart, rec.PeriodEnd = &start, &end
		}
		if r.Statement != nil {
			rec.StatementID = string(r.Statement.ID)
		}
		if err := runs.SaveRun(ctx, rec); err != nil {
			logger.Warn("failed to record billing run",
				zap.String("company_id", rec.CompanyID),
				zap.Error(err))
		}
	}
}
