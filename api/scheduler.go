/*
scheduler.go - Periodic projection audit

PURPOSE:
  Periodically checks that every stored projection still equals a fresh
  replay of its event log. A stored projection is only a cache; if it ever
  drifts (manual SQL, a crashed writer, a bug) the audit finds it and the
  Service repairs it.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Lists every schedule and checks each one independently
  - With an Enqueuer (asynq client) each check becomes a verify task for
    cmd/worker; duplicate tasks inside the unique window are skipped
  - Without one, Service.Verify runs in-process
  - Keeps the last run for audit and UI display

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 hour, AUDIT_INTERVAL)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewAuditScheduler(svc, client, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RunAudit / LastAudit endpoints
  - jobs/tasks.go: VerifyHandler, the worker side of an enqueued check
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/allocation-engine/allocation"
	"github.com/warp/allocation-engine/metrics"
)

// Enqueuer hands a verification off to a background worker.
// jobs.Client implements it.
type Enqueuer interface {
	EnqueueVerify(ctx context.Context, id allocation.ScheduleID) (bool, error)
}

// AuditRun summarizes one audit pass.
type AuditRun struct {
	StartedAt  time.Time
	FinishedAt time.Time
	Mode       string // "enqueue" or "inline"
	Checked    int
	Enqueued   int
	Mismatches int
	Repaired   int
	Errors     int
}

// AuditScheduler periodically verifies stored projections.
type AuditScheduler struct {
	Service       *allocation.Service
	Enqueuer      Enqueuer
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
	CheckInterval time.Duration
	Enabled       bool

	ticker  *time.Ticker
	stop    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	lastMu  sync.RWMutex
	lastRun *AuditRun
}

// NewAuditScheduler creates a new scheduler. enq may be nil.
func NewAuditScheduler(svc *allocation.Service, enq Enqueuer, logger *slog.Logger) *AuditScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditScheduler{
		Service:       svc,
		Enqueuer:      enq,
		Logger:        logger,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
	}
}

// Start begins the scheduler.
func (as *AuditScheduler) Start() {
	as.mu.Lock()
	defer as.mu.Unlock()

	if !as.Enabled {
		as.Logger.Info("audit scheduler disabled, not starting")
		return
	}
	if as.ticker != nil {
		return
	}

	as.ticker = time.NewTicker(as.CheckInterval)
	as.stop = make(chan struct{})
	as.wg.Add(1)

	go as.run()

	as.Logger.Info("audit scheduler started", slog.Duration("interval", as.CheckInterval))
}

// Stop stops the scheduler and waits for an in-flight pass to finish.
func (as *AuditScheduler) Stop() {
	as.mu.Lock()
	defer as.mu.Unlock()

	if as.ticker != nil {
		as.ticker.Stop()
		close(as.stop)
		as.wg.Wait()
		as.ticker = nil
		as.Logger.Info("audit scheduler stopped")
	}
}

func (as *AuditScheduler) run() {
	defer as.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-as.stop
		cancel()
	}()

	// Run immediately on start
	as.RunOnce(ctx)

	for {
		select {
		case <-as.ticker.C:
			as.RunOnce(ctx)
		case <-as.stop:
			return
		}
	}
}

// RunOnce performs one audit pass over every schedule.
func (as *AuditScheduler) RunOnce(ctx context.Context) AuditRun {
	tracker := as.Metrics.Track("audit_projections")
	run := AuditRun{StartedAt: time.Now(), Mode: "inline"}
	if as.Enqueuer != nil {
		run.Mode = "enqueue"
	}

	ids, err := as.Service.List(ctx)
	if err != nil {
		as.Logger.Error("audit: failed to list schedules", slog.Any("error", err))
		run.Errors++
		return as.finish(run, tracker, err)
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		run.Checked++
		if as.Enqueuer != nil {
			queued, err := as.Enqueuer.EnqueueVerify(ctx, id)
			if err != nil {
				as.Logger.Warn("audit: enqueue failed", slog.String("schedule_id", string(id)), slog.Any("error", err))
				run.Errors++
				continue
			}
			if queued {
				run.Enqueued++
			}
			continue
		}

		res, err := as.Service.Verify(ctx, id)
		if err != nil {
			as.Logger.Warn("audit: verify failed", slog.String("schedule_id", string(id)), slog.Any("error", err))
			run.Errors++
			continue
		}
		if !res.Match {
			run.Mismatches++
		}
		if res.Repaired {
			run.Repaired++
		}
	}

	run = as.finish(run, tracker, nil)
	if run.Mismatches > 0 || run.Errors > 0 {
		as.Logger.Warn("audit completed with findings",
			slog.Int("checked", run.Checked),
			slog.Int("mismatches", run.Mismatches),
			slog.Int("repaired", run.Repaired),
			slog.Int("errors", run.Errors))
	} else {
		as.Logger.Info("audit completed",
			slog.String("mode", run.Mode),
			slog.Int("checked", run.Checked),
			slog.Int("enqueued", run.Enqueued))
	}
	return run
}

func (as *AuditScheduler) finish(run AuditRun, tracker *metrics.Tracker, err error) AuditRun {
	run.FinishedAt = time.Now()
	last := run
	as.lastMu.Lock()
	as.lastRun = &last
	as.lastMu.Unlock()
	_ = tracker.End(err)
	return run
}

// LastRun returns the most recent audit pass, if any.
func (as *AuditScheduler) LastRun() (AuditRun, bool) {
	as.lastMu.RLock()
	defer as.lastMu.RUnlock()
	if as.lastRun == nil {
		return AuditRun{}, false
	}
	return *as.lastRun, true
}
