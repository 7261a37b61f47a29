// Package scheduler runs the orchestration loop: it turns coverage gaps into
// queued job runs and dispatches claimed runs to fetch workers under a
// concurrency cap. Correctness does not depend on a single scheduler
// instance; the job store's claim transaction is the source of mutual
// exclusion.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/quantfeed/barsync/internal/coverage"
	"github.com/quantfeed/barsync/internal/interval"
	"github.com/quantfeed/barsync/internal/job"
)

// Executor runs one claimed job run to completion.
type Executor interface {
	Execute(ctx context.Context, run job.Run) error
}

// TickStats summarizes one scheduler pass.
type TickStats struct {
	Created    int `json:"created"`
	Dispatched int `json:"dispatched"`
	Skipped    int `json:"skipped"`
}

type Scheduler struct {
	repo     job.Repository
	tracker  *coverage.Tracker
	executor Executor

	tickInterval  time.Duration
	maxConcurrent int64
	sem           *semaphore.Weighted
	notify        chan struct{}
	now           func() time.Time

	wg sync.WaitGroup
}

func New(repo job.Repository, tracker *coverage.Tracker, executor Executor, tickInterval time.Duration, maxConcurrent int, opts ...Option) *Scheduler {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	s := &Scheduler{
		repo:          repo,
		tracker:       tracker,
		executor:      executor,
		tickInterval:  tickInterval,
		maxConcurrent: int64(maxConcurrent),
		sem:           semaphore.NewWeighted(int64(maxConcurrent)),
		notify:        make(chan struct{}, 1),
		now:           time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

type Option func(*Scheduler)

func withNow(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// Notify requests an immediate pass without waiting for the next timer tick.
// Safe to call from any goroutine; repeated calls before the pass runs
// coalesce into one.
func (s *Scheduler) Notify() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Run drives ticks until ctx is cancelled, then waits for in-flight workers
// to finish. A running fetch is never preempted; shutdown waits it out.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	slog.Info("scheduler started", "tickInterval", s.tickInterval, "maxConcurrent", s.maxConcurrent)

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopping, waiting for in-flight runs")
			s.wg.Wait()
			slog.Info("scheduler stopped")
			return
		case <-ticker.C:
		case <-s.notify:
		}

		stats, err := s.Tick(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			slog.Error("scheduler tick failed", "error", err)
			continue
		}
		if stats.Created > 0 || stats.Dispatched > 0 {
			slog.Info("scheduler tick",
				"created", stats.Created, "dispatched", stats.Dispatched, "skipped", stats.Skipped)
		}
	}
}

// Tick materializes gap slices as queued runs, then claims and dispatches as
// many eligible runs as free concurrency slots allow. The tick itself never
// blocks on worker completion.
func (s *Scheduler) Tick(ctx context.Context) (TickStats, error) {
	var stats TickStats

	defs, err := s.repo.ListDefinitions(ctx, true)
	if err != nil {
		return stats, err
	}

	now := s.now().UTC().Truncate(time.Second)
	for i := range defs {
		created, skipped := s.materialize(ctx, &defs[i], now)
		stats.Created += created
		stats.Skipped += skipped
	}

	running, err := s.repo.RunningCount(ctx)
	if err != nil {
		return stats, err
	}
	free := s.maxConcurrent - running
	if free <= 0 {
		return stats, nil
	}

	claimed, err := s.repo.ClaimNextEligible(ctx, int(free))
	if err != nil {
		return stats, err
	}

	for _, run := range claimed {
		stats.Dispatched++
		s.dispatch(ctx, run)
	}
	return stats, nil
}

// materialize enqueues one run per uncovered slice of the definition's
// desired window. Slices already known to the store dedupe on the
// idempotency hash and count as skipped.
func (s *Scheduler) materialize(ctx context.Context, def *job.Definition, now time.Time) (created, skipped int) {
	from := now.Add(-def.DesiredWindow)

	gaps, err := s.tracker.FindGaps(ctx, def.Symbol, def.Timeframe, from, now)
	if err != nil {
		slog.Error("find gaps failed",
			"symbol", def.Symbol, "timeframe", def.Timeframe, "error", err)
		return 0, 0
	}

	for _, gap := range gaps {
		for _, slice := range interval.Split(gap, def.SliceSize) {
			run := &job.Run{
				DefinitionID: def.ID,
				Symbol:       def.Symbol,
				Timeframe:    def.Timeframe,
				SliceFrom:    slice.From,
				SliceTo:      slice.To,
			}
			_, isNew, err := s.repo.UpsertRun(ctx, run)
			if err != nil {
				slog.Error("enqueue run failed",
					"symbol", def.Symbol, "timeframe", def.Timeframe, "error", err)
				continue
			}
			if isNew {
				created++
			} else {
				skipped++
			}
		}
	}
	return created, skipped
}

// dispatch hands a claimed run to a worker goroutine. The semaphore bounds
// in-process workers; the run is already owned via its claimed status.
func (s *Scheduler) dispatch(ctx context.Context, run job.Run) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		if err := s.sem.Acquire(ctx, 1); err != nil {
			// Shutdown before the slot opened. The run stays in running
			// status and is re-queued by the stale recovery pass at the
			// next startup.
			slog.Warn("run not started before shutdown", "run", run.ID)
			return
		}
		defer s.sem.Release(1)

		if err := s.executor.Execute(ctx, run); err != nil {
			slog.Error("run execution failed", "run", run.ID, "error", err)
		}
	}()
}

// Wait blocks until all dispatched workers have returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
