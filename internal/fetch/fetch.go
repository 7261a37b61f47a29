// Package fetch executes claimed job runs: it pulls bars for the run's slice
// through the provider router, persists them idempotently, folds the result
// into the coverage view, and records the outcome on the run.
package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/quantfeed/barsync/internal/bar"
	"github.com/quantfeed/barsync/internal/coverage"
	"github.com/quantfeed/barsync/internal/interval"
	"github.com/quantfeed/barsync/internal/job"
	"github.com/quantfeed/barsync/internal/progress"
	"github.com/quantfeed/barsync/internal/provider"
)

// ErrorCodeStorage marks a failed bar write. The fetched data is lost for the
// attempt but the slice stays retryable; bar upserts make the re-fetch safe.
const ErrorCodeStorage = "storage_error"

// Fetcher is the router surface the worker needs.
type Fetcher interface {
	Fetch(ctx context.Context, symbol string, tf bar.Timeframe, from, to time.Time) ([]bar.Bar, string, error)
}

// RunCompleter is the slice of the job store the worker writes back to.
type RunCompleter interface {
	CompleteRun(ctx context.Context, id int64, out job.Outcome, maxAttempts int) (*job.Run, error)
}

type Worker struct {
	fetcher     Fetcher
	runs        RunCompleter
	bars        bar.Repository
	tracker     *coverage.Tracker
	pub         *progress.Publisher
	maxAttempts int
}

func NewWorker(fetcher Fetcher, runs RunCompleter, bars bar.Repository, tracker *coverage.Tracker, pub *progress.Publisher, maxAttempts int) *Worker {
	return &Worker{
		fetcher:     fetcher,
		runs:        runs,
		bars:        bars,
		tracker:     tracker,
		pub:         pub,
		maxAttempts: maxAttempts,
	}
}

// Execute processes one claimed run to a terminal or re-queued state. The run
// must already be in status running; Execute owns it until CompleteRun.
//
// A transient fetch error that still delivered bars counts as success for the
// data that arrived: the bars are persisted, coverage extends through the last
// received bar only, and the next gap scan re-schedules the remainder.
func (w *Worker) Execute(ctx context.Context, run job.Run) error {
	w.pub.Publish(progress.FromRun(&run))

	bars, providerName, fetchErr := w.fetcher.Fetch(ctx, run.Symbol, run.Timeframe, run.SliceFrom, run.SliceTo)

	var out job.Outcome
	if fetchErr != nil && len(bars) == 0 {
		out = outcomeFromError(providerName, fetchErr)
	} else {
		out = w.persist(ctx, run, bars, providerName, fetchErr)
	}

	updated, err := w.runs.CompleteRun(ctx, run.ID, out, w.maxAttempts)
	if err != nil {
		return fmt.Errorf("complete run %d: %w", run.ID, err)
	}

	w.pub.Publish(progress.FromRun(updated))

	slog.Info("run finished",
		"run", run.ID, "symbol", run.Symbol, "timeframe", run.Timeframe,
		"status", updated.Status, "attempt", updated.Attempt,
		"provider", out.Provider, "rows", out.RowsWritten)
	return nil
}

// persist writes the fetched bars and extends coverage. Called for full and
// partial results; an empty result with no error covers the whole slice, so a
// closed-market window is not re-fetched forever.
func (w *Worker) persist(ctx context.Context, run job.Run, bars []bar.Bar, providerName string, fetchErr error) job.Outcome {
	rows, err := w.bars.SaveBars(ctx, bars)
	if err != nil {
		return job.Outcome{
			Status:    job.StatusFailed,
			Provider:  providerName,
			ErrorCode: ErrorCodeStorage,
			ErrorMsg:  err.Error(),
			Transient: true,
		}
	}

	covered := interval.Range{From: run.SliceFrom, To: run.SliceTo}
	if fetchErr != nil {
		last := bars[len(bars)-1].Ts.Add(run.Timeframe.Duration())
		if last.Before(covered.To) {
			covered.To = last
		}
	}

	if err := w.tracker.Extend(ctx, run.Symbol, run.Timeframe, covered, providerName, time.Now().UTC()); err != nil {
		// The interval set is a derived view; a failed merge is repairable
		// via Rebuild, so the run still completes.
		slog.Warn("extend coverage failed",
			"run", run.ID, "symbol", run.Symbol, "timeframe", run.Timeframe, "error", err)
	}

	return job.Outcome{
		Status:      job.StatusSuccess,
		RowsWritten: rows,
		Provider:    providerName,
	}
}

func outcomeFromError(providerName string, err error) job.Outcome {
	out := job.Outcome{
		Status:    job.StatusFailed,
		Provider:  providerName,
		ErrorMsg:  err.Error(),
		Transient: true,
	}
	if pe, ok := provider.AsError(err); ok {
		out.ErrorCode = pe.Code
		out.Transient = !pe.Permanent
		if pe.Provider != "" {
			out.Provider = pe.Provider
		}
	} else {
		out.ErrorCode = provider.CodeNetwork
	}
	return out
}
