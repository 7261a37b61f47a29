package coverage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quantfeed/barsync/internal/bar"
	"github.com/quantfeed/barsync/internal/interval"
	"github.com/quantfeed/barsync/internal/job"
)

// RunHistory is the slice of the job store the tracker needs for repair
// passes.
type RunHistory interface {
	ListSuccessfulRuns(ctx context.Context, symbol string, tf bar.Timeframe) ([]job.Run, error)
}

// Tracker answers gap queries and folds successful runs into the stored
// interval set. Writes go through a read-merge-replace cycle, so they are
// serialized by a mutex; two concurrent completions for one key must not
// overwrite each other's intervals.
type Tracker struct {
	mu   sync.Mutex
	repo Repository
	runs RunHistory
}

func NewTracker(repo Repository, runs RunHistory) *Tracker {
	return &Tracker{repo: repo, runs: runs}
}

// FindGaps returns the sub-ranges of [from, to) not yet known-complete, in
// ascending order. An absent coverage row means the whole window is missing.
func (t *Tracker) FindGaps(ctx context.Context, symbol string, tf bar.Timeframe, from, to time.Time) ([]interval.Range, error) {
	if !from.Before(to) {
		return nil, fmt.Errorf("find gaps: from %v is not before to %v", from, to)
	}

	ranges, err := t.repo.GetIntervals(ctx, symbol, tf)
	if err != nil {
		return nil, err
	}
	return interval.NewSet(ranges...).Gaps(interval.Range{From: from, To: to}), nil
}

// Extend folds a completed slice into the coverage set, merging with adjacent
// or overlapping intervals. Called exactly once per run transition to
// success; slices may arrive in any order.
func (t *Tracker) Extend(ctx context.Context, symbol string, tf bar.Timeframe, r interval.Range, provider string, at time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	ranges, err := t.repo.GetIntervals(ctx, symbol, tf)
	if err != nil {
		return err
	}

	set := interval.NewSet(ranges...)
	set.Add(r)

	if err := t.repo.ReplaceIntervals(ctx, symbol, tf, set.Ranges()); err != nil {
		return err
	}
	return t.repo.TouchStatus(ctx, symbol, tf, provider, at)
}

// Current returns the stored coverage view for a key. A key with no history
// yields an empty status, not an error.
func (t *Tracker) Current(ctx context.Context, symbol string, tf bar.Timeframe) (*Status, error) {
	return t.repo.GetStatus(ctx, symbol, tf)
}

// Rebuild reconstructs the interval set from the success history in the job
// store, discarding whatever was cached. Used as a repair pass when the
// derived view is suspect.
func (t *Tracker) Rebuild(ctx context.Context, symbol string, tf bar.Timeframe) (*Status, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	runs, err := t.runs.ListSuccessfulRuns(ctx, symbol, tf)
	if err != nil {
		return nil, err
	}

	set := interval.NewSet()
	for _, r := range runs {
		set.Add(interval.Range{From: r.SliceFrom, To: r.SliceTo})
	}

	if err := t.repo.ReplaceIntervals(ctx, symbol, tf, set.Ranges()); err != nil {
		return nil, err
	}

	slog.Info("rebuilt coverage from run history",
		"symbol", symbol, "timeframe", tf, "runs", len(runs), "intervals", set.Len())

	return t.repo.GetStatus(ctx, symbol, tf)
}
