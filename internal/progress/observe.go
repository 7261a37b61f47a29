package progress

import (
	"context"
	"fmt"
	"time"

	"github.com/quantfeed/barsync/internal/apperror"
	"github.com/quantfeed/barsync/internal/bar"
	"github.com/quantfeed/barsync/internal/coverage"
	"github.com/quantfeed/barsync/internal/job"
)

// RunStats is the read-only slice of the job store the observer aggregates
// over.
type RunStats interface {
	CountsByStatus(ctx context.Context, symbol string, tf bar.Timeframe, since time.Time) (job.StatusCounts, error)
	ProviderStats(ctx context.Context, since time.Time) ([]job.ProviderStat, error)
}

// CoverageSource reads the current coverage view for one key.
type CoverageSource interface {
	Current(ctx context.Context, symbol string, tf bar.Timeframe) (*coverage.Status, error)
}

// Report is the dashboard snapshot: run tallies, per-provider success rates
// and, when the query names a key, its coverage.
type Report struct {
	Since     time.Time          `json:"since"`
	Counts    job.StatusCounts   `json:"counts"`
	Providers []job.ProviderStat `json:"providers"`
	Coverage  *coverage.Status   `json:"coverage,omitempty"`
}

// Observer answers ObserveProgress queries. All reads, no writes; polling it
// is the fallback when pushed events are missed.
type Observer struct {
	runs     RunStats
	coverage CoverageSource
}

func NewObserver(runs RunStats, cov CoverageSource) *Observer {
	return &Observer{runs: runs, coverage: cov}
}

// Observe aggregates run activity since the given time. Symbol and timeframe
// are optional; both must be present to include coverage.
func (o *Observer) Observe(ctx context.Context, symbol string, tf bar.Timeframe, since time.Time) (*Report, error) {
	if tf != "" && !tf.Valid() {
		return nil, apperror.New(apperror.BadRequest, fmt.Sprintf("unknown timeframe: %s", tf))
	}

	counts, err := o.runs.CountsByStatus(ctx, symbol, tf, since)
	if err != nil {
		return nil, fmt.Errorf("observe progress: counts: %w", err)
	}

	providers, err := o.runs.ProviderStats(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("observe progress: provider stats: %w", err)
	}

	report := &Report{Since: since, Counts: counts, Providers: providers}

	if symbol != "" && tf != "" {
		status, err := o.coverage.Current(ctx, symbol, tf)
		if err != nil {
			return nil, fmt.Errorf("observe progress: coverage: %w", err)
		}
		report.Coverage = status
	}
	return report, nil
}
