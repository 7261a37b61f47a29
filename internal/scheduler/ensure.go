package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/quantfeed/barsync/internal/apperror"
	"github.com/quantfeed/barsync/internal/bar"
	"github.com/quantfeed/barsync/internal/coverage"
	"github.com/quantfeed/barsync/internal/interval"
	"github.com/quantfeed/barsync/internal/job"
)

const (
	StatusReady        = "ready"
	StatusGapsDetected = "gaps_detected"
)

// EnsureResult is the synchronous answer to an EnsureCoverage request. Any
// missing slices are filled asynchronously by subsequent ticks.
type EnsureResult struct {
	Status   string           `json:"status"`
	Coverage *coverage.Status `json:"coverage"`
	Gaps     []interval.Range `json:"gaps,omitempty"`
}

// sliceSizes holds the default slice width per timeframe, sized so one slice
// stays well inside each provider's per-request range limits.
var sliceSizes = map[bar.Timeframe]time.Duration{
	bar.Timeframe1m:  6 * time.Hour,
	bar.Timeframe5m:  24 * time.Hour,
	bar.Timeframe15m: 48 * time.Hour,
	bar.Timeframe1h:  7 * 24 * time.Hour,
	bar.Timeframe1d:  90 * 24 * time.Hour,
}

// EnsureCoverage registers (or widens) a definition for the key and reports
// the current coverage state synchronously. When gaps exist the scheduler is
// woken so the next pass starts without waiting for the timer.
func (s *Scheduler) EnsureCoverage(ctx context.Context, symbol string, tf bar.Timeframe, window time.Duration) (*EnsureResult, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, apperror.New(apperror.BadRequest, "symbol is required")
	}
	if !tf.Valid() {
		return nil, apperror.New(apperror.BadRequest, fmt.Sprintf("unknown timeframe: %s", tf))
	}
	if window <= 0 {
		return nil, apperror.New(apperror.BadRequest, "window must be positive")
	}

	def := &job.Definition{
		Symbol:        symbol,
		Timeframe:     tf,
		DesiredWindow: window,
		SliceSize:     sliceSizes[tf],
		Enabled:       true,
	}
	if existing, err := s.repo.FindDefinition(ctx, symbol, tf); err != nil {
		return nil, fmt.Errorf("ensure coverage: find definition: %w", err)
	} else if existing != nil {
		// Requests never narrow an operator-tuned definition: the stored
		// window only widens and priority and slice size stay put.
		def.Priority = existing.Priority
		def.SliceSize = existing.SliceSize
	}
	if err := s.repo.UpsertDefinition(ctx, def); err != nil {
		return nil, fmt.Errorf("ensure coverage: upsert definition: %w", err)
	}

	now := s.now().UTC().Truncate(time.Second)
	gaps, err := s.tracker.FindGaps(ctx, symbol, tf, now.Add(-window), now)
	if err != nil {
		return nil, fmt.Errorf("ensure coverage: find gaps: %w", err)
	}

	status, err := s.tracker.Current(ctx, symbol, tf)
	if err != nil {
		return nil, fmt.Errorf("ensure coverage: current status: %w", err)
	}

	result := &EnsureResult{Status: StatusReady, Coverage: status}
	if len(gaps) > 0 {
		result.Status = StatusGapsDetected
		result.Gaps = gaps
		s.Notify()
	}
	return result, nil
}
