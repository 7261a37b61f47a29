package coverage

import (
	"context"
	"time"

	"github.com/quantfeed/barsync/internal/bar"
	"github.com/quantfeed/barsync/internal/interval"
)

type Repository interface {
	GetIntervals(ctx context.Context, symbol string, tf bar.Timeframe) ([]interval.Range, error)
	// ReplaceIntervals swaps the stored interval set for the key atomically.
	ReplaceIntervals(ctx context.Context, symbol string, tf bar.Timeframe, ranges []interval.Range) error
	GetStatus(ctx context.Context, symbol string, tf bar.Timeframe) (*Status, error)
	TouchStatus(ctx context.Context, symbol string, tf bar.Timeframe, provider string, at time.Time) error
}
