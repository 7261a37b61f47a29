package bar

import (
	"context"
	"time"
)

type Repository interface {
	// SaveBars upserts bars and returns the number of newly written rows.
	// Duplicate (symbol, timeframe, ts) keys are skipped, not errors.
	SaveBars(ctx context.Context, bars []Bar) (int64, error)
	ListBars(ctx context.Context, symbol string, tf Timeframe, from, to time.Time) ([]Bar, error)
	CountBars(ctx context.Context, symbol string, tf Timeframe, from, to time.Time) (int64, error)
}
