package job

import (
	"context"
	"time"

	"github.com/quantfeed/barsync/internal/bar"
)

// Outcome classifies how a run execution ended. Transient failures are
// re-queued with backoff until the attempt budget is spent; permanent
// failures terminate immediately.
type Outcome struct {
	Status      Status
	RowsWritten int64
	Provider    string
	ErrorCode   string
	ErrorMsg    string
	Transient   bool
}

// StatusCounts is a run tally by status for observability queries.
type StatusCounts struct {
	Queued    int64 `json:"queued"`
	Running   int64 `json:"running"`
	Success   int64 `json:"success"`
	Failed    int64 `json:"failed"`
	Cancelled int64 `json:"cancelled"`
}

// ProviderStat aggregates outcomes per provider.
type ProviderStat struct {
	Provider  string  `json:"provider"`
	Succeeded int64   `json:"succeeded"`
	Failed    int64   `json:"failed"`
	Rate      float64 `json:"successRate"`
}

type Repository interface {
	// Definitions.
	UpsertDefinition(ctx context.Context, d *Definition) error
	GetDefinition(ctx context.Context, id int64) (*Definition, error)
	FindDefinition(ctx context.Context, symbol string, tf bar.Timeframe) (*Definition, error)
	ListDefinitions(ctx context.Context, enabledOnly bool) ([]Definition, error)
	SetDefinitionEnabled(ctx context.Context, id int64, enabled bool) error

	// Runs. UpsertRun deduplicates on the idempotency hash: an existing
	// in-flight, successful, or permanently failed run is returned unchanged
	// with created=false; cancelled and transiently exhausted runs are
	// re-armed in place.
	UpsertRun(ctx context.Context, r *Run) (*Run, bool, error)
	GetRun(ctx context.Context, id int64) (*Run, error)
	ListRuns(ctx context.Context, symbol string, tf bar.Timeframe, since time.Time) ([]Run, error)
	ListSuccessfulRuns(ctx context.Context, symbol string, tf bar.Timeframe) ([]Run, error)

	// ClaimNextEligible atomically moves up to max queued, eligible runs to
	// running, priority descending then oldest first. Concurrent callers
	// never claim the same run.
	ClaimNextEligible(ctx context.Context, max int) ([]Run, error)

	// CompleteRun finishes a claimed run. Transient failures below the
	// attempt budget go back to queued with an incremented attempt and a
	// backoff eligible_at; everything else becomes terminal.
	CompleteRun(ctx context.Context, id int64, out Outcome, maxAttempts int) (*Run, error)

	// CancelRun cancels a queued run. Running runs finish on their own.
	CancelRun(ctx context.Context, id int64) (*Run, error)

	RunningCount(ctx context.Context) (int64, error)
	RecoverStale(ctx context.Context) (int64, error)

	// PruneRuns deletes terminal runs that finished before the cutoff.
	// A later Rebuild only sees retained history, so the retention window
	// must exceed every definition's desired window.
	PruneRuns(ctx context.Context, before time.Time) (int64, error)

	CountsByStatus(ctx context.Context, symbol string, tf bar.Timeframe, since time.Time) (StatusCounts, error)
	ProviderStats(ctx context.Context, since time.Time) ([]ProviderStat, error)
}
