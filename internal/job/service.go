package job

import (
	"context"
	"log/slog"
	"time"

	"github.com/quantfeed/barsync/internal/bar"
)

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// RecoverStaleRuns re-queues runs left in running state by a crashed
// instance. Called once at startup, before workers begin claiming.
func (s *Service) RecoverStaleRuns(ctx context.Context) error {
	n, err := s.repo.RecoverStale(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("re-queued interrupted runs", "count", n)
	}
	return nil
}

// PruneRunHistory trims terminal runs older than the retention window.
// Called at startup; steady-state growth is bounded by the tick cadence so a
// per-boot pass is enough.
func (s *Service) PruneRunHistory(ctx context.Context, retention time.Duration) error {
	n, err := s.repo.PruneRuns(ctx, time.Now().UTC().Add(-retention))
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("pruned old run history", "count", n, "retention", retention)
	}
	return nil
}

func (s *Service) GetRun(ctx context.Context, req GetRunRequest) (*Run, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return s.repo.GetRun(ctx, req.ID)
}

func (s *Service) ListRuns(ctx context.Context, req ListRunsRequest) ([]Run, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return s.repo.ListRuns(ctx, req.Symbol, req.Timeframe, time.Time{})
}

func (s *Service) CancelRun(ctx context.Context, req CancelRunRequest) (*Run, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return s.repo.CancelRun(ctx, req.ID)
}

func (s *Service) ListDefinitions(ctx context.Context) ([]Definition, error) {
	return s.repo.ListDefinitions(ctx, false)
}

// FindDefinition returns nil when the key has no definition.
func (s *Service) FindDefinition(ctx context.Context, symbol string, tf bar.Timeframe) (*Definition, error) {
	return s.repo.FindDefinition(ctx, symbol, tf)
}

func (s *Service) SetDefinitionEnabled(ctx context.Context, id int64, enabled bool) (*Definition, error) {
	if err := s.repo.SetDefinitionEnabled(ctx, id, enabled); err != nil {
		return nil, err
	}
	return s.repo.GetDefinition(ctx, id)
}
