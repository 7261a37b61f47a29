package health

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/quantfeed/barsync/internal/router"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Get(ctx context.Context, providerName string) (*router.Health, error) {
	const query = `SELECT provider, consecutive_failures, last_failure_at, last_success_at, healthy
		FROM provider_health WHERE provider = ?`

	h, err := scanHealth(r.db.QueryRowContext(ctx, query, providerName))
	if err == sql.ErrNoRows {
		// No history yet: presumed healthy.
		return &router.Health{Provider: providerName, Healthy: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get provider health: %w", err)
	}
	return h, nil
}

func (r *Repository) All(ctx context.Context) ([]router.Health, error) {
	const query = `SELECT provider, consecutive_failures, last_failure_at, last_success_at, healthy
		FROM provider_health ORDER BY provider`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list provider health: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var all []router.Health
	for rows.Next() {
		h, err := scanHealth(rows)
		if err != nil {
			return nil, fmt.Errorf("scan provider health: %w", err)
		}
		all = append(all, *h)
	}
	return all, rows.Err()
}

func (r *Repository) RecordSuccess(ctx context.Context, providerName string, at time.Time) error {
	const query = `INSERT INTO provider_health (provider, consecutive_failures, last_success_at, healthy)
		VALUES (?, 0, ?, 1)
		ON CONFLICT (provider) DO UPDATE SET
			consecutive_failures = 0,
			last_success_at = excluded.last_success_at,
			healthy = 1`

	_, err := r.db.ExecContext(ctx, query, providerName, at.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("record provider success: %w", err)
	}
	return nil
}

func (r *Repository) RecordFailure(ctx context.Context, providerName string, at time.Time, unhealthyAfter int) error {
	const query = `INSERT INTO provider_health (provider, consecutive_failures, last_failure_at, healthy)
		VALUES (?, 1, ?, ?)
		ON CONFLICT (provider) DO UPDATE SET
			consecutive_failures = consecutive_failures + 1,
			last_failure_at = excluded.last_failure_at,
			healthy = CASE WHEN consecutive_failures + 1 >= ? THEN 0 ELSE healthy END`

	initiallyHealthy := 1
	if unhealthyAfter <= 1 {
		initiallyHealthy = 0
	}

	_, err := r.db.ExecContext(ctx, query,
		providerName, at.UTC().Format(time.RFC3339), initiallyHealthy, unhealthyAfter)
	if err != nil {
		return fmt.Errorf("record provider failure: %w", err)
	}
	return nil
}

func scanHealth(row interface{ Scan(...any) error }) (*router.Health, error) {
	h := &router.Health{}
	var failureStr, successStr sql.NullString
	var healthy int

	if err := row.Scan(&h.Provider, &h.ConsecutiveFailures, &failureStr, &successStr, &healthy); err != nil {
		return nil, err
	}

	h.Healthy = healthy != 0
	if failureStr.Valid {
		t, _ := time.Parse(time.RFC3339, failureStr.String)
		h.LastFailureAt = &t
	}
	if successStr.Valid {
		t, _ := time.Parse(time.RFC3339, successStr.String)
		h.LastSuccessAt = &t
	}
	return h, nil
}
