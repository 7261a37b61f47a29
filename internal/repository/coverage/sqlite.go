package coverage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/quantfeed/barsync/internal/bar"
	domain "github.com/quantfeed/barsync/internal/coverage"
	"github.com/quantfeed/barsync/internal/interval"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) GetIntervals(ctx context.Context, symbol string, tf bar.Timeframe) ([]interval.Range, error) {
	const query = `SELECT from_ts, to_ts FROM coverage_intervals
		WHERE symbol = ? AND timeframe = ?
		ORDER BY from_ts ASC`

	rows, err := r.db.QueryContext(ctx, query, symbol, string(tf))
	if err != nil {
		return nil, fmt.Errorf("get intervals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ranges []interval.Range
	for rows.Next() {
		var fromStr, toStr string
		if err := rows.Scan(&fromStr, &toStr); err != nil {
			return nil, fmt.Errorf("scan interval: %w", err)
		}
		from, _ := time.Parse(time.RFC3339, fromStr)
		to, _ := time.Parse(time.RFC3339, toStr)
		ranges = append(ranges, interval.Range{From: from, To: to})
	}
	return ranges, rows.Err()
}

func (r *Repository) ReplaceIntervals(ctx context.Context, symbol string, tf bar.Timeframe, ranges []interval.Range) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("replace intervals: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM coverage_intervals WHERE symbol = ? AND timeframe = ?`,
		symbol, string(tf),
	); err != nil {
		return fmt.Errorf("replace intervals: delete: %w", err)
	}

	for _, rng := range ranges {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO coverage_intervals (symbol, timeframe, from_ts, to_ts) VALUES (?, ?, ?, ?)`,
			symbol, string(tf),
			rng.From.UTC().Format(time.RFC3339), rng.To.UTC().Format(time.RFC3339),
		); err != nil {
			return fmt.Errorf("replace intervals: insert: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("replace intervals: commit: %w", err)
	}
	return nil
}

func (r *Repository) GetStatus(ctx context.Context, symbol string, tf bar.Timeframe) (*domain.Status, error) {
	status := &domain.Status{Symbol: symbol, Timeframe: tf}

	var lastSuccessStr, lastProvider sql.NullString
	err := r.db.QueryRowContext(ctx,
		`SELECT last_success_at, last_provider FROM coverage_status WHERE symbol = ? AND timeframe = ?`,
		symbol, string(tf),
	).Scan(&lastSuccessStr, &lastProvider)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("get status: %w", err)
	}

	if lastSuccessStr.Valid {
		t, _ := time.Parse(time.RFC3339, lastSuccessStr.String)
		status.LastSuccessAt = &t
	}
	status.LastProvider = lastProvider.String

	ranges, err := r.GetIntervals(ctx, symbol, tf)
	if err != nil {
		return nil, err
	}
	status.Intervals = ranges
	return status, nil
}

func (r *Repository) TouchStatus(ctx context.Context, symbol string, tf bar.Timeframe, provider string, at time.Time) error {
	const query = `INSERT INTO coverage_status (symbol, timeframe, last_success_at, last_provider)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (symbol, timeframe) DO UPDATE SET
			last_success_at = excluded.last_success_at,
			last_provider = excluded.last_provider`

	_, err := r.db.ExecContext(ctx, query,
		symbol, string(tf), at.UTC().Format(time.RFC3339), provider,
	)
	if err != nil {
		return fmt.Errorf("touch status: %w", err)
	}
	return nil
}
