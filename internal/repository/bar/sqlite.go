package bar

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	domain "github.com/quantfeed/barsync/internal/bar"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) SaveBars(ctx context.Context, bars []domain.Bar) (int64, error) {
	if len(bars) == 0 {
		return 0, nil
	}

	const batchSize = 500
	var total int64

	for i := 0; i < len(bars); i += batchSize {
		end := i + batchSize
		if end > len(bars) {
			end = len(bars)
		}
		batch := bars[i:end]

		placeholders := make([]string, len(batch))
		args := make([]any, 0, len(batch)*9)
		for j, b := range batch {
			placeholders[j] = "(?, ?, ?, ?, ?, ?, ?, ?, ?)"
			args = append(args,
				b.Symbol, string(b.Timeframe), b.Ts.UTC().Format(time.RFC3339),
				b.Open, b.High, b.Low, b.Close, b.Volume, b.Provider,
			)
		}

		query := fmt.Sprintf( //nolint:gosec // placeholders are not user input
			"INSERT OR IGNORE INTO bars (symbol, timeframe, ts, open, high, low, close, volume, provider) VALUES %s",
			strings.Join(placeholders, ", "),
		)

		res, err := r.db.ExecContext(ctx, query, args...)
		if err != nil {
			return total, fmt.Errorf("save bars: %w", err)
		}

		n, _ := res.RowsAffected()
		total += n
	}

	return total, nil
}

func (r *Repository) ListBars(ctx context.Context, symbol string, tf domain.Timeframe, from, to time.Time) ([]domain.Bar, error) {
	const query = `SELECT symbol, timeframe, ts, open, high, low, close, volume, provider
		FROM bars
		WHERE symbol = ? AND timeframe = ? AND ts >= ? AND ts < ?
		ORDER BY ts ASC`

	rows, err := r.db.QueryContext(ctx, query,
		symbol, string(tf),
		from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("list bars: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var bars []domain.Bar
	for rows.Next() {
		var b domain.Bar
		var tfStr, tsStr string

		if err := rows.Scan(&b.Symbol, &tfStr, &tsStr, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume, &b.Provider); err != nil {
			return nil, fmt.Errorf("scan bar: %w", err)
		}
		b.Timeframe = domain.Timeframe(tfStr)
		b.Ts, _ = time.Parse(time.RFC3339, tsStr)
		bars = append(bars, b)
	}

	return bars, rows.Err()
}

func (r *Repository) CountBars(ctx context.Context, symbol string, tf domain.Timeframe, from, to time.Time) (int64, error) {
	const query = `SELECT COUNT(*) FROM bars
		WHERE symbol = ? AND timeframe = ? AND ts >= ? AND ts < ?`

	var n int64
	err := r.db.QueryRowContext(ctx, query,
		symbol, string(tf),
		from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count bars: %w", err)
	}
	return n, nil
}
