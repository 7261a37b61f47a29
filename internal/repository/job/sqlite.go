package job

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/quantfeed/barsync/internal/apperror"
	"github.com/quantfeed/barsync/internal/bar"
	domain "github.com/quantfeed/barsync/internal/job"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

// --- definitions ---

func (r *Repository) UpsertDefinition(ctx context.Context, d *domain.Definition) error {
	const query = `INSERT INTO job_definitions (symbol, timeframe, priority, desired_window_secs, slice_size_secs, enabled)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (symbol, timeframe) DO UPDATE SET
			priority = excluded.priority,
			desired_window_secs = MAX(desired_window_secs, excluded.desired_window_secs),
			slice_size_secs = excluded.slice_size_secs,
			updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')`

	_, err := r.db.ExecContext(ctx, query,
		d.Symbol, string(d.Timeframe), d.Priority,
		int64(d.DesiredWindow.Seconds()), int64(d.SliceSize.Seconds()),
		boolToInt(d.Enabled),
	)
	if err != nil {
		return fmt.Errorf("upsert definition: %w", err)
	}

	stored, err := r.FindDefinition(ctx, d.Symbol, d.Timeframe)
	if err != nil {
		return err
	}
	*d = *stored
	return nil
}

const defColumns = `id, symbol, timeframe, priority, desired_window_secs, slice_size_secs, enabled, created_at, updated_at`

func scanDefinition(row interface{ Scan(...any) error }) (*domain.Definition, error) {
	d := &domain.Definition{}
	var tf, createdStr, updatedStr string
	var windowSecs, sliceSecs int64
	var enabled int

	err := row.Scan(&d.ID, &d.Symbol, &tf, &d.Priority, &windowSecs, &sliceSecs, &enabled, &createdStr, &updatedStr)
	if err != nil {
		return nil, err
	}

	d.Timeframe = bar.Timeframe(tf)
	d.DesiredWindow = time.Duration(windowSecs) * time.Second
	d.SliceSize = time.Duration(sliceSecs) * time.Second
	d.Enabled = enabled != 0
	d.CreatedAt = parseTime(createdStr)
	d.UpdatedAt = parseTime(updatedStr)
	return d, nil
}

func (r *Repository) GetDefinition(ctx context.Context, id int64) (*domain.Definition, error) {
	query := `SELECT ` + defColumns + ` FROM job_definitions WHERE id = ?`

	d, err := scanDefinition(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, apperror.New(apperror.NotFound, "job definition not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get definition: %w", err)
	}
	return d, nil
}

func (r *Repository) FindDefinition(ctx context.Context, symbol string, tf bar.Timeframe) (*domain.Definition, error) {
	query := `SELECT ` + defColumns + ` FROM job_definitions WHERE symbol = ? AND timeframe = ?`

	d, err := scanDefinition(r.db.QueryRowContext(ctx, query, symbol, string(tf)))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find definition: %w", err)
	}
	return d, nil
}

func (r *Repository) ListDefinitions(ctx context.Context, enabledOnly bool) ([]domain.Definition, error) {
	query := `SELECT ` + defColumns + ` FROM job_definitions`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY priority DESC, id ASC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list definitions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var defs []domain.Definition
	for rows.Next() {
		d, err := scanDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan definition: %w", err)
		}
		defs = append(defs, *d)
	}
	return defs, rows.Err()
}

func (r *Repository) SetDefinitionEnabled(ctx context.Context, id int64, enabled bool) error {
	const query = `UPDATE job_definitions SET enabled = ?,
		updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
		WHERE id = ?`

	res, err := r.db.ExecContext(ctx, query, boolToInt(enabled), id)
	if err != nil {
		return fmt.Errorf("set definition enabled: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.New(apperror.NotFound, "job definition not found")
	}
	return nil
}

// --- runs ---

const runColumns = `id, job_definition_id, symbol, timeframe, slice_from, slice_to,
	idempotency_hash, status, attempt, provider_used, rows_written,
	error_code, error_message, eligible_at, created_at, started_at, finished_at`

func scanRun(row interface{ Scan(...any) error }) (*domain.Run, error) {
	run := &domain.Run{}
	var tf, fromStr, toStr, status, eligibleStr, createdStr string
	var provider, errCode, errMsg, startedStr, finishedStr sql.NullString

	err := row.Scan(
		&run.ID, &run.DefinitionID, &run.Symbol, &tf, &fromStr, &toStr,
		&run.IdempotencyKey, &status, &run.Attempt, &provider, &run.RowsWritten,
		&errCode, &errMsg, &eligibleStr, &createdStr, &startedStr, &finishedStr,
	)
	if err != nil {
		return nil, err
	}

	run.Timeframe = bar.Timeframe(tf)
	run.SliceFrom = parseTime(fromStr)
	run.SliceTo = parseTime(toStr)
	run.Status = domain.Status(status)
	run.ProviderUsed = provider.String
	run.ErrorCode = errCode.String
	run.ErrorMessage = errMsg.String
	run.EligibleAt = parseTime(eligibleStr)
	run.CreatedAt = parseTime(createdStr)
	if startedStr.Valid {
		t := parseTime(startedStr.String)
		run.StartedAt = &t
	}
	if finishedStr.Valid {
		t := parseTime(finishedStr.String)
		run.FinishedAt = &t
	}
	return run, nil
}

// UpsertRun inserts a queued run for the slice unless one already exists with
// the same idempotency hash. Hitting the unique constraint is the dedup
// mechanism, not an error: the existing row is returned with created=false.
// Cancelled runs and runs that exhausted their transient budget are re-armed
// in place (attempt history is a counter, not new rows); permanently failed
// slices are skipped like successes.
func (r *Repository) UpsertRun(ctx context.Context, run *domain.Run) (*domain.Run, bool, error) {
	hash := domain.IdempotencyHash(run.Symbol, run.Timeframe, run.SliceFrom, run.SliceTo)

	const insert = `INSERT OR IGNORE INTO job_runs
		(job_definition_id, symbol, timeframe, slice_from, slice_to, idempotency_hash, status)
		VALUES (?, ?, ?, ?, ?, ?, 'queued')`

	res, err := r.db.ExecContext(ctx, insert,
		run.DefinitionID, run.Symbol, string(run.Timeframe),
		fmtTime(run.SliceFrom), fmtTime(run.SliceTo), hash,
	)
	if err != nil {
		return nil, false, fmt.Errorf("upsert run: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 1 {
		id, _ := res.LastInsertId()
		created, err := r.GetRun(ctx, id)
		return created, true, err
	}

	existing, err := r.findRunByHash(ctx, hash)
	if err != nil {
		return nil, false, err
	}

	// Re-arm cancelled and transiently exhausted runs; success, in-flight,
	// and permanently failed rows are returned unchanged so callers skip
	// them. Retrying a bad symbol on every tick cannot make it valid.
	if existing.Status == domain.StatusFailed || existing.Status == domain.StatusCancelled {
		const rearm = `UPDATE job_runs SET status = 'queued', attempt = 1,
			provider_used = NULL, rows_written = 0, error_code = NULL, error_message = NULL,
			eligible_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now'),
			started_at = NULL, finished_at = NULL
			WHERE id = ? AND status = ? AND failed_permanently = 0`
		res, err := r.db.ExecContext(ctx, rearm, existing.ID, string(existing.Status))
		if err != nil {
			return nil, false, fmt.Errorf("re-arm run: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return existing, false, nil
		}
		rearmed, err := r.GetRun(ctx, existing.ID)
		return rearmed, true, err
	}

	return existing, false, nil
}

func (r *Repository) findRunByHash(ctx context.Context, hash string) (*domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM job_runs WHERE idempotency_hash = ?`

	run, err := scanRun(r.db.QueryRowContext(ctx, query, hash))
	if err == sql.ErrNoRows {
		return nil, apperror.New(apperror.NotFound, "run not found")
	}
	if err != nil {
		return nil, fmt.Errorf("find run by hash: %w", err)
	}
	return run, nil
}

func (r *Repository) GetRun(ctx context.Context, id int64) (*domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM job_runs WHERE id = ?`

	run, err := scanRun(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, apperror.New(apperror.NotFound, "run not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

func (r *Repository) ListRuns(ctx context.Context, symbol string, tf bar.Timeframe, since time.Time) ([]domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM job_runs WHERE 1=1`

	var args []any
	if symbol != "" {
		query += " AND symbol = ?"
		args = append(args, symbol)
	}
	if tf != "" {
		query += " AND timeframe = ?"
		args = append(args, string(tf))
	}
	if !since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, fmtTime(since))
	}
	query += " ORDER BY id DESC LIMIT 200"

	return r.queryRuns(ctx, query, args...)
}

func (r *Repository) ListSuccessfulRuns(ctx context.Context, symbol string, tf bar.Timeframe) ([]domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM job_runs
		WHERE symbol = ? AND timeframe = ? AND status = 'success'
		ORDER BY slice_from ASC`

	return r.queryRuns(ctx, query, symbol, string(tf))
}

func (r *Repository) queryRuns(ctx context.Context, query string, args ...any) ([]domain.Run, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// ClaimNextEligible transitions up to max queued, backoff-eligible runs to
// running inside one transaction. The conditional UPDATE re-checks status so
// two concurrent claimers can never take the same row; sqlite's single-writer
// transaction plays the role of SELECT FOR UPDATE SKIP LOCKED.
func (r *Repository) ClaimNextEligible(ctx context.Context, max int) ([]domain.Run, error) {
	if max <= 0 {
		return nil, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("claim: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := fmtTime(time.Now())

	const selectQ = `SELECT r.id FROM job_runs r
		JOIN job_definitions d ON d.id = r.job_definition_id
		WHERE r.status = 'queued' AND r.eligible_at <= ?
		ORDER BY d.priority DESC, r.created_at ASC, r.id ASC
		LIMIT ?`

	rows, err := tx.QueryContext(ctx, selectQ, now, max)
	if err != nil {
		return nil, fmt.Errorf("claim: select: %w", err)
	}

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("claim: scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("claim: rows: %w", err)
	}
	_ = rows.Close()

	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := make([]any, 0, len(ids)+1)
	args = append(args, now)
	for _, id := range ids {
		args = append(args, id)
	}

	updateQ := fmt.Sprintf( //nolint:gosec // placeholders are not user input
		`UPDATE job_runs SET status = 'running', started_at = ?
		WHERE id IN (%s) AND status = 'queued'`, placeholders)

	res, err := tx.ExecContext(ctx, updateQ, args...)
	if err != nil {
		return nil, fmt.Errorf("claim: update: %w", err)
	}
	claimed, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim: commit: %w", err)
	}

	if claimed == 0 {
		return nil, nil
	}

	query := fmt.Sprintf(`SELECT `+runColumns+` FROM job_runs WHERE id IN (%s) AND status = 'running' ORDER BY id ASC`, placeholders) //nolint:gosec
	return r.queryRuns(ctx, query, args[1:]...)
}

func (r *Repository) CompleteRun(ctx context.Context, id int64, out domain.Outcome, maxAttempts int) (*domain.Run, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("complete run: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	var attempt int
	err = tx.QueryRowContext(ctx, `SELECT status, attempt FROM job_runs WHERE id = ?`, id).Scan(&status, &attempt)
	if err == sql.ErrNoRows {
		return nil, apperror.New(apperror.NotFound, "run not found")
	}
	if err != nil {
		return nil, fmt.Errorf("complete run: select: %w", err)
	}
	if domain.Status(status) != domain.StatusRunning {
		return nil, apperror.New(apperror.Conflict, "run is not running")
	}

	now := fmtTime(time.Now())

	switch {
	case out.Status == domain.StatusSuccess:
		const q = `UPDATE job_runs SET status = 'success', provider_used = ?,
			rows_written = ?, error_code = NULL, error_message = NULL, finished_at = ?
			WHERE id = ?`
		if _, err := tx.ExecContext(ctx, q, out.Provider, out.RowsWritten, now, id); err != nil {
			return nil, fmt.Errorf("complete run: success: %w", err)
		}

	case out.Transient && attempt < maxAttempts:
		// Transient failure with budget left: back to the queue with backoff.
		// Ceil to whole seconds so the stored timestamp never lands before
		// the real eligibility instant.
		eligible := fmtTime(ceilSecond(time.Now().Add(domain.Backoff(attempt))))
		const q = `UPDATE job_runs SET status = 'queued', attempt = attempt + 1,
			provider_used = ?, error_code = ?, error_message = ?,
			eligible_at = ?, started_at = NULL
			WHERE id = ?`
		if _, err := tx.ExecContext(ctx, q, nullable(out.Provider), out.ErrorCode, out.ErrorMsg, eligible, id); err != nil {
			return nil, fmt.Errorf("complete run: requeue: %w", err)
		}

	default:
		// A permanent failure is a fact about the slice, not the attempt;
		// mark it so a resurfacing gap does not re-arm the run.
		const q = `UPDATE job_runs SET status = 'failed', provider_used = ?,
			error_code = ?, error_message = ?, failed_permanently = ?, finished_at = ?
			WHERE id = ?`
		if _, err := tx.ExecContext(ctx, q, nullable(out.Provider), out.ErrorCode, out.ErrorMsg,
			boolToInt(!out.Transient), now, id); err != nil {
			return nil, fmt.Errorf("complete run: fail: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("complete run: commit: %w", err)
	}

	return r.GetRun(ctx, id)
}

func (r *Repository) CancelRun(ctx context.Context, id int64) (*domain.Run, error) {
	const query = `UPDATE job_runs SET status = 'cancelled',
		finished_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
		WHERE id = ? AND status = 'queued'`

	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("cancel run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		run, getErr := r.GetRun(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return nil, apperror.New(apperror.Conflict,
			fmt.Sprintf("run is %s; only queued runs can be cancelled", run.Status))
	}
	return r.GetRun(ctx, id)
}

func (r *Repository) RunningCount(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM job_runs WHERE status = 'running'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("running count: %w", err)
	}
	return n, nil
}

func (r *Repository) RecoverStale(ctx context.Context) (int64, error) {
	const query = `UPDATE job_runs SET status = 'queued', started_at = NULL,
		eligible_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
		WHERE status = 'running'`

	res, err := r.db.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("recover stale runs: %w", err)
	}
	return res.RowsAffected()
}

func (r *Repository) PruneRuns(ctx context.Context, before time.Time) (int64, error) {
	const query = `DELETE FROM job_runs
		WHERE status IN ('success', 'failed', 'cancelled')
		AND finished_at IS NOT NULL AND finished_at < ?`

	res, err := r.db.ExecContext(ctx, query, fmtTime(before))
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	return res.RowsAffected()
}

func (r *Repository) CountsByStatus(ctx context.Context, symbol string, tf bar.Timeframe, since time.Time) (domain.StatusCounts, error) {
	query := `SELECT status, COUNT(*) FROM job_runs WHERE 1=1`

	var args []any
	if symbol != "" {
		query += " AND symbol = ?"
		args = append(args, symbol)
	}
	if tf != "" {
		query += " AND timeframe = ?"
		args = append(args, string(tf))
	}
	if !since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, fmtTime(since))
	}
	query += " GROUP BY status"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return domain.StatusCounts{}, fmt.Errorf("counts by status: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var counts domain.StatusCounts
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return domain.StatusCounts{}, fmt.Errorf("scan counts: %w", err)
		}
		switch domain.Status(status) {
		case domain.StatusQueued:
			counts.Queued = n
		case domain.StatusRunning:
			counts.Running = n
		case domain.StatusSuccess:
			counts.Success = n
		case domain.StatusFailed:
			counts.Failed = n
		case domain.StatusCancelled:
			counts.Cancelled = n
		}
	}
	return counts, rows.Err()
}

func (r *Repository) ProviderStats(ctx context.Context, since time.Time) ([]domain.ProviderStat, error) {
	query := `SELECT provider_used,
		SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END),
		SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END)
		FROM job_runs
		WHERE provider_used IS NOT NULL AND status IN ('success', 'failed')`

	var args []any
	if !since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, fmtTime(since))
	}
	query += " GROUP BY provider_used ORDER BY provider_used"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("provider stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var stats []domain.ProviderStat
	for rows.Next() {
		var s domain.ProviderStat
		if err := rows.Scan(&s.Provider, &s.Succeeded, &s.Failed); err != nil {
			return nil, fmt.Errorf("scan provider stat: %w", err)
		}
		if total := s.Succeeded + s.Failed; total > 0 {
			s.Rate = float64(s.Succeeded) / float64(total)
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

func ceilSecond(t time.Time) time.Time {
	if trunc := t.Truncate(time.Second); trunc.Before(t) {
		return trunc.Add(time.Second)
	}
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
