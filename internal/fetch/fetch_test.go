package fetch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/quantfeed/barsync/internal/bar"
	"github.com/quantfeed/barsync/internal/coverage"
	"github.com/quantfeed/barsync/internal/interval"
	"github.com/quantfeed/barsync/internal/job"
	"github.com/quantfeed/barsync/internal/progress"
	"github.com/quantfeed/barsync/internal/provider"
)

type stubFetcher struct {
	bars []bar.Bar
	name string
	err  error
}

func (s *stubFetcher) Fetch(context.Context, string, bar.Timeframe, time.Time, time.Time) ([]bar.Bar, string, error) {
	return s.bars, s.name, s.err
}

type mockCompleter struct {
	lastID      int64
	lastOutcome job.Outcome
	calls       int
}

func (m *mockCompleter) CompleteRun(ctx context.Context, id int64, out job.Outcome, maxAttempts int) (*job.Run, error) {
	m.calls++
	m.lastID = id
	m.lastOutcome = out
	status := out.Status
	if out.Status == job.StatusFailed && out.Transient {
		status = job.StatusQueued
	}
	return &job.Run{ID: id, Status: status, RowsWritten: out.RowsWritten, ProviderUsed: out.Provider}, nil
}

type mockBarRepo struct {
	saved   []bar.Bar
	saveErr error
}

func (m *mockBarRepo) SaveBars(ctx context.Context, bars []bar.Bar) (int64, error) {
	if m.saveErr != nil {
		return 0, m.saveErr
	}
	m.saved = append(m.saved, bars...)
	return int64(len(bars)), nil
}

func (m *mockBarRepo) ListBars(ctx context.Context, symbol string, tf bar.Timeframe, from, to time.Time) ([]bar.Bar, error) {
	return nil, nil
}

func (m *mockBarRepo) CountBars(ctx context.Context, symbol string, tf bar.Timeframe, from, to time.Time) (int64, error) {
	return int64(len(m.saved)), nil
}

type mockCoverageRepo struct {
	intervals []interval.Range
	touched   bool
}

func (m *mockCoverageRepo) GetIntervals(ctx context.Context, symbol string, tf bar.Timeframe) ([]interval.Range, error) {
	return m.intervals, nil
}

func (m *mockCoverageRepo) ReplaceIntervals(ctx context.Context, symbol string, tf bar.Timeframe, ranges []interval.Range) error {
	m.intervals = ranges
	return nil
}

func (m *mockCoverageRepo) GetStatus(ctx context.Context, symbol string, tf bar.Timeframe) (*coverage.Status, error) {
	return &coverage.Status{Symbol: symbol, Timeframe: tf, Intervals: m.intervals}, nil
}

func (m *mockCoverageRepo) TouchStatus(ctx context.Context, symbol string, tf bar.Timeframe, provider string, at time.Time) error {
	m.touched = true
	return nil
}

type noHistory struct{}

func (noHistory) ListSuccessfulRuns(context.Context, string, bar.Timeframe) ([]job.Run, error) {
	return nil, nil
}

func sliceRun() job.Run {
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return job.Run{
		ID:        1,
		Symbol:    "AAPL",
		Timeframe: bar.Timeframe1h,
		SliceFrom: from,
		SliceTo:   from.Add(4 * time.Hour),
		Status:    job.StatusRunning,
		Attempt:   1,
	}
}

func hourlyBars(from time.Time, n int) []bar.Bar {
	bars := make([]bar.Bar, n)
	for i := range bars {
		bars[i] = bar.Bar{
			Symbol:    "AAPL",
			Timeframe: bar.Timeframe1h,
			Ts:        from.Add(time.Duration(i) * time.Hour),
			Close:     100,
			Provider:  "yahoo",
		}
	}
	return bars
}

func newTestWorker(f Fetcher, completer *mockCompleter, bars *mockBarRepo, cov *mockCoverageRepo) *Worker {
	tracker := coverage.NewTracker(cov, noHistory{})
	return NewWorker(f, completer, bars, tracker, progress.NewPublisher(), 5)
}

func TestExecute_SuccessPersistsAndExtendsCoverage(t *testing.T) {
	run := sliceRun()
	completer := &mockCompleter{}
	barRepo := &mockBarRepo{}
	covRepo := &mockCoverageRepo{}

	w := newTestWorker(
		&stubFetcher{bars: hourlyBars(run.SliceFrom, 4), name: "yahoo"},
		completer, barRepo, covRepo,
	)

	if err := w.Execute(context.Background(), run); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if completer.lastOutcome.Status != job.StatusSuccess || completer.lastOutcome.RowsWritten != 4 {
		t.Errorf("unexpected outcome: %+v", completer.lastOutcome)
	}
	if completer.lastOutcome.Provider != "yahoo" {
		t.Errorf("provider not recorded: %+v", completer.lastOutcome)
	}
	if len(barRepo.saved) != 4 {
		t.Errorf("expected 4 bars persisted, got %d", len(barRepo.saved))
	}
	want := interval.Range{From: run.SliceFrom, To: run.SliceTo}
	if len(covRepo.intervals) != 1 || !covRepo.intervals[0].From.Equal(want.From) || !covRepo.intervals[0].To.Equal(want.To) {
		t.Errorf("coverage not extended over the slice: %+v", covRepo.intervals)
	}
	if !covRepo.touched {
		t.Error("coverage status not touched")
	}
}

func TestExecute_EmptyWindowStillCoversSlice(t *testing.T) {
	run := sliceRun()
	completer := &mockCompleter{}
	covRepo := &mockCoverageRepo{}

	w := newTestWorker(&stubFetcher{bars: nil, name: "yahoo"}, completer, &mockBarRepo{}, covRepo)

	if err := w.Execute(context.Background(), run); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if completer.lastOutcome.Status != job.StatusSuccess || completer.lastOutcome.RowsWritten != 0 {
		t.Errorf("closed-market window should succeed with zero rows: %+v", completer.lastOutcome)
	}
	if len(covRepo.intervals) != 1 || !covRepo.intervals[0].To.Equal(run.SliceTo) {
		t.Errorf("empty window must still mark the slice covered: %+v", covRepo.intervals)
	}
}

func TestExecute_PartialResultCoversOnlyReceivedBars(t *testing.T) {
	run := sliceRun()
	completer := &mockCompleter{}
	covRepo := &mockCoverageRepo{}

	// Two of four hours arrived before the upstream dropped.
	w := newTestWorker(
		&stubFetcher{
			bars: hourlyBars(run.SliceFrom, 2),
			name: "yahoo",
			err:  provider.Transient("yahoo", provider.CodeUpstream5xx, errors.New("dropped mid-stream")),
		},
		completer, &mockBarRepo{}, covRepo,
	)

	if err := w.Execute(context.Background(), run); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if completer.lastOutcome.Status != job.StatusSuccess || completer.lastOutcome.RowsWritten != 2 {
		t.Errorf("partial result should count as success: %+v", completer.lastOutcome)
	}

	wantTo := run.SliceFrom.Add(2 * time.Hour)
	if len(covRepo.intervals) != 1 || !covRepo.intervals[0].To.Equal(wantTo) {
		t.Errorf("coverage must stop at the last received bar, got %+v", covRepo.intervals)
	}

	// The remainder shows up as a gap for the next scheduler pass.
	set := interval.NewSet(covRepo.intervals...)
	gaps := set.Gaps(interval.Range{From: run.SliceFrom, To: run.SliceTo})
	if len(gaps) != 1 || !gaps[0].From.Equal(wantTo) {
		t.Errorf("expected uncovered remainder after partial fetch, got %+v", gaps)
	}
}

func TestExecute_TransientErrorIsRetryable(t *testing.T) {
	run := sliceRun()
	completer := &mockCompleter{}
	covRepo := &mockCoverageRepo{}

	w := newTestWorker(
		&stubFetcher{err: provider.Transient("yahoo", provider.CodeTimeout, errors.New("deadline exceeded"))},
		completer, &mockBarRepo{}, covRepo,
	)

	if err := w.Execute(context.Background(), run); err != nil {
		t.Fatalf("execute: %v", err)
	}

	out := completer.lastOutcome
	if out.Status != job.StatusFailed || !out.Transient {
		t.Errorf("timeout must be a transient failure: %+v", out)
	}
	if out.ErrorCode != provider.CodeTimeout {
		t.Errorf("error code not recorded: %+v", out)
	}
	if len(covRepo.intervals) != 0 {
		t.Errorf("failed run must not extend coverage: %+v", covRepo.intervals)
	}
}

func TestExecute_PermanentErrorIsTerminal(t *testing.T) {
	run := sliceRun()
	completer := &mockCompleter{}

	w := newTestWorker(
		&stubFetcher{err: provider.Permanent("yahoo", provider.CodeInvalidSymbol, errors.New("unknown symbol"))},
		completer, &mockBarRepo{}, &mockCoverageRepo{},
	)

	if err := w.Execute(context.Background(), run); err != nil {
		t.Fatalf("execute: %v", err)
	}

	out := completer.lastOutcome
	if out.Status != job.StatusFailed || out.Transient {
		t.Errorf("invalid symbol must fail permanently: %+v", out)
	}
	if out.ErrorCode != provider.CodeInvalidSymbol {
		t.Errorf("error code not recorded: %+v", out)
	}
}

func TestExecute_StorageFailureIsTransient(t *testing.T) {
	run := sliceRun()
	completer := &mockCompleter{}
	covRepo := &mockCoverageRepo{}

	w := newTestWorker(
		&stubFetcher{bars: hourlyBars(run.SliceFrom, 4), name: "yahoo"},
		completer,
		&mockBarRepo{saveErr: errors.New("disk full")},
		covRepo,
	)

	if err := w.Execute(context.Background(), run); err != nil {
		t.Fatalf("execute: %v", err)
	}

	out := completer.lastOutcome
	if out.Status != job.StatusFailed || !out.Transient || out.ErrorCode != ErrorCodeStorage {
		t.Errorf("storage failure must be retryable: %+v", out)
	}
	if len(covRepo.intervals) != 0 {
		t.Errorf("unsaved bars must not extend coverage: %+v", covRepo.intervals)
	}
}

func TestExecute_PublishesTransitionEvents(t *testing.T) {
	run := sliceRun()
	completer := &mockCompleter{}
	pub := progress.NewPublisher()
	sub := pub.Subscribe()
	defer pub.Unsubscribe(sub)

	tracker := coverage.NewTracker(&mockCoverageRepo{}, noHistory{})
	w := NewWorker(&stubFetcher{bars: hourlyBars(run.SliceFrom, 1), name: "yahoo"},
		completer, &mockBarRepo{}, tracker, pub, 5)

	if err := w.Execute(context.Background(), run); err != nil {
		t.Fatalf("execute: %v", err)
	}

	first := <-sub
	if first.Status != job.StatusRunning {
		t.Errorf("expected running event first, got %s", first.Status)
	}
	second := <-sub
	if second.Status != job.StatusSuccess {
		t.Errorf("expected success event second, got %s", second.Status)
	}
}
