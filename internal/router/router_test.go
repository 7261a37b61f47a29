package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/quantfeed/barsync/internal/bar"
	"github.com/quantfeed/barsync/internal/provider"
	"github.com/quantfeed/barsync/internal/ratelimit"
)

type stubProvider struct {
	name    string
	daily   bool
	fetch   func(ctx context.Context, symbol string, tf bar.Timeframe, from, to time.Time) ([]bar.Bar, error)
	calls   int
	callsMu sync.Mutex
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Supports(tf bar.Timeframe) bool {
	if s.daily {
		return tf == bar.Timeframe1d
	}
	return true
}

func (s *stubProvider) FetchBars(ctx context.Context, symbol string, tf bar.Timeframe, from, to time.Time) ([]bar.Bar, error) {
	s.callsMu.Lock()
	s.calls++
	s.callsMu.Unlock()
	return s.fetch(ctx, symbol, tf, from, to)
}

func (s *stubProvider) callCount() int {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	return s.calls
}

type memHealthStore struct {
	mu      sync.Mutex
	entries map[string]*Health
}

func newMemHealthStore() *memHealthStore {
	return &memHealthStore{entries: make(map[string]*Health)}
}

func (m *memHealthStore) Get(ctx context.Context, name string) (*Health, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.entries[name]; ok {
		cp := *h
		return &cp, nil
	}
	return &Health{Provider: name, Healthy: true}, nil
}

func (m *memHealthStore) All(ctx context.Context) ([]Health, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Health
	for _, h := range m.entries {
		out = append(out, *h)
	}
	return out, nil
}

func (m *memHealthStore) RecordSuccess(ctx context.Context, name string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[name] = &Health{Provider: name, Healthy: true, LastSuccessAt: &at}
	return nil
}

func (m *memHealthStore) RecordFailure(ctx context.Context, name string, at time.Time, unhealthyAfter int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.entries[name]
	if !ok {
		h = &Health{Provider: name, Healthy: true}
		m.entries[name] = h
	}
	h.ConsecutiveFailures++
	h.LastFailureAt = &at
	if h.ConsecutiveFailures >= unhealthyAfter {
		h.Healthy = false
	}
	return nil
}

func okBars(n int) []bar.Bar {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]bar.Bar, n)
	for i := range bars {
		bars[i] = bar.Bar{
			Symbol:    "AAPL",
			Timeframe: bar.Timeframe1h,
			Ts:        base.Add(time.Duration(i) * time.Hour),
			Close:     100 + float64(i),
		}
	}
	return bars
}

func newTestRouter(store HealthStore, order []string, providers ...provider.Provider) *Router {
	reg := provider.NewRegistry()
	for _, p := range providers {
		reg.Register(p)
	}
	return New(reg, store, ratelimit.New(), order, WithAcquireWait(100*time.Millisecond))
}

func testWindow() (time.Time, time.Time) {
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return from, from.Add(4 * time.Hour)
}

func TestFetch_PrefersFirstConfiguredProvider(t *testing.T) {
	primary := &stubProvider{name: "yahoo", fetch: func(context.Context, string, bar.Timeframe, time.Time, time.Time) ([]bar.Bar, error) {
		return okBars(4), nil
	}}
	fallback := &stubProvider{name: "stooq", fetch: func(context.Context, string, bar.Timeframe, time.Time, time.Time) ([]bar.Bar, error) {
		t.Error("fallback must not be called when primary succeeds")
		return nil, nil
	}}

	r := newTestRouter(newMemHealthStore(), []string{"yahoo", "stooq"}, primary, fallback)

	from, to := testWindow()
	bars, used, err := r.Fetch(context.Background(), "AAPL", bar.Timeframe1h, from, to)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if used != "yahoo" || len(bars) != 4 {
		t.Errorf("expected 4 bars from yahoo, got %d from %s", len(bars), used)
	}
}

func TestFetch_FailsOverOnTransientError(t *testing.T) {
	store := newMemHealthStore()
	primary := &stubProvider{name: "yahoo", fetch: func(context.Context, string, bar.Timeframe, time.Time, time.Time) ([]bar.Bar, error) {
		return nil, provider.Transient("yahoo", provider.CodeUpstream5xx, errors.New("upstream down"))
	}}
	fallback := &stubProvider{name: "stooq", fetch: func(context.Context, string, bar.Timeframe, time.Time, time.Time) ([]bar.Bar, error) {
		return okBars(4), nil
	}}

	r := newTestRouter(store, []string{"yahoo", "stooq"}, primary, fallback)

	from, to := testWindow()
	bars, used, err := r.Fetch(context.Background(), "AAPL", bar.Timeframe1h, from, to)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if used != "stooq" || len(bars) != 4 {
		t.Errorf("expected fallback result, got %d bars from %s", len(bars), used)
	}

	h, _ := store.Get(context.Background(), "yahoo")
	if h.ConsecutiveFailures != 1 {
		t.Errorf("primary failure not recorded: %+v", h)
	}
	h, _ = store.Get(context.Background(), "stooq")
	if !h.Healthy || h.LastSuccessAt == nil {
		t.Errorf("fallback success not recorded: %+v", h)
	}
}

func TestFetch_PermanentErrorStopsFailover(t *testing.T) {
	store := newMemHealthStore()
	primary := &stubProvider{name: "yahoo", fetch: func(context.Context, string, bar.Timeframe, time.Time, time.Time) ([]bar.Bar, error) {
		return nil, provider.Permanent("yahoo", provider.CodeInvalidSymbol, errors.New("no such symbol"))
	}}
	fallback := &stubProvider{name: "stooq", fetch: func(context.Context, string, bar.Timeframe, time.Time, time.Time) ([]bar.Bar, error) {
		t.Error("permanent failure must not fail over")
		return nil, nil
	}}

	r := newTestRouter(store, []string{"yahoo", "stooq"}, primary, fallback)

	from, to := testWindow()
	_, _, err := r.Fetch(context.Background(), "AAPL", bar.Timeframe1h, from, to)
	if !provider.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}

	// A bad symbol says nothing about the provider itself.
	h, _ := store.Get(context.Background(), "yahoo")
	if h.ConsecutiveFailures != 0 || !h.Healthy {
		t.Errorf("permanent error must not dent health: %+v", h)
	}
}

func TestFetch_SkipsUnhealthyProvider(t *testing.T) {
	store := newMemHealthStore()
	now := time.Now().UTC()
	for range 3 {
		_ = store.RecordFailure(context.Background(), "yahoo", now, 3)
	}

	primary := &stubProvider{name: "yahoo", fetch: func(context.Context, string, bar.Timeframe, time.Time, time.Time) ([]bar.Bar, error) {
		t.Error("unhealthy provider must be skipped while an alternative is healthy")
		return nil, nil
	}}
	fallback := &stubProvider{name: "stooq", fetch: func(context.Context, string, bar.Timeframe, time.Time, time.Time) ([]bar.Bar, error) {
		return okBars(2), nil
	}}

	r := newTestRouter(store, []string{"yahoo", "stooq"}, primary, fallback)

	from, to := testWindow()
	_, used, err := r.Fetch(context.Background(), "AAPL", bar.Timeframe1h, from, to)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if used != "stooq" {
		t.Errorf("expected stooq, got %s", used)
	}
}

func TestFetch_AllUnhealthyRetriesLeastRecentlyFailed(t *testing.T) {
	store := newMemHealthStore()
	ctx := context.Background()
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	// yahoo failed more recently than stooq; stooq should be tried first.
	for i := range 3 {
		_ = store.RecordFailure(ctx, "stooq", base.Add(time.Duration(i)*time.Minute), 3)
	}
	for i := range 3 {
		_ = store.RecordFailure(ctx, "yahoo", base.Add(time.Hour+time.Duration(i)*time.Minute), 3)
	}

	var firstCalled string
	mk := func(name string) *stubProvider {
		return &stubProvider{name: name, fetch: func(context.Context, string, bar.Timeframe, time.Time, time.Time) ([]bar.Bar, error) {
			if firstCalled == "" {
				firstCalled = name
			}
			return okBars(1), nil
		}}
	}

	r := newTestRouter(store, []string{"yahoo", "stooq"}, mk("yahoo"), mk("stooq"))

	from, to := testWindow()
	if _, _, err := r.Fetch(ctx, "AAPL", bar.Timeframe1h, from, to); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if firstCalled != "stooq" {
		t.Errorf("expected least recently failed provider first, got %s", firstCalled)
	}

	// Success heals the record.
	h, _ := store.Get(ctx, "stooq")
	if !h.Healthy || h.ConsecutiveFailures != 0 {
		t.Errorf("success must reset health: %+v", h)
	}
}

func TestFetch_PartialResultReturnedWithoutFailover(t *testing.T) {
	partialErr := provider.Transient("yahoo", provider.CodeUpstream5xx, errors.New("degraded midway"))
	primary := &stubProvider{name: "yahoo", fetch: func(context.Context, string, bar.Timeframe, time.Time, time.Time) ([]bar.Bar, error) {
		return okBars(2), partialErr
	}}
	fallback := &stubProvider{name: "stooq", fetch: func(context.Context, string, bar.Timeframe, time.Time, time.Time) ([]bar.Bar, error) {
		t.Error("partial result must not fail over")
		return nil, nil
	}}

	r := newTestRouter(newMemHealthStore(), []string{"yahoo", "stooq"}, primary, fallback)

	from, to := testWindow()
	bars, used, err := r.Fetch(context.Background(), "AAPL", bar.Timeframe1h, from, to)
	if used != "yahoo" || len(bars) != 2 {
		t.Errorf("expected partial bars from yahoo, got %d from %s", len(bars), used)
	}
	if err == nil || provider.IsPermanent(err) {
		t.Errorf("partial result must keep the transient error, got %v", err)
	}
}

func TestFetch_RetryAfterPausesBucket(t *testing.T) {
	reg := provider.NewRegistry()
	reg.Register(&stubProvider{name: "yahoo", fetch: func(context.Context, string, bar.Timeframe, time.Time, time.Time) ([]bar.Bar, error) {
		pe := provider.Transient("yahoo", provider.CodeRateLimited, errors.New("throttled"))
		pe.RetryAfter = time.Minute
		return nil, pe
	}})

	limiter := ratelimit.New()
	r := New(reg, newMemHealthStore(), limiter, []string{"yahoo"}, WithAcquireWait(50*time.Millisecond))

	from, to := testWindow()
	_, _, err := r.Fetch(context.Background(), "AAPL", bar.Timeframe1h, from, to)
	if err == nil {
		t.Fatal("expected error")
	}
	if limiter.PausedUntil("yahoo").IsZero() {
		t.Error("Retry-After must pause the provider's bucket")
	}
}

func TestFetch_SkipsProvidersLackingTimeframe(t *testing.T) {
	daily := &stubProvider{name: "stooq", daily: true, fetch: func(context.Context, string, bar.Timeframe, time.Time, time.Time) ([]bar.Bar, error) {
		t.Error("daily-only provider must not see intraday requests")
		return nil, nil
	}}
	intraday := &stubProvider{name: "yahoo", fetch: func(context.Context, string, bar.Timeframe, time.Time, time.Time) ([]bar.Bar, error) {
		return okBars(1), nil
	}}

	r := newTestRouter(newMemHealthStore(), []string{"stooq", "yahoo"}, daily, intraday)

	from, to := testWindow()
	_, used, err := r.Fetch(context.Background(), "AAPL", bar.Timeframe1h, from, to)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if used != "yahoo" {
		t.Errorf("expected yahoo, got %s", used)
	}
	if daily.callCount() != 0 {
		t.Errorf("daily provider called %d times", daily.callCount())
	}
}

func TestFetch_NoSupportingProviderIsPermanent(t *testing.T) {
	daily := &stubProvider{name: "stooq", daily: true, fetch: func(context.Context, string, bar.Timeframe, time.Time, time.Time) ([]bar.Bar, error) {
		return nil, nil
	}}

	r := newTestRouter(newMemHealthStore(), []string{"stooq"}, daily)

	from, to := testWindow()
	_, _, err := r.Fetch(context.Background(), "AAPL", bar.Timeframe1m, from, to)
	if !provider.IsPermanent(err) {
		t.Errorf("no supporting provider must be permanent, got %v", err)
	}
}

func TestFetch_AllProvidersFailReturnsLastError(t *testing.T) {
	mkFail := func(name string) *stubProvider {
		return &stubProvider{name: name, fetch: func(context.Context, string, bar.Timeframe, time.Time, time.Time) ([]bar.Bar, error) {
			return nil, provider.Transient(name, provider.CodeNetwork, errors.New(name+" unreachable"))
		}}
	}

	r := newTestRouter(newMemHealthStore(), []string{"yahoo", "stooq"}, mkFail("yahoo"), mkFail("stooq"))

	from, to := testWindow()
	_, _, err := r.Fetch(context.Background(), "AAPL", bar.Timeframe1h, from, to)
	if err == nil || provider.IsPermanent(err) {
		t.Fatalf("expected transient error after exhausting providers, got %v", err)
	}
}

func TestStatuses_IncludesUnknownProviders(t *testing.T) {
	store := newMemHealthStore()
	ctx := context.Background()
	for range 3 {
		_ = store.RecordFailure(ctx, "yahoo", time.Now().UTC(), 3)
	}

	r := newTestRouter(store, []string{"yahoo", "stooq"})

	statuses, err := r.Statuses(ctx)
	if err != nil {
		t.Fatalf("statuses: %v", err)
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if statuses[0].Provider != "yahoo" || statuses[0].Healthy {
		t.Errorf("yahoo should be unhealthy: %+v", statuses[0])
	}
	if statuses[1].Provider != "stooq" || !statuses[1].Healthy {
		t.Errorf("stooq should default to healthy: %+v", statuses[1])
	}
}
