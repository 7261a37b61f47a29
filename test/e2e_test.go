package test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/quantfeed/barsync/internal/bar"
	"github.com/quantfeed/barsync/internal/coverage"
	"github.com/quantfeed/barsync/internal/fetch"
	"github.com/quantfeed/barsync/internal/interval"
	"github.com/quantfeed/barsync/internal/job"
	"github.com/quantfeed/barsync/internal/platform/sqlite"
	"github.com/quantfeed/barsync/internal/progress"
	"github.com/quantfeed/barsync/internal/provider"
	"github.com/quantfeed/barsync/internal/provider/yahoo"
	"github.com/quantfeed/barsync/internal/ratelimit"
	barrepo "github.com/quantfeed/barsync/internal/repository/bar"
	covrepo "github.com/quantfeed/barsync/internal/repository/coverage"
	healthrepo "github.com/quantfeed/barsync/internal/repository/health"
	jobrepo "github.com/quantfeed/barsync/internal/repository/job"
	"github.com/quantfeed/barsync/internal/router"
	"github.com/quantfeed/barsync/internal/scheduler"
	"github.com/quantfeed/barsync/internal/server"
)

// chartUpstream serves a minimal Yahoo-compatible chart API: hourly bars for
// every requested window, and a Not Found chart error for symbol NOSUCH.
func chartUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		symbol := parts[len(parts)-1]

		if symbol == "NOSUCH" {
			_, _ = fmt.Fprint(w, `{"chart":{"result":null,"error":{"code":"Not Found","description":"No data found"}}}`)
			return
		}

		p1, _ := strconv.ParseInt(r.URL.Query().Get("period1"), 10, 64)
		p2, _ := strconv.ParseInt(r.URL.Query().Get("period2"), 10, 64)

		var ts []int64
		var vals []any
		for sec := p1; sec < p2; sec += 3600 {
			ts = append(ts, sec)
			vals = append(vals, 100.0+float64(len(ts)))
		}

		_ = json.NewEncoder(w).Encode(map[string]any{
			"chart": map[string]any{
				"result": []map[string]any{{
					"timestamp": ts,
					"indicators": map[string]any{
						"quote": []map[string]any{{
							"open": vals, "high": vals, "low": vals, "close": vals, "volume": vals,
						}},
					},
				}},
			},
		})
	}))
}

type env struct {
	api     *httptest.Server
	barRepo *barrepo.Repository
}

func setupE2E(t *testing.T) *env {
	t.Helper()

	db, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	upstream := chartUpstream(t)
	t.Cleanup(upstream.Close)

	auth := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("e2e-crumb"))
	}))
	t.Cleanup(auth.Close)

	barRepo := barrepo.NewRepository(db.DB)
	jobRepo := jobrepo.NewRepository(db.DB)
	covRepo := covrepo.NewRepository(db.DB)
	healthRepo := healthrepo.NewRepository(db.DB)

	jar, _ := cookiejar.New(nil)
	registry := provider.NewRegistry()
	registry.Register(yahoo.New(
		yahoo.WithWorkers(1),
		yahoo.WithClient(&http.Client{Jar: jar}),
		yahoo.WithChartEndpoint(upstream.URL),
		yahoo.WithCookieURL(auth.URL),
		yahoo.WithCrumbURL(auth.URL),
	))

	limiter := ratelimit.New()
	limiter.Configure("yahoo", 100, 100)

	rtr := router.New(registry, healthRepo, limiter, []string{"yahoo"})
	tracker := coverage.NewTracker(covRepo, jobRepo)
	publisher := progress.NewPublisher()
	observer := progress.NewObserver(jobRepo, tracker)
	jobSvc := job.NewService(jobRepo)

	worker := fetch.NewWorker(rtr, jobRepo, barRepo, tracker, publisher, 5)
	sched := scheduler.New(jobRepo, tracker, worker, 100*time.Millisecond, 4)

	schedCtx, schedCancel := context.WithCancel(context.Background())
	schedDone := make(chan struct{})
	go func() {
		sched.Run(schedCtx)
		close(schedDone)
	}()
	t.Cleanup(func() {
		schedCancel()
		<-schedDone
	})

	api := httptest.NewServer(server.NewHandler(&server.Services{
		Scheduler: sched,
		Tracker:   tracker,
		Jobs:      jobSvc,
		Observer:  observer,
		Events:    publisher,
		Providers: rtr,
	}))
	t.Cleanup(api.Close)

	return &env{api: api, barRepo: barRepo}
}

func getJSON[T any](t *testing.T, url string) (int, T) {
	t.Helper()
	resp, err := http.Get(url) //nolint:gosec // test URL
	if err != nil {
		t.Fatalf("request %s: %v", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var result struct {
		Data T `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
	return resp.StatusCode, result.Data
}

func postJSON[T any](t *testing.T, url string) (int, T) {
	t.Helper()
	resp, err := http.Post(url, "application/json", nil) //nolint:gosec // test URL
	if err != nil {
		t.Fatalf("request %s: %v", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var result struct {
		Data T `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
	return resp.StatusCode, result.Data
}

// waitForRuns polls the runs endpoint until every run for the symbol reaches
// the wanted status and at least min runs exist.
func waitForRuns(t *testing.T, baseURL, symbol string, want job.Status, min int) []job.Run {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s runs to reach %s", symbol, want)
		case <-time.After(50 * time.Millisecond):
		}

		_, runs := getJSON[[]job.Run](t, baseURL+"/api/v1/runs?symbol="+symbol)
		if len(runs) < min {
			continue
		}
		done := true
		for _, r := range runs {
			if r.Status != want {
				done = false
				break
			}
		}
		if done {
			return runs
		}
	}
}

func TestEnsureCoverageRoundTrip(t *testing.T) {
	e := setupE2E(t)

	status, res := postJSON[scheduler.EnsureResult](t,
		e.api.URL+"/api/v1/coverage/AAPL?timeframe=1h&window=8h")
	if status != http.StatusAccepted {
		t.Fatalf("expected 202 for uncovered key, got %d", status)
	}
	if res.Status != scheduler.StatusGapsDetected || len(res.Gaps) != 1 {
		t.Fatalf("expected one whole-window gap, got %+v", res)
	}

	runs := waitForRuns(t, e.api.URL, "AAPL", job.StatusSuccess, 1)
	if runs[0].ProviderUsed != "yahoo" || runs[0].RowsWritten == 0 {
		t.Errorf("run outcome not recorded: %+v", runs[0])
	}

	// Bars landed exactly once despite idempotent re-scheduling.
	count, err := e.barRepo.CountBars(context.Background(), "AAPL", bar.Timeframe1h,
		time.Now().UTC().Add(-9*time.Hour), time.Now().UTC())
	if err != nil {
		t.Fatalf("count bars: %v", err)
	}
	if count != 8 {
		t.Errorf("expected 8 hourly bars for an 8h window, got %d", count)
	}

	// Coverage now spans the requested window.
	_, cov := getJSON[struct {
		Coverage *coverage.Status `json:"coverage"`
		Gaps     []interval.Range `json:"gaps"`
	}](t, e.api.URL+"/api/v1/coverage/AAPL?timeframe=1h")
	if cov.Coverage == nil || len(cov.Coverage.Intervals) == 0 {
		t.Fatalf("coverage not extended: %+v", cov)
	}
	span := cov.Coverage.Intervals[0].To.Sub(cov.Coverage.Intervals[0].From)
	if span < 8*time.Hour {
		t.Errorf("expected at least 8h of coverage, got %v", span)
	}

	// A second request for the same window is now ready.
	status, res = postJSON[scheduler.EnsureResult](t,
		e.api.URL+"/api/v1/coverage/AAPL?timeframe=1h&window=8h")
	if status != http.StatusOK || res.Status != scheduler.StatusReady {
		t.Errorf("expected ready on covered window, got %d %+v", status, res)
	}

	// Progress reflects the completed work.
	_, report := getJSON[progress.Report](t,
		e.api.URL+"/api/v1/progress?symbol=AAPL&timeframe=1h")
	if report.Counts.Success == 0 {
		t.Errorf("expected successful runs in progress report: %+v", report.Counts)
	}
	if len(report.Providers) == 0 || report.Providers[0].Provider != "yahoo" {
		t.Errorf("expected yahoo provider stats: %+v", report.Providers)
	}

	// The provider stayed healthy throughout.
	_, providers := getJSON[[]router.Health](t, e.api.URL+"/api/v1/providers")
	if len(providers) != 1 || !providers[0].Healthy {
		t.Errorf("expected healthy yahoo, got %+v", providers)
	}
}

func TestInvalidSymbolFailsPermanently(t *testing.T) {
	e := setupE2E(t)

	status, _ := postJSON[scheduler.EnsureResult](t,
		e.api.URL+"/api/v1/coverage/NOSUCH?timeframe=1h&window=4h")
	if status != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", status)
	}

	runs := waitForRuns(t, e.api.URL, "NOSUCH", job.StatusFailed, 1)
	if runs[0].ErrorCode != provider.CodeInvalidSymbol {
		t.Errorf("expected invalid_symbol, got %+v", runs[0])
	}
	if runs[0].Attempt != 1 {
		t.Errorf("permanent failure must not consume retries, attempt=%d", runs[0].Attempt)
	}

	// Permanent failure leaves the gap open; coverage never lies.
	_, cov := getJSON[struct {
		Coverage *coverage.Status `json:"coverage"`
		Gaps     []interval.Range `json:"gaps"`
	}](t, e.api.URL+"/api/v1/coverage/NOSUCH?timeframe=1h")
	if len(cov.Gaps) == 0 {
		t.Error("failed fetch must not close the coverage gap")
	}
}

func TestEnsureCoverageValidation(t *testing.T) {
	e := setupE2E(t)

	status, _ := postJSON[scheduler.EnsureResult](t,
		e.api.URL+"/api/v1/coverage/AAPL?timeframe=2w")
	if status != http.StatusBadRequest {
		t.Errorf("expected 400 for bad timeframe, got %d", status)
	}

	resp, err := http.Post(e.api.URL+"/api/v1/coverage/AAPL", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for missing timeframe, got %d", resp.StatusCode)
	}
}
