// Package yahoo implements a bar provider backed by the Yahoo Finance v8
// chart API, using cookie + crumb authentication in the style of the yfinance
// Python library.
package yahoo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quantfeed/barsync/internal/bar"
	"github.com/quantfeed/barsync/internal/interval"
	"github.com/quantfeed/barsync/internal/provider"
)

const (
	defaultChartEndpoint = "https://query2.finance.yahoo.com/v8/finance/chart"
	defaultCookieURL     = "https://fc.yahoo.com"
	defaultCrumbURL      = "https://query1.finance.yahoo.com/v1/test/getcrumb"
	userAgent            = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"
)

// intervals maps timeframes to Yahoo chart API interval strings.
var intervals = map[bar.Timeframe]string{
	bar.Timeframe1m:  "1m",
	bar.Timeframe5m:  "5m",
	bar.Timeframe15m: "15m",
	bar.Timeframe1h:  "1h",
	bar.Timeframe1d:  "1d",
}

// chunkSpans bounds a single chart request per timeframe; Yahoo rejects
// intraday queries over long spans.
var chunkSpans = map[bar.Timeframe]time.Duration{
	bar.Timeframe1m:  7 * 24 * time.Hour,
	bar.Timeframe5m:  30 * 24 * time.Hour,
	bar.Timeframe15m: 30 * 24 * time.Hour,
	bar.Timeframe1h:  100 * 24 * time.Hour,
	bar.Timeframe1d:  3000 * 24 * time.Hour,
}

// Provider fetches historical OHLCV bars from Yahoo Finance.
type Provider struct {
	workers       int
	client        *http.Client
	chartEndpoint string
	cookieURL     string
	crumbURL      string

	mu    sync.Mutex
	crumb string
}

// New creates a Provider with the given options applied.
func New(opts ...Option) *Provider {
	jar, _ := cookiejar.New(nil)
	p := &Provider{
		workers:       4,
		client:        &http.Client{Jar: jar, Timeout: 30 * time.Second},
		chartEndpoint: defaultChartEndpoint,
		cookieURL:     defaultCookieURL,
		crumbURL:      defaultCrumbURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Option configures a Provider.
type Option func(*Provider)

// WithWorkers sets the concurrency for parallel chunk fetching.
func WithWorkers(n int) Option {
	return func(p *Provider) { p.workers = n }
}

// WithClient sets the HTTP client. The client should have a cookie jar.
func WithClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// WithChartEndpoint overrides the default chart API endpoint.
func WithChartEndpoint(ep string) Option {
	return func(p *Provider) { p.chartEndpoint = ep }
}

// WithCookieURL overrides the URL used to obtain the session cookie.
func WithCookieURL(u string) Option {
	return func(p *Provider) { p.cookieURL = u }
}

// WithCrumbURL overrides the URL used to obtain the crumb token.
func WithCrumbURL(u string) Option {
	return func(p *Provider) { p.crumbURL = u }
}

func (p *Provider) Name() string { return "yahoo" }

func (p *Provider) Supports(tf bar.Timeframe) bool {
	_, ok := intervals[tf]
	return ok
}

// chartResponse represents the Yahoo Finance v8 chart API response.
type chartResponse struct {
	Chart struct {
		Result []struct {
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Open   []any `json:"open"`
					High   []any `json:"high"`
					Low    []any `json:"low"`
					Close  []any `json:"close"`
					Volume []any `json:"volume"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// FetchBars fetches bars for [from, to). Long windows are split into
// bounded chunks fetched in parallel. On a mid-fetch transient failure the
// bars gathered so far are returned alongside the error so the caller can
// persist the partial result.
func (p *Provider) FetchBars(ctx context.Context, symbol string, tf bar.Timeframe, from, to time.Time) ([]bar.Bar, error) {
	if symbol == "" {
		return nil, provider.Permanent(p.Name(), provider.CodeBadRequest, fmt.Errorf("symbol cannot be empty"))
	}
	if !p.Supports(tf) {
		return nil, provider.Permanent(p.Name(), provider.CodeBadRequest, fmt.Errorf("unsupported timeframe %s", tf))
	}
	if !from.Before(to) {
		return nil, provider.Permanent(p.Name(), provider.CodeBadRequest, fmt.Errorf("from must be before to"))
	}

	if err := p.ensureCrumb(ctx); err != nil {
		return nil, err
	}

	chunks := interval.Split(interval.Range{From: from, To: to}, chunkSpans[tf])

	results := make([][]bar.Bar, len(chunks))
	errs := make([]error, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)

	for i, c := range chunks {
		g.Go(func() error {
			bars, err := p.fetchChart(gctx, symbol, tf, c.From, c.To)
			results[i] = bars
			errs[i] = err
			if provider.IsPermanent(err) {
				return err // no point fetching the remaining chunks
			}
			return nil
		})
	}
	_ = g.Wait()

	// Keep the contiguous prefix of successful chunks; a hole in the middle
	// must not be reported as covered.
	var all []bar.Bar
	var firstErr error
	for i := range chunks {
		if errs[i] != nil {
			firstErr = errs[i]
			break
		}
		all = append(all, results[i]...)
	}
	return all, firstErr
}

// ensureCrumb fetches a session cookie and crumb token if not already cached.
func (p *Provider) ensureCrumb(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.crumb != "" {
		return nil
	}

	// Step 1: GET fc.yahoo.com to obtain a session cookie.
	cookieReq, err := http.NewRequestWithContext(ctx, "GET", p.cookieURL, nil)
	if err != nil {
		return provider.Permanent(p.Name(), provider.CodeBadRequest, fmt.Errorf("build cookie request: %w", err))
	}
	cookieReq.Header.Set("User-Agent", userAgent)

	cookieRes, err := p.client.Do(cookieReq) //nolint:gosec // URL from internal config
	if err != nil {
		return provider.Transient(p.Name(), provider.CodeNetwork, fmt.Errorf("fetch cookie: %w", err))
	}
	_ = cookieRes.Body.Close()

	// Step 2: GET crumb endpoint (cookie is sent automatically via jar).
	crumbReq, err := http.NewRequestWithContext(ctx, "GET", p.crumbURL, nil)
	if err != nil {
		return provider.Permanent(p.Name(), provider.CodeBadRequest, fmt.Errorf("build crumb request: %w", err))
	}
	crumbReq.Header.Set("User-Agent", userAgent)

	crumbRes, err := p.client.Do(crumbReq) //nolint:gosec // URL from internal config
	if err != nil {
		return provider.Transient(p.Name(), provider.CodeNetwork, fmt.Errorf("fetch crumb: %w", err))
	}
	defer func() { _ = crumbRes.Body.Close() }()

	if crumbRes.StatusCode != http.StatusOK {
		return provider.ClassifyStatus(p.Name(), crumbRes.StatusCode, crumbRes.Header,
			fmt.Errorf("crumb endpoint returned HTTP %d", crumbRes.StatusCode))
	}

	body, err := io.ReadAll(crumbRes.Body)
	if err != nil {
		return provider.Transient(p.Name(), provider.CodeNetwork, fmt.Errorf("read crumb: %w", err))
	}

	crumb := strings.TrimSpace(string(body))
	if crumb == "" {
		return provider.Transient(p.Name(), provider.CodeMalformed, fmt.Errorf("empty crumb received"))
	}

	p.crumb = crumb
	slog.Info("yahoo: obtained crumb", "crumb_len", len(crumb))
	return nil
}

// fetchChart fetches chart data for a single chunk.
func (p *Provider) fetchChart(ctx context.Context, symbol string, tf bar.Timeframe, from, to time.Time) ([]bar.Bar, error) {
	p.mu.Lock()
	crumb := p.crumb
	p.mu.Unlock()

	reqURL := fmt.Sprintf("%s/%s?period1=%s&period2=%s&interval=%s&events=div%%2Csplits&crumb=%s",
		p.chartEndpoint,
		symbol,
		strconv.FormatInt(from.Unix(), 10),
		strconv.FormatInt(to.Unix(), 10),
		intervals[tf],
		crumb,
	)

	req, err := http.NewRequestWithContext(ctx, "GET", reqURL, nil)
	if err != nil {
		return nil, provider.Permanent(p.Name(), provider.CodeBadRequest, err)
	}
	req.Header.Set("User-Agent", userAgent)

	res, err := p.client.Do(req) //nolint:gosec // URL built from internal config
	if err != nil {
		code := provider.CodeNetwork
		if ctx.Err() != nil {
			code = provider.CodeTimeout
		}
		return nil, provider.Transient(p.Name(), code, err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode != http.StatusOK {
		// Invalidate crumb on auth errors so the next fetch retries auth.
		if res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden {
			p.mu.Lock()
			p.crumb = ""
			p.mu.Unlock()
		}
		return nil, provider.ClassifyStatus(p.Name(), res.StatusCode, res.Header,
			fmt.Errorf("yahoo returned HTTP %d for %s", res.StatusCode, symbol))
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, provider.Transient(p.Name(), provider.CodeNetwork, err)
	}

	var resp chartResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, provider.Transient(p.Name(), provider.CodeMalformed, fmt.Errorf("parse yahoo response: %w", err))
	}

	if e := resp.Chart.Error; e != nil {
		err := fmt.Errorf("yahoo chart error: %s: %s", e.Code, e.Description)
		if e.Code == "Not Found" {
			return nil, provider.Permanent(p.Name(), provider.CodeInvalidSymbol, err)
		}
		return nil, provider.Transient(p.Name(), provider.CodeMalformed, err)
	}

	if len(resp.Chart.Result) == 0 {
		return nil, nil
	}

	result := resp.Chart.Result[0]
	if len(result.Indicators.Quote) == 0 {
		return nil, nil
	}

	quote := result.Indicators.Quote[0]
	n := len(result.Timestamp)
	bars := make([]bar.Bar, 0, n)
	for i := 0; i < n; i++ {
		closeVal, ok := toFloat64(at(quote.Close, i))
		if !ok {
			continue // Yahoo uses null for missing data points
		}
		openVal, _ := toFloat64(at(quote.Open, i))
		highVal, _ := toFloat64(at(quote.High, i))
		lowVal, _ := toFloat64(at(quote.Low, i))
		volVal, _ := toFloat64(at(quote.Volume, i))

		bars = append(bars, bar.Bar{
			Symbol:    symbol,
			Timeframe: tf,
			Ts:        time.Unix(result.Timestamp[i], 0).UTC(),
			Open:      openVal,
			High:      highVal,
			Low:       lowVal,
			Close:     closeVal,
			Volume:    volVal,
			Provider:  p.Name(),
		})
	}

	slog.Info("retrieved yahoo bars", "symbol", symbol, "timeframe", tf,
		"from", from.Format(time.RFC3339), "to", to.Format(time.RFC3339),
		"count", len(bars))

	return bars, nil
}

func at(vals []any, i int) any {
	if i < len(vals) {
		return vals[i]
	}
	return nil
}

// toFloat64 converts a JSON number (float64 or json.Number) to float64.
// Returns false for nil values.
func toFloat64(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
