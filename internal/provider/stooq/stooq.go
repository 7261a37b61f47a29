// Package stooq implements a daily-bar provider backed by the Stooq CSV
// download endpoint. Stooq serves end-of-day data only, so it acts as the
// fallback provider for daily timeframes.
package stooq

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/quantfeed/barsync/internal/bar"
	"github.com/quantfeed/barsync/internal/provider"
)

const (
	defaultEndpoint = "https://stooq.com/q/d/l/"
	dateFormat      = "20060102"
)

type Provider struct {
	client   *http.Client
	endpoint string
}

func New(opts ...Option) *Provider {
	p := &Provider{
		client:   &http.Client{Timeout: 30 * time.Second},
		endpoint: defaultEndpoint,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

type Option func(*Provider)

func WithClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

func WithEndpoint(ep string) Option {
	return func(p *Provider) { p.endpoint = ep }
}

func (p *Provider) Name() string { return "stooq" }

func (p *Provider) Supports(tf bar.Timeframe) bool { return tf == bar.Timeframe1d }

func (p *Provider) FetchBars(ctx context.Context, symbol string, tf bar.Timeframe, from, to time.Time) ([]bar.Bar, error) {
	if symbol == "" {
		return nil, provider.Permanent(p.Name(), provider.CodeBadRequest, fmt.Errorf("symbol cannot be empty"))
	}
	if !p.Supports(tf) {
		return nil, provider.Permanent(p.Name(), provider.CodeBadRequest, fmt.Errorf("stooq serves daily bars only, got %s", tf))
	}
	if !from.Before(to) {
		return nil, provider.Permanent(p.Name(), provider.CodeBadRequest, fmt.Errorf("from must be before to"))
	}

	reqURL := fmt.Sprintf("%s?s=%s&d1=%s&d2=%s&i=d",
		p.endpoint,
		strings.ToLower(symbol),
		from.Format(dateFormat),
		to.Add(-time.Second).Format(dateFormat),
	)

	req, err := http.NewRequestWithContext(ctx, "GET", reqURL, nil)
	if err != nil {
		return nil, provider.Permanent(p.Name(), provider.CodeBadRequest, err)
	}

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
		return nil, provider.ClassifyStatus(p.Name(), res.StatusCode, res.Header,
			fmt.Errorf("stooq returned HTTP %d for %s", res.StatusCode, symbol))
	}

	bars, err := p.parseCSV(res.Body, symbol)
	if err != nil {
		return nil, err
	}

	slog.Info("retrieved stooq bars", "symbol", symbol,
		"from", from.Format(time.DateOnly), "to", to.Format(time.DateOnly),
		"count", len(bars))

	return bars, nil
}

// parseCSV reads the Date,Open,High,Low,Close,Volume download format.
// Stooq answers unknown symbols with a one-line "No data" body.
func (p *Provider) parseCSV(r io.Reader, symbol string) ([]bar.Bar, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	records, err := reader.ReadAll()
	if err != nil {
		return nil, provider.Transient(p.Name(), provider.CodeMalformed, fmt.Errorf("parse stooq csv: %w", err))
	}
	if len(records) == 0 {
		return nil, provider.Transient(p.Name(), provider.CodeMalformed, fmt.Errorf("empty stooq response"))
	}
	if strings.HasPrefix(strings.ToLower(records[0][0]), "no data") {
		return nil, provider.Permanent(p.Name(), provider.CodeInvalidSymbol, fmt.Errorf("stooq: no data for %s", symbol))
	}

	var bars []bar.Bar
	for i, rec := range records {
		if i == 0 || len(rec) < 6 {
			continue // header or short row
		}
		date, err := time.Parse(time.DateOnly, rec[0])
		if err != nil {
			continue
		}
		open, err1 := strconv.ParseFloat(rec[1], 64)
		high, err2 := strconv.ParseFloat(rec[2], 64)
		low, err3 := strconv.ParseFloat(rec[3], 64)
		closeVal, err4 := strconv.ParseFloat(rec[4], 64)
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
			continue
		}
		volume, _ := strconv.ParseFloat(rec[5], 64)

		bars = append(bars, bar.Bar{
			Symbol:    symbol,
			Timeframe: bar.Timeframe1d,
			Ts:        date.UTC(),
			Open:      open,
			High:      high,
			Low:       low,
			Close:     closeVal,
			Volume:    volume,
			Provider:  p.Name(),
		})
	}
	return bars, nil
}
