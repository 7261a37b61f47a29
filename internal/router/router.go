// Package router selects a data provider for each fetch and fails over
// between providers when one degrades. Selection walks a configured
// preference order, skipping providers that do not support the requested
// timeframe or that are currently marked unhealthy.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/quantfeed/barsync/internal/bar"
	"github.com/quantfeed/barsync/internal/provider"
	"github.com/quantfeed/barsync/internal/ratelimit"
)

const (
	defaultUnhealthyAfter = 3
	defaultAcquireWait    = 15 * time.Second
)

type Router struct {
	registry *provider.Registry
	health   HealthStore
	limiter  *ratelimit.Limiter
	order    []string

	unhealthyAfter int
	acquireWait    time.Duration
	now            func() time.Time
}

func New(registry *provider.Registry, health HealthStore, limiter *ratelimit.Limiter, order []string, opts ...Option) *Router {
	r := &Router{
		registry:       registry,
		health:         health,
		limiter:        limiter,
		order:          order,
		unhealthyAfter: defaultUnhealthyAfter,
		acquireWait:    defaultAcquireWait,
		now:            time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

type Option func(*Router)

// WithUnhealthyAfter sets how many consecutive transient failures mark a
// provider unhealthy.
func WithUnhealthyAfter(n int) Option {
	return func(r *Router) { r.unhealthyAfter = n }
}

// WithAcquireWait bounds how long a fetch may wait on a provider's rate
// limiter before moving to the next candidate.
func WithAcquireWait(d time.Duration) Option {
	return func(r *Router) { r.acquireWait = d }
}

// Fetch retrieves bars for the half-open window [from, to) from the first
// provider that can serve it. Transient failures fail over to the next
// candidate; permanent failures stop the walk immediately since retrying a
// different provider cannot fix a bad symbol or request. A transient failure
// that still produced bars is returned as a partial result without failover
// so the caller can persist what arrived.
func (r *Router) Fetch(ctx context.Context, symbol string, tf bar.Timeframe, from, to time.Time) ([]bar.Bar, string, error) {
	candidates, err := r.candidates(ctx, tf)
	if err != nil {
		return nil, "", err
	}

	var lastErr error
	for _, p := range candidates {
		name := p.Name()

		if err := r.limiter.Acquire(ctx, name, r.acquireWait); err != nil {
			if ctx.Err() != nil {
				return nil, "", err
			}
			// Budget exhausted is deferral, not provider failure: the
			// slice stays queued and health is untouched.
			slog.Debug("provider rate budget exhausted", "provider", name)
			lastErr = provider.Transient(name, provider.CodeRateLimited, err)
			continue
		}

		bars, fetchErr := p.FetchBars(ctx, symbol, tf, from, to)
		if fetchErr == nil {
			if err := r.health.RecordSuccess(ctx, name, r.now()); err != nil {
				slog.Warn("record provider success", "provider", name, "error", err)
			}
			return bars, name, nil
		}

		if pe, ok := provider.AsError(fetchErr); ok && pe.Code == provider.CodeRateLimited && pe.RetryAfter > 0 {
			r.limiter.PauseUntil(name, r.now().Add(pe.RetryAfter))
		}

		if provider.IsPermanent(fetchErr) {
			return nil, name, fetchErr
		}

		if err := r.health.RecordFailure(ctx, name, r.now(), r.unhealthyAfter); err != nil {
			slog.Warn("record provider failure", "provider", name, "error", err)
		}

		if len(bars) > 0 {
			// Partial window arrived before the upstream degraded. Hand
			// it back rather than refetching the same rows elsewhere.
			return bars, name, fetchErr
		}

		slog.Info("provider failed, trying next", "provider", name, "symbol", symbol, "error", fetchErr)
		lastErr = fetchErr
	}

	if lastErr == nil {
		lastErr = provider.Transient("", provider.CodeNetwork,
			fmt.Errorf("no provider available for timeframe %s", tf))
	}
	return nil, "", lastErr
}

// Statuses reports health for every configured provider, including ones
// that have no recorded history yet.
func (r *Router) Statuses(ctx context.Context) ([]Health, error) {
	known, err := r.health.All(ctx)
	if err != nil {
		return nil, err
	}

	byName := make(map[string]Health, len(known))
	for _, h := range known {
		byName[h.Provider] = h
	}

	out := make([]Health, 0, len(r.order))
	for _, name := range r.order {
		if h, ok := byName[name]; ok {
			out = append(out, h)
			continue
		}
		out = append(out, Health{Provider: name, Healthy: true})
	}
	return out, nil
}

// candidates returns providers able to serve tf, healthy ones first in
// preference order. When every candidate is unhealthy they are all retried,
// least recently failed first, so a recovered upstream can heal its record.
func (r *Router) candidates(ctx context.Context, tf bar.Timeframe) ([]provider.Provider, error) {
	type candidate struct {
		p provider.Provider
		h *Health
	}
	var supported []candidate

	for _, name := range r.order {
		p, err := r.registry.Get(name)
		if err != nil {
			return nil, err
		}
		if !p.Supports(tf) {
			continue
		}
		h, err := r.health.Get(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("load provider health: %w", err)
		}
		supported = append(supported, candidate{p: p, h: h})
	}

	if len(supported) == 0 {
		return nil, provider.Permanent("", provider.CodeBadRequest,
			errors.New("no configured provider supports timeframe "+string(tf)))
	}

	var healthy []provider.Provider
	for _, c := range supported {
		if c.h.Healthy {
			healthy = append(healthy, c.p)
		}
	}
	if len(healthy) > 0 {
		return healthy, nil
	}

	sort.SliceStable(supported, func(i, j int) bool {
		return failedAt(supported[i].h).Before(failedAt(supported[j].h))
	})
	out := make([]provider.Provider, len(supported))
	for i, c := range supported {
		out[i] = c.p
	}
	return out, nil
}

func failedAt(h *Health) time.Time {
	if h.LastFailureAt == nil {
		return time.Time{}
	}
	return *h.LastFailureAt
}
