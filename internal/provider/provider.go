package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/quantfeed/barsync/internal/bar"
)

// Provider fetches OHLCV bars from one upstream market-data source.
type Provider interface {
	Name() string
	// Supports reports whether the provider can serve the timeframe at all;
	// asking an unsupported provider is pointless, not an error.
	Supports(tf bar.Timeframe) bool
	FetchBars(ctx context.Context, symbol string, tf bar.Timeframe, from, to time.Time) ([]bar.Bar, error)
}

type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
	}
}

func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider not found: %s", name)
	}
	return p, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}
