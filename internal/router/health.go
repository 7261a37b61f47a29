package router

import (
	"context"
	"time"
)

// Health is the per-provider failure ledger. It is a derived cache rebuilt
// from call outcomes; a provider with no row is presumed healthy.
type Health struct {
	Provider            string     `json:"provider"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	LastFailureAt       *time.Time `json:"lastFailureAt,omitempty"`
	LastSuccessAt       *time.Time `json:"lastSuccessAt,omitempty"`
	Healthy             bool       `json:"healthy"`
}

type HealthStore interface {
	Get(ctx context.Context, providerName string) (*Health, error)
	All(ctx context.Context) ([]Health, error)
	// RecordSuccess resets consecutive failures and marks the provider
	// healthy.
	RecordSuccess(ctx context.Context, providerName string, at time.Time) error
	// RecordFailure increments consecutive failures; the provider is marked
	// unhealthy once the count reaches unhealthyAfter.
	RecordFailure(ctx context.Context, providerName string, at time.Time, unhealthyAfter int) error
}
