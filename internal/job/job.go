package job

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/quantfeed/barsync/internal/bar"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final. Terminal runs are immutable.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusCancelled
}

// Definition is a recurring template describing what coverage to maintain for
// one (symbol, timeframe) pair. Definitions are never deleted while runs
// reference them; disable instead.
type Definition struct {
	ID            int64         `json:"id"`
	Symbol        string        `json:"symbol"`
	Timeframe     bar.Timeframe `json:"timeframe"`
	Priority      int           `json:"priority"`
	DesiredWindow time.Duration `json:"desiredWindow"`
	SliceSize     time.Duration `json:"sliceSize"`
	Enabled       bool          `json:"enabled"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// Run is one schedulable unit of work: fetch [SliceFrom, SliceTo) for a
// symbol and timeframe. A claimed run is owned exclusively by the worker that
// claimed it until it reaches a terminal status or is recovered as stale.
type Run struct {
	ID             int64         `json:"id"`
	DefinitionID   int64         `json:"definitionId"`
	Symbol         string        `json:"symbol"`
	Timeframe      bar.Timeframe `json:"timeframe"`
	SliceFrom      time.Time     `json:"sliceFrom"`
	SliceTo        time.Time     `json:"sliceTo"`
	IdempotencyKey string        `json:"idempotencyKey"`
	Status         Status        `json:"status"`
	Attempt        int           `json:"attempt"`
	ProviderUsed   string        `json:"providerUsed,omitempty"`
	RowsWritten    int64         `json:"rowsWritten"`
	ErrorCode      string        `json:"errorCode,omitempty"`
	ErrorMessage   string        `json:"errorMessage,omitempty"`
	EligibleAt     time.Time     `json:"eligibleAt"`
	CreatedAt      time.Time     `json:"createdAt"`
	StartedAt      *time.Time    `json:"startedAt,omitempty"`
	FinishedAt     *time.Time    `json:"finishedAt,omitempty"`
}

// IdempotencyHash is a deterministic fingerprint of a slice's identity, used
// to deduplicate scheduling across ticks and scheduler instances.
func IdempotencyHash(symbol string, tf bar.Timeframe, from, to time.Time) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%d|%d", symbol, tf, from.Unix(), to.Unix()))
	return hex.EncodeToString(sum[:])
}

const (
	backoffBase = time.Second
	backoffCap  = 60 * time.Second
)

// Backoff returns the delay before a run that has failed `attempt` times
// becomes eligible again: exponential from 1s, capped at 60s, ±20% jitter.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := backoffBase << (attempt - 1)
	if d > backoffCap || d <= 0 {
		d = backoffCap
	}
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * jitter)
}
