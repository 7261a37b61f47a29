// Package progress fans out run lifecycle events to in-process subscribers.
// Delivery is best effort: publishing never blocks the worker that produced
// the event, and a subscriber that stops draining loses events rather than
// stalling fetches.
package progress

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantfeed/barsync/internal/bar"
	"github.com/quantfeed/barsync/internal/job"
)

const subscriberBuffer = 64

// Event describes one run status transition.
type Event struct {
	ID          string        `json:"id"`
	JobRunID    int64         `json:"jobRunId"`
	Symbol      string        `json:"symbol"`
	Timeframe   bar.Timeframe `json:"timeframe"`
	Status      job.Status    `json:"status"`
	Attempt     int           `json:"attempt"`
	Provider    string        `json:"provider,omitempty"`
	RowsWritten int64         `json:"rowsWritten"`
	Error       string        `json:"error,omitempty"`
	At          time.Time     `json:"at"`
}

// FromRun builds the event for a run's current state.
func FromRun(r *job.Run) Event {
	return Event{
		ID:          uuid.NewString(),
		JobRunID:    r.ID,
		Symbol:      r.Symbol,
		Timeframe:   r.Timeframe,
		Status:      r.Status,
		Attempt:     r.Attempt,
		Provider:    r.ProviderUsed,
		RowsWritten: r.RowsWritten,
		Error:       r.ErrorMessage,
		At:          time.Now().UTC(),
	}
}

type Publisher struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

func NewPublisher() *Publisher {
	return &Publisher{subs: make(map[chan Event]struct{})}
}

// Subscribe returns a buffered channel receiving future events. The caller
// must Unsubscribe when done or the channel leaks.
func (p *Publisher) Subscribe() chan Event {
	ch := make(chan Event, subscriberBuffer)
	p.mu.Lock()
	p.subs[ch] = struct{}{}
	p.mu.Unlock()
	return ch
}

func (p *Publisher) Unsubscribe(ch chan Event) {
	p.mu.Lock()
	if _, ok := p.subs[ch]; ok {
		delete(p.subs, ch)
		close(ch)
	}
	p.mu.Unlock()
}

// Publish delivers ev to every subscriber without blocking. A full subscriber
// buffer drops the event for that subscriber only.
func (p *Publisher) Publish(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	for ch := range p.subs {
		select {
		case ch <- ev:
		default:
			slog.Debug("progress subscriber full, dropping event",
				"event", ev.ID, "run", ev.JobRunID)
		}
	}
}

// SubscriberCount reports how many channels are currently attached.
func (p *Publisher) SubscriberCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subs)
}
