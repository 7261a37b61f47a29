// Package coverage tracks which time ranges are known-complete per
// (symbol, timeframe). It is a derived cache over successful job runs: it can
// always be rebuilt from run history and is never the source of truth for
// whether a slice was fetched.
package coverage

import (
	"time"

	"github.com/quantfeed/barsync/internal/bar"
	"github.com/quantfeed/barsync/internal/interval"
)

type Status struct {
	Symbol        string           `json:"symbol"`
	Timeframe     bar.Timeframe    `json:"timeframe"`
	Intervals     []interval.Range `json:"intervals"`
	LastSuccessAt *time.Time       `json:"lastSuccessAt,omitempty"`
	LastProvider  string           `json:"lastProvider,omitempty"`
}

// Covered reports whether the want range is fully covered.
func (s *Status) Covered(want interval.Range) bool {
	return len(interval.NewSet(s.Intervals...).Gaps(want)) == 0
}
