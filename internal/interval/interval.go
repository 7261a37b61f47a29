// Package interval provides half-open time ranges [From, To) and a disjoint
// interval set used to track which parts of a coverage window are complete.
package interval

import (
	"sort"
	"time"
)

type Range struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

func (r Range) IsZero() bool { return r.From.IsZero() && r.To.IsZero() }

func (r Range) Duration() time.Duration { return r.To.Sub(r.From) }

// Contains reports whether r fully covers other.
func (r Range) Contains(other Range) bool {
	return !r.From.After(other.From) && !r.To.Before(other.To)
}

// overlapsOrTouches reports whether two ranges overlap or are adjacent, in
// which case they can be merged into one.
func (r Range) overlapsOrTouches(other Range) bool {
	return !r.From.After(other.To) && !other.From.After(r.To)
}

// Split breaks r into sub-ranges of at most size each. The last sub-range may
// be shorter. Returns nil for an empty range or non-positive size.
func Split(r Range, size time.Duration) []Range {
	if size <= 0 || !r.From.Before(r.To) {
		return nil
	}

	var out []Range
	for cur := r.From; cur.Before(r.To); cur = cur.Add(size) {
		end := cur.Add(size)
		if end.After(r.To) {
			end = r.To
		}
		out = append(out, Range{From: cur, To: end})
	}
	return out
}

// Set is a sorted list of disjoint, non-adjacent ranges. The zero value is an
// empty set. Set is not safe for concurrent use; callers hold their own lock.
type Set struct {
	ranges []Range
}

func NewSet(ranges ...Range) *Set {
	s := &Set{}
	for _, r := range ranges {
		s.Add(r)
	}
	return s
}

func (s *Set) Ranges() []Range {
	out := make([]Range, len(s.ranges))
	copy(out, s.ranges)
	return out
}

func (s *Set) Len() int { return len(s.ranges) }

// Add merges r into the set, coalescing with any overlapping or adjacent
// ranges. Completion order does not matter; out-of-order backfill produces
// the same set as in-order fills.
func (s *Set) Add(r Range) {
	if !r.From.Before(r.To) {
		return
	}

	merged := r
	rest := s.ranges[:0]
	for _, existing := range s.ranges {
		if existing.overlapsOrTouches(merged) {
			if existing.From.Before(merged.From) {
				merged.From = existing.From
			}
			if existing.To.After(merged.To) {
				merged.To = existing.To
			}
			continue
		}
		rest = append(rest, existing)
	}

	s.ranges = append(rest, merged)
	sort.Slice(s.ranges, func(i, j int) bool {
		return s.ranges[i].From.Before(s.ranges[j].From)
	})
}

// Gaps returns the sub-ranges of want not covered by the set, in ascending
// order. An empty result means want is fully covered.
func (s *Set) Gaps(want Range) []Range {
	if !want.From.Before(want.To) {
		return nil
	}

	var gaps []Range
	cursor := want.From
	for _, r := range s.ranges {
		if !r.To.After(cursor) {
			continue // entirely before the cursor
		}
		if !r.From.Before(want.To) {
			break // entirely after the window
		}
		if r.From.After(cursor) {
			gaps = append(gaps, Range{From: cursor, To: minTime(r.From, want.To)})
		}
		if r.To.After(cursor) {
			cursor = r.To
		}
		if !cursor.Before(want.To) {
			return gaps
		}
	}
	if cursor.Before(want.To) {
		gaps = append(gaps, Range{From: cursor, To: want.To})
	}
	return gaps
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
