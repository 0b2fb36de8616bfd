// Package daterange generates bucket boundaries between two instants.
package daterange

import (
	"time"

	"eldorado/internal/model"
)

// DateRange returns every bucket start of tf in [start, end). Both ends are
// first truncated to the tf grid. start >= end yields an empty range.
func DateRange(start, end time.Time, tf model.TimeFrame) []time.Time {
	s, e := tf.Truncate(start), tf.Truncate(end)
	if !s.Before(e) {
		return nil
	}
	d := tf.Duration()
	out := make([]time.Time, 0, int(e.Sub(s)/d))
	for t := s; t.Before(e); t = t.Add(d) {
		out = append(out, t)
	}
	return out
}

// TruncMonth returns midnight UTC on the first day of t's month.
func TruncMonth(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// NextMonth returns the first instant of the month after t's month.
func NextMonth(t time.Time) time.Time {
	m := TruncMonth(t)
	if m.Month() == time.December {
		return time.Date(m.Year()+1, time.January, 1, 0, 0, 0, 0, time.UTC)
	}
	return time.Date(m.Year(), m.Month()+1, 1, 0, 0, 0, 0, time.UTC)
}

// MonthlyRange returns first-of-month boundaries in [start, end), both
// truncated to their month first.
func MonthlyRange(start, end time.Time) []time.Time {
	s, e := TruncMonth(start), TruncMonth(end)
	var out []time.Time
	for m := s; m.Before(e); m = NextMonth(m) {
		out = append(out, m)
	}
	return out
}

// Closed reports whether the bucket starting at b is over at now.
func Closed(b time.Time, tf model.TimeFrame, now time.Time) bool {
	return !b.Add(tf.Duration()).After(now)
}
