// Package metrics defines the shared vocabulary of the catalog metrics engine.
//
// # Overview
//
// A Fact is one immutable, dated observation (a play, sale, rating or comment)
// attributed to a Subject (song, album or artist). Facts are folded into
// per-day Totals (DailyAggregate) and per-range Totals (PeriodSummary), and a
// PeriodSummary compares itself with the immediately preceding window of equal
// length through Growth.
//
// # Growth
//
// Growth is either a percentage or "new": when the previous window had no
// activity and the current one had some, there is no meaningful percentage and
// the value marshals to the JSON string "new".
//
//	g := metrics.GrowthOf(decimal.NewFromInt(120), decimal.NewFromInt(100))
//	pct, ok := g.Percent() // 20, true
//
// # Errors
//
// The error taxonomy (ErrInvalidRange, ErrNotFound, ErrInvalidFact, ErrTimeout,
// ErrUpstreamUnavailable) is shared by every package; callers match with
// errors.Is.
package metrics
