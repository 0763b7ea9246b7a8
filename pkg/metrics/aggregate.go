package metrics

import (
	"math"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
)

// Metric is a summable dimension of Totals
type Metric string

const (
	MetricPlays    Metric = "plays"
	MetricSales    Metric = "sales"
	MetricRevenue  Metric = "revenue"
	MetricComments Metric = "comments"
	MetricRatings  Metric = "ratings"
)

// AllMetrics lists every metric in a stable order
func AllMetrics() []Metric {
	return []Metric{MetricPlays, MetricSales, MetricRevenue, MetricComments, MetricRatings}
}

// Valid reports whether m is a known metric
func (m Metric) Valid() bool {
	switch m {
	case MetricPlays, MetricSales, MetricRevenue, MetricComments, MetricRatings:
		return true
	}
	return false
}

// Kind returns the fact kind a metric is derived from
func (m Metric) Kind() Kind {
	switch m {
	case MetricSales, MetricRevenue:
		return KindSale
	case MetricComments:
		return KindComment
	case MetricRatings:
		return KindRating
	default:
		return KindPlay
	}
}

// FromTotal reads the metric out of a running total of its kind
func (m Metric) FromTotal(t Total) decimal.Decimal {
	switch m {
	case MetricSales, MetricRatings:
		return decimal.NewFromInt(t.Facts)
	default:
		return t.Sum
	}
}

// Total is a running total for one (subject, kind): the number of facts
// recorded and the sum of their values
type Total struct {
	Facts int64           `json:"facts"`
	Sum   decimal.Decimal `json:"sum"`
}

// Add folds a fact value into the total
func (t Total) Add(value decimal.Decimal) Total {
	return Total{Facts: t.Facts + 1, Sum: t.Sum.Add(value)}
}

// Totals holds one value per metric family
type Totals struct {
	Plays         int64           `json:"plays"`
	Sales         int64           `json:"sales"`
	Revenue       decimal.Decimal `json:"revenue"`
	Comments      int64           `json:"comments"`
	RatingAverage float64         `json:"average_rating"`
	RatingCount   int64           `json:"rating_count"`
	RatingSum     decimal.Decimal `json:"-"`
}

// Apply folds a single fact into the totals
func (t *Totals) Apply(f Fact) {
	switch f.Kind {
	case KindPlay:
		t.Plays = addCount(t.Plays, countOf(f.Value))
	case KindSale:
		t.Sales = addCount(t.Sales, 1)
		t.Revenue = t.Revenue.Add(f.Value)
	case KindComment:
		t.Comments = addCount(t.Comments, countOf(f.Value))
	case KindRating:
		t.RatingCount = addCount(t.RatingCount, 1)
		t.RatingSum = t.RatingSum.Add(f.Value)
		t.RatingAverage = ratingAverage(t.RatingSum, t.RatingCount)
	}
}

// Add merges o into t. The rating average is weighted by rating count, so
// days or songs without ratings do not pull it towards zero.
func (t *Totals) Add(o Totals) {
	t.Plays = addCount(t.Plays, o.Plays)
	t.Sales = addCount(t.Sales, o.Sales)
	t.Revenue = t.Revenue.Add(o.Revenue)
	t.Comments = addCount(t.Comments, o.Comments)
	t.RatingCount = addCount(t.RatingCount, o.RatingCount)
	t.RatingSum = t.RatingSum.Add(o.RatingSum)
	t.RatingAverage = ratingAverage(t.RatingSum, t.RatingCount)
}

// TotalsOf converts a running total of one kind into Totals
func TotalsOf(kind Kind, t Total) Totals {
	var out Totals
	switch kind {
	case KindPlay:
		out.Plays = countOf(t.Sum)
	case KindSale:
		out.Sales = t.Facts
		out.Revenue = t.Sum
	case KindComment:
		out.Comments = countOf(t.Sum)
	case KindRating:
		out.RatingCount = t.Facts
		out.RatingSum = t.Sum
		out.RatingAverage = ratingAverage(t.Sum, t.Facts)
	}
	return out
}

// Value returns the summable value of a metric
func (t Totals) Value(m Metric) decimal.Decimal {
	switch m {
	case MetricSales:
		return decimal.NewFromInt(t.Sales)
	case MetricRevenue:
		return t.Revenue
	case MetricComments:
		return decimal.NewFromInt(t.Comments)
	case MetricRatings:
		return decimal.NewFromInt(t.RatingCount)
	default:
		return decimal.NewFromInt(t.Plays)
	}
}

var maxCount = decimal.NewFromInt(math.MaxInt64)

// countOf converts a non-negative count to int64, saturating at MaxInt64
func countOf(d decimal.Decimal) int64 {
	if d.GreaterThanOrEqual(maxCount) {
		return math.MaxInt64
	}
	return d.IntPart()
}

// addCount adds two non-negative counts, saturating at MaxInt64
func addCount(a, b int64) int64 {
	if a > math.MaxInt64-b {
		return math.MaxInt64
	}
	return a + b
}

func ratingAverage(sum decimal.Decimal, count int64) float64 {
	if count == 0 {
		return 0
	}
	return sum.DivRound(decimal.NewFromInt(count), 4).InexactFloat64()
}

// DailyAggregate is the rollup of every fact for one subject on one date
type DailyAggregate struct {
	Subject SubjectRef `json:"subject"`
	Date    civil.Date `json:"date"`
	Totals
}

// SumDaily adds up a series of daily aggregates
func SumDaily(days []DailyAggregate) Totals {
	var t Totals
	for _, d := range days {
		t.Add(d.Totals)
	}
	return t
}

// PeriodSummary rolls daily aggregates up over a range and compares every
// metric with the preceding range of equal length
type PeriodSummary struct {
	Subject  SubjectRef        `json:"subject"`
	Range    DateRange         `json:"range"`
	Totals   Totals            `json:"totals"`
	Previous Totals            `json:"previous_totals"`
	Growth   map[Metric]Growth `json:"growth"`
}

// NewPeriodSummary computes growth for every metric from current and previous totals
func NewPeriodSummary(subject SubjectRef, r DateRange, current, previous Totals) PeriodSummary {
	growth := make(map[Metric]Growth, len(AllMetrics()))
	for _, m := range AllMetrics() {
		growth[m] = GrowthOf(current.Value(m), previous.Value(m))
	}
	return PeriodSummary{
		Subject:  subject,
		Range:    r,
		Totals:   current,
		Previous: previous,
		Growth:   growth,
	}
}
