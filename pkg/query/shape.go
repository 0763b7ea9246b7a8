package query

import (
	"github.com/audira/catalog-metrics/pkg/metrics"
	"github.com/audira/catalog-metrics/pkg/upstream"
	"github.com/shopspring/decimal"
)

// shape keeps the families that are served and estimates commerce when
// asked to
func (d Degradation) shape(t metrics.Totals, est *upstream.Estimator) FamilyTotals {
	plays := t.Plays
	out := FamilyTotals{Plays: &plays}

	switch d.Families[upstream.FamilyCommerce] {
	case upstream.StatusOK:
		sales, revenue := t.Sales, t.Revenue
		out.Sales, out.Revenue = &sales, &revenue
	case upstream.StatusEstimated:
		sales, revenue := est.Estimate(t.Plays)
		out.Sales, out.Revenue = &sales, &revenue
	}

	if d.Families[upstream.FamilyRatings] == upstream.StatusOK {
		avg, count := t.RatingAverage, t.RatingCount
		out.AverageRating, out.Ratings = &avg, &count
	}
	if d.Families[upstream.FamilyCommunity] == upstream.StatusOK {
		comments := t.Comments
		out.Comments = &comments
	}
	return out
}

// growth compares current with previous for every metric that is served
func (d Degradation) growth(current, previous metrics.Totals, est *upstream.Estimator) map[metrics.Metric]metrics.Growth {
	cur, prev := d.shape(current, est), d.shape(previous, est)
	out := make(map[metrics.Metric]metrics.Growth)
	for _, m := range metrics.AllMetrics() {
		c, ok := cur.value(m)
		if !ok {
			continue
		}
		p, _ := prev.value(m)
		out[m] = metrics.GrowthOf(c, p)
	}
	return out
}

// value reads a summable metric, reporting false when its family is omitted
func (f FamilyTotals) value(m metrics.Metric) (decimal.Decimal, bool) {
	var n *int64
	switch m {
	case metrics.MetricPlays:
		n = f.Plays
	case metrics.MetricSales:
		n = f.Sales
	case metrics.MetricComments:
		n = f.Comments
	case metrics.MetricRatings:
		n = f.Ratings
	case metrics.MetricRevenue:
		if f.Revenue == nil {
			return decimal.Zero, false
		}
		return *f.Revenue, true
	}
	if n == nil {
		return decimal.Zero, false
	}
	return decimal.NewFromInt(*n), true
}
