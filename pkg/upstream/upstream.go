// Package upstream models the services that feed facts into the store.
//
// Plays come from the catalog itself. Ratings, sales and comments come from
// services the catalog does not own; when one of them cannot be reached its
// metric family is reported as unavailable, or as estimated when a fallback
// applies.
package upstream

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/audira/catalog-metrics/pkg/metrics"
	"github.com/shopspring/decimal"
)

// Family groups the metrics supplied by one upstream service
type Family string

const (
	FamilyPlays     Family = "plays"
	FamilyRatings   Family = "ratings"
	FamilyCommerce  Family = "commerce"
	FamilyCommunity Family = "community"
)

// Families lists every family in a stable order
func Families() []Family {
	return []Family{FamilyPlays, FamilyRatings, FamilyCommerce, FamilyCommunity}
}

// FamilyOf returns the family that supplies facts of the given kind
func FamilyOf(kind metrics.Kind) Family {
	switch kind {
	case metrics.KindRating:
		return FamilyRatings
	case metrics.KindSale:
		return FamilyCommerce
	case metrics.KindComment:
		return FamilyCommunity
	default:
		return FamilyPlays
	}
}

// Status is how a family's numbers in a response were obtained
type Status string

const (
	StatusOK          Status = "ok"
	StatusUnavailable Status = "unavailable"
	StatusEstimated   Status = "estimated"
)

// Availability reports whether a family's upstream is currently feeding the
// store. Check returns an error wrapping metrics.ErrUpstreamUnavailable when
// it is not.
type Availability interface {
	Check(ctx context.Context, family Family) error
}

// Static is an Availability whose answers are set by hand
type Static struct {
	mu   sync.RWMutex
	down map[Family]bool
}

// NewStatic returns a Static with every family available
func NewStatic() *Static {
	return &Static{down: make(map[Family]bool)}
}

// SetDown marks a family unavailable (true) or available (false)
func (s *Static) SetDown(family Family, down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down[family] = down
}

// Check implements Availability
func (s *Static) Check(_ context.Context, family Family) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.down[family] {
		return fmt.Errorf("%s: %w", family, metrics.ErrUpstreamUnavailable)
	}
	return nil
}

// Combined is down for a family when any of its sources is
type Combined []Availability

// Check implements Availability
func (c Combined) Check(ctx context.Context, family Family) error {
	for _, a := range c {
		if err := a.Check(ctx, family); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot checks every family once
func Snapshot(ctx context.Context, a Availability) map[Family]error {
	out := make(map[Family]error, len(Families()))
	for _, f := range Families() {
		if a == nil {
			out[f] = nil
			continue
		}
		out[f] = a.Check(ctx, f)
	}
	return out
}

// Down returns the families of a snapshot that failed, sorted
func Down(snapshot map[Family]error) []Family {
	var out []Family
	for f, err := range snapshot {
		if err != nil {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Estimator derives commerce figures from plays when the commerce service is
// unavailable
type Estimator struct {
	// ConversionRate is the share of plays assumed to turn into a sale
	ConversionRate decimal.Decimal
	// UnitPrice is the revenue assumed per sale
	UnitPrice decimal.Decimal
}

// DefaultEstimator converts 10% of plays into sales at 0.99 each
func DefaultEstimator() Estimator {
	return Estimator{
		ConversionRate: decimal.RequireFromString("0.10"),
		UnitPrice:      decimal.RequireFromString("0.99"),
	}
}

// Estimate returns the estimated sales count and revenue for a play count.
// Sales are rounded down to whole sales.
func (e Estimator) Estimate(plays int64) (sales int64, revenue decimal.Decimal) {
	sales = decimal.NewFromInt(plays).Mul(e.ConversionRate).IntPart()
	revenue = decimal.NewFromInt(sales).Mul(e.UnitPrice).Round(2)
	return sales, revenue
}
