package metrics

import (
	"bytes"
	"encoding/json"
	"math"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// growthNew is the JSON form of a growth that cannot be expressed as a percentage
const growthNew = "new"

// Growth is the change of a metric against the previous window.
//
// The zero value is the "new" marker: the previous window was empty and the
// current one was not.
type Growth struct {
	percent    float64
	computable bool
}

// GrowthOf compares current with previous. Both zero yields 0%; previous zero
// and current non-zero yields the "new" marker.
func GrowthOf(current, previous decimal.Decimal) Growth {
	if previous.IsZero() {
		if current.IsZero() {
			return Growth{computable: true}
		}
		return Growth{}
	}
	pct := current.Sub(previous).Div(previous).Mul(hundred)
	return Growth{percent: pct.InexactFloat64(), computable: true}
}

// Percent returns the growth percentage and whether it is computable
func (g Growth) Percent() (float64, bool) {
	return g.percent, g.computable
}

// IsNew reports whether the metric had no activity in the previous window
func (g Growth) IsNew() bool {
	return !g.computable
}

func (g Growth) String() string {
	if !g.computable {
		return growthNew
	}
	return decimal.NewFromFloat(g.percent).StringFixed(2) + "%"
}

// MarshalJSON renders a percentage rounded to two decimals, or "new"
func (g Growth) MarshalJSON() ([]byte, error) {
	if !g.computable {
		return json.Marshal(growthNew)
	}
	return json.Marshal(math.Round(g.percent*100) / 100)
}

// UnmarshalJSON accepts the forms produced by MarshalJSON
func (g *Growth) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte(`"`+growthNew+`"`)) {
		*g = Growth{}
		return nil
	}
	var pct float64
	if err := json.Unmarshal(data, &pct); err != nil {
		return err
	}
	*g = Growth{percent: pct, computable: true}
	return nil
}
