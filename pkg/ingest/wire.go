package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"cloud.google.com/go/civil"
	"github.com/audira/catalog-metrics/pkg/metrics"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var validate = newValidator()

// newValidator reports fields by their JSON names
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// factNamespace derives stable fact ids from message coordinates, so a
// redelivered message is recognised as a duplicate
var factNamespace = uuid.MustParse("4f6c7a1e-2b9d-4c35-9a0e-6d1f8e2b7c40")

// WireFact is the JSON shape facts arrive in, on Kafka and over HTTP
type WireFact struct {
	ID          string `json:"id,omitempty" validate:"omitempty,uuid"`
	SubjectType string `json:"subject_type" validate:"required,oneof=song album artist"`
	SubjectID   int64  `json:"subject_id" validate:"required,gt=0"`
	Kind        string `json:"kind" validate:"required,oneof=play sale rating comment"`
	OccurredOn  string `json:"occurred_on" validate:"required,datetime=2006-01-02"`
	Value       string `json:"value" validate:"required,numeric,max=32"`
	Currency    string `json:"currency,omitempty" validate:"omitempty,len=3,alpha"`
	Source      string `json:"source,omitempty" validate:"omitempty,max=64"`
}

// Fact validates the wire shape and converts it. Every failure wraps
// metrics.ErrInvalidFact. Range checks that depend on the ingestion date are
// left to the store.
func (w WireFact) Fact() (metrics.Fact, error) {
	if err := validate.Struct(w); err != nil {
		return metrics.Fact{}, fmt.Errorf("%w: %w", metrics.ErrInvalidFact, err)
	}
	on, err := civil.ParseDate(w.OccurredOn)
	if err != nil {
		return metrics.Fact{}, fmt.Errorf("%w: occurred_on: %v", metrics.ErrInvalidFact, err)
	}
	value, err := decimal.NewFromString(w.Value)
	if err != nil {
		return metrics.Fact{}, fmt.Errorf("%w: value: %v", metrics.ErrInvalidFact, err)
	}
	var id uuid.UUID
	if w.ID != "" {
		id = uuid.MustParse(w.ID)
	}
	return metrics.Fact{
		ID:         id,
		Subject:    metrics.SubjectRef{Type: metrics.SubjectType(w.SubjectType), ID: w.SubjectID},
		Kind:       metrics.Kind(w.Kind),
		OccurredOn: on,
		Value:      value,
		Currency:   w.Currency,
		Source:     w.Source,
	}, nil
}

// FieldErrors maps each wire field a conversion error rejected to the rule it
// broke. It is empty for errors not raised by field validation.
func FieldErrors(err error) map[string]string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	out := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		out[fe.Field()] = fe.Tag()
	}
	return out
}

// DecodeFact parses a JSON wire fact
func DecodeFact(data []byte) (metrics.Fact, error) {
	var w WireFact
	if err := json.Unmarshal(data, &w); err != nil {
		return metrics.Fact{}, fmt.Errorf("%w: %v", metrics.ErrInvalidFact, err)
	}
	return w.Fact()
}

// MessageFactID is the id given to a fact that arrived without one
func MessageFactID(topic string, partition int, offset int64) uuid.UUID {
	return uuid.NewSHA1(factNamespace, []byte(fmt.Sprintf("%s/%d/%d", topic, partition, offset)))
}
