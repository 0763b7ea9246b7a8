package metrics

import (
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MaxRating is the highest score a rating fact may carry
const MaxRating = 5

// ValueScale is the number of decimal places a fact value may carry
const ValueScale = 4

// MaxValue is the largest value a single fact may carry. It is the largest
// NUMERIC(18, 4), and well inside int64 for counts.
var MaxValue = decimal.RequireFromString("99999999999999.9999")

// SubjectType identifies what a fact is attributed to
type SubjectType string

const (
	SubjectSong   SubjectType = "song"
	SubjectAlbum  SubjectType = "album"
	SubjectArtist SubjectType = "artist"
)

// Valid reports whether t is a known subject type
func (t SubjectType) Valid() bool {
	switch t {
	case SubjectSong, SubjectAlbum, SubjectArtist:
		return true
	}
	return false
}

// SubjectRef points at a song, album or artist
type SubjectRef struct {
	Type SubjectType `json:"type"`
	ID   int64       `json:"id"`
}

// Song returns a reference to the song with the given id
func Song(id int64) SubjectRef { return SubjectRef{Type: SubjectSong, ID: id} }

// Album returns a reference to the album with the given id
func Album(id int64) SubjectRef { return SubjectRef{Type: SubjectAlbum, ID: id} }

// Artist returns a reference to the artist with the given id
func Artist(id int64) SubjectRef { return SubjectRef{Type: SubjectArtist, ID: id} }

func (s SubjectRef) String() string {
	return fmt.Sprintf("%s:%d", s.Type, s.ID)
}

// Kind is the dimension a fact measures
type Kind string

const (
	KindPlay    Kind = "play"
	KindSale    Kind = "sale"
	KindRating  Kind = "rating"
	KindComment Kind = "comment"
)

// Kinds lists every fact kind in a stable order
func Kinds() []Kind {
	return []Kind{KindPlay, KindSale, KindRating, KindComment}
}

// Valid reports whether k is a known kind
func (k Kind) Valid() bool {
	switch k {
	case KindPlay, KindSale, KindRating, KindComment:
		return true
	}
	return false
}

// Fact is one immutable, dated observation for a subject.
//
// Value holds a count for plays and comments, the revenue amount of a single
// sale, or the score of a single rating.
type Fact struct {
	ID         uuid.UUID       `json:"id"`
	Subject    SubjectRef      `json:"subject"`
	Kind       Kind            `json:"kind"`
	OccurredOn civil.Date      `json:"occurred_on"`
	Value      decimal.Decimal `json:"value"`
	Currency   string          `json:"currency,omitempty"`
	Source     string          `json:"source,omitempty"`
}

// Validate checks the fact against the ingestion rules. today is the
// ingestion date; facts dated after it are rejected.
func (f Fact) Validate(today civil.Date) error {
	if !f.Subject.Type.Valid() {
		return invalidFact("unknown subject type %q", f.Subject.Type)
	}
	if f.Subject.ID <= 0 {
		return invalidFact("subject id must be positive, got %d", f.Subject.ID)
	}
	if !f.Kind.Valid() {
		return invalidFact("unknown kind %q", f.Kind)
	}
	if !f.OccurredOn.IsValid() {
		return invalidFact("invalid date %v", f.OccurredOn)
	}
	if f.OccurredOn.After(today) {
		return invalidFact("occurred_on %s is after %s", f.OccurredOn, today)
	}
	if f.Value.IsNegative() {
		return invalidFact("negative %s value %s", f.Kind, f.Value)
	}
	if f.Value.GreaterThan(MaxValue) {
		return invalidFact("%s value %s exceeds %s", f.Kind, f.Value, MaxValue)
	}
	if !f.Value.Equal(f.Value.Truncate(ValueScale)) {
		return invalidFact("%s value %s has more than %d decimal places", f.Kind, f.Value, ValueScale)
	}

	switch f.Kind {
	case KindPlay, KindComment:
		if !f.Value.Equal(f.Value.Truncate(0)) {
			return invalidFact("%s count must be an integer, got %s", f.Kind, f.Value)
		}
	case KindRating:
		if f.Value.GreaterThan(decimal.NewFromInt(MaxRating)) {
			return invalidFact("rating %s exceeds %d", f.Value, MaxRating)
		}
	}
	return nil
}

// DateRange is an inclusive range of calendar dates
type DateRange struct {
	Start civil.Date `json:"start_date"`
	End   civil.Date `json:"end_date"`
}

// NewDateRange builds a range, failing with ErrInvalidRange when start is
// after end
func NewDateRange(start, end civil.Date) (DateRange, error) {
	if !start.IsValid() || !end.IsValid() {
		return DateRange{}, fmt.Errorf("%w: invalid date", ErrInvalidRange)
	}
	if start.After(end) {
		return DateRange{}, fmt.Errorf("%w: start %s is after end %s", ErrInvalidRange, start, end)
	}
	return DateRange{Start: start, End: end}, nil
}

// TrailingWindow returns the range of the given number of days ending on end
func TrailingWindow(end civil.Date, days int) DateRange {
	if days < 1 {
		days = 1
	}
	return DateRange{Start: end.AddDays(-(days - 1)), End: end}
}

// Days returns the number of dates in the range
func (r DateRange) Days() int {
	return r.End.DaysSince(r.Start) + 1
}

// Contains reports whether d falls inside the range
func (r DateRange) Contains(d civil.Date) bool {
	return !d.Before(r.Start) && !d.After(r.End)
}

// Previous returns the window of equal length that ends the day before r starts
func (r DateRange) Previous() DateRange {
	n := r.Days()
	return DateRange{Start: r.Start.AddDays(-n), End: r.Start.AddDays(-1)}
}

func (r DateRange) String() string {
	return r.Start.String() + ".." + r.End.String()
}

// Today returns the UTC calendar date of t
func Today(t time.Time) civil.Date {
	return civil.DateOf(t.UTC())
}

// Epoch is the earliest date used for open-ended scans
var Epoch = civil.Date{Year: 1970, Month: time.January, Day: 1}
