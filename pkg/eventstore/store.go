// Package eventstore records metric facts and serves them back per subject.
//
// Two implementations share the Store contract: MemoryStore, a sharded
// in-process store with one writer lock per shard, and PostgresStore, which
// keeps facts and running totals in the same transaction.
//
// Readers never wait for writers. FactsFor iterates a snapshot taken when
// iteration starts, so it may miss facts appended while it runs.
//
// Purge leaves a watermark behind. Facts dated before the latest purge
// cutoff are rejected with metrics.ErrInvalidFact, so a purged fact that is
// delivered again cannot be counted twice in the running totals.
package eventstore

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"sync"

	"cloud.google.com/go/civil"
	"github.com/audira/catalog-metrics/pkg/metrics"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// DefaultCurrency is the reporting currency used when none is configured
const DefaultCurrency = "USD"

// Store is an append-only record of metric facts
type Store interface {
	// Append validates and records a fact. A fact whose ID was already
	// recorded is accepted and ignored.
	Append(ctx context.Context, fact metrics.Fact) error

	// FactsFor yields the subject's facts inside the range, ordered by date and
	// then by insertion order. Each call starts a fresh iteration.
	FactsFor(ctx context.Context, subject metrics.SubjectRef, r metrics.DateRange) iter.Seq2[metrics.Fact, error]

	// TotalForSubject returns the all-time running total for one kind
	TotalForSubject(ctx context.Context, subject metrics.SubjectRef, kind metrics.Kind) (metrics.Total, error)

	// Purge drops facts dated before the cutoff and rejects later appends
	// dated before it. Running totals are kept.
	Purge(ctx context.Context, before civil.Date) (int, error)

	// Subscribe registers a listener called after every change to a
	// (subject, date) bucket
	Subscribe(fn Listener)
}

// Listener is notified after the facts for a subject on a date changed
type Listener func(subject metrics.SubjectRef, date civil.Date)

// Options configures a store
type Options struct {
	// Shards is the number of lock partitions of the memory store
	Shards int
	// Currency is the reporting currency for sale facts
	Currency string
	// Clock supplies the ingestion date
	Clock clockwork.Clock
}

// DefaultOptions returns sensible defaults
func DefaultOptions() Options {
	return Options{
		Shards:   64,
		Currency: DefaultCurrency,
		Clock:    clockwork.NewRealClock(),
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Shards <= 0 {
		o.Shards = d.Shards
	}
	if o.Currency == "" {
		o.Currency = d.Currency
	}
	if o.Clock == nil {
		o.Clock = d.Clock
	}
	return o
}

// prepare validates a fact and fills in its ID and currency
func prepare(f metrics.Fact, opts Options) (metrics.Fact, error) {
	if err := f.Validate(metrics.Today(opts.Clock.Now())); err != nil {
		return metrics.Fact{}, err
	}
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	if f.Kind == metrics.KindSale {
		f.Currency = strings.ToUpper(f.Currency)
		if f.Currency == "" {
			f.Currency = opts.Currency
		}
		if f.Currency != opts.Currency {
			return metrics.Fact{}, invalidCurrency(f.Currency, opts.Currency)
		}
	} else {
		f.Currency = ""
	}
	return f, nil
}

type bucket struct {
	subject metrics.SubjectRef
	date    civil.Date
}

// listeners fans change notifications out to subscribers
type listeners struct {
	mu  sync.RWMutex
	fns []Listener
}

func (l *listeners) add(fn Listener) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fns = append(l.fns, fn)
}

func (l *listeners) notify(subject metrics.SubjectRef, date civil.Date) {
	l.mu.RLock()
	fns := l.fns
	l.mu.RUnlock()
	for _, fn := range fns {
		fn(subject, date)
	}
}

func errSeq(err error) iter.Seq2[metrics.Fact, error] {
	return func(yield func(metrics.Fact, error) bool) {
		yield(metrics.Fact{}, err)
	}
}

// Collect drains a fact sequence into a slice, stopping at the first error
func Collect(seq iter.Seq2[metrics.Fact, error]) ([]metrics.Fact, error) {
	var facts []metrics.Fact
	for f, err := range seq {
		if err != nil {
			return nil, err
		}
		facts = append(facts, f)
	}
	return facts, nil
}

// checkCutoff rejects facts the retention janitor has already purged
func checkCutoff(f metrics.Fact, purgedBefore civil.Date) error {
	if f.OccurredOn.Before(purgedBefore) {
		return fmt.Errorf("%w: %s fact dated %s is before the retention cutoff %s",
			metrics.ErrInvalidFact, f.Kind, f.OccurredOn, purgedBefore)
	}
	return nil
}

func invalidCurrency(got, want string) error {
	return fmt.Errorf("%w: currency %s does not match reporting currency %s", metrics.ErrInvalidFact, got, want)
}
