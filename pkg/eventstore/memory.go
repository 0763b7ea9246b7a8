package eventstore

import (
	"context"
	"iter"
	"sort"
	"sync"

	"cloud.google.com/go/civil"
	"github.com/audira/catalog-metrics/pkg/metrics"
	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// scanCheckEvery is how many facts FactsFor yields between context checks
const scanCheckEvery = 256

type totalKey struct {
	subject metrics.SubjectRef
	kind    metrics.Kind
}

// shard owns a disjoint set of subjects. All writes for a subject go through
// its shard lock.
type shard struct {
	mu     sync.RWMutex
	facts  map[metrics.SubjectRef][]metrics.Fact
	totals map[totalKey]metrics.Total
	seen   map[uuid.UUID]struct{}
}

func newShard() *shard {
	return &shard{
		facts:  make(map[metrics.SubjectRef][]metrics.Fact),
		totals: make(map[totalKey]metrics.Total),
		seen:   make(map[uuid.UUID]struct{}),
	}
}

// MemoryStore is an in-process Store partitioned by subject hash
type MemoryStore struct {
	opts      Options
	shards    []*shard
	listeners listeners

	cutoffMu     sync.RWMutex
	purgedBefore civil.Date
}

// NewMemoryStore creates an empty sharded store
func NewMemoryStore(opts Options) *MemoryStore {
	opts = opts.withDefaults()
	shards := make([]*shard, opts.Shards)
	for i := range shards {
		shards[i] = newShard()
	}
	return &MemoryStore{opts: opts, shards: shards}
}

func (s *MemoryStore) shardFor(subject metrics.SubjectRef) *shard {
	h := xxhash.Sum64String(subject.String())
	return s.shards[h%uint64(len(s.shards))]
}

// Append validates and records a fact
func (s *MemoryStore) Append(ctx context.Context, fact metrics.Fact) error {
	if err := metrics.ContextError(ctx); err != nil {
		return err
	}
	f, err := prepare(fact, s.opts)
	if err != nil {
		return err
	}

	sh := s.shardFor(f.Subject)
	sh.mu.Lock()
	// Read under the shard lock: a purge raises the cutoff before it visits
	// any shard
	if err := checkCutoff(f, s.cutoff()); err != nil {
		sh.mu.Unlock()
		return err
	}
	if _, dup := sh.seen[f.ID]; dup {
		sh.mu.Unlock()
		return nil
	}
	sh.seen[f.ID] = struct{}{}
	sh.facts[f.Subject] = insertOrdered(sh.facts[f.Subject], f)
	key := totalKey{subject: f.Subject, kind: f.Kind}
	sh.totals[key] = sh.totals[key].Add(f.Value)
	sh.mu.Unlock()

	s.listeners.notify(f.Subject, f.OccurredOn)
	return nil
}

// insertOrdered keeps list sorted by date with ties in insertion order.
// In-order facts are appended in place; late facts get a fresh backing array
// so snapshots held by readers never change under them.
func insertOrdered(list []metrics.Fact, f metrics.Fact) []metrics.Fact {
	n := len(list)
	if n == 0 || !f.OccurredOn.Before(list[n-1].OccurredOn) {
		return append(list, f)
	}
	i := sort.Search(n, func(i int) bool { return f.OccurredOn.Before(list[i].OccurredOn) })
	next := make([]metrics.Fact, 0, n+1)
	next = append(next, list[:i]...)
	next = append(next, f)
	next = append(next, list[i:]...)
	return next
}

// FactsFor yields the subject's facts inside the range
func (s *MemoryStore) FactsFor(ctx context.Context, subject metrics.SubjectRef, r metrics.DateRange) iter.Seq2[metrics.Fact, error] {
	return func(yield func(metrics.Fact, error) bool) {
		if err := metrics.ContextError(ctx); err != nil {
			yield(metrics.Fact{}, err)
			return
		}

		sh := s.shardFor(subject)
		sh.mu.RLock()
		list := sh.facts[subject]
		sh.mu.RUnlock()

		lo := sort.Search(len(list), func(i int) bool { return !list[i].OccurredOn.Before(r.Start) })
		for i := lo; i < len(list); i++ {
			if list[i].OccurredOn.After(r.End) {
				return
			}
			if (i-lo)%scanCheckEvery == scanCheckEvery-1 {
				if err := metrics.ContextError(ctx); err != nil {
					yield(metrics.Fact{}, err)
					return
				}
			}
			if !yield(list[i], nil) {
				return
			}
		}
	}
}

// TotalForSubject returns the running total without scanning facts
func (s *MemoryStore) TotalForSubject(ctx context.Context, subject metrics.SubjectRef, kind metrics.Kind) (metrics.Total, error) {
	if err := metrics.ContextError(ctx); err != nil {
		return metrics.Total{}, err
	}
	sh := s.shardFor(subject)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.totals[totalKey{subject: subject, kind: kind}], nil
}

func (s *MemoryStore) cutoff() civil.Date {
	s.cutoffMu.RLock()
	defer s.cutoffMu.RUnlock()
	return s.purgedBefore
}

func (s *MemoryStore) raiseCutoff(before civil.Date) {
	s.cutoffMu.Lock()
	defer s.cutoffMu.Unlock()
	if before.After(s.purgedBefore) {
		s.purgedBefore = before
	}
}

// Purge drops facts dated before the cutoff
func (s *MemoryStore) Purge(ctx context.Context, before civil.Date) (int, error) {
	if err := metrics.ContextError(ctx); err != nil {
		return 0, err
	}
	s.raiseCutoff(before)

	removed := 0
	for _, sh := range s.shards {
		if err := metrics.ContextError(ctx); err != nil {
			return removed, err
		}

		var changed []bucket
		sh.mu.Lock()
		for subject, list := range sh.facts {
			keep := sort.Search(len(list), func(i int) bool { return !list[i].OccurredOn.Before(before) })
			if keep == 0 {
				continue
			}
			for _, f := range list[:keep] {
				delete(sh.seen, f.ID)
				if n := len(changed); n == 0 || changed[n-1].subject != subject || changed[n-1].date != f.OccurredOn {
					changed = append(changed, bucket{subject: subject, date: f.OccurredOn})
				}
			}
			removed += keep
			if keep == len(list) {
				delete(sh.facts, subject)
				continue
			}
			sh.facts[subject] = append([]metrics.Fact(nil), list[keep:]...)
		}
		sh.mu.Unlock()

		for _, b := range changed {
			s.listeners.notify(b.subject, b.date)
		}
	}
	return removed, nil
}

// Subscribe registers a change listener
func (s *MemoryStore) Subscribe(fn Listener) {
	s.listeners.add(fn)
}

// Len returns the number of facts currently held
func (s *MemoryStore) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, list := range sh.facts {
			n += len(list)
		}
		sh.mu.RUnlock()
	}
	return n
}
