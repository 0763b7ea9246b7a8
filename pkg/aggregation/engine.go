// Package aggregation folds metric facts into daily aggregates, period
// summaries, growth figures and artist rollups.
//
// Daily aggregates for past dates are cached. The engine subscribes to the
// event store and drops the cached bucket whenever a fact for that subject and
// date lands or is purged. Today's bucket is still moving and is never cached.
package aggregation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"cloud.google.com/go/civil"
	"github.com/audira/catalog-metrics/pkg/eventstore"
	"github.com/audira/catalog-metrics/pkg/metrics"
	"github.com/audira/catalog-metrics/pkg/observability"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// maxCachedDays bounds the ranges served through the cache. Longer scans go
// straight to the store.
const maxCachedDays = 400

// Options configures an Engine
type Options struct {
	// Cache holds finished daily aggregates. Defaults to an in-process LRU.
	Cache Cache
	// Concurrency bounds how many songs a rollup folds at once
	Concurrency int
	// FoldTimeout bounds a fold shared between callers. It runs apart from
	// any one caller's context.
	FoldTimeout time.Duration
	Clock       clockwork.Clock
	Logger      *observability.Logger
}

// DefaultOptions returns sensible defaults
func DefaultOptions() Options {
	return Options{
		Cache:       NewLRUCache(8192, 15*time.Minute),
		Concurrency: 8,
		FoldTimeout: 5 * time.Second,
		Clock:       clockwork.NewRealClock(),
		Logger:      observability.NewLogger(observability.InfoLevel, nil),
	}
}

// Engine computes aggregates on demand from an event store
type Engine struct {
	store       eventstore.Store
	cache       Cache
	clock       clockwork.Clock
	logger      *observability.Logger
	concurrency int
	foldTimeout time.Duration

	flight      singleflight.Group
	generations sync.Map // metrics.SubjectRef -> *atomic.Uint64
}

// NewEngine creates an engine and subscribes it to store changes
func NewEngine(store eventstore.Store, opts Options) *Engine {
	d := DefaultOptions()
	if opts.Cache == nil {
		opts.Cache = d.Cache
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = d.Concurrency
	}
	if opts.FoldTimeout <= 0 {
		opts.FoldTimeout = d.FoldTimeout
	}
	if opts.Clock == nil {
		opts.Clock = d.Clock
	}
	if opts.Logger == nil {
		opts.Logger = d.Logger
	}

	e := &Engine{
		store:       store,
		cache:       opts.Cache,
		clock:       opts.Clock,
		logger:      opts.Logger,
		concurrency: opts.Concurrency,
		foldTimeout: opts.FoldTimeout,
	}
	store.Subscribe(e.invalidate)
	return e
}

func (e *Engine) generation(subject metrics.SubjectRef) *atomic.Uint64 {
	v, _ := e.generations.LoadOrStore(subject, new(atomic.Uint64))
	return v.(*atomic.Uint64)
}

// invalidate is the store listener. The generation bump happens before the
// delete so a fill that raced with this change can detect it.
func (e *Engine) invalidate(subject metrics.SubjectRef, date civil.Date) {
	e.generation(subject).Add(1)
	key := Key{Subject: subject, Date: date}
	if err := e.cache.Delete(context.Background(), key); err != nil {
		e.logger.WithError(err).WithField("key", key.String()).Warn("Failed to invalidate cached aggregate")
	}
}

// DailyAggregates returns one aggregate per date in [start, end], zero-filled
// for dates without facts
func (e *Engine) DailyAggregates(ctx context.Context, subject metrics.SubjectRef, start, end civil.Date) ([]metrics.DailyAggregate, error) {
	r, err := metrics.NewDateRange(start, end)
	if err != nil {
		return nil, err
	}
	return e.daily(ctx, subject, r)
}

func (e *Engine) daily(ctx context.Context, subject metrics.SubjectRef, r metrics.DateRange) ([]metrics.DailyAggregate, error) {
	today := metrics.Today(e.clock.Now())
	out := make([]metrics.DailyAggregate, r.Days())
	useCache := len(out) <= maxCachedDays

	var missing []int
	for i := range out {
		date := r.Start.AddDays(i)
		out[i] = metrics.DailyAggregate{Subject: subject, Date: date}
		if useCache && date.Before(today) {
			if agg, err := e.cache.Get(ctx, Key{Subject: subject, Date: date}); err == nil {
				out[i] = agg
				continue
			}
		}
		missing = append(missing, i)
	}
	if len(missing) == 0 {
		return out, nil
	}

	span := metrics.DateRange{Start: out[missing[0]].Date, End: out[missing[len(missing)-1]].Date}
	folded, err := e.foldShared(ctx, subject, span, today, useCache)
	if err != nil {
		return nil, err
	}
	for _, i := range missing {
		out[i] = folded[out[i].Date.DaysSince(span.Start)]
	}
	return out, nil
}

// foldShared collapses concurrent folds of the same subject and span. The
// fold keeps running when the caller that started it gives up; each caller
// waits only as long as its own context allows.
func (e *Engine) foldShared(ctx context.Context, subject metrics.SubjectRef, span metrics.DateRange, today civil.Date, fill bool) ([]metrics.DailyAggregate, error) {
	if err := metrics.ContextError(ctx); err != nil {
		return nil, err
	}
	ch := e.flight.DoChan(subject.String()+"|"+span.String(), func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.foldTimeout)
		defer cancel()
		return e.fold(fctx, subject, span, today, fill)
	})
	select {
	case <-ctx.Done():
		return nil, metrics.ContextError(ctx)
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]metrics.DailyAggregate), nil
	}
}

func (e *Engine) fold(ctx context.Context, subject metrics.SubjectRef, span metrics.DateRange, today civil.Date, fill bool) ([]metrics.DailyAggregate, error) {
	gen := e.generation(subject)
	before := gen.Load()

	days := make([]metrics.DailyAggregate, span.Days())
	for i := range days {
		days[i] = metrics.DailyAggregate{Subject: subject, Date: span.Start.AddDays(i)}
	}
	for f, err := range e.store.FactsFor(ctx, subject, span) {
		if err != nil {
			return nil, err
		}
		days[f.OccurredOn.DaysSince(span.Start)].Apply(f)
	}

	if !fill || gen.Load() != before {
		return days, nil
	}
	var stored []Key
	for _, d := range days {
		if !d.Date.Before(today) {
			break
		}
		key := Key{Subject: subject, Date: d.Date}
		if err := e.cache.Set(ctx, key, d); err != nil {
			e.logger.WithError(err).WithField("key", key.String()).Debug("Failed to cache aggregate")
			continue
		}
		stored = append(stored, key)
	}
	// A fact landed while we were filling; what we stored may predate it
	if gen.Load() != before {
		for _, key := range stored {
			_ = e.cache.Delete(ctx, key)
		}
	}
	return days, nil
}

// SubjectTotals folds every fact in [start, end] into one set of totals
// without materializing daily buckets
func (e *Engine) SubjectTotals(ctx context.Context, subject metrics.SubjectRef, start, end civil.Date) (metrics.Totals, error) {
	r, err := metrics.NewDateRange(start, end)
	if err != nil {
		return metrics.Totals{}, err
	}
	var t metrics.Totals
	for f, err := range e.store.FactsFor(ctx, subject, r) {
		if err != nil {
			return metrics.Totals{}, err
		}
		t.Apply(f)
	}
	return t, nil
}

// PeriodSummary totals [start, end] and compares it with the preceding
// window of equal length
func (e *Engine) PeriodSummary(ctx context.Context, subject metrics.SubjectRef, start, end civil.Date) (metrics.PeriodSummary, error) {
	r, err := metrics.NewDateRange(start, end)
	if err != nil {
		return metrics.PeriodSummary{}, err
	}

	var current, previous []metrics.DailyAggregate
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		current, err = e.daily(gctx, subject, r)
		return err
	})
	g.Go(func() (err error) {
		previous, err = e.daily(gctx, subject, r.Previous())
		return err
	})
	if err := g.Wait(); err != nil {
		return metrics.PeriodSummary{}, err
	}

	return metrics.NewPeriodSummary(subject, r, metrics.SumDaily(current), metrics.SumDaily(previous)), nil
}

// GrowthPercentage compares one metric over [start, end] with the preceding
// window of equal length
func (e *Engine) GrowthPercentage(ctx context.Context, subject metrics.SubjectRef, metric metrics.Metric, start, end civil.Date) (metrics.Growth, error) {
	if !metric.Valid() {
		return metrics.Growth{}, fmt.Errorf("unknown metric %q", metric)
	}
	summary, err := e.PeriodSummary(ctx, subject, start, end)
	if err != nil {
		return metrics.Growth{}, err
	}
	return summary.Growth[metric], nil
}

// SongTotals is one song's contribution to a rollup
type SongTotals struct {
	SongID int64          `json:"song_id"`
	Totals metrics.Totals `json:"totals"`
}

// Rollup sums an artist's songs over a range
type Rollup struct {
	ArtistID int64                    `json:"artist_id"`
	Daily    []metrics.DailyAggregate `json:"daily"`
	Summary  metrics.PeriodSummary    `json:"summary"`
	// Songs is ordered by song id
	Songs []SongTotals `json:"songs"`
	// MostPlayed is nil when the artist has no songs
	MostPlayed *SongTotals `json:"most_played,omitempty"`
}

// ArtistRollup sums the daily aggregates of the given songs over [start, end]
// and over the preceding window for growth. The most played song is the one
// with the highest plays in range, ties going to the lowest id.
func (e *Engine) ArtistRollup(ctx context.Context, artistID int64, songIDs []int64, start, end civil.Date) (Rollup, error) {
	r, err := metrics.NewDateRange(start, end)
	if err != nil {
		return Rollup{}, err
	}
	ids := uniqueSorted(songIDs)
	prev := r.Previous()
	n := r.Days()

	// Each song is read once over [prev.Start, r.End] and split afterwards
	perSong := make([][]metrics.DailyAggregate, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i, id := range ids {
		g.Go(func() (err error) {
			defer observability.RecoverToError(e.logger, "song rollup", &err)
			perSong[i], err = e.daily(gctx, metrics.Song(id), metrics.DateRange{Start: prev.Start, End: r.End})
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return Rollup{}, err
	}

	artist := metrics.Artist(artistID)
	rollup := Rollup{
		ArtistID: artistID,
		Daily:    make([]metrics.DailyAggregate, n),
		Songs:    make([]SongTotals, len(ids)),
	}
	for i := range rollup.Daily {
		rollup.Daily[i] = metrics.DailyAggregate{Subject: artist, Date: r.Start.AddDays(i)}
	}

	var current, previous metrics.Totals
	for i, days := range perSong {
		song := SongTotals{SongID: ids[i]}
		for j, d := range days {
			if j < n {
				previous.Add(d.Totals)
				continue
			}
			rollup.Daily[j-n].Add(d.Totals)
			song.Totals.Add(d.Totals)
		}
		current.Add(song.Totals)
		rollup.Songs[i] = song

		if rollup.MostPlayed == nil || song.Totals.Plays > rollup.MostPlayed.Totals.Plays {
			best := song
			rollup.MostPlayed = &best
		}
	}

	rollup.Summary = metrics.NewPeriodSummary(artist, r, current, previous)
	return rollup, nil
}

func uniqueSorted(ids []int64) []int64 {
	out := append([]int64(nil), ids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	w := 0
	for i, id := range out {
		if i > 0 && id == out[w-1] {
			continue
		}
		out[w] = id
		w++
	}
	return out[:w]
}
