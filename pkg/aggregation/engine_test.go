package aggregation

import (
	"context"
	"io"
	"iter"
	"sync/atomic"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/audira/catalog-metrics/pkg/eventstore"
	"github.com/audira/catalog-metrics/pkg/metrics"
	"github.com/audira/catalog-metrics/pkg/observability"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, time.February, 10, 15, 0, 0, 0, time.UTC)

func day(d int) civil.Date {
	return civil.Date{Year: 2024, Month: time.February, Day: d}
}

type fixture struct {
	store  *eventstore.MemoryStore
	cache  *LRUCache
	engine *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(testNow)
	store := eventstore.NewMemoryStore(eventstore.Options{Shards: 4, Clock: clock})
	cache := NewLRUCache(1024, time.Hour)
	engine := NewEngine(store, Options{
		Cache:       cache,
		Concurrency: 2,
		Clock:       clock,
		Logger:      observability.NewLogger(observability.ErrorLevel, io.Discard),
	})
	return &fixture{store: store, cache: cache, engine: engine}
}

func (f *fixture) add(t *testing.T, subject metrics.SubjectRef, kind metrics.Kind, on civil.Date, value string) {
	t.Helper()
	require.NoError(t, f.store.Append(context.Background(), metrics.Fact{
		Subject:    subject,
		Kind:       kind,
		OccurredOn: on,
		Value:      decimal.RequireFromString(value),
	}))
}

func TestDailyAggregates_OneEntryPerDate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.add(t, metrics.Song(1), metrics.KindPlay, day(3), "4")
	f.add(t, metrics.Song(1), metrics.KindPlay, day(3), "6")
	f.add(t, metrics.Song(1), metrics.KindSale, day(5), "0.99")
	f.add(t, metrics.Song(1), metrics.KindComment, day(7), "2")

	days, err := f.engine.DailyAggregates(ctx, metrics.Song(1), day(1), day(9))
	require.NoError(t, err)
	require.Len(t, days, 9)

	for i, d := range days {
		assert.Equal(t, day(i+1), d.Date, "no gaps")
		assert.Equal(t, metrics.Song(1), d.Subject)
	}
	assert.Equal(t, int64(10), days[2].Plays)
	assert.Equal(t, int64(1), days[4].Sales)
	assert.True(t, days[4].Revenue.Equal(decimal.RequireFromString("0.99")))
	assert.Equal(t, int64(2), days[6].Comments)
	assert.Equal(t, metrics.Totals{}, days[0].Totals, "empty days are zero-filled")
}

func TestDailyAggregates_SingleDayAndInvalidRange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	days, err := f.engine.DailyAggregates(ctx, metrics.Song(1), day(4), day(4))
	require.NoError(t, err)
	assert.Len(t, days, 1)

	_, err = f.engine.DailyAggregates(ctx, metrics.Song(1), day(10), day(1))
	assert.ErrorIs(t, err, metrics.ErrInvalidRange)
}

func TestPeriodSummary_Additive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for d, plays := range map[int]string{1: "3", 2: "5", 4: "7", 9: "11"} {
		f.add(t, metrics.Song(1), metrics.KindPlay, day(d), plays)
	}

	ranges := [][2]int{{1, 9}, {2, 4}, {5, 8}, {9, 9}}
	for _, rg := range ranges {
		days, err := f.engine.DailyAggregates(ctx, metrics.Song(1), day(rg[0]), day(rg[1]))
		require.NoError(t, err)
		summary, err := f.engine.PeriodSummary(ctx, metrics.Song(1), day(rg[0]), day(rg[1]))
		require.NoError(t, err)

		var sum int64
		for _, d := range days {
			sum += d.Plays
		}
		assert.Equal(t, sum, summary.Totals.Plays, "range %v", rg)
	}
}

func TestPeriodSummary_WeightedRatingAverage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.add(t, metrics.Song(1), metrics.KindRating, day(2), "5")
	f.add(t, metrics.Song(1), metrics.KindRating, day(2), "3")
	f.add(t, metrics.Song(1), metrics.KindRating, day(4), "5")

	summary, err := f.engine.PeriodSummary(ctx, metrics.Song(1), day(1), day(5))
	require.NoError(t, err)

	// Day averages 4.0 (x2) and 5.0 (x1); days without ratings do not count
	assert.InDelta(t, 13.0/3.0, summary.Totals.RatingAverage, 0.0001)
	assert.Equal(t, int64(3), summary.Totals.RatingCount)
}

func TestPeriodSummary_GrowthAgainstPreviousWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	// Previous window for [6, 9] is [2, 5]
	f.add(t, metrics.Song(1), metrics.KindPlay, day(3), "20")
	f.add(t, metrics.Song(1), metrics.KindPlay, day(7), "30")
	f.add(t, metrics.Song(1), metrics.KindSale, day(8), "1.50")

	summary, err := f.engine.PeriodSummary(ctx, metrics.Song(1), day(6), day(9))
	require.NoError(t, err)

	assert.Equal(t, int64(20), summary.Previous.Plays)
	pct, ok := summary.Growth[metrics.MetricPlays].Percent()
	assert.True(t, ok)
	assert.InDelta(t, 50.0, pct, 0.0001)
	assert.True(t, summary.Growth[metrics.MetricSales].IsNew())
	pct, ok = summary.Growth[metrics.MetricComments].Percent()
	assert.True(t, ok)
	assert.Zero(t, pct)
}

func TestGrowthPercentage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	g, err := f.engine.GrowthPercentage(ctx, metrics.Song(1), metrics.MetricPlays, day(6), day(9))
	require.NoError(t, err)
	pct, ok := g.Percent()
	assert.True(t, ok)
	assert.Zero(t, pct, "0 -> 0 is zero growth")

	f.add(t, metrics.Song(1), metrics.KindPlay, day(8), "1")
	g, err = f.engine.GrowthPercentage(ctx, metrics.Song(1), metrics.MetricPlays, day(6), day(9))
	require.NoError(t, err)
	assert.True(t, g.IsNew(), "0 -> n is not computable")

	_, err = f.engine.GrowthPercentage(ctx, metrics.Song(1), metrics.Metric("skips"), day(6), day(9))
	assert.Error(t, err)

	_, err = f.engine.GrowthPercentage(ctx, metrics.Song(1), metrics.MetricPlays, day(9), day(6))
	assert.ErrorIs(t, err, metrics.ErrInvalidRange)
}

func TestEngine_CacheInvalidatedOnAppend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.add(t, metrics.Song(1), metrics.KindPlay, day(2), "1")

	days, err := f.engine.DailyAggregates(ctx, metrics.Song(1), day(1), day(3))
	require.NoError(t, err)
	assert.Equal(t, int64(1), days[1].Plays)
	assert.Equal(t, int64(3), f.cache.Stats().ItemCount)

	_, err = f.engine.DailyAggregates(ctx, metrics.Song(1), day(1), day(3))
	require.NoError(t, err)
	assert.Equal(t, int64(3), f.cache.Stats().Hits)

	f.add(t, metrics.Song(1), metrics.KindPlay, day(2), "5")
	assert.Equal(t, int64(2), f.cache.Stats().ItemCount, "only the touched bucket is dropped")

	days, err = f.engine.DailyAggregates(ctx, metrics.Song(1), day(1), day(3))
	require.NoError(t, err)
	assert.Equal(t, int64(6), days[1].Plays)
}

func TestEngine_TodayIsNotCached(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.add(t, metrics.Song(1), metrics.KindPlay, day(10), "1")

	days, err := f.engine.DailyAggregates(ctx, metrics.Song(1), day(9), day(10))
	require.NoError(t, err)
	assert.Equal(t, int64(1), days[1].Plays)
	assert.Equal(t, int64(1), f.cache.Stats().ItemCount)

	_, err = f.cache.Get(ctx, Key{Subject: metrics.Song(1), Date: day(10)})
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestEngine_PurgeInvalidates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.add(t, metrics.Song(1), metrics.KindPlay, day(1), "4")

	days, err := f.engine.DailyAggregates(ctx, metrics.Song(1), day(1), day(1))
	require.NoError(t, err)
	assert.Equal(t, int64(4), days[0].Plays)

	_, err = f.store.Purge(ctx, day(2))
	require.NoError(t, err)

	days, err = f.engine.DailyAggregates(ctx, metrics.Song(1), day(1), day(1))
	require.NoError(t, err)
	assert.Zero(t, days[0].Plays)
}

func TestEngine_StoreTimeout(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), -time.Second)
	defer cancel()

	_, err := f.engine.DailyAggregates(ctx, metrics.Song(1), day(1), day(3))
	assert.ErrorIs(t, err, metrics.ErrTimeout)
}

// gatedStore holds every scan until the gate opens
type gatedStore struct {
	eventstore.Store
	gate    chan struct{}
	started chan struct{}
	scans   atomic.Int32
}

func (s *gatedStore) FactsFor(ctx context.Context, subject metrics.SubjectRef, r metrics.DateRange) iter.Seq2[metrics.Fact, error] {
	return func(yield func(metrics.Fact, error) bool) {
		if s.scans.Add(1) == 1 {
			close(s.started)
		}
		select {
		case <-s.gate:
		case <-ctx.Done():
			yield(metrics.Fact{}, metrics.ContextError(ctx))
			return
		}
		for f, err := range s.Store.FactsFor(ctx, subject, r) {
			if !yield(f, err) {
				return
			}
		}
	}
}

func TestEngine_CancelledCallerDoesNotFailSharedFold(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testNow)
	inner := eventstore.NewMemoryStore(eventstore.Options{Shards: 4, Clock: clock})
	require.NoError(t, inner.Append(context.Background(), metrics.Fact{
		Subject: metrics.Song(1), Kind: metrics.KindPlay, OccurredOn: day(2), Value: decimal.NewFromInt(7),
	}))
	store := &gatedStore{Store: inner, gate: make(chan struct{}), started: make(chan struct{})}
	engine := NewEngine(store, Options{
		Cache:  NoCache{},
		Clock:  clock,
		Logger: observability.NewLogger(observability.ErrorLevel, io.Discard),
	})

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := engine.DailyAggregates(ctxA, metrics.Song(1), day(1), day(3))
		errA <- err
	}()
	<-store.started

	type result struct {
		days []metrics.DailyAggregate
		err  error
	}
	resB := make(chan result, 1)
	go func() {
		days, err := engine.DailyAggregates(context.Background(), metrics.Song(1), day(1), day(3))
		resB <- result{days, err}
	}()
	// Let B join the fold A started
	time.Sleep(50 * time.Millisecond)

	cancelA()
	select {
	case err := <-errA:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled caller kept waiting")
	}

	close(store.gate)
	select {
	case res := <-resB:
		require.NoError(t, res.err)
		require.Len(t, res.days, 3)
		assert.Equal(t, int64(7), res.days[1].Plays)
	case <-time.After(2 * time.Second):
		t.Fatal("second caller never got the shared fold")
	}
	assert.Equal(t, int32(1), store.scans.Load(), "both callers shared one scan")
}

func TestEngine_SharedFoldHasItsOwnTimeout(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testNow)
	inner := eventstore.NewMemoryStore(eventstore.Options{Shards: 4, Clock: clock})
	store := &gatedStore{Store: inner, gate: make(chan struct{}), started: make(chan struct{})}
	engine := NewEngine(store, Options{
		Cache:       NoCache{},
		FoldTimeout: 20 * time.Millisecond,
		Clock:       clock,
		Logger:      observability.NewLogger(observability.ErrorLevel, io.Discard),
	})

	_, err := engine.DailyAggregates(context.Background(), metrics.Song(1), day(1), day(3))
	assert.ErrorIs(t, err, metrics.ErrTimeout)
}

func TestSubjectTotals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.add(t, metrics.Song(1), metrics.KindPlay, day(1), "4")
	f.add(t, metrics.Song(1), metrics.KindPlay, day(9), "6")
	f.add(t, metrics.Song(1), metrics.KindSale, day(9), "2.00")

	totals, err := f.engine.SubjectTotals(ctx, metrics.Song(1), metrics.Epoch, day(10))
	require.NoError(t, err)
	assert.Equal(t, int64(10), totals.Plays)
	assert.Equal(t, int64(1), totals.Sales)

	totals, err = f.engine.SubjectTotals(ctx, metrics.Song(1), metrics.Epoch, day(5))
	require.NoError(t, err)
	assert.Equal(t, int64(4), totals.Plays)
}

func TestArtistRollup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.add(t, metrics.Song(2), metrics.KindPlay, day(6), "10")
	f.add(t, metrics.Song(1), metrics.KindPlay, day(7), "4")
	f.add(t, metrics.Song(1), metrics.KindPlay, day(8), "6")
	f.add(t, metrics.Song(3), metrics.KindPlay, day(8), "5")
	f.add(t, metrics.Song(3), metrics.KindPlay, day(2), "8") // previous window

	rollup, err := f.engine.ArtistRollup(ctx, 42, []int64{3, 2, 1, 2}, day(6), day(9))
	require.NoError(t, err)

	assert.Equal(t, int64(42), rollup.ArtistID)
	require.Len(t, rollup.Daily, 4)
	assert.Equal(t, metrics.Artist(42), rollup.Daily[0].Subject)
	assert.Equal(t, int64(10), rollup.Daily[0].Plays)
	assert.Equal(t, int64(11), rollup.Daily[2].Plays)

	require.Len(t, rollup.Songs, 3, "duplicate ids are counted once")
	assert.Equal(t, []int64{1, 2, 3}, []int64{rollup.Songs[0].SongID, rollup.Songs[1].SongID, rollup.Songs[2].SongID})

	assert.Equal(t, int64(25), rollup.Summary.Totals.Plays)
	assert.Equal(t, int64(8), rollup.Summary.Previous.Plays)
	assert.Equal(t, rollup.Summary.Totals.Plays, metrics.SumDaily(rollup.Daily).Plays)

	require.NotNil(t, rollup.MostPlayed)
	assert.Equal(t, int64(1), rollup.MostPlayed.SongID, "songs 1 and 2 tie on 10 plays; lowest id wins")
	assert.Equal(t, int64(10), rollup.MostPlayed.Totals.Plays)

	for i := 0; i < 5; i++ {
		again, err := f.engine.ArtistRollup(ctx, 42, []int64{2, 1, 3}, day(6), day(9))
		require.NoError(t, err)
		assert.Equal(t, int64(1), again.MostPlayed.SongID)
	}
}

func TestArtistRollup_NoSongs(t *testing.T) {
	f := newFixture(t)

	rollup, err := f.engine.ArtistRollup(context.Background(), 42, nil, day(1), day(3))
	require.NoError(t, err)
	assert.Nil(t, rollup.MostPlayed)
	assert.Empty(t, rollup.Songs)
	assert.Len(t, rollup.Daily, 3)
	assert.False(t, rollup.Summary.Growth[metrics.MetricPlays].IsNew())
}

func TestArtistRollup_InvalidRange(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.ArtistRollup(context.Background(), 42, []int64{1}, day(10), day(1))
	assert.ErrorIs(t, err, metrics.ErrInvalidRange)
}
