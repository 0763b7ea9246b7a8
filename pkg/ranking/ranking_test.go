package ranking

import (
	"context"
	"io"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/audira/catalog-metrics/pkg/aggregation"
	"github.com/audira/catalog-metrics/pkg/catalog"
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
	catalog *catalog.Memory
	store   *eventstore.MemoryStore
	ranker  *Ranker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(testNow)
	store := eventstore.NewMemoryStore(eventstore.Options{Shards: 4, Clock: clock})
	engine := aggregation.NewEngine(store, aggregation.Options{
		Cache:       aggregation.NewLRUCache(256, time.Hour),
		Concurrency: 2,
		Clock:       clock,
		Logger:      observability.NewLogger(observability.ErrorLevel, io.Discard),
	})
	cat := catalog.NewMemory()
	cat.AddArtist(1, "Nova")
	cat.AddArtist(2, "Quill")
	cat.AddArtist(3, "Silent")
	for _, id := range []int64{2, 1, 3} {
		require.NoError(t, cat.AddSong(catalog.Song{ID: id, ArtistID: 1}))
	}
	require.NoError(t, cat.AddSong(catalog.Song{ID: 9, ArtistID: 2}))

	return &fixture{catalog: cat, store: store, ranker: NewRanker(cat, store, engine, clock)}
}

func (f *fixture) plays(t *testing.T, song int64, on civil.Date, n int64) {
	t.Helper()
	require.NoError(t, f.store.Append(context.Background(), metrics.Fact{
		Subject:    metrics.Song(song),
		Kind:       metrics.KindPlay,
		OccurredOn: on,
		Value:      decimal.NewFromInt(n),
	}))
}

func TestRank_TiesGoToLowestID(t *testing.T) {
	ranked := Rank([]Entry{
		{SongID: 2, Value: decimal.NewFromInt(10)},
		{SongID: 1, Value: decimal.NewFromInt(10)},
		{SongID: 3, Value: decimal.NewFromInt(5)},
	})

	require.Len(t, ranked, 3)
	assert.Equal(t, int64(1), ranked[0].SongID)
	assert.Equal(t, 1, ranked[0].Rank)
	assert.Equal(t, int64(2), ranked[1].SongID)
	assert.Equal(t, 2, ranked[1].Rank)
	assert.Equal(t, int64(3), ranked[2].SongID)
	assert.Equal(t, 3, ranked[2].Rank)
}

func TestRank_DoesNotMutateInput(t *testing.T) {
	in := []Entry{{SongID: 5, Value: decimal.NewFromInt(1)}, {SongID: 4, Value: decimal.NewFromInt(2)}}
	_ = Rank(in)
	assert.Equal(t, int64(5), in[0].SongID)
	assert.Zero(t, in[0].Rank)
}

func TestRankWithinArtist(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.plays(t, 2, day(4), 10)
	f.plays(t, 1, day(5), 6)
	f.plays(t, 1, day(6), 4)
	f.plays(t, 3, day(6), 5)

	rank, err := f.ranker.RankWithinArtist(ctx, 1, 1, metrics.MetricPlays, day(10))
	require.NoError(t, err)
	assert.Equal(t, 1, rank)

	rank, err = f.ranker.RankWithinArtist(ctx, 1, 2, metrics.MetricPlays, day(10))
	require.NoError(t, err)
	assert.Equal(t, 2, rank)

	rank, err = f.ranker.RankWithinArtist(ctx, 1, 3, metrics.MetricPlays, day(10))
	require.NoError(t, err)
	assert.Equal(t, 3, rank)
}

func TestRankWithinArtist_Historical(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.plays(t, 3, day(2), 8)
	f.plays(t, 1, day(7), 20)

	board, err := f.ranker.Leaderboard(ctx, 1, metrics.MetricPlays, day(5))
	require.NoError(t, err)
	assert.Equal(t, day(5), board.AsOf)
	assert.Equal(t, 1, board.RankOf(3), "later plays are not counted")
	assert.Equal(t, 2, board.RankOf(1))
	assert.True(t, board.Entries[1].Value.IsZero())

	board, err = f.ranker.Leaderboard(ctx, 1, metrics.MetricPlays, day(10))
	require.NoError(t, err)
	assert.Equal(t, 1, board.RankOf(1))
}

func TestRankWithinArtist_SongOfAnotherArtist(t *testing.T) {
	f := newFixture(t)

	_, err := f.ranker.RankWithinArtist(context.Background(), 1, 9, metrics.MetricPlays, day(10))
	assert.ErrorIs(t, err, metrics.ErrNotFound)
}

func TestLeaderboard_ArtistWithoutSongs(t *testing.T) {
	f := newFixture(t)

	board, err := f.ranker.Leaderboard(context.Background(), 3, metrics.MetricPlays, day(10))
	require.NoError(t, err)
	assert.Empty(t, board.Entries)
	assert.Zero(t, board.RankOf(1))
}

func TestLeaderboard_UnknownArtist(t *testing.T) {
	f := newFixture(t)

	_, err := f.ranker.Leaderboard(context.Background(), 404, metrics.MetricPlays, day(10))
	assert.ErrorIs(t, err, metrics.ErrNotFound)
}

func TestLeaderboard_SalesCountsFacts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, v := range []string{"0.99", "0.99"} {
		require.NoError(t, f.store.Append(ctx, metrics.Fact{
			Subject: metrics.Song(3), Kind: metrics.KindSale, OccurredOn: day(9), Value: decimal.RequireFromString(v),
		}))
	}
	require.NoError(t, f.store.Append(ctx, metrics.Fact{
		Subject: metrics.Song(2), Kind: metrics.KindSale, OccurredOn: day(9), Value: decimal.RequireFromString("9.99"),
	}))

	sales, err := f.ranker.Leaderboard(ctx, 1, metrics.MetricSales, day(10))
	require.NoError(t, err)
	assert.Equal(t, 1, sales.RankOf(3))

	revenue, err := f.ranker.Leaderboard(ctx, 1, metrics.MetricRevenue, day(10))
	require.NoError(t, err)
	assert.Equal(t, 1, revenue.RankOf(2))
}

func TestLeaderboard_UnknownMetric(t *testing.T) {
	f := newFixture(t)
	_, err := f.ranker.Leaderboard(context.Background(), 1, metrics.Metric("likes"), day(10))
	assert.Error(t, err)
}
