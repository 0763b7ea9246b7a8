// Package ranking orders an artist's songs by a metric.
package ranking

import (
	"context"
	"fmt"
	"sort"

	"cloud.google.com/go/civil"
	"github.com/audira/catalog-metrics/pkg/catalog"
	"github.com/audira/catalog-metrics/pkg/eventstore"
	"github.com/audira/catalog-metrics/pkg/metrics"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Entry is one song's place on a leaderboard
type Entry struct {
	SongID int64           `json:"song_id"`
	Value  decimal.Decimal `json:"value"`
	Rank   int             `json:"rank"`
}

// Leaderboard is an artist's songs ordered by one metric, best first
type Leaderboard struct {
	ArtistID int64          `json:"artist_id"`
	Metric   metrics.Metric `json:"metric"`
	AsOf     civil.Date     `json:"as_of"`
	Entries  []Entry        `json:"entries"`
}

// RankOf returns the 1-based position of a song, or 0 when absent
func (l Leaderboard) RankOf(songID int64) int {
	for _, e := range l.Entries {
		if e.SongID == songID {
			return e.Rank
		}
	}
	return 0
}

// Rank sorts entries by value descending, breaking ties by ascending song id,
// and assigns 1-based ranks. Every entry gets a distinct rank.
func Rank(entries []Entry) []Entry {
	sorted := append([]Entry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool {
		if c := sorted[i].Value.Cmp(sorted[j].Value); c != 0 {
			return c > 0
		}
		return sorted[i].SongID < sorted[j].SongID
	})
	for i := range sorted {
		sorted[i].Rank = i + 1
	}
	return sorted
}

// Totaler folds a subject's facts up to a date. The aggregation engine
// satisfies it.
type Totaler interface {
	SubjectTotals(ctx context.Context, subject metrics.SubjectRef, start, end civil.Date) (metrics.Totals, error)
}

// Ranker builds leaderboards from the catalog and the event store
type Ranker struct {
	catalog     catalog.Catalog
	store       eventstore.Store
	totals      Totaler
	clock       clockwork.Clock
	concurrency int
}

// NewRanker creates a ranker
func NewRanker(cat catalog.Catalog, store eventstore.Store, totals Totaler, clock clockwork.Clock) *Ranker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Ranker{catalog: cat, store: store, totals: totals, clock: clock, concurrency: 8}
}

// Leaderboard ranks every song of the artist by metric as of the given date.
// An artist without songs yields an empty leaderboard.
func (r *Ranker) Leaderboard(ctx context.Context, artistID int64, metric metrics.Metric, asOf civil.Date) (Leaderboard, error) {
	if !metric.Valid() {
		return Leaderboard{}, fmt.Errorf("unknown metric %q", metric)
	}
	if err := r.catalog.ArtistExists(ctx, artistID); err != nil {
		return Leaderboard{}, err
	}
	songs, err := r.catalog.SongsByArtist(ctx, artistID)
	if err != nil {
		return Leaderboard{}, err
	}

	entries := make([]Entry, len(songs))
	current := !asOf.Before(metrics.Today(r.clock.Now()))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, song := range songs {
		g.Go(func() error {
			value, err := r.value(gctx, metrics.Song(song.ID), metric, asOf, current)
			if err != nil {
				return err
			}
			entries[i] = Entry{SongID: song.ID, Value: value}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Leaderboard{}, err
	}

	return Leaderboard{
		ArtistID: artistID,
		Metric:   metric,
		AsOf:     asOf,
		Entries:  Rank(entries),
	}, nil
}

// value reads the running total when ranking as of today, and folds facts
// up to asOf otherwise
func (r *Ranker) value(ctx context.Context, song metrics.SubjectRef, metric metrics.Metric, asOf civil.Date, current bool) (decimal.Decimal, error) {
	if current {
		total, err := r.store.TotalForSubject(ctx, song, metric.Kind())
		if err != nil {
			return decimal.Zero, err
		}
		return metric.FromTotal(total), nil
	}
	totals, err := r.totals.SubjectTotals(ctx, song, metrics.Epoch, asOf)
	if err != nil {
		return decimal.Zero, err
	}
	return totals.Value(metric), nil
}

// RankWithinArtist returns the 1-based rank of songID among the artist's
// songs. It fails with ErrNotFound when the song is not the artist's.
func (r *Ranker) RankWithinArtist(ctx context.Context, artistID, songID int64, metric metrics.Metric, asOf civil.Date) (int, error) {
	board, err := r.Leaderboard(ctx, artistID, metric, asOf)
	if err != nil {
		return 0, err
	}
	rank := board.RankOf(songID)
	if rank == 0 {
		return 0, fmt.Errorf("song %d in catalog of artist %d: %w", songID, artistID, metrics.ErrNotFound)
	}
	return rank, nil
}
