// Package synthetic writes generated demo facts into a store.
//
// Generated facts carry Source "synthetic" and are only written when demo
// mode is switched on; responses served from such a store say so.
package synthetic

import (
	"context"
	"fmt"
	"math/rand/v2"

	"cloud.google.com/go/civil"
	"github.com/audira/catalog-metrics/pkg/catalog"
	"github.com/audira/catalog-metrics/pkg/eventstore"
	"github.com/audira/catalog-metrics/pkg/metrics"
	"github.com/audira/catalog-metrics/pkg/observability"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
)

// Source marks generated facts
const Source = "synthetic"

var (
	idNamespace = uuid.MustParse("9d3c1f52-7a64-4e0b-b1d8-2f5e6a7c8b90")
	unitPrice   = decimal.RequireFromString("0.99")
)

// Generator produces a reproducible history of plays, sales, ratings and
// comments for a set of songs
type Generator struct {
	store  eventstore.Store
	clock  clockwork.Clock
	seed   uint64
	logger *observability.Logger
}

// NewGenerator creates a generator. The same seed always yields the same facts.
func NewGenerator(store eventstore.Store, clock clockwork.Clock, seed uint64, logger *observability.Logger) *Generator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Generator{store: store, clock: clock, seed: seed, logger: logger.WithField("component", "synthetic")}
}

// Populate writes the given number of days of history, ending today, for
// every song. Fact ids are derived from the seed, so running it twice writes
// nothing new. It returns the number of facts offered to the store.
func (g *Generator) Populate(ctx context.Context, songs []catalog.Song, days int) (int, error) {
	if days < 1 {
		return 0, fmt.Errorf("days must be positive, got %d", days)
	}
	window := metrics.TrailingWindow(metrics.Today(g.clock.Now()), days)

	written := 0
	for _, song := range songs {
		rng := rand.New(rand.NewPCG(g.seed, uint64(song.ID)))
		for i := 0; i < window.Days(); i++ {
			facts := g.day(rng, song.ID, window.Start.AddDays(i))
			for _, f := range facts {
				if err := g.store.Append(ctx, f); err != nil {
					return written, fmt.Errorf("song %d on %s: %w", song.ID, f.OccurredOn, err)
				}
				written++
			}
		}
	}
	g.logger.WithFields(map[string]interface{}{
		"songs": len(songs),
		"days":  days,
		"facts": written,
	}).Info("Synthetic history written")
	return written, nil
}

// day builds one song's facts for one date: 20-119 plays, a tenth of them as
// sales, up to four comments and one rating between 3.5 and 5.0
func (g *Generator) day(rng *rand.Rand, songID int64, on civil.Date) []metrics.Fact {
	plays := int64(20 + rng.IntN(100))
	sales := plays / 10
	comments := int64(rng.IntN(5))
	rating := decimal.NewFromFloat(3.5 + rng.Float64()*1.5).Round(1)

	n := 0
	fact := func(kind metrics.Kind, value decimal.Decimal) metrics.Fact {
		n++
		return metrics.Fact{
			ID:         uuid.NewSHA1(idNamespace, []byte(fmt.Sprintf("%d/%d/%s/%d", g.seed, songID, on, n))),
			Subject:    metrics.Song(songID),
			Kind:       kind,
			OccurredOn: on,
			Value:      value,
			Source:     Source,
		}
	}

	facts := []metrics.Fact{fact(metrics.KindPlay, decimal.NewFromInt(plays))}
	for i := int64(0); i < sales; i++ {
		facts = append(facts, fact(metrics.KindSale, unitPrice))
	}
	if comments > 0 {
		facts = append(facts, fact(metrics.KindComment, decimal.NewFromInt(comments)))
	}
	facts = append(facts, fact(metrics.KindRating, rating))
	return facts
}

// DemoCatalog returns a small catalog of artists, albums, songs and
// collaborations to serve generated history against
func DemoCatalog() *catalog.Memory {
	c := catalog.NewMemory()
	c.AddArtist(1, "The Midnight Orchard")
	c.AddArtist(2, "Lumen Vale")
	c.AddArtist(3, "Harbor Static")

	albums := []catalog.Album{
		{ID: 1, ArtistID: 1, Title: "Evening Rows"},
		{ID: 2, ArtistID: 2, Title: "Glasshouse"},
	}
	for _, a := range albums {
		_ = c.AddAlbum(a)
	}

	ref := func(id int64) *int64 { return &id }
	songs := []catalog.Song{
		{ID: 1, ArtistID: 1, AlbumID: ref(1), Title: "First Frost"},
		{ID: 2, ArtistID: 1, AlbumID: ref(1), Title: "Pale Lanterns"},
		{ID: 3, ArtistID: 1, Title: "Cider Road"},
		{ID: 4, ArtistID: 2, AlbumID: ref(2), Title: "Refraction"},
		{ID: 5, ArtistID: 2, AlbumID: ref(2), Title: "Green Light District"},
		{ID: 6, ArtistID: 3, Title: "Foghorn"},
	}
	for _, s := range songs {
		_ = c.AddSong(s)
	}

	_, _ = c.AddCollaborator(catalog.Collaborator{
		SongID: ref(4), ArtistID: 1, Status: catalog.StatusAccepted, InvitedBy: 2,
		RevenueSharePercentage: decimal.NewFromInt(25),
	})
	_, _ = c.AddCollaborator(catalog.Collaborator{
		AlbumID: ref(1), ArtistID: 3, Status: catalog.StatusAccepted, InvitedBy: 1,
		RevenueSharePercentage: decimal.NewFromInt(15),
	})
	_, _ = c.AddCollaborator(catalog.Collaborator{
		SongID: ref(6), ArtistID: 2, InvitedBy: 3,
		RevenueSharePercentage: decimal.NewFromInt(50),
	})
	return c
}

// DemoSongs lists every song of a catalog's artists
func DemoSongs(ctx context.Context, c catalog.Catalog, artistIDs ...int64) ([]catalog.Song, error) {
	var out []catalog.Song
	for _, id := range artistIDs {
		songs, err := c.SongsByArtist(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, songs...)
	}
	return out, nil
}
