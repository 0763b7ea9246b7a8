// Package query is the public read surface of the metrics engine.
//
// A Service validates requests, reads the catalog, and composes the
// aggregation engine and the ranker into response records. Store timeouts are
// retried once. Failures of the services that feed ratings, sales and
// comments never fail a request: the affected family is omitted, or
// estimated from plays when an estimator is configured, and reported in the
// response.
package query

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"cloud.google.com/go/civil"
	"github.com/audira/catalog-metrics/pkg/aggregation"
	"github.com/audira/catalog-metrics/pkg/catalog"
	"github.com/audira/catalog-metrics/pkg/eventstore"
	"github.com/audira/catalog-metrics/pkg/metrics"
	"github.com/audira/catalog-metrics/pkg/observability"
	"github.com/audira/catalog-metrics/pkg/ranking"
	"github.com/audira/catalog-metrics/pkg/upstream"
	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const (
	unavailableIdentity       = "identity"
	unavailableCollaborations = "collaborations"
)

// Deps are the collaborators a Service composes. Availability may be nil, in
// which case every family is served live.
type Deps struct {
	Catalog        catalog.Catalog
	Collaborations catalog.CollaborationRegistry
	Identity       catalog.Identity
	Store          eventstore.Store
	Engine         *aggregation.Engine
	Ranker         *ranking.Ranker
	Availability   upstream.Availability
	Clock          clockwork.Clock
	Logger         *observability.Logger
	Metrics        *observability.Metrics
}

// Config tunes a Service
type Config struct {
	// Window is the length in days of the summary's trailing window
	Window int
	// MaxRangeDays bounds detailed requests
	MaxRangeDays int
	// StoreTimeout bounds every store read
	StoreTimeout time.Duration
	// RetryDelay is the wait before retrying a timed out read
	RetryDelay time.Duration
	// Estimator fills in commerce figures while commerce is unavailable.
	// Nil omits them instead.
	Estimator *upstream.Estimator
	// Synthetic marks responses as built from generated demo data
	Synthetic bool
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	est := upstream.DefaultEstimator()
	return Config{
		Window:       30,
		MaxRangeDays: 3 * 366,
		StoreTimeout: 5 * time.Second,
		RetryDelay:   100 * time.Millisecond,
		Estimator:    &est,
	}
}

// Service answers artist and song metrics queries
type Service struct {
	deps Deps
	cfg  Config
}

// NewService creates a query service
func NewService(deps Deps, cfg Config) *Service {
	d := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = d.Window
	}
	if cfg.MaxRangeDays <= 0 {
		cfg.MaxRangeDays = d.MaxRangeDays
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = d.StoreTimeout
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = d.RetryDelay
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Logger == nil {
		deps.Logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	deps.Logger = deps.Logger.WithField("component", "query")
	return &Service{deps: deps, cfg: cfg}
}

// ArtistSummary returns the artist's metrics over the trailing window, its
// all-time totals, its most played song and its catalog counts
func (s *Service) ArtistSummary(ctx context.Context, artistID int64) (resp *ArtistSummaryResponse, err error) {
	ctx, finish := s.begin(ctx, "artist_summary", attribute.Int64("artist.id", artistID))
	defer func() { finish(err) }()

	if err := s.deps.Catalog.ArtistExists(ctx, artistID); err != nil {
		return nil, err
	}
	songs, err := s.deps.Catalog.SongsByArtist(ctx, artistID)
	if err != nil {
		return nil, err
	}
	albums, err := s.deps.Catalog.AlbumsByArtist(ctx, artistID)
	if err != nil {
		return nil, err
	}

	now := s.deps.Clock.Now()
	window := metrics.TrailingWindow(metrics.Today(now), s.cfg.Window)
	songIDs := catalog.SongIDs(songs)

	var (
		rollup  aggregation.Rollup
		allTime metrics.Totals
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.retry(gctx, "artist_rollup", func(ctx context.Context) (err error) {
			rollup, err = s.deps.Engine.ArtistRollup(ctx, artistID, songIDs, window.Start, window.End)
			return err
		})
	})
	g.Go(func() error {
		return s.retry(gctx, "all_time_totals", func(ctx context.Context) (err error) {
			allTime, err = s.allTimeTotals(ctx, songIDs)
			return err
		})
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	deg := s.assess(ctx)
	resp = &ArtistSummaryResponse{
		ArtistID:    artistID,
		ArtistName:  s.displayName(ctx, artistID, &deg),
		GeneratedAt: now.UTC(),
		Window:      window,
		AllTime:     deg.shape(allTime, s.cfg.Estimator),
		InWindow:    deg.shape(rollup.Summary.Totals, s.cfg.Estimator),
		Growth:      deg.growth(rollup.Summary.Totals, rollup.Summary.Previous, s.cfg.Estimator),
		TotalSongs:  len(songs),
		TotalAlbums: len(albums),
		Synthetic:   s.cfg.Synthetic,
	}
	resp.TotalCollaborations = s.collaborations(ctx, artistID, &deg)

	if best := rollup.MostPlayed; best != nil {
		mp := &MostPlayedSong{SongID: best.SongID, Plays: best.Totals.Plays}
		for _, song := range songs {
			if song.ID == best.SongID {
				mp.Title = song.Title
				break
			}
		}
		resp.MostPlayedSong = mp
	}

	resp.Degradation = deg.done()
	return resp, nil
}

// ArtistDetailed returns the artist's metrics for every date in
// [start, end], with totals and growth for the whole range
func (s *Service) ArtistDetailed(ctx context.Context, artistID int64, start, end civil.Date) (resp *ArtistDetailedResponse, err error) {
	ctx, finish := s.begin(ctx, "artist_detailed",
		attribute.Int64("artist.id", artistID),
		attribute.String("range.start", start.String()),
		attribute.String("range.end", end.String()),
	)
	defer func() { finish(err) }()

	r, err := metrics.NewDateRange(start, end)
	if err != nil {
		return nil, err
	}
	if r.Days() > s.cfg.MaxRangeDays {
		return nil, fmt.Errorf("%w: %d days exceeds the limit of %d", metrics.ErrInvalidRange, r.Days(), s.cfg.MaxRangeDays)
	}

	if err := s.deps.Catalog.ArtistExists(ctx, artistID); err != nil {
		return nil, err
	}
	songs, err := s.deps.Catalog.SongsByArtist(ctx, artistID)
	if err != nil {
		return nil, err
	}

	var rollup aggregation.Rollup
	err = s.retry(ctx, "artist_rollup", func(ctx context.Context) (err error) {
		rollup, err = s.deps.Engine.ArtistRollup(ctx, artistID, catalog.SongIDs(songs), r.Start, r.End)
		return err
	})
	if err != nil {
		return nil, err
	}

	deg := s.assess(ctx)
	resp = &ArtistDetailedResponse{
		ArtistID:     artistID,
		ArtistName:   s.displayName(ctx, artistID, &deg),
		StartDate:    r.Start,
		EndDate:      r.End,
		DailyMetrics: make([]DailyMetrics, len(rollup.Daily)),
		PeriodTotals: deg.shape(rollup.Summary.Totals, s.cfg.Estimator),
		Growth:       deg.growth(rollup.Summary.Totals, rollup.Summary.Previous, s.cfg.Estimator),
		Synthetic:    s.cfg.Synthetic,
	}
	for i, d := range rollup.Daily {
		resp.DailyMetrics[i] = DailyMetrics{Date: d.Date, FamilyTotals: deg.shape(d.Totals, s.cfg.Estimator)}
	}
	resp.Degradation = deg.done()
	return resp, nil
}

// SongMetrics returns the song's all-time totals and its rank by plays among
// the artist's songs
func (s *Service) SongMetrics(ctx context.Context, songID int64) (resp *SongMetricsResponse, err error) {
	ctx, finish := s.begin(ctx, "song_metrics", attribute.Int64("song.id", songID))
	defer func() { finish(err) }()

	song, err := s.deps.Catalog.SongByID(ctx, songID)
	if err != nil {
		return nil, err
	}
	today := metrics.Today(s.deps.Clock.Now())

	var (
		totals metrics.Totals
		rank   int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.retry(gctx, "all_time_totals", func(ctx context.Context) (err error) {
			totals, err = s.allTimeTotals(ctx, []int64{songID})
			return err
		})
	})
	g.Go(func() error {
		return s.retry(gctx, "rank_within_artist", func(ctx context.Context) (err error) {
			rank, err = s.deps.Ranker.RankWithinArtist(ctx, song.ArtistID, songID, metrics.MetricPlays, today)
			return err
		})
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	deg := s.assess(ctx)
	resp = &SongMetricsResponse{
		SongID:              song.ID,
		SongName:            song.Title,
		ArtistID:            song.ArtistID,
		ArtistName:          s.displayName(ctx, song.ArtistID, &deg),
		Totals:              deg.shape(totals, s.cfg.Estimator),
		RankInArtistCatalog: rank,
		Synthetic:           s.cfg.Synthetic,
	}
	resp.Degradation = deg.done()
	return resp, nil
}

// allTimeTotals sums the running totals of every kind over the given songs
func (s *Service) allTimeTotals(ctx context.Context, songIDs []int64) (metrics.Totals, error) {
	perSong := make([]metrics.Totals, len(songIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, id := range songIDs {
		g.Go(func() error {
			for _, kind := range metrics.Kinds() {
				total, err := s.deps.Store.TotalForSubject(gctx, metrics.Song(id), kind)
				if err != nil {
					return err
				}
				perSong[i].Add(metrics.TotalsOf(kind, total))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return metrics.Totals{}, err
	}
	var out metrics.Totals
	for _, t := range perSong {
		out.Add(t)
	}
	return out, nil
}

// retry runs fn under the store timeout and runs it once more after a short
// backoff when it timed out. Other errors are returned at once.
func (s *Service) retry(ctx context.Context, op string, fn func(context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.RetryDelay
	policy := backoff.WithContext(backoff.WithMaxRetries(b, 1), ctx)

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		if attempt > 1 {
			s.deps.Metrics.ObserveRetry(op)
			s.deps.Logger.WithField("operation", op).Warn("Store timed out, retrying")
		}
		sctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
		defer cancel()
		err := fn(sctx)
		if err != nil && !errors.Is(err, metrics.ErrTimeout) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

// begin opens a span for a facade operation. The returned func ends it and
// records the outcome.
func (s *Service) begin(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := s.deps.Clock.Now()
	ctx, span := observability.Tracer().Start(ctx, "query."+op, trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		s.deps.Metrics.ObserveQuery(op, s.deps.Clock.Since(start), err)
	}
}

// assess checks every upstream family. Plays are recorded by the catalog
// itself and are always served.
func (s *Service) assess(ctx context.Context) Degradation {
	snapshot := upstream.Snapshot(ctx, s.deps.Availability)
	d := Degradation{Families: make(map[upstream.Family]upstream.Status, len(snapshot))}
	for _, family := range upstream.Families() {
		status := upstream.StatusOK
		if err := snapshot[family]; err != nil && family != upstream.FamilyPlays {
			status = upstream.StatusUnavailable
			if family == upstream.FamilyCommerce && s.cfg.Estimator != nil {
				status = upstream.StatusEstimated
			} else {
				d.Unavailable = append(d.Unavailable, string(family))
			}
			s.deps.Metrics.ObserveDegraded(string(family), string(status))
			s.deps.Logger.WithError(err).WithField("family", string(family)).Debugf("Serving family as %s", status)
		}
		d.Families[family] = status
	}
	return d
}

func (s *Service) displayName(ctx context.Context, artistID int64, d *Degradation) string {
	if s.deps.Identity == nil {
		d.Unavailable = append(d.Unavailable, unavailableIdentity)
		return ""
	}
	name, err := s.deps.Identity.DisplayNameFor(ctx, artistID)
	if err != nil {
		s.deps.Logger.WithError(err).WithField("artist_id", artistID).Warn("Identity lookup failed")
		s.deps.Metrics.ObserveDegraded(unavailableIdentity, string(upstream.StatusUnavailable))
		d.Unavailable = append(d.Unavailable, unavailableIdentity)
		return ""
	}
	return name
}

func (s *Service) collaborations(ctx context.Context, artistID int64, d *Degradation) int {
	if s.deps.Collaborations == nil {
		d.Unavailable = append(d.Unavailable, unavailableCollaborations)
		return 0
	}
	collabs, err := s.deps.Collaborations.AcceptedCollaborators(ctx, metrics.Artist(artistID))
	if err != nil {
		s.deps.Logger.WithError(err).WithField("artist_id", artistID).Warn("Collaboration lookup failed")
		s.deps.Metrics.ObserveDegraded(unavailableCollaborations, string(upstream.StatusUnavailable))
		d.Unavailable = append(d.Unavailable, unavailableCollaborations)
		return 0
	}
	return len(collabs)
}

func (d Degradation) done() Degradation {
	sort.Strings(d.Unavailable)
	return d
}
