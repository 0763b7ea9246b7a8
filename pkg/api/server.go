package api

import (
	"context"
	"net/http"

	"cloud.google.com/go/civil"
	"github.com/audira/catalog-metrics/pkg/httputil"
	"github.com/audira/catalog-metrics/pkg/metrics"
	"github.com/audira/catalog-metrics/pkg/observability"
	"github.com/audira/catalog-metrics/pkg/query"
	"github.com/audira/catalog-metrics/pkg/ranking"
	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"
)

// maxFactBytes bounds a POST /api/v1/facts body
const maxFactBytes = 64 << 10

// Querier answers the read-side operations
type Querier interface {
	ArtistSummary(ctx context.Context, artistID int64) (*query.ArtistSummaryResponse, error)
	ArtistDetailed(ctx context.Context, artistID int64, start, end civil.Date) (*query.ArtistDetailedResponse, error)
	SongMetrics(ctx context.Context, songID int64) (*query.SongMetricsResponse, error)
}

// Leaderboards ranks an artist's songs
type Leaderboards interface {
	Leaderboard(ctx context.Context, artistID int64, metric metrics.Metric, asOf civil.Date) (ranking.Leaderboard, error)
}

// FactWriter records ingested facts
type FactWriter interface {
	Append(ctx context.Context, fact metrics.Fact) error
}

// Server represents our API server
type Server struct {
	querier Querier
	boards  Leaderboards
	facts   FactWriter
	clock   clockwork.Clock
	logger  *observability.Logger
	router  *mux.Router
}

// NewServer creates a new API server. boards and facts may be nil, which
// leaves their routes unregistered. The clock dates leaderboards requested
// without asOf.
func NewServer(querier Querier, boards Leaderboards, facts FactWriter, clock clockwork.Clock, logger *observability.Logger) *Server {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	s := &Server{
		querier: querier,
		boards:  boards,
		facts:   facts,
		clock:   clock,
		logger:  logger.WithField("component", "api"),
		router:  mux.NewRouter(),
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes() {
	s.router.Use(
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(s.logger),
		httputil.RecoveryMiddleware(s.logger),
	)

	v1 := s.router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/artists/{id}/metrics/summary", s.artistSummary).Methods(http.MethodGet)
	v1.HandleFunc("/artists/{id}/metrics/detailed", s.artistDetailed).Methods(http.MethodGet)
	v1.HandleFunc("/songs/{id}/metrics", s.songMetrics).Methods(http.MethodGet)

	if s.boards != nil {
		v1.HandleFunc("/artists/{id}/leaderboard", s.leaderboard).Methods(http.MethodGet)
	}
	if s.facts != nil {
		ingest := httputil.Chain(httputil.ContentTypeMiddleware, httputil.MaxBytesMiddleware(maxFactBytes))
		v1.Handle("/facts", ingest(http.HandlerFunc(s.appendFact))).Methods(http.MethodPost)
	}
}

// Router exposes the router so callers can mount health, metrics and
// instrumentation middleware
func (s *Server) Router() *mux.Router {
	return s.router
}

// ServeHTTP implements the http.Handler interface
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// fail writes err and logs server-side failures with the request logger
func fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := httputil.StatusFor(err)
	if status >= http.StatusInternalServerError {
		observability.FromContext(r.Context()).WithError(err).WithField("code", code).Warn("Request failed")
	}
	httputil.WriteError(w, err)
}
