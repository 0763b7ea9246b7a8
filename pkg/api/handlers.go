package api

import (
	"net/http"

	"cloud.google.com/go/civil"
	"github.com/audira/catalog-metrics/pkg/httputil"
	"github.com/audira/catalog-metrics/pkg/ingest"
	"github.com/audira/catalog-metrics/pkg/metrics"
	"github.com/google/uuid"
)

// artistSummary handles GET /api/v1/artists/{id}/metrics/summary
func (s *Server) artistSummary(w http.ResponseWriter, r *http.Request) {
	artistID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	resp, err := s.querier.ArtistSummary(r.Context(), artistID)
	if err != nil {
		fail(w, r, err)
		return
	}
	httputil.WriteJSONOrError(w, http.StatusOK, resp, "encode summary")
}

// artistDetailed handles GET /api/v1/artists/{id}/metrics/detailed
func (s *Server) artistDetailed(w http.ResponseWriter, r *http.Request) {
	artistID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	start, err := httputil.ParseQueryDate(r, "startDate")
	if err != nil {
		fail(w, r, err)
		return
	}
	end, err := httputil.ParseQueryDate(r, "endDate")
	if err != nil {
		fail(w, r, err)
		return
	}
	resp, err := s.querier.ArtistDetailed(r.Context(), artistID, start, end)
	if err != nil {
		fail(w, r, err)
		return
	}
	httputil.WriteJSONOrError(w, http.StatusOK, resp, "encode detailed metrics")
}

// songMetrics handles GET /api/v1/songs/{id}/metrics
func (s *Server) songMetrics(w http.ResponseWriter, r *http.Request) {
	songID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	resp, err := s.querier.SongMetrics(r.Context(), songID)
	if err != nil {
		fail(w, r, err)
		return
	}
	httputil.WriteJSONOrError(w, http.StatusOK, resp, "encode song metrics")
}

// leaderboard handles GET /api/v1/artists/{id}/leaderboard
func (s *Server) leaderboard(w http.ResponseWriter, r *http.Request) {
	artistID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	metric := metrics.MetricPlays
	if m := r.URL.Query().Get("metric"); m != "" {
		metric = metrics.Metric(m)
	}
	if !metric.Valid() {
		httputil.WriteBadRequest(w, "unknown metric: "+string(metric))
		return
	}
	asOf := metrics.Today(s.clock.Now())
	if r.URL.Query().Get("asOf") != "" {
		d, err := httputil.ParseQueryDate(r, "asOf")
		if err != nil {
			fail(w, r, err)
			return
		}
		asOf = d
	}
	board, err := s.boards.Leaderboard(r.Context(), artistID, metric, asOf)
	if err != nil {
		fail(w, r, err)
		return
	}
	httputil.WriteJSONOrError(w, http.StatusOK, board, "encode leaderboard")
}

// factAccepted is the body of a successful POST /api/v1/facts
type factAccepted struct {
	ID         string     `json:"id"`
	OccurredOn civil.Date `json:"occurred_on"`
}

// appendFact handles POST /api/v1/facts
func (s *Server) appendFact(w http.ResponseWriter, r *http.Request) {
	var wire ingest.WireFact
	if !httputil.ParseJSONOrError(w, r, &wire) {
		return
	}
	fact, err := wire.Fact()
	if err != nil {
		if details := ingest.FieldErrors(err); len(details) > 0 {
			httputil.WriteDetailedError(w, err, details)
			return
		}
		fail(w, r, err)
		return
	}
	// Assigned here so the id can be echoed back; clients retrying a POST
	// should send their own
	if fact.ID == uuid.Nil {
		fact.ID = uuid.New()
	}
	if err := s.facts.Append(r.Context(), fact); err != nil {
		fail(w, r, err)
		return
	}
	httputil.WriteJSONOrError(w, http.StatusAccepted, factAccepted{ID: fact.ID.String(), OccurredOn: fact.OccurredOn}, "encode fact")
}
