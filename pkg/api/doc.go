// Package api exposes the metrics query facade over HTTP.
//
// # Endpoints
//
//	GET  /api/v1/artists/{id}/metrics/summary
//	GET  /api/v1/artists/{id}/metrics/detailed?startDate=YYYY-MM-DD&endDate=YYYY-MM-DD
//	GET  /api/v1/artists/{id}/leaderboard?metric=plays&asOf=YYYY-MM-DD
//	GET  /api/v1/songs/{id}/metrics
//	POST /api/v1/facts
//
// Errors use the body {"error": "...", "code": "..."}. Invalid ranges and
// facts answer 400, unknown artists and songs 404, and store timeouts or
// unavailable upstreams 503.
//
// # Usage
//
//	server := api.NewServer(querySvc, ranker, store, clockwork.NewRealClock(), logger)
//	server.Router().Use(observability.HTTPMetricsMiddleware(m))
//	http.ListenAndServe(":8080", server)
package api
