// Package httputil provides HTTP utilities for the metrics API.
//
// # Response Helpers
//
//	httputil.WriteJSON(w, http.StatusOK, data)
//	httputil.WriteError(w, err) // status chosen from the error kind
//
// WriteError maps the metrics error taxonomy onto HTTP statuses:
// invalid ranges and facts are 400, unknown subjects 404, store timeouts
// and unavailable upstreams 503 with a Retry-After header.
//
// # Request Parsing
//
//	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
//	start, err := httputil.ParseQueryDate(r, "startDate")
//
// # Middleware
//
//	httputil.Chain(
//		httputil.RequestIDMiddleware,
//		httputil.LoggingMiddleware(logger),
//		httputil.RecoveryMiddleware(logger),
//		httputil.MaxBytesMiddleware(1<<20),
//	)
package httputil
