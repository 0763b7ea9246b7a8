package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/audira/catalog-metrics/pkg/metrics"
)

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// ErrorResponse represents a standardized error response
type ErrorResponse struct {
	Error   string            `json:"error"`
	Code    string            `json:"code,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// WriteErrorMessage writes a JSON error response with a custom message
func WriteErrorMessage(w http.ResponseWriter, status int, message string) {
	_ = WriteJSON(w, status, ErrorResponse{Error: message})
}

// StatusFor maps an error from the metrics taxonomy to an HTTP status and a
// stable error code
func StatusFor(err error) (int, string) {
	switch {
	case errors.Is(err, metrics.ErrInvalidRange):
		return http.StatusBadRequest, "invalid_range"
	case errors.Is(err, metrics.ErrInvalidFact):
		return http.StatusBadRequest, "invalid_fact"
	case errors.Is(err, metrics.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, metrics.ErrTimeout):
		return http.StatusServiceUnavailable, "timeout"
	case errors.Is(err, metrics.ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable, "upstream_unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// WriteError writes err with the status its kind maps to. Internal errors
// are not echoed to the client.
func WriteError(w http.ResponseWriter, err error) {
	status, code := StatusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal server error"
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	_ = WriteJSON(w, status, ErrorResponse{Error: message, Code: code})
}

// WriteDetailedError writes err with per-field details
func WriteDetailedError(w http.ResponseWriter, err error, details map[string]string) {
	status, code := StatusFor(err)
	_ = WriteJSON(w, status, ErrorResponse{Error: err.Error(), Code: code, Details: details})
}

// WriteBadRequest writes a bad request error (400)
func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusBadRequest, message)
}

// WriteInternalError writes an internal server error response (500 Internal Server Error)
func WriteInternalError(w http.ResponseWriter, err error) {
	WriteErrorMessage(w, http.StatusInternalServerError, err.Error())
}

// WriteJSONOrError writes JSON on success or error on failure
func WriteJSONOrError(w http.ResponseWriter, status int, data interface{}, errMsg string) {
	if err := WriteJSON(w, status, data); err != nil {
		WriteInternalError(w, fmt.Errorf("%s: %w", errMsg, err))
	}
}
