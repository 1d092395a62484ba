package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/casedesk/importer/internal/core"
	"github.com/casedesk/importer/internal/csvio"
	"github.com/casedesk/importer/internal/logging"
	"github.com/casedesk/importer/internal/submit"
)

// ErrorResponse is the JSON error envelope returned by every endpoint.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
	Code    string `json:"code,omitempty"`
}

// respondError writes an error as JSON. The status comes from the error
// kind; the body carries the user-facing message and support code.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	um := core.MapError(err)

	if status >= 500 {
		logging.FromContext(r.Context()).Error("request failed", "error", err, "code", um.Code)
	} else {
		logging.FromContext(r.Context()).Debug("request rejected", "error", err, "code", um.Code)
	}

	writeJSON(w, status, ErrorResponse{
		Error:   http.StatusText(status),
		Message: um.Message,
		Action:  um.Action,
		Code:    um.Code,
	})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrNoResult), errors.Is(err, core.ErrNotSubmitting):
		return http.StatusConflict
	case errors.Is(err, submit.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, core.ErrTooManyImports):
		return http.StatusTooManyRequests
	case errors.Is(err, submit.ErrNotAuthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, core.ErrMappingIncomplete),
		errors.Is(err, submit.ErrNoRows),
		errors.Is(err, submit.ErrNothingToRetry):
		return http.StatusUnprocessableEntity
	case errors.Is(err, csvio.ErrEmptyFile),
		errors.Is(err, csvio.ErrNoHeaders),
		errors.Is(err, csvio.ErrOnlyHeader):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON writes v as a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}
