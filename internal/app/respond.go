package app

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"

	"microclimate/telemetry-server/internal/auth"
	"microclimate/telemetry-server/internal/telemetry"
	"microclimate/telemetry-server/internal/validation"
)

// Error codes carried in APIError.Code.
const (
	codeUnauthenticated  = "unauthenticated"
	codeForbidden        = "forbidden"
	codeInvalidBody      = "invalid_body"
	codeValidationFailed = "validation_failed"
	codeInvalidInterval  = "invalid_interval"
	codeStorageError     = "storage_error"
	codeInternal         = "internal_error"
	codeNotFound         = "not_found"
	codeMethodNotAllowed = "method_not_allowed"
)

// APIError is the JSON body of every error response.
type APIError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Details   any    `json:"details,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

func (a *App) respond(w http.ResponseWriter, r *http.Request, status int, v any) {
	if err := writeJSON(w, status, v); err != nil {
		a.logger.Error("failed to encode response", "path", r.URL.Path, "error", err)
	}
}

func (a *App) respondError(w http.ResponseWriter, r *http.Request, status int, apiErr APIError) {
	apiErr.RequestID = middleware.GetReqID(r.Context())
	a.respond(w, r, status, apiErr)
}

// respondServiceError maps errors from the access gate and the telemetry
// services to a status code and APIError.
func (a *App) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr *validation.RequestValidationError
		serr *telemetry.StorageError
	)
	a.logRequestError(r, err)

	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		w.Header().Set("WWW-Authenticate", `ApiKey header="`+auth.HeaderName+`"`)
		a.respondError(w, r, http.StatusUnauthorized, APIError{Code: codeUnauthenticated, Message: "missing " + auth.HeaderName + " header"})
	case errors.Is(err, auth.ErrForbidden):
		a.respondError(w, r, http.StatusForbidden, APIError{Code: codeForbidden, Message: "invalid API key"})
	case errors.Is(err, telemetry.ErrInvalidInterval):
		a.respondError(w, r, http.StatusUnprocessableEntity, APIError{Code: codeInvalidInterval, Message: err.Error()})
	case errors.As(err, &verr):
		a.respondError(w, r, http.StatusUnprocessableEntity, APIError{Code: codeValidationFailed, Message: verr.Error(), Details: verr.Fields})
	case errors.As(err, &serr):
		a.respondError(w, r, http.StatusInternalServerError, APIError{Code: codeStorageError, Message: serr.Error()})
	default:
		a.logger.Error("unhandled request error", "path", r.URL.Path, "error", err)
		a.respondError(w, r, http.StatusInternalServerError, APIError{Code: codeInternal, Message: err.Error()})
	}
}

func (a *App) logRequestError(r *http.Request, err error) {
	a.logger.LogAttrs(r.Context(), slog.LevelDebug, "request failed",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("request_id", middleware.GetReqID(r.Context())),
		slog.Any("error", err),
	)
}
