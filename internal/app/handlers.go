package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"microclimate/telemetry-server/internal/telemetry"
	"microclimate/telemetry-server/internal/validation"
)

const maxBodyBytes = 64 << 10

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	a.respond(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if a.store == nil || !a.ready.Load() {
		a.respond(w, r, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.store.Ping(ctx); err != nil {
		a.logger.Warn("readiness check failed", "error", err)
		a.respond(w, r, http.StatusServiceUnavailable, map[string]string{"status": "storage unavailable", "error": err.Error()})
		return
	}
	a.respond(w, r, http.StatusOK, map[string]string{"status": "ready"})
}

func (a *App) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		a.logRequestError(r, err)
		a.respondError(w, r, http.StatusUnprocessableEntity, APIError{Code: codeInvalidBody, Message: "request body is too large or unreadable", Details: err.Error()})
		return
	}

	raw, err := decodeReading(body)
	if err != nil {
		if errors.Is(err, validation.ErrInvalid) {
			a.respondServiceError(w, r, err)
			return
		}
		msg := "request body must be a JSON reading"
		if len(bytes.TrimSpace(body)) == 0 {
			msg = "request body is empty"
		}
		a.logRequestError(r, err)
		a.respondError(w, r, http.StatusUnprocessableEntity, APIError{Code: codeInvalidBody, Message: msg, Details: err.Error()})
		return
	}

	reading, err := a.ingest.Submit(r.Context(), raw)
	if err != nil {
		a.respondServiceError(w, r, err)
		return
	}
	a.respond(w, r, http.StatusOK, reading)
}

func (a *App) handleList(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "device_id")
	q := r.URL.Query()

	start, end, err := timeBounds(q)
	if err != nil {
		a.respondServiceError(w, r, err)
		return
	}

	limit := 0
	if v := q.Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil {
			a.respondServiceError(w, r, validation.Fail("limit", v, "must be an integer"))
			return
		}
	}

	readings, err := a.query.List(r.Context(), deviceID, start, end, limit)
	if err != nil {
		a.respondServiceError(w, r, err)
		return
	}
	a.respond(w, r, http.StatusOK, readings)
}

func (a *App) handleStats(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "device_id")
	q := r.URL.Query()

	start, end, err := timeBounds(q)
	if err != nil {
		a.respondServiceError(w, r, err)
		return
	}

	// only an absent parameter gets the default; an empty one is rejected
	interval := telemetry.DefaultInterval
	if _, ok := q["interval"]; ok {
		interval = q.Get("interval")
	}

	buckets, err := a.query.Stats(r.Context(), deviceID, interval, start, end)
	if err != nil {
		a.respondServiceError(w, r, err)
		return
	}
	a.respond(w, r, http.StatusOK, buckets)
}

func timeBounds(q url.Values) (*time.Time, *time.Time, error) {
	start, err := parseTimeParam(q, "start")
	if err != nil {
		return nil, nil, err
	}
	end, err := parseTimeParam(q, "end")
	if err != nil {
		return nil, nil, err
	}
	return start, end, nil
}

func parseTimeParam(q url.Values, name string) (*time.Time, error) {
	v := strings.TrimSpace(q.Get(name))
	if v == "" {
		return nil, nil
	}
	// an unescaped "+" in a zone offset arrives as a space
	if i := strings.LastIndexByte(v, ' '); i > 10 {
		v = v[:i] + "+" + v[i+1:]
	}
	if t, ok := parseTimestamp(v); ok {
		return &t, nil
	}
	return nil, validation.Fail(name, v, fmt.Sprintf("must be an ISO 8601 timestamp, e.g. %s", time.RFC3339))
}
