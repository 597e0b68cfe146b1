package telemetry

import (
	"context"
	"log/slog"
	"time"
	"unicode/utf8"

	"microclimate/telemetry-server/internal/metrics"
	"microclimate/telemetry-server/internal/model"
	"microclimate/telemetry-server/internal/validation"
)

const (
	// DefaultLimit applies when a list request gives no limit.
	DefaultLimit = 100
	// MaxLimit caps list results; larger limits are clamped.
	MaxLimit = 1000
)

// QueryService answers reading and stats queries for a single device.
type QueryService struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewQueryService constructs a QueryService backed by store.
func NewQueryService(store Store, logger *slog.Logger, opts ...Option) *QueryService {
	o := buildOptions(opts)
	return &QueryService{store: store, logger: logger, now: o.now}
}

// List returns up to limit readings of deviceID between the optional
// inclusive bounds, newest first. A zero limit means DefaultLimit.
func (s *QueryService) List(ctx context.Context, deviceID string, start, end *time.Time, limit int) ([]model.Reading, error) {
	if err := checkRange(deviceID, start, end); err != nil {
		return nil, err
	}
	switch {
	case limit < 0:
		return nil, validation.Fail("limit", limit, "must not be negative")
	case limit == 0:
		limit = DefaultLimit
	case limit > MaxLimit:
		limit = MaxLimit
	}

	began := time.Now()
	readings, err := s.store.QueryRange(ctx, RangeQuery{DeviceID: deviceID, Start: start, End: end, Limit: limit})
	metrics.ObserveStore("query_range", began, err)
	if err != nil {
		s.logger.Error("failed to list readings", "device_id", deviceID, "error", err)
		return nil, &StorageError{Op: "query range", Err: err}
	}
	if readings == nil {
		readings = []model.Reading{}
	}
	return readings, nil
}

// Stats groups the readings of deviceID into buckets of the given interval
// and returns per-bucket means, newest bucket first.
//
// When start is nil the readings are further restricted to the most recent
// interval (timestamp >= now - interval), so an idle device yields no
// buckets rather than stale ones.
func (s *QueryService) Stats(ctx context.Context, deviceID, interval string, start, end *time.Time) ([]model.AggregateBucket, error) {
	iv, err := ParseInterval(interval)
	if err != nil {
		return nil, err
	}
	if err := checkRange(deviceID, start, end); err != nil {
		return nil, err
	}

	q := AggregateQuery{DeviceID: deviceID, Interval: iv, Start: start, End: end}
	if start == nil {
		since := s.now().UTC().Add(-iv.Duration())
		q.Start = &since
	}

	began := time.Now()
	buckets, err := s.store.Aggregate(ctx, q)
	metrics.ObserveStore("aggregate", began, err)
	if err != nil {
		s.logger.Error("failed to compute stats", "device_id", deviceID, "interval", interval, "error", err)
		return nil, &StorageError{Op: "aggregate", Err: err}
	}
	if len(buckets) == 0 {
		s.logger.Info("no telemetry found", "device_id", deviceID, "interval", interval)
		return []model.AggregateBucket{}, nil
	}
	return buckets, nil
}

func checkRange(deviceID string, start, end *time.Time) error {
	if n := utf8.RuneCountInString(deviceID); n < 1 || n > 100 {
		return validation.Fail("device_id", deviceID, "must be between 1 and 100 characters")
	}
	if start != nil && end != nil && end.Before(*start) {
		return validation.Fail("end", end.Format(time.RFC3339Nano), "must not be before start")
	}
	return nil
}
