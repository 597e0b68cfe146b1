package telemetry

import (
	"context"
	"log/slog"
	"time"

	"microclimate/telemetry-server/internal/metrics"
	"microclimate/telemetry-server/internal/model"
	"microclimate/telemetry-server/internal/validation"
)

// Option customizes a service.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the time source used for defaulted timestamps and the
// stats window.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// IngestService validates inbound readings and hands them to the store.
type IngestService struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewIngestService constructs an IngestService backed by store.
func NewIngestService(store Store, logger *slog.Logger, opts ...Option) *IngestService {
	o := buildOptions(opts)
	return &IngestService{store: store, logger: logger, now: o.now}
}

// Submit validates raw, fills in a missing timestamp with the current UTC time
// and persists the reading. Validation failures are returned as
// *validation.RequestValidationError before the store is touched; store
// failures as *StorageError.
func (s *IngestService) Submit(ctx context.Context, raw model.RawReading) (model.Reading, error) {
	if err := validation.ValidateStruct(raw); err != nil {
		metrics.IngestedReadings.WithLabelValues("rejected").Inc()
		s.logger.Debug("reading rejected", "device_id", raw.DeviceID, "error", err)
		return model.Reading{}, err
	}

	ts := s.now()
	if raw.Timestamp != nil && !raw.Timestamp.IsZero() {
		ts = *raw.Timestamp
	}

	reading := model.Reading{
		DeviceID:    raw.DeviceID,
		Temperature: *raw.Temperature,
		Humidity:    *raw.Humidity,
		Timestamp:   ts.UTC().Truncate(time.Microsecond),
	}

	start := time.Now()
	stored, err := s.store.Insert(ctx, reading)
	metrics.ObserveStore("insert", start, err)
	if err != nil {
		metrics.IngestedReadings.WithLabelValues("failed").Inc()
		s.logger.Error("failed to persist reading", "device_id", reading.DeviceID, "timestamp", reading.Timestamp, "error", err)
		return model.Reading{}, &StorageError{Op: "insert", Err: err}
	}

	metrics.IngestedReadings.WithLabelValues("stored").Inc()
	s.logger.Debug("reading stored", "device_id", stored.DeviceID, "timestamp", stored.Timestamp)
	return stored, nil
}
