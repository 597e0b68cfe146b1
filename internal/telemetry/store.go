package telemetry

import (
	"context"
	"time"

	"microclimate/telemetry-server/internal/model"
)

// RangeQuery selects the readings of one device. Start and End are inclusive
// and optional.
type RangeQuery struct {
	DeviceID string
	Start    *time.Time
	End      *time.Time
	Limit    int
}

// AggregateQuery selects the readings of one device to be grouped into
// buckets of width Interval.
type AggregateQuery struct {
	DeviceID string
	Interval Interval
	Start    *time.Time
	End      *time.Time
}

// Store persists readings and answers range and bucketed queries.
//
// Insert overwrites an existing reading with the same device id and
// timestamp. QueryRange and Aggregate return results newest first;
// Aggregate only returns buckets containing at least one reading, with
// bucket starts aligned to BucketOrigin.
type Store interface {
	Insert(ctx context.Context, r model.Reading) (model.Reading, error)
	QueryRange(ctx context.Context, q RangeQuery) ([]model.Reading, error)
	Aggregate(ctx context.Context, q AggregateQuery) ([]model.AggregateBucket, error)
}
