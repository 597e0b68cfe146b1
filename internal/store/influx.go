package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/query"
	"github.com/influxdata/influxdb-client-go/v2/domain"

	"microclimate/telemetry-server/internal/model"
	"microclimate/telemetry-server/internal/telemetry"
)

const measurement = "telemetry"

// Open-ended ranges are closed with these instants because Flux range()
// needs explicit bounds.
var (
	fluxMinTime = time.Unix(0, 0).UTC()
	fluxMaxTime = time.Date(2262, time.January, 1, 0, 0, 0, 0, time.UTC)
)

// InfluxConfig locates an InfluxDB 2.x bucket.
type InfluxConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// InfluxStore keeps readings as points of the "telemetry" measurement tagged
// with device_id. InfluxDB replaces points sharing series and timestamp, which
// gives the same last-write-wins behavior as the SQL backends.
type InfluxStore struct {
	client influxdb2.Client
	cfg    InfluxConfig
	logger *slog.Logger
}

// OpenInflux creates a client and checks the server health.
func OpenInflux(ctx context.Context, cfg InfluxConfig, logger *slog.Logger) (*InfluxStore, error) {
	if cfg.Org == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("influxdb: org and bucket are required")
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("influxdb unreachable: %w", err)
	}
	if health.Status != domain.HealthCheckStatusPass {
		client.Close()
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return nil, fmt.Errorf("influxdb health check failed: %s", msg)
	}

	return &InfluxStore{client: client, cfg: cfg, logger: logger}, nil
}

// Close releases the client.
func (s *InfluxStore) Close() error {
	s.client.Close()
	return nil
}

// Ping verifies the server is reachable.
func (s *InfluxStore) Ping(ctx context.Context) error {
	ok, err := s.client.Ping(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("influxdb ping failed")
	}
	return nil
}

// InitSchema creates the configured bucket when it does not exist yet.
func (s *InfluxStore) InitSchema(ctx context.Context) error {
	buckets := s.client.BucketsAPI()
	if _, err := buckets.FindBucketByName(ctx, s.cfg.Bucket); err == nil {
		return nil
	} else if !strings.Contains(err.Error(), "not found") {
		return fmt.Errorf("check bucket %q: %w", s.cfg.Bucket, err)
	}

	org, err := s.client.OrganizationsAPI().FindOrganizationByName(ctx, s.cfg.Org)
	if err != nil {
		return fmt.Errorf("find organization %q: %w", s.cfg.Org, err)
	}
	if _, err := buckets.CreateBucketWithName(ctx, org, s.cfg.Bucket); err != nil {
		return fmt.Errorf("create bucket %q: %w", s.cfg.Bucket, err)
	}
	s.logger.Info("influxdb bucket created", "bucket", s.cfg.Bucket, "org", s.cfg.Org)
	return nil
}

// Insert writes r as a single point.
func (s *InfluxStore) Insert(ctx context.Context, r model.Reading) (model.Reading, error) {
	p := influxdb2.NewPoint(
		measurement,
		map[string]string{"device_id": r.DeviceID},
		map[string]interface{}{"temperature": r.Temperature, "humidity": r.Humidity},
		r.Timestamp,
	)
	if err := s.client.WriteAPIBlocking(s.cfg.Org, s.cfg.Bucket).WritePoint(ctx, p); err != nil {
		return model.Reading{}, fmt.Errorf("write point: %w", err)
	}
	return r, nil
}

// QueryRange returns readings of one device ordered by timestamp descending.
func (s *InfluxStore) QueryRange(ctx context.Context, q telemetry.RangeQuery) ([]model.Reading, error) {
	result, err := s.client.QueryAPI(s.cfg.Org).Query(ctx, rangeFlux(s.cfg.Bucket, q))
	if err != nil {
		return nil, fmt.Errorf("query readings: %w", err)
	}
	defer result.Close()

	readings := make([]model.Reading, 0, min(q.Limit, 256))
	for result.Next() {
		rec := result.Record()
		temp, hum, err := recordFields(rec)
		if err != nil {
			return nil, err
		}
		readings = append(readings, model.Reading{
			DeviceID:    q.DeviceID,
			Temperature: temp,
			Humidity:    hum,
			Timestamp:   rec.Time().UTC(),
		})
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("iterate readings: %w", err)
	}
	return readings, nil
}

// Aggregate computes per-bucket means with aggregateWindow, shifted so window
// boundaries line up with telemetry.BucketOrigin.
func (s *InfluxStore) Aggregate(ctx context.Context, q telemetry.AggregateQuery) ([]model.AggregateBucket, error) {
	if q.Interval.Seconds() <= 0 {
		return nil, fmt.Errorf("aggregate: bucket width below one second")
	}
	result, err := s.client.QueryAPI(s.cfg.Org).Query(ctx, aggregateFlux(s.cfg.Bucket, q))
	if err != nil {
		return nil, fmt.Errorf("aggregate readings: %w", err)
	}
	defer result.Close()

	var buckets []model.AggregateBucket
	for result.Next() {
		b, err := aggregateRecord(result.Record(), q.Interval.Duration())
		if err != nil {
			return nil, err
		}
		buckets = append(buckets, b)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("iterate buckets: %w", err)
	}
	return buckets, nil
}

// aggregateRecord converts one aggregateWindow row. The first window is cut
// off at the range start, so its _start is realigned to the bucket it lies in.
func aggregateRecord(rec *query.FluxRecord, width time.Duration) (model.AggregateBucket, error) {
	temp, hum, err := recordFields(rec)
	if err != nil {
		return model.AggregateBucket{}, err
	}
	return model.AggregateBucket{
		Bucket:         telemetry.BucketStart(rec.Time(), width),
		AvgTemperature: temp,
		AvgHumidity:    hum,
	}, nil
}

func recordFields(rec *query.FluxRecord) (float64, float64, error) {
	temp, ok := rec.ValueByKey("temperature").(float64)
	if !ok {
		return 0, 0, fmt.Errorf("record at %s has no temperature", rec.Time())
	}
	hum, ok := rec.ValueByKey("humidity").(float64)
	if !ok {
		return 0, 0, fmt.Errorf("record at %s has no humidity", rec.Time())
	}
	return temp, hum, nil
}

func rangeFlux(bucket string, q telemetry.RangeQuery) string {
	return fmt.Sprintf(`from(bucket: %s)
	|> range(start: %s, stop: %s)
	|> filter(fn: (r) => r["_measurement"] == %s and r["device_id"] == %s)
	|> pivot(rowKey: ["_time"], columnKey: ["_field"], valueColumn: "_value")
	|> group()
	|> sort(columns: ["_time"], desc: true)
	|> limit(n: %d)`,
		fluxString(bucket), fluxStart(q.Start), fluxStop(q.End),
		fluxString(measurement), fluxString(q.DeviceID), q.Limit)
}

func aggregateFlux(bucket string, q telemetry.AggregateQuery) string {
	every := q.Interval.Seconds()
	offset := BucketOriginOffset(every)
	return fmt.Sprintf(`from(bucket: %s)
	|> range(start: %s, stop: %s)
	|> filter(fn: (r) => r["_measurement"] == %s and r["device_id"] == %s)
	|> filter(fn: (r) => r["_field"] == "temperature" or r["_field"] == "humidity")
	|> aggregateWindow(every: %ds, offset: %ds, fn: mean, createEmpty: false, timeSrc: "_start")
	|> pivot(rowKey: ["_time"], columnKey: ["_field"], valueColumn: "_value")
	|> group()
	|> sort(columns: ["_time"], desc: true)`,
		fluxString(bucket), fluxStart(q.Start), fluxStop(q.End),
		fluxString(measurement), fluxString(q.DeviceID), every, offset)
}

// BucketOriginOffset returns the window offset, in seconds, that moves
// epoch-aligned windows of the given width onto telemetry.BucketOrigin.
func BucketOriginOffset(everySeconds int64) int64 {
	return telemetry.BucketOrigin.Unix() % everySeconds
}

func fluxStart(t *time.Time) string {
	if t == nil {
		return fluxMinTime.Format(time.RFC3339Nano)
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// fluxStop turns an inclusive end into range()'s exclusive stop.
func fluxStop(t *time.Time) string {
	if t == nil {
		return fluxMaxTime.Format(time.RFC3339Nano)
	}
	return t.UTC().Add(time.Nanosecond).Format(time.RFC3339Nano)
}

// fluxString quotes s as a Flux string literal.
func fluxString(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, `${`, `\${`)
	return `"` + r.Replace(s) + `"`
}
