package store

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"microclimate/telemetry-server/internal/model"
	"microclimate/telemetry-server/internal/telemetry"
)

// PostgresStore keeps readings in PostgreSQL. When the TimescaleDB extension
// is available the table is a hypertable and buckets come from time_bucket;
// otherwise the built-in date_bin is used with the same origin.
type PostgresStore struct {
	pool      *pgxpool.Pool
	logger    *slog.Logger
	timescale bool
}

// OpenPostgres creates a connection pool and verifies the server is reachable.
func OpenPostgres(ctx context.Context, url string, logger *slog.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("configure postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres unreachable: %w", err)
	}
	return &PostgresStore{pool: pool, logger: logger}, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Ping verifies the server is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// InitSchema creates the telemetry table and, when possible, turns it into a
// TimescaleDB hypertable partitioned on timestamp.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	const table = `CREATE TABLE IF NOT EXISTS telemetry (
		device_id VARCHAR(100) NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL,
		temperature DOUBLE PRECISION NOT NULL,
		humidity DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (device_id, timestamp)
	)`

	if _, err := s.pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS timescaledb`); err != nil {
		s.logger.Warn("timescaledb extension unavailable, using plain table", "error", err)
	}

	if _, err := s.pool.Exec(ctx, table); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}

	var installed bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'timescaledb')`).Scan(&installed)
	if err != nil {
		return fmt.Errorf("detect timescaledb: %w", err)
	}
	if !installed {
		return nil
	}

	if _, err := s.pool.Exec(ctx, `SELECT create_hypertable('telemetry', 'timestamp', if_not_exists => TRUE)`); err != nil {
		return fmt.Errorf("create hypertable: %w", err)
	}
	s.timescale = true
	s.logger.Info("telemetry hypertable ready")
	return nil
}

// Insert persists r, replacing any reading with the same device id and timestamp.
func (s *PostgresStore) Insert(ctx context.Context, r model.Reading) (model.Reading, error) {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO telemetry (device_id, timestamp, temperature, humidity) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (device_id, timestamp)
		 DO UPDATE SET temperature = EXCLUDED.temperature, humidity = EXCLUDED.humidity`,
		r.DeviceID, r.Timestamp, r.Temperature, r.Humidity,
	)
	if err != nil {
		return model.Reading{}, fmt.Errorf("insert reading: %w", err)
	}
	return r, nil
}

// QueryRange returns readings of one device ordered by timestamp descending.
func (s *PostgresStore) QueryRange(ctx context.Context, q telemetry.RangeQuery) ([]model.Reading, error) {
	where, args := pgWhere(q.DeviceID, q.Start, q.End, 1)
	args = append(args, q.Limit)
	query := `SELECT device_id, timestamp, temperature, humidity FROM telemetry WHERE ` + where +
		` ORDER BY timestamp DESC LIMIT $` + strconv.Itoa(len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query readings: %w", err)
	}
	defer rows.Close()

	readings := make([]model.Reading, 0, min(q.Limit, 256))
	for rows.Next() {
		var r model.Reading
		if err := rows.Scan(&r.DeviceID, &r.Timestamp, &r.Temperature, &r.Humidity); err != nil {
			return nil, fmt.Errorf("scan reading: %w", err)
		}
		r.Timestamp = r.Timestamp.UTC()
		readings = append(readings, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate readings: %w", err)
	}
	return readings, nil
}

// Aggregate computes per-bucket means. The bucket width is bound as an
// interval parameter, never spliced into the statement.
func (s *PostgresStore) Aggregate(ctx context.Context, q telemetry.AggregateQuery) ([]model.AggregateBucket, error) {
	width := pgtype.Interval{Microseconds: q.Interval.Duration().Microseconds(), Valid: true}

	where, args := pgWhere(q.DeviceID, q.Start, q.End, 3)
	args = append([]any{width, telemetry.BucketOrigin}, args...)
	query := aggregateSQL(s.timescale, where)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("aggregate readings: %w", err)
	}
	defer rows.Close()

	var buckets []model.AggregateBucket
	for rows.Next() {
		var b model.AggregateBucket
		if err := rows.Scan(&b.Bucket, &b.AvgTemperature, &b.AvgHumidity); err != nil {
			return nil, fmt.Errorf("scan bucket: %w", err)
		}
		b.Bucket = b.Bucket.UTC()
		buckets = append(buckets, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate buckets: %w", err)
	}
	return buckets, nil
}

func aggregateSQL(timescale bool, where string) string {
	bucketFn := "date_bin"
	if timescale {
		bucketFn = "time_bucket"
	}
	return `SELECT ` + bucketFn + `($1::interval, timestamp, $2::timestamptz) AS bucket,
		avg(temperature), avg(humidity)
		FROM telemetry WHERE ` + where + `
		GROUP BY bucket
		ORDER BY bucket DESC`
}

// pgWhere builds the device/time filter with placeholders numbered from first.
func pgWhere(deviceID string, start, end *time.Time, first int) (string, []any) {
	n := first
	conds := []string{"device_id = $" + strconv.Itoa(n)}
	args := []any{deviceID}
	if start != nil {
		n++
		conds = append(conds, "timestamp >= $"+strconv.Itoa(n))
		args = append(args, *start)
	}
	if end != nil {
		n++
		conds = append(conds, "timestamp <= $"+strconv.Itoa(n))
		args = append(args, *end)
	}
	return strings.Join(conds, " AND "), args
}
