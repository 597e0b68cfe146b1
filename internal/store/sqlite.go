package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"microclimate/telemetry-server/internal/model"
	"microclimate/telemetry-server/internal/telemetry"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps readings in an embedded SQLite database. Timestamps are
// stored as integer microseconds since the Unix epoch so range scans and
// bucketing stay in integer arithmetic.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite initializes the database connection, creating directories as needed.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	return s.db.PingContext(ctx)
}

// InitSchema ensures the telemetry table exists.
func (s *SQLiteStore) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS telemetry (
			device_id TEXT NOT NULL CHECK (length(device_id) BETWEEN 1 AND 100),
			timestamp_us INTEGER NOT NULL,
			temperature REAL NOT NULL,
			humidity REAL NOT NULL,
			received_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
			PRIMARY KEY (device_id, timestamp_us)
		) WITHOUT ROWID;`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}

	return nil
}

// Insert persists r, replacing any reading with the same device id and timestamp.
func (s *SQLiteStore) Insert(ctx context.Context, r model.Reading) (model.Reading, error) {
	if s.db == nil {
		return model.Reading{}, fmt.Errorf("store not initialized")
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO telemetry (device_id, timestamp_us, temperature, humidity) VALUES (?, ?, ?, ?)
		 ON CONFLICT(device_id, timestamp_us)
		 DO UPDATE SET temperature = excluded.temperature,
				 humidity = excluded.humidity,
				 received_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now');`,
		r.DeviceID,
		r.Timestamp.UnixMicro(),
		r.Temperature,
		r.Humidity,
	)
	if err != nil {
		return model.Reading{}, fmt.Errorf("insert reading: %w", err)
	}

	r.Timestamp = time.UnixMicro(r.Timestamp.UnixMicro()).UTC()
	return r, nil
}

// QueryRange returns readings of one device ordered by timestamp descending.
func (s *SQLiteStore) QueryRange(ctx context.Context, q telemetry.RangeQuery) ([]model.Reading, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	where, args := sqliteWhere(q.DeviceID, q.Start, q.End)
	query := `SELECT device_id, timestamp_us, temperature, humidity FROM telemetry WHERE ` + where +
		` ORDER BY timestamp_us DESC LIMIT ?;`
	args = append(args, q.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query readings: %w", err)
	}
	defer rows.Close()

	readings := make([]model.Reading, 0, min(q.Limit, 256))
	for rows.Next() {
		var (
			r  model.Reading
			us int64
		)
		if err := rows.Scan(&r.DeviceID, &us, &r.Temperature, &r.Humidity); err != nil {
			return nil, fmt.Errorf("scan reading: %w", err)
		}
		r.Timestamp = time.UnixMicro(us).UTC()
		readings = append(readings, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate readings: %w", err)
	}

	return readings, nil
}

// Aggregate groups readings into buckets aligned to telemetry.BucketOrigin.
// The bucket width is bound as an integer parameter.
func (s *SQLiteStore) Aggregate(ctx context.Context, q telemetry.AggregateQuery) ([]model.AggregateBucket, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	width := q.Interval.Duration().Microseconds()
	if width <= 0 {
		return nil, fmt.Errorf("aggregate: non-positive bucket width %d", width)
	}
	origin := telemetry.BucketOrigin.UnixMicro()

	where, whereArgs := sqliteWhere(q.DeviceID, q.Start, q.End)
	// floor((ts - origin) / width) * width + origin, correct for ts before origin
	query := `SELECT ? + (off - (((off % ?) + ?) % ?)) AS bucket_us, AVG(temperature), AVG(humidity)
		FROM (SELECT timestamp_us - ? AS off, temperature, humidity FROM telemetry WHERE ` + where + `)
		GROUP BY bucket_us
		ORDER BY bucket_us DESC;`
	args := append([]any{origin, width, width, width, origin}, whereArgs...)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("aggregate readings: %w", err)
	}
	defer rows.Close()

	var buckets []model.AggregateBucket
	for rows.Next() {
		var (
			b  model.AggregateBucket
			us int64
		)
		if err := rows.Scan(&us, &b.AvgTemperature, &b.AvgHumidity); err != nil {
			return nil, fmt.Errorf("scan bucket: %w", err)
		}
		b.Bucket = time.UnixMicro(us).UTC()
		buckets = append(buckets, b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate buckets: %w", err)
	}

	return buckets, nil
}

func sqliteWhere(deviceID string, start, end *time.Time) (string, []any) {
	conds := []string{"device_id = ?"}
	args := []any{deviceID}
	if start != nil {
		conds = append(conds, "timestamp_us >= ?")
		args = append(args, start.UnixMicro())
	}
	if end != nil {
		conds = append(conds, "timestamp_us <= ?")
		args = append(args, end.UnixMicro())
	}
	return strings.Join(conds, " AND "), args
}
