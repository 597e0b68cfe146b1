package store

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"microclimate/telemetry-server/internal/model"
	"microclimate/telemetry-server/internal/telemetry"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "data", "telemetry.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema() error: %v", err)
	}
	return s
}

func mustInsert(t *testing.T, s *SQLiteStore, r model.Reading) {
	t.Helper()
	if _, err := s.Insert(context.Background(), r); err != nil {
		t.Fatalf("Insert(%+v) error: %v", r, err)
	}
}

func mustInterval(t *testing.T, s string) telemetry.Interval {
	t.Helper()
	iv, err := telemetry.ParseInterval(s)
	if err != nil {
		t.Fatalf("ParseInterval(%q) error: %v", s, err)
	}
	return iv
}

var base = time.Date(2026, 2, 27, 10, 0, 0, 0, time.UTC)

func TestSQLite_InsertAndList(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	ts := base.Add(5*time.Minute + 123456*time.Microsecond)
	stored, err := s.Insert(ctx, model.Reading{DeviceID: "n1", Temperature: 24.1, Humidity: 60, Timestamp: ts})
	if err != nil {
		t.Fatalf("Insert() error: %v", err)
	}
	if !stored.Timestamp.Equal(ts) {
		t.Errorf("stored timestamp = %v, want %v", stored.Timestamp, ts)
	}

	got, err := s.QueryRange(ctx, telemetry.RangeQuery{DeviceID: "n1", Limit: 10})
	if err != nil {
		t.Fatalf("QueryRange() error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("QueryRange() returned %d readings, want 1", len(got))
	}
	r := got[0]
	if r.DeviceID != "n1" || r.Temperature != 24.1 || r.Humidity != 60 || !r.Timestamp.Equal(ts) {
		t.Errorf("QueryRange()[0] = %+v", r)
	}
	if r.Timestamp.Location() != time.UTC {
		t.Errorf("timestamp location = %v, want UTC", r.Timestamp.Location())
	}

	other, err := s.QueryRange(ctx, telemetry.RangeQuery{DeviceID: "n2", Limit: 10})
	if err != nil {
		t.Fatalf("QueryRange(n2) error: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("QueryRange(n2) returned %d readings, want 0", len(other))
	}
}

func TestSQLite_CollisionLastWriteWins(t *testing.T) {
	s := newTestSQLite(t)
	mustInsert(t, s, model.Reading{DeviceID: "n1", Temperature: 20, Humidity: 40, Timestamp: base})
	mustInsert(t, s, model.Reading{DeviceID: "n1", Temperature: 21, Humidity: 41, Timestamp: base})

	got, err := s.QueryRange(context.Background(), telemetry.RangeQuery{DeviceID: "n1", Limit: 10})
	if err != nil {
		t.Fatalf("QueryRange() error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("QueryRange() returned %d readings, want 1", len(got))
	}
	if got[0].Temperature != 21 || got[0].Humidity != 41 {
		t.Errorf("collision kept %+v, want the later write", got[0])
	}
}

func TestSQLite_OrderBoundsAndLimit(t *testing.T) {
	s := newTestSQLite(t)
	for i := 0; i < 5; i++ {
		mustInsert(t, s, model.Reading{DeviceID: "n1", Temperature: float64(i), Humidity: 50, Timestamp: base.Add(time.Duration(i) * time.Minute)})
	}
	ctx := context.Background()

	all, err := s.QueryRange(ctx, telemetry.RangeQuery{DeviceID: "n1", Limit: 100})
	if err != nil {
		t.Fatalf("QueryRange() error: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("QueryRange() returned %d readings, want 5", len(all))
	}
	for i := 1; i < len(all); i++ {
		if !all[i-1].Timestamp.After(all[i].Timestamp) {
			t.Fatalf("readings not newest first: %v then %v", all[i-1].Timestamp, all[i].Timestamp)
		}
	}

	start := base.Add(1 * time.Minute)
	end := base.Add(3 * time.Minute)
	bounded, err := s.QueryRange(ctx, telemetry.RangeQuery{DeviceID: "n1", Start: &start, End: &end, Limit: 100})
	if err != nil {
		t.Fatalf("QueryRange(bounded) error: %v", err)
	}
	if len(bounded) != 3 {
		t.Fatalf("bounded query returned %d readings, want 3 (inclusive bounds)", len(bounded))
	}
	if !bounded[0].Timestamp.Equal(end) || !bounded[2].Timestamp.Equal(start) {
		t.Errorf("bounded range = %v .. %v", bounded[2].Timestamp, bounded[0].Timestamp)
	}

	limited, err := s.QueryRange(ctx, telemetry.RangeQuery{DeviceID: "n1", Limit: 2})
	if err != nil {
		t.Fatalf("QueryRange(limit) error: %v", err)
	}
	if len(limited) != 2 || limited[0].Temperature != 4 {
		t.Errorf("limited query = %+v, want the two newest", limited)
	}
}

func TestSQLite_AggregateBuckets(t *testing.T) {
	s := newTestSQLite(t)
	mustInsert(t, s, model.Reading{DeviceID: "n1", Temperature: 20, Humidity: 40, Timestamp: base.Add(5 * time.Minute)})
	mustInsert(t, s, model.Reading{DeviceID: "n1", Temperature: 22, Humidity: 60, Timestamp: base.Add(50 * time.Minute)})
	mustInsert(t, s, model.Reading{DeviceID: "n1", Temperature: 30, Humidity: 70, Timestamp: base.Add(70 * time.Minute)})
	mustInsert(t, s, model.Reading{DeviceID: "n2", Temperature: 99, Humidity: 99, Timestamp: base.Add(10 * time.Minute)})

	got, err := s.Aggregate(context.Background(), telemetry.AggregateQuery{DeviceID: "n1", Interval: mustInterval(t, "1h")})
	if err != nil {
		t.Fatalf("Aggregate() error: %v", err)
	}

	want := []model.AggregateBucket{
		{Bucket: base.Add(time.Hour), AvgTemperature: 30, AvgHumidity: 70},
		{Bucket: base, AvgTemperature: 21, AvgHumidity: 50},
	}
	if len(got) != len(want) {
		t.Fatalf("Aggregate() returned %d buckets, want %d: %+v", len(got), len(want), got)
	}
	for i := range want {
		if !got[i].Bucket.Equal(want[i].Bucket) || got[i].AvgTemperature != want[i].AvgTemperature || got[i].AvgHumidity != want[i].AvgHumidity {
			t.Errorf("bucket[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestSQLite_AggregateAlignsToOrigin(t *testing.T) {
	s := newTestSQLite(t)
	ts := time.Date(2026, 2, 27, 13, 17, 0, 0, time.UTC)
	mustInsert(t, s, model.Reading{DeviceID: "n1", Temperature: 10, Humidity: 10, Timestamp: ts})
	before := time.Date(1999, 12, 31, 23, 59, 0, 0, time.UTC)
	mustInsert(t, s, model.Reading{DeviceID: "old", Temperature: 10, Humidity: 10, Timestamp: before})

	for _, iv := range []string{"7h", "1 week", "90m"} {
		interval := mustInterval(t, iv)
		for dev, at := range map[string]time.Time{"n1": ts, "old": before} {
			got, err := s.Aggregate(context.Background(), telemetry.AggregateQuery{DeviceID: dev, Interval: interval})
			if err != nil {
				t.Fatalf("Aggregate(%s) error: %v", iv, err)
			}
			if len(got) != 1 {
				t.Fatalf("Aggregate(%s) returned %d buckets, want 1", iv, len(got))
			}
			if want := telemetry.BucketStart(at, interval.Duration()); !got[0].Bucket.Equal(want) {
				t.Errorf("Aggregate(%s, %s) bucket = %v, want %v", iv, dev, got[0].Bucket, want)
			}
		}
	}
}

func TestSQLite_StatsWindowThroughService(t *testing.T) {
	s := newTestSQLite(t)
	mustInsert(t, s, model.Reading{DeviceID: "n1", Temperature: 20, Humidity: 50, Timestamp: base})

	now := base.Add(3 * time.Hour)
	svc := telemetry.NewQueryService(s, slog.New(slog.NewTextHandler(io.Discard, nil)),
		telemetry.WithClock(func() time.Time { return now }))
	ctx := context.Background()

	got, err := svc.Stats(ctx, "n1", "1h", nil, nil)
	if err != nil {
		t.Fatalf("Stats() error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Stats() without start = %+v, want no buckets for stale data", got)
	}

	start := base.Add(-24 * time.Hour)
	got, err = svc.Stats(ctx, "n1", "1h", &start, nil)
	if err != nil {
		t.Fatalf("Stats(start) error: %v", err)
	}
	if len(got) != 1 || !got[0].Bucket.Equal(base) {
		t.Errorf("Stats(start) = %+v, want one bucket at %v", got, base)
	}

	empty, err := svc.Stats(ctx, "unknown", "1h", nil, nil)
	if err != nil {
		t.Fatalf("Stats(unknown) error: %v", err)
	}
	if empty == nil || len(empty) != 0 {
		t.Errorf("Stats(unknown) = %#v, want empty slice", empty)
	}
}

func TestSQLite_PingAndClose(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "t.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() error: %v", err)
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}
	if err := s.Ping(context.Background()); err == nil {
		t.Error("Ping() after Close() should fail")
	}
}
