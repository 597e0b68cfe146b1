// Package store provides the telemetry storage backends: embedded SQLite,
// PostgreSQL/TimescaleDB and InfluxDB 2.x.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"microclimate/telemetry-server/internal/telemetry"
)

// Backend is a telemetry.Store with lifecycle hooks.
type Backend interface {
	telemetry.Store
	InitSchema(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

var (
	_ Backend = (*SQLiteStore)(nil)
	_ Backend = (*PostgresStore)(nil)
	_ Backend = (*InfluxStore)(nil)
)

// Kind names a storage engine.
type Kind string

const (
	KindSQLite   Kind = "sqlite"
	KindPostgres Kind = "postgres"
	KindInflux   Kind = "influxdb"
)

// Options carries the settings needed by backends that take more than a URL.
type Options struct {
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string
}

// KindOf reports which engine dsn selects. postgres:// and postgresql://
// select PostgreSQL, http:// and https:// select InfluxDB, anything else
// (sqlite://path, file:path or a bare path) selects SQLite.
func KindOf(dsn string) Kind {
	scheme := ""
	if i := strings.Index(dsn, "://"); i > 0 {
		scheme = strings.ToLower(dsn[:i])
	}
	switch scheme {
	case "postgres", "postgresql":
		return KindPostgres
	case "http", "https":
		return KindInflux
	default:
		return KindSQLite
	}
}

// SQLitePath extracts the filesystem path from a SQLite dsn.
func SQLitePath(dsn string) string {
	switch {
	case strings.HasPrefix(dsn, "sqlite://"):
		return strings.TrimPrefix(dsn, "sqlite://")
	case strings.HasPrefix(dsn, "file:"):
		return strings.TrimPrefix(dsn, "file:")
	default:
		return dsn
	}
}

// Open connects to the backend selected by dsn. The schema is not touched;
// callers run InitSchema once at startup.
func Open(ctx context.Context, dsn string, opts Options, logger *slog.Logger) (Backend, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database url is empty")
	}
	kind := KindOf(dsn)
	logger = logger.With("component", "store", "backend", string(kind))

	switch kind {
	case KindPostgres:
		return OpenPostgres(ctx, dsn, logger)
	case KindInflux:
		u, err := url.Parse(dsn)
		if err != nil {
			return nil, fmt.Errorf("parse influxdb url: %w", err)
		}
		return OpenInflux(ctx, InfluxConfig{
			URL:    u.Scheme + "://" + u.Host,
			Token:  opts.InfluxToken,
			Org:    opts.InfluxOrg,
			Bucket: opts.InfluxBucket,
		}, logger)
	default:
		path := SQLitePath(dsn)
		if path == "" {
			return nil, fmt.Errorf("sqlite path is empty")
		}
		return OpenSQLite(path)
	}
}
