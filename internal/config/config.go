package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config lists the tunable parameters for the telemetry server.
type Config struct {
	HTTPPort        int
	MetricsPort     int
	MQTTBindAddress string
	StorageURL      string
	InfluxToken     string
	InfluxOrg       string
	InfluxBucket    string
	IngestAPIKey    string
	QueryAPIKey     string
	LogLevel        string
	LogFormat       string
	MDNS            bool
	RequestTimeout  time.Duration
	CORSOrigins     []string
}

const (
	defaultHTTPPort        = 8080
	defaultMetricsPort     = 9090
	defaultMQTTBindAddress = ":1883"
	defaultStorageURL      = "sqlite://data/microclimate.db"
	defaultInfluxBucket    = "telemetry"
	defaultLogLevel        = "info"
	defaultLogFormat       = "text"
	defaultRequestTimeout  = 5 * time.Second
)

const envPrefix = "MICROCLIMATE_"

// Load derives configuration values from environment variables, falling back
// to defaults. Variables from a .env file (or MICROCLIMATE_ENV_FILE) are
// applied first without overriding the real environment.
func Load() (Config, error) {
	envFile := os.Getenv(envPrefix + "ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load %s: %w", envFile, err)
	}

	cfg := Config{
		HTTPPort:        defaultHTTPPort,
		MetricsPort:     defaultMetricsPort,
		MQTTBindAddress: defaultMQTTBindAddress,
		StorageURL:      defaultStorageURL,
		InfluxBucket:    defaultInfluxBucket,
		LogLevel:        defaultLogLevel,
		LogFormat:       defaultLogFormat,
		RequestTimeout:  defaultRequestTimeout,
	}

	var err error
	if cfg.HTTPPort, err = intVar("HTTP_PORT", cfg.HTTPPort); err != nil {
		return Config{}, err
	}
	if cfg.MetricsPort, err = intVar("METRICS_PORT", cfg.MetricsPort); err != nil {
		return Config{}, err
	}

	// an explicitly empty bind address disables the broker
	if v, ok := os.LookupEnv(envPrefix + "MQTT_BIND"); ok {
		cfg.MQTTBindAddress = strings.TrimSpace(v)
	}

	if v := os.Getenv(envPrefix + "STORAGE_URL"); v != "" {
		cfg.StorageURL = v
	}
	cfg.InfluxToken = os.Getenv(envPrefix + "INFLUX_TOKEN")
	cfg.InfluxOrg = os.Getenv(envPrefix + "INFLUX_ORG")
	if v := os.Getenv(envPrefix + "INFLUX_BUCKET"); v != "" {
		cfg.InfluxBucket = v
	}

	cfg.IngestAPIKey = os.Getenv(envPrefix + "INGEST_API_KEY")
	cfg.QueryAPIKey = os.Getenv(envPrefix + "QUERY_API_KEY")

	if v := os.Getenv(envPrefix + "LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv(envPrefix + "LOG_FORMAT"); v != "" {
		cfg.LogFormat = strings.ToLower(v)
	}

	if v := os.Getenv(envPrefix + "MDNS"); v != "" {
		cfg.MDNS, err = strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %sMDNS: %w", envPrefix, err)
		}
	}

	if v := os.Getenv(envPrefix + "REQUEST_TIMEOUT"); v != "" {
		cfg.RequestTimeout, err = time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %sREQUEST_TIMEOUT: %w", envPrefix, err)
		}
	}

	if v := os.Getenv(envPrefix + "CORS_ORIGINS"); v != "" {
		for _, origin := range strings.Split(v, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				cfg.CORSOrigins = append(cfg.CORSOrigins, origin)
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks settings that have no usable default.
func (c Config) Validate() error {
	if c.IngestAPIKey == "" {
		return fmt.Errorf("%sINGEST_API_KEY is required", envPrefix)
	}
	if c.QueryAPIKey == "" {
		return fmt.Errorf("%sQUERY_API_KEY is required", envPrefix)
	}
	if c.IngestAPIKey == c.QueryAPIKey {
		return fmt.Errorf("%sINGEST_API_KEY and %sQUERY_API_KEY must differ", envPrefix, envPrefix)
	}
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid %sHTTP_PORT %d", envPrefix, c.HTTPPort)
	}
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		return fmt.Errorf("invalid %sMETRICS_PORT %d", envPrefix, c.MetricsPort)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("%sREQUEST_TIMEOUT must be positive", envPrefix)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid %sLOG_FORMAT %q", envPrefix, c.LogFormat)
	}
	return nil
}

func intVar(name string, def int) (int, error) {
	v := os.Getenv(envPrefix + name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s%s: %w", envPrefix, name, err)
	}
	return n, nil
}
