// Command device-sim publishes simulated temperature/humidity readings to the
// telemetry server over MQTT or HTTP.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"
)

func main() {
	mode := flag.String("mode", "mqtt", "Transport: mqtt or http")
	brokerAddr := flag.String("broker", "tcp://localhost:1883", "MQTT broker address, e.g. tcp://localhost:1883")
	serverURL := flag.String("url", "http://localhost:8080", "HTTP base URL of the telemetry server")
	apiKey := flag.String("api-key", os.Getenv("MICROCLIMATE_INGEST_API_KEY"), "Ingest API key")
	deviceID := flag.String("device-id", "sim-node-1", "Device identifier")
	interval := flag.Duration("interval", 5*time.Second, "Interval between published readings")
	count := flag.Int("count", 0, "Number of readings to send, 0 for unlimited")
	baseTemp := flag.Float64("base-temperature", 22, "Starting temperature in °C")
	baseHum := flag.Float64("base-humidity", 55, "Starting relative humidity in %")
	seed := flag.Int64("seed", time.Now().UnixNano(), "Random seed")

	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil)).With("device_id", *deviceID, "mode", *mode)

	if *apiKey == "" {
		logger.Error("an ingest API key is required (-api-key or MICROCLIMATE_INGEST_API_KEY)")
		os.Exit(2)
	}

	var (
		pub publisher
		err error
	)
	switch *mode {
	case "mqtt":
		pub, err = newMQTTPublisher(*brokerAddr, *deviceID, *apiKey)
	case "http":
		pub = newHTTPPublisher(*serverURL, *apiKey)
	default:
		err = fmt.Errorf("unknown mode %q", *mode)
	}
	if err != nil {
		logger.Error("failed to start publisher", "error", err)
		os.Exit(1)
	}
	defer pub.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	walk := newRandomWalk(*baseTemp, *baseHum, *seed)
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	sent := 0
	for {
		r := walk.next(*deviceID, time.Now())
		if err := pub.Publish(ctx, r); err != nil {
			logger.Warn("publish failed", "error", err)
		} else {
			sent++
			logger.Info("published reading", "temperature", r.Temperature, "humidity", r.Humidity)
		}

		if *count > 0 && sent >= *count {
			return
		}

		select {
		case <-ctx.Done():
			logger.Info("received shutdown signal, disconnecting")
			return
		case <-ticker.C:
		}
	}
}
