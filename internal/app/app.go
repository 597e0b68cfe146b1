package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/grandcat/zeroconf"

	"microclimate/telemetry-server/internal/auth"
	"microclimate/telemetry-server/internal/config"
	"microclimate/telemetry-server/internal/mqttbroker"
	"microclimate/telemetry-server/internal/store"
	"microclimate/telemetry-server/internal/telemetry"
)

// App wires together the telemetry services and manages their lifecycle.
type App struct {
	cfg    config.Config
	logger *slog.Logger
	store  store.Backend
	gate   *auth.Gate
	ingest *telemetry.IngestService
	query  *telemetry.QueryService
	broker *mqttbroker.Broker
	mdns   *zeroconf.Server
	ready  atomic.Bool
}

// New constructs a new application instance.
func New(cfg config.Config, logger *slog.Logger) *App {
	return &App{cfg: cfg, logger: logger}
}

// wire builds the access gate and services on top of backend.
func (a *App) wire(backend store.Backend, opts ...telemetry.Option) error {
	gate, err := auth.NewGate(auth.Secrets{Ingest: a.cfg.IngestAPIKey, Query: a.cfg.QueryAPIKey}, a.logger)
	if err != nil {
		return err
	}
	a.store = backend
	a.gate = gate
	a.ingest = telemetry.NewIngestService(backend, a.logger.With("component", "ingest"), opts...)
	a.query = telemetry.NewQueryService(backend, a.logger.With("component", "query"), opts...)
	return nil
}

// Run starts all configured services and blocks until the context is cancelled or an error occurs.
func (a *App) Run(ctx context.Context) error {
	backend, err := store.Open(ctx, a.cfg.StorageURL, store.Options{
		InfluxToken:  a.cfg.InfluxToken,
		InfluxOrg:    a.cfg.InfluxOrg,
		InfluxBucket: a.cfg.InfluxBucket,
	}, a.logger)
	if err != nil {
		return err
	}

	defer func() {
		if cerr := backend.Close(); cerr != nil {
			a.logger.Error("close store", "error", cerr)
		}
	}()

	if err := backend.InitSchema(ctx); err != nil {
		return err
	}
	a.logger.Info("storage ready", "backend", string(store.KindOf(a.cfg.StorageURL)))

	if err := a.wire(backend); err != nil {
		return err
	}

	var brokerErrCh <-chan error
	mqttPort := 0
	if a.cfg.MQTTBindAddress != "" {
		broker := mqttbroker.New(a.logger.With("component", "mqtt"), mqttbroker.WithAuthenticator(a.authenticateMQTT))
		broker.SetPublishHandler(a.handleMQTTPublish)
		brokerErrCh, err = broker.Start(a.cfg.MQTTBindAddress)
		if err != nil {
			return err
		}
		a.broker = broker
		defer func() {
			if err := a.broker.Stop(); err != nil {
				a.logger.Error("stop mqtt broker", "error", err)
			}
			a.logger.Info("mqtt broker stopped")
		}()
		if tcp, ok := broker.Addr().(*net.TCPAddr); ok {
			mqttPort = tcp.Port
		}
	}

	httpErrCh := make(chan error, 2)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.HTTPPort),
		Handler:           a.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var metricsServer *http.Server
	if a.cfg.MetricsPort > 0 {
		metricsServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.MetricsPort),
			Handler:           metricsRoutes(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			a.logger.Info("metrics server started", "addr", metricsServer.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				httpErrCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	if a.cfg.MDNS {
		if err := a.startMDNS(a.cfg.HTTPPort, mqttPort); err != nil {
			a.logger.Warn("mDNS advertisement failed", "error", err)
		}
		defer a.stopMDNS()
	}

	a.ready.Store(true)

	shutdown := func() error {
		a.ready.Store(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if metricsServer != nil {
			_ = metricsServer.Shutdown(shutdownCtx)
		}
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		a.logger.Info("http server stopped")
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return shutdown()
		case err := <-httpErrCh:
			_ = shutdown()
			return err
		case err, ok := <-brokerErrCh:
			if !ok {
				brokerErrCh = nil
				continue
			}
			_ = shutdown()
			return err
		}
	}
}
