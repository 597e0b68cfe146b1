package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"microclimate/telemetry-server/internal/auth"
	"microclimate/telemetry-server/internal/metrics"
	"microclimate/telemetry-server/internal/mqttbroker"
	"microclimate/telemetry-server/internal/validation"
)

const telemetryTopicPrefix = "telemetry/"

// authenticateMQTT checks the CONNECT password against the ingest secret.
func (a *App) authenticateMQTT(c mqttbroker.Credentials) error {
	_, err := a.gate.Authorize(auth.RoleIngest, c.Password, "transport", "mqtt", "client_id", c.ClientID, "username", c.Username)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, auth.ErrUnauthenticated):
		return mqttbroker.ErrNotAuthorized
	default:
		return mqttbroker.ErrBadCredentials
	}
}

// handleMQTTPublish ingests a reading published on telemetry/{device_id}.
// The topic supplies the device id when the payload omits it.
func (a *App) handleMQTTPublish(ctx context.Context, msg mqttbroker.PublishMessage) {
	deviceID, ok := strings.CutPrefix(msg.Topic, telemetryTopicPrefix)
	if !ok || deviceID == "" || strings.Contains(deviceID, "/") {
		metrics.MQTTMessages.WithLabelValues("ignored").Inc()
		a.logger.Debug("ignoring publish on unknown topic", "topic", msg.Topic, "client", msg.ClientID)
		return
	}

	raw, err := decodeReading(msg.Payload)
	if err != nil {
		outcome := "malformed"
		if errors.Is(err, validation.ErrInvalid) {
			outcome = "rejected"
		}
		metrics.MQTTMessages.WithLabelValues(outcome).Inc()
		a.logger.Warn("mqtt payload decode failed", "topic", msg.Topic, "client", msg.ClientID, "error", err)
		return
	}

	if raw.DeviceID == "" {
		raw.DeviceID = deviceID
	} else if raw.DeviceID != deviceID {
		metrics.MQTTMessages.WithLabelValues("rejected").Inc()
		a.logger.Warn("mqtt device id does not match topic", "topic", msg.Topic, "device_id", raw.DeviceID)
		return
	}

	storeCtx, cancel := context.WithTimeout(ctx, a.requestTimeout())
	defer cancel()

	reading, err := a.ingest.Submit(storeCtx, raw)
	if err != nil {
		metrics.MQTTMessages.WithLabelValues("rejected").Inc()
		a.logger.Warn("mqtt reading not ingested", "topic", msg.Topic, "client", msg.ClientID, "error", err)
		return
	}

	metrics.MQTTMessages.WithLabelValues("ingested").Inc()
	a.logger.Debug("ingested mqtt reading", "device_id", reading.DeviceID, "timestamp", reading.Timestamp)
}

func (a *App) requestTimeout() time.Duration {
	if a.cfg.RequestTimeout > 0 {
		return a.cfg.RequestTimeout
	}
	return 5 * time.Second
}
