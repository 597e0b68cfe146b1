package main

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"
)

const apiKeyHeader = "X-API-Key"

type readingPayload struct {
	DeviceID    string  `json:"device_id"`
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
	Timestamp   string  `json:"timestamp"`
}

type publisher interface {
	Publish(ctx context.Context, r readingPayload) error
	Close()
}

// randomWalk drifts temperature and humidity by small steps and keeps them
// inside the ranges the server accepts.
type randomWalk struct {
	rng         *rand.Rand
	temperature float64
	humidity    float64
}

func newRandomWalk(temperature, humidity float64, seed int64) *randomWalk {
	return &randomWalk{
		rng:         rand.New(rand.NewSource(seed)),
		temperature: clamp(temperature, -40, 85),
		humidity:    clamp(humidity, 0, 100),
	}
}

func (w *randomWalk) next(deviceID string, now time.Time) readingPayload {
	w.temperature = clamp(w.temperature+(w.rng.Float64()-0.5)*0.6, -40, 85)
	w.humidity = clamp(w.humidity+(w.rng.Float64()-0.5)*2, 0, 100)
	return readingPayload{
		DeviceID:    deviceID,
		Temperature: round2(w.temperature),
		Humidity:    round2(w.humidity),
		Timestamp:   now.UTC().Format(time.RFC3339Nano),
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

type mqttPublisher struct {
	client mqtt.Client
	topic  string
}

func newMQTTPublisher(broker, deviceID, apiKey string) (*mqttPublisher, error) {
	clientID := fmt.Sprintf("%s-simulator-%d", deviceID, time.Now().UnixNano())
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetUsername(deviceID).
		SetPassword(apiKey).
		SetProtocolVersion(4).
		SetOrderMatters(false)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect to broker: %w", token.Error())
	}
	return &mqttPublisher{client: client, topic: "telemetry/" + deviceID}, nil
}

func (p *mqttPublisher) Publish(ctx context.Context, r readingPayload) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	token := p.client.Publish(p.topic, 1, false, data)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *mqttPublisher) Close() {
	p.client.Disconnect(250)
}

type httpPublisher struct {
	client *resty.Client
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func newHTTPPublisher(baseURL, apiKey string) *httpPublisher {
	client := resty.New().
		SetBaseURL(baseURL).
		SetHeader(apiKeyHeader, apiKey).
		SetTimeout(5 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		}).
		SetJSONMarshaler(json.Marshal).
		SetJSONUnmarshaler(json.Unmarshal)
	return &httpPublisher{client: client}
}

func (p *httpPublisher) Publish(ctx context.Context, r readingPayload) error {
	var apiErr apiError
	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(r).
		SetError(&apiErr).
		Post("/telemetry")
	if err != nil {
		return fmt.Errorf("post reading: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("server rejected reading: %s %s: %s", resp.Status(), apiErr.Code, apiErr.Message)
	}
	return nil
}

func (p *httpPublisher) Close() {}
