package model

import "time"

// Reading is a single temperature/humidity sample reported by a device.
// (DeviceID, Timestamp) identifies a reading.
type Reading struct {
	DeviceID    string    `json:"device_id"`
	Temperature float64   `json:"temperature"`
	Humidity    float64   `json:"humidity"`
	Timestamp   time.Time `json:"timestamp"`
}

// RawReading is an inbound reading as decoded from a device payload, before
// validation. Pointer fields distinguish "absent" from a zero value.
type RawReading struct {
	DeviceID    string     `json:"device_id" validate:"required,min=1,max=100"`
	Temperature *float64   `json:"temperature" validate:"required,gte=-40,lte=85"`
	Humidity    *float64   `json:"humidity" validate:"required,gte=0,lte=100"`
	Timestamp   *time.Time `json:"timestamp,omitempty"`
}

// AggregateBucket summarizes the readings of one device inside a fixed-width time bucket.
type AggregateBucket struct {
	Bucket         time.Time `json:"bucket"`
	AvgTemperature float64   `json:"avg_temperature"`
	AvgHumidity    float64   `json:"avg_humidity"`
}
