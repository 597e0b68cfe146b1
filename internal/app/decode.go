package app

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"microclimate/telemetry-server/internal/model"
	"microclimate/telemetry-server/internal/validation"
)

// Accepted timestamp layouts for bodies and query parameters. Values without
// a zone are UTC.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

var errNotObject = errors.New("payload must be a JSON object")

func parseTimestamp(v string) (time.Time, bool) {
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, v, time.UTC); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// readingFields holds the members of a reading payload undecoded, so a value
// of the wrong type can be reported against its field.
type readingFields struct {
	DeviceID    json.RawMessage `json:"device_id"`
	Temperature json.RawMessage `json:"temperature"`
	Humidity    json.RawMessage `json:"humidity"`
	Timestamp   json.RawMessage `json:"timestamp"`
}

// decodeReading parses a reading payload. A syntax error is returned as is;
// members with the wrong type or format come back as a
// *validation.RequestValidationError naming every such field.
func decodeReading(data []byte) (model.RawReading, error) {
	var raw model.RawReading

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return raw, errNotObject
	}
	var f readingFields
	if err := json.Unmarshal(trimmed, &f); err != nil {
		return raw, err
	}

	var fields []validation.FieldError
	fail := func(field string, value json.RawMessage, message string) {
		fields = append(fields, validation.Fail(field, string(value), message).Fields...)
	}

	if present(f.DeviceID) {
		if err := json.Unmarshal(f.DeviceID, &raw.DeviceID); err != nil {
			fail("device_id", f.DeviceID, "must be a string")
		}
	}
	if present(f.Temperature) {
		var v float64
		if err := json.Unmarshal(f.Temperature, &v); err != nil {
			fail("temperature", f.Temperature, "must be a number")
		} else {
			raw.Temperature = &v
		}
	}
	if present(f.Humidity) {
		var v float64
		if err := json.Unmarshal(f.Humidity, &v); err != nil {
			fail("humidity", f.Humidity, "must be a number")
		} else {
			raw.Humidity = &v
		}
	}
	if present(f.Timestamp) {
		var s string
		if err := json.Unmarshal(f.Timestamp, &s); err != nil {
			fail("timestamp", f.Timestamp, "must be a string")
		} else if ts, ok := parseTimestamp(s); ok {
			raw.Timestamp = &ts
		} else {
			fail("timestamp", f.Timestamp, fmt.Sprintf("must be an ISO 8601 timestamp, e.g. %s", time.RFC3339))
		}
	}

	if len(fields) > 0 {
		return raw, &validation.RequestValidationError{Fields: fields}
	}
	return raw, nil
}

// present reports whether a member was sent with a non-null value.
func present(v json.RawMessage) bool {
	return len(v) > 0 && !bytes.Equal(v, []byte("null"))
}
