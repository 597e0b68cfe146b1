package validation

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"microclimate/telemetry-server/internal/model"
)

func ptr(f float64) *float64 { return &f }

func TestGetValidator_Singleton(t *testing.T) {
	if GetValidator() != GetValidator() {
		t.Fatal("GetValidator() should return the same instance")
	}
}

func TestValidateStruct_RawReadingBounds(t *testing.T) {
	tests := []struct {
		name   string
		input  model.RawReading
		fields []string
	}{
		{
			name:  "typical reading",
			input: model.RawReading{DeviceID: "n1", Temperature: ptr(24.1), Humidity: ptr(60)},
		},
		{
			name:  "lower bounds inclusive",
			input: model.RawReading{DeviceID: "a", Temperature: ptr(-40), Humidity: ptr(0)},
		},
		{
			name:  "upper bounds inclusive",
			input: model.RawReading{DeviceID: strings.Repeat("d", 100), Temperature: ptr(85), Humidity: ptr(100)},
		},
		{
			name:   "temperature too low",
			input:  model.RawReading{DeviceID: "n1", Temperature: ptr(-40.01), Humidity: ptr(50)},
			fields: []string{"temperature"},
		},
		{
			name:   "temperature too high",
			input:  model.RawReading{DeviceID: "n1", Temperature: ptr(85.5), Humidity: ptr(50)},
			fields: []string{"temperature"},
		},
		{
			name:   "humidity out of range both fields reported",
			input:  model.RawReading{DeviceID: "n1", Temperature: ptr(100), Humidity: ptr(-10)},
			fields: []string{"temperature", "humidity"},
		},
		{
			name:   "empty device id",
			input:  model.RawReading{DeviceID: "", Temperature: ptr(20), Humidity: ptr(50)},
			fields: []string{"device_id"},
		},
		{
			name:   "device id too long",
			input:  model.RawReading{DeviceID: strings.Repeat("d", 101), Temperature: ptr(20), Humidity: ptr(50)},
			fields: []string{"device_id"},
		},
		{
			name:   "missing measurements",
			input:  model.RawReading{DeviceID: "n1"},
			fields: []string{"temperature", "humidity"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateStruct(tt.input)
			if len(tt.fields) == 0 {
				if err != nil {
					t.Fatalf("ValidateStruct() unexpected error: %v", err)
				}
				return
			}

			var verr *RequestValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("ValidateStruct() error = %v, want *RequestValidationError", err)
			}
			if !errors.Is(err, ErrInvalid) {
				t.Error("errors.Is(err, ErrInvalid) = false")
			}
			if got := verr.FieldNames(); !reflect.DeepEqual(got, tt.fields) {
				t.Errorf("FieldNames() = %v, want %v", got, tt.fields)
			}
		})
	}
}

func TestValidateStruct_Messages(t *testing.T) {
	err := ValidateStruct(model.RawReading{DeviceID: "n1", Temperature: ptr(90), Humidity: ptr(50)})
	if err == nil {
		t.Fatal("expected error")
	}
	if want := "temperature must be less than or equal to 85"; err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	var verr *RequestValidationError
	errors.As(err, &verr)
	if verr.Fields[0].Value != 90.0 {
		t.Errorf("Value = %v, want 90", verr.Fields[0].Value)
	}
}

func TestFail(t *testing.T) {
	err := Fail("limit", -1, "must not be negative")
	if err.Error() != "limit must not be negative" {
		t.Errorf("Error() = %q", err.Error())
	}
	if !errors.Is(err, ErrInvalid) {
		t.Error("Fail() should match ErrInvalid")
	}
}
