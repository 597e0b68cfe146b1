package telemetry

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultInterval is the bucket width used when a stats request names none.
const DefaultInterval = "1h"

// maxInterval bounds bucket widths so unit multiplication cannot overflow.
const maxInterval = 3660 * 24 * time.Hour

// BucketOrigin is the instant every bucket boundary is aligned to. It matches
// the TimescaleDB time_bucket default so all backends agree on bucket starts.
var BucketOrigin = time.Date(2000, time.January, 3, 0, 0, 0, 0, time.UTC)

var intervalUnits = map[string]time.Duration{
	"s": time.Second, "sec": time.Second, "secs": time.Second, "second": time.Second, "seconds": time.Second,
	"m": time.Minute, "min": time.Minute, "mins": time.Minute, "minute": time.Minute, "minutes": time.Minute,
	"h": time.Hour, "hr": time.Hour, "hrs": time.Hour, "hour": time.Hour, "hours": time.Hour,
	"d": 24 * time.Hour, "day": 24 * time.Hour, "days": 24 * time.Hour,
	"w": 7 * 24 * time.Hour, "wk": 7 * 24 * time.Hour, "week": 7 * 24 * time.Hour, "weeks": 7 * 24 * time.Hour,
}

// Interval is a validated bucket width. The zero value is not usable; build
// one with ParseInterval.
type Interval struct {
	raw string
	d   time.Duration
}

// Duration returns the bucket width.
func (i Interval) Duration() time.Duration { return i.d }

// Seconds returns the bucket width in whole seconds.
func (i Interval) Seconds() int64 { return int64(i.d / time.Second) }

// String returns the interval as the caller wrote it.
func (i Interval) String() string { return i.raw }

// ValidIntervalChars reports whether s is non-empty and made only of ASCII
// letters, digits and spaces.
func ValidIntervalChars(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == ' ':
		default:
			return false
		}
	}
	return true
}

// ParseInterval checks s against the character allow-list and then parses it
// as a sequence of <number><unit> pairs, e.g. "1h", "48h", "1h30m", "1 hour",
// "30 minutes", "2 days". Calendar units (months, years) are not accepted
// because they have no fixed width.
func ParseInterval(s string) (Interval, error) {
	if !ValidIntervalChars(s) {
		return Interval{}, fmt.Errorf("%w: %q must be non-empty and contain only letters, digits and spaces", ErrInvalidInterval, s)
	}

	compact := strings.ToLower(strings.Join(strings.Fields(s), ""))
	if compact == "" {
		return Interval{}, fmt.Errorf("%w: %q is blank", ErrInvalidInterval, s)
	}

	var total time.Duration
	for compact != "" {
		n := 0
		for n < len(compact) && compact[n] >= '0' && compact[n] <= '9' {
			n++
		}
		if n == 0 {
			return Interval{}, fmt.Errorf("%w: %q: expected a number before %q", ErrInvalidInterval, s, compact)
		}
		u := n
		for u < len(compact) && compact[u] >= 'a' && compact[u] <= 'z' {
			u++
		}
		if u == n {
			return Interval{}, fmt.Errorf("%w: %q: missing unit after %s", ErrInvalidInterval, s, compact[:n])
		}

		unit, ok := intervalUnits[compact[n:u]]
		if !ok {
			return Interval{}, fmt.Errorf("%w: %q: unsupported unit %q", ErrInvalidInterval, s, compact[n:u])
		}
		value, err := strconv.ParseInt(compact[:n], 10, 64)
		if err != nil || value > int64(maxInterval/unit) {
			return Interval{}, fmt.Errorf("%w: %q is too large", ErrInvalidInterval, s)
		}

		total += time.Duration(value) * unit
		if total > maxInterval {
			return Interval{}, fmt.Errorf("%w: %q is too large", ErrInvalidInterval, s)
		}
		compact = compact[u:]
	}

	if total <= 0 {
		return Interval{}, fmt.Errorf("%w: %q must be positive", ErrInvalidInterval, s)
	}
	return Interval{raw: s, d: total}, nil
}

// BucketStart returns the start of the bucket of width d containing t.
func BucketStart(t time.Time, d time.Duration) time.Time {
	off := t.Sub(BucketOrigin)
	rem := off % d
	if rem < 0 {
		rem += d
	}
	return t.Add(-rem).UTC()
}
