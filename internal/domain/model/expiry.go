package model

import (
	"fmt"
	"time"
)

// TimeOfDay is a wall-clock time without a date.
type TimeOfDay struct {
	Hour   int
	Minute int
	Second int
}

// ParseTimeOfDay parses "HH:MM:SS" or "HH:MM".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	for _, layout := range []string{time.TimeOnly, "15:04"} {
		if t, err := time.Parse(layout, s); err == nil {
			return TimeOfDay{Hour: t.Hour(), Minute: t.Minute(), Second: t.Second()}, nil
		}
	}
	return TimeOfDay{}, fmt.Errorf("invalid time of day %q: expected HH:MM:SS", s)
}

// String formats the time as "HH:MM:SS".
func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", t.Hour, t.Minute, t.Second)
}

// Next returns the first occurrence of t strictly after after, evaluated in
// after's location. Days are stepped on the calendar so DST shifts keep the
// wall-clock time.
func (t TimeOfDay) Next(after time.Time) time.Time {
	y, m, d := after.Date()
	candidate := time.Date(y, m, d, t.Hour, t.Minute, t.Second, 0, after.Location())
	for !candidate.After(after) {
		d++
		candidate = time.Date(y, m, d, t.Hour, t.Minute, t.Second, 0, after.Location())
	}
	return candidate
}

// ExpirySettings is the hot-reloadable part of the configuration that drives
// automatic revocation of expired codes.
type ExpirySettings struct {
	AutoExpire  bool
	CleanupTime TimeOfDay
}

// DefaultExpirySettings returns auto-expiry enabled with a 03:00 cleanup.
func DefaultExpirySettings() ExpirySettings {
	return ExpirySettings{
		AutoExpire:  true,
		CleanupTime: TimeOfDay{Hour: 3},
	}
}
