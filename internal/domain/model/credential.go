package model

import (
	"time"

	"cloud.google.com/go/civil"
)

// Credential is a PIN code occupying one hardware slot on the lock.
type Credential struct {
	Slot      int
	Name      string
	PIN       string // Only set on the add path; the lock is the sole holder of the code.
	Type      CodeType
	Expiry    *civil.Date
	CreatedAt time.Time
	UpdatedAt time.Time

	// Status is derived on read from Expiry and the current date.
	Status Status

	// Inconsistent is set when the lock and the persisted table disagree
	// about this slot after a partial failure. Not persisted.
	Inconsistent bool
}

// StatusAt derives the credential status at the given instant. A credential
// expires once its expiry date lies strictly before the local calendar date of now.
func (c Credential) StatusAt(now time.Time) Status {
	if c.IsExpiredAt(now) {
		return StatusExpired
	}
	return StatusActive
}

// IsExpiredAt reports whether the credential carries an expiry date that has passed.
func (c Credential) IsExpiredAt(now time.Time) bool {
	if c.Expiry == nil {
		return false
	}
	return c.Expiry.Before(civil.DateOf(now))
}
