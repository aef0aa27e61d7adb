package driven

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/civil"

	"github.com/FredrikElliot/ha-nimly-manager/internal/domain/model"
)

// ErrCredentialNotFound is returned by CredentialStore mutations that target
// a slot without a row.
var ErrCredentialNotFound = errors.New("credential not found")

// ErrSlotTaken is returned by CredentialStore.Insert when the slot already has a row.
var ErrSlotTaken = errors.New("slot already has a credential")

// CredentialStore defines the driven port for the persisted slot table.
// PINs never cross this boundary.
type CredentialStore interface {
	// Insert persists a new credential. Returns ErrSlotTaken if the slot is occupied.
	Insert(ctx context.Context, cred model.Credential) error

	// Get returns the credential in slot, or (nil, nil) if the slot is empty.
	Get(ctx context.Context, slot int) (*model.Credential, error)

	// List returns all credentials ordered by slot ascending.
	List(ctx context.Context) ([]model.Credential, error)

	// Slots returns the occupied slot numbers in ascending order.
	Slots(ctx context.Context) ([]int, error)

	// UpdateExpiry replaces the expiry (nil clears it) and stamps updatedAt.
	// Returns ErrCredentialNotFound if the slot is empty.
	UpdateExpiry(ctx context.Context, slot int, expiry *civil.Date, updatedAt time.Time) error

	// Delete removes the row for slot. Returns ErrCredentialNotFound if the slot is empty.
	Delete(ctx context.Context, slot int) error
}
