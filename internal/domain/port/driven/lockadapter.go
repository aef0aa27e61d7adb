package driven

import (
	"context"
	"errors"

	"github.com/FredrikElliot/ha-nimly-manager/internal/domain/model"
)

// ErrLockUnavailable is returned when the lock could not be reached or did not
// acknowledge a command within the adapter's retry budget.
var ErrLockUnavailable = errors.New("lock unavailable")

// LockAdapter defines the driven port for programming PIN codes into a
// physical lock. One implementation exists per hardware family.
//
// Both operations are idempotent: writing the same code twice or erasing an
// empty slot succeeds. A failed call leaves the slot unchanged.
type LockAdapter interface {
	WriteCode(ctx context.Context, slot int, pin string, codeType model.CodeType) error
	EraseCode(ctx context.Context, slot int) error
}
