package model

// CodeType distinguishes long-lived codes from temporary guest codes.
type CodeType string

const (
	CodeTypePermanent CodeType = "permanent"
	CodeTypeGuest     CodeType = "guest"
)

// Valid reports whether t is one of the known code types.
func (t CodeType) Valid() bool {
	switch t {
	case CodeTypePermanent, CodeTypeGuest:
		return true
	default:
		return false
	}
}

// Status is the derived lifecycle state of a credential. It is never stored.
type Status string

const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
)
