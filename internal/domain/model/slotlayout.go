package model

import (
	"fmt"
	"slices"
)

// SlotLayout describes the slot geometry and PIN format of a lock model.
type SlotLayout struct {
	Capacity  int
	PINLength int
	Reserved  []int
}

// DefaultSlotLayout returns the layout of a Nimly lock: 100 slots and
// 6-digit PINs, with no slot held back from allocation.
func DefaultSlotLayout() SlotLayout {
	return SlotLayout{
		Capacity:  100,
		PINLength: 6,
		Reserved:  []int{},
	}
}

// InRange reports whether slot is a valid hardware position.
func (l SlotLayout) InRange(slot int) bool {
	return slot >= 0 && slot < l.Capacity
}

// IsReserved reports whether slot is excluded from automatic allocation.
func (l SlotLayout) IsReserved(slot int) bool {
	return slices.Contains(l.Reserved, slot)
}

// Validate checks the layout for impossible values.
func (l SlotLayout) Validate() error {
	if l.Capacity <= 0 {
		return fmt.Errorf("capacity must be positive, got %d", l.Capacity)
	}
	if l.PINLength < 4 || l.PINLength > 8 {
		return fmt.Errorf("pin length must be between 4 and 8, got %d", l.PINLength)
	}
	for _, s := range l.Reserved {
		if !l.InRange(s) {
			return fmt.Errorf("reserved slot %d outside [0, %d)", s, l.Capacity)
		}
	}
	return nil
}
