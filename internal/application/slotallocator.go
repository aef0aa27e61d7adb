package application

import (
	"context"

	"github.com/FredrikElliot/ha-nimly-manager/internal/domain/model"
)

// OccupancySource reports which slots currently hold a code.
type OccupancySource interface {
	Occupied(ctx context.Context) (map[int]bool, error)
}

// SlotAllocator proposes free slots from a snapshot of the current occupancy.
// Suggestions are advisory: nothing is reserved, and the credential service
// re-checks the slot when the code is committed.
type SlotAllocator struct {
	source OccupancySource
	layout model.SlotLayout
}

// NewSlotAllocator creates an allocator over source for the given layout.
func NewSlotAllocator(source OccupancySource, layout model.SlotLayout) *SlotAllocator {
	return &SlotAllocator{
		source: source,
		layout: layout,
	}
}

// Suggest returns up to count free slots in ascending order. Fewer are
// returned when the lock is nearly full, and an empty slice when it is full.
func (a *SlotAllocator) Suggest(ctx context.Context, count int) ([]int, error) {
	if count <= 0 {
		return []int{}, nil
	}

	occupied, err := a.source.Occupied(ctx)
	if err != nil {
		return nil, err
	}

	return freeSlots(a.layout, occupied, count), nil
}

// freeSlots scans [0, capacity) ascending, skipping occupied and reserved slots.
func freeSlots(layout model.SlotLayout, occupied map[int]bool, count int) []int {
	slots := make([]int, 0, min(count, layout.Capacity))
	for slot := 0; slot < layout.Capacity && len(slots) < count; slot++ {
		if occupied[slot] || layout.IsReserved(slot) {
			continue
		}
		slots = append(slots, slot)
	}
	return slots
}
