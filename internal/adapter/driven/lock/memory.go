// Package lock contains the LockAdapter implementations: an in-process
// simulator, the Zigbee2MQTT adapter for Nimly locks, and a retry decorator
// that bounds every command with a timeout and a fixed attempt budget.
package lock

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"

	"github.com/FredrikElliot/ha-nimly-manager/internal/domain/model"
	"github.com/FredrikElliot/ha-nimly-manager/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.LockAdapter = (*Memory)(nil)

// errSimulated marks a failure injected through FailWrites or FailErases.
var errSimulated = errors.New("simulated lock failure")

// Memory is an in-process lock used in development mode and tests. It keeps
// the programmed codes in a map and can simulate outages.
type Memory struct {
	mu         sync.Mutex
	codes      map[int]string
	offline    bool
	failWrites int
	failErases int
	writes     int
	erases     int
}

// NewMemory creates an empty simulated lock.
func NewMemory() *Memory {
	return &Memory{codes: make(map[int]string)}
}

// WriteCode programs pin into slot.
func (m *Memory) WriteCode(ctx context.Context, slot int, pin string, _ model.CodeType) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.writes++
	if m.offline {
		return fmt.Errorf("write slot %d: %w", slot, driven.ErrLockUnavailable)
	}
	if m.failWrites > 0 {
		m.failWrites--
		return fmt.Errorf("write slot %d: %w", slot, errSimulated)
	}

	m.codes[slot] = pin
	return nil
}

// EraseCode clears slot. Erasing an empty slot succeeds.
func (m *Memory) EraseCode(ctx context.Context, slot int) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.erases++
	if m.offline {
		return fmt.Errorf("erase slot %d: %w", slot, driven.ErrLockUnavailable)
	}
	if m.failErases > 0 {
		m.failErases--
		return fmt.Errorf("erase slot %d: %w", slot, errSimulated)
	}

	delete(m.codes, slot)
	return nil
}

// SetOffline makes every subsequent command fail with ErrLockUnavailable until reset.
func (m *Memory) SetOffline(offline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline = offline
}

// FailWrites makes the next n WriteCode calls fail.
func (m *Memory) FailWrites(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWrites = n
}

// FailErases makes the next n EraseCode calls fail.
func (m *Memory) FailErases(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failErases = n
}

// Code returns the PIN programmed in slot.
func (m *Memory) Code(slot int) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pin, ok := m.codes[slot]
	return pin, ok
}

// Codes returns a copy of all programmed codes keyed by slot.
func (m *Memory) Codes() map[int]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.codes)
}

// Calls returns how many write and erase commands were received.
func (m *Memory) Calls() (writes, erases int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes, m.erases
}
