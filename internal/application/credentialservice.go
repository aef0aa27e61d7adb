package application

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"cloud.google.com/go/civil"
	"github.com/microcosm-cc/bluemonday"
	"k8s.io/utils/clock"

	"github.com/FredrikElliot/ha-nimly-manager/internal/domain/model"
	"github.com/FredrikElliot/ha-nimly-manager/internal/domain/port/driven"
)

const maxNameLength = 64

// namePolicy strips any markup from display labels before they are stored.
var namePolicy = bluemonday.StrictPolicy()

// AddParams are the inputs of CredentialService.Add. A nil Slot lets the
// allocator pick the lowest free slot.
type AddParams struct {
	Name   string
	PIN    string
	Type   model.CodeType
	Slot   *int
	Expiry *civil.Date
}

// ReconcileResult lists the slots repaired by Reconcile and those still divergent.
type ReconcileResult struct {
	Repaired  []int
	Remaining []int
}

// divergence records a slot where the lock and the table disagree.
type divergence struct {
	cred   model.Credential
	orphan bool // the lock holds a code that has no row
	reason string
	since  time.Time
}

// CredentialService owns the slot table and keeps it in step with the lock.
// It is the only writer: Add, Remove, UpdateExpiry and Reconcile run one at
// a time, including their lock commands. List and the allocator read the
// store directly and never wait on a mutation.
type CredentialService struct {
	mu        sync.Mutex
	store     driven.CredentialStore
	lock      driven.LockAdapter
	allocator *SlotAllocator
	layout    model.SlotLayout
	clock     clock.PassiveClock
	logger    *slog.Logger

	divMu     sync.RWMutex
	divergent map[int]divergence
}

// NewCredentialService creates a service writing through lock and persisting to store.
func NewCredentialService(
	store driven.CredentialStore,
	lock driven.LockAdapter,
	layout model.SlotLayout,
	clk clock.PassiveClock,
	logger *slog.Logger,
) *CredentialService {
	s := &CredentialService{
		store:     store,
		lock:      lock,
		layout:    layout,
		clock:     clk,
		logger:    logger,
		divergent: make(map[int]divergence),
	}
	s.allocator = NewSlotAllocator(s, layout)
	return s
}

// Allocator returns the slot allocator reading this service's occupancy.
func (s *CredentialService) Allocator() *SlotAllocator {
	return s.allocator
}

// Layout returns the slot layout the service validates against.
func (s *CredentialService) Layout() model.SlotLayout {
	return s.layout
}

// List returns every credential ordered by slot with its status computed for
// the current date. Slots left divergent by a partial failure carry
// Inconsistent, including codes on the lock that never reached the table.
func (s *CredentialService) List(ctx context.Context) ([]model.Credential, error) {
	creds, err := s.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}

	divs := s.divergenceSnapshot()
	for i := range creds {
		if _, ok := divs[creds[i].Slot]; ok {
			creds[i].Inconsistent = true
		}
	}
	for _, d := range divs {
		if d.orphan {
			c := d.cred
			c.PIN = ""
			c.Inconsistent = true
			creds = append(creds, c)
		}
	}
	slices.SortFunc(creds, func(a, b model.Credential) int { return cmp.Compare(a.Slot, b.Slot) })

	now := s.clock.Now()
	for i := range creds {
		creds[i].Status = creds[i].StatusAt(now)
	}

	return creds, nil
}

// Occupied returns the set of slots holding a code, counting divergent slots.
func (s *CredentialService) Occupied(ctx context.Context) (map[int]bool, error) {
	slots, err := s.store.Slots(ctx)
	if err != nil {
		return nil, fmt.Errorf("list occupied slots: %w", err)
	}

	occupied := make(map[int]bool, len(slots))
	for _, slot := range slots {
		occupied[slot] = true
	}
	for slot := range s.divergenceSnapshot() {
		occupied[slot] = true
	}

	return occupied, nil
}

// Add programs a new code into the lock and records it.
func (s *CredentialService) Add(ctx context.Context, p AddParams) (model.Credential, error) {
	if err := s.validateAdd(&p); err != nil {
		return model.Credential{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var slot int
	if p.Slot != nil {
		slot = *p.Slot
	} else {
		candidates, err := s.allocator.Suggest(ctx, 1)
		if err != nil {
			return model.Credential{}, fmt.Errorf("allocate slot: %w", err)
		}
		if len(candidates) == 0 {
			return model.Credential{}, ErrNoFreeSlots
		}
		slot = candidates[0]
	}

	// A suggestion may have been taken since it was handed out.
	taken, err := s.isTaken(ctx, slot)
	if err != nil {
		return model.Credential{}, err
	}
	if taken {
		return model.Credential{}, fmt.Errorf("slot %d: %w", slot, ErrSlotConflict)
	}

	now := s.clock.Now()
	cred := model.Credential{
		Slot:      slot,
		Name:      p.Name,
		PIN:       p.PIN,
		Type:      p.Type,
		Expiry:    p.Expiry,
		CreatedAt: now,
		UpdatedAt: now,
	}

	// Once the lock is touched the operation finishes even if the caller goes away.
	hwCtx := context.WithoutCancel(ctx)

	if err := s.lock.WriteCode(hwCtx, slot, p.PIN, p.Type); err != nil {
		s.logger.Warn("lock write failed", "slot", slot, "error", err)
		return model.Credential{}, fmt.Errorf("%w: slot %d: %w", ErrLockWrite, slot, err)
	}

	if err := s.store.Insert(hwCtx, cred); err != nil {
		return model.Credential{}, s.compensateAdd(hwCtx, cred, err)
	}

	s.logger.Info("credential added",
		"slot", slot,
		"name", cred.Name,
		"type", cred.Type,
		"expiry", formatExpiry(cred.Expiry),
	)

	cred.Status = cred.StatusAt(now)
	return cred, nil
}

// compensateAdd undoes a lock write whose row could not be persisted. When
// the erase fails as well the slot is recorded as divergent.
func (s *CredentialService) compensateAdd(ctx context.Context, cred model.Credential, persistErr error) error {
	s.logger.Error("persist credential failed, erasing code from lock",
		"slot", cred.Slot,
		"error", persistErr,
	)

	if err := s.lock.EraseCode(ctx, cred.Slot); err != nil {
		s.markDivergent(cred, true, "code written to lock but not persisted")
		s.logger.Error("CRITICAL: lock holds a code missing from the table",
			"slot", cred.Slot,
			"name", cred.Name,
			"persist_error", persistErr,
			"erase_error", err,
		)
		return fmt.Errorf("%w: slot %d: persist: %w; compensating erase: %w",
			ErrInconsistentState, cred.Slot, persistErr, err)
	}

	if errors.Is(persistErr, driven.ErrSlotTaken) {
		return fmt.Errorf("%w: slot %d: %w", ErrSlotConflict, cred.Slot, persistErr)
	}
	return fmt.Errorf("persist credential slot %d: %w", cred.Slot, persistErr)
}

// Remove erases the code in slot from the lock and deletes its row. A slot
// recorded as divergent is tracked and can be removed even without a row.
func (s *CredentialService) Remove(ctx context.Context, slot int) error {
	if !s.layout.InRange(slot) {
		return invalid("slot", "must be between 0 and %d", s.layout.Capacity-1)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cred, err := s.store.Get(ctx, slot)
	if err != nil {
		return fmt.Errorf("look up slot %d: %w", slot, err)
	}
	_, divergent := s.divergenceSnapshot()[slot]
	if cred == nil && !divergent {
		return fmt.Errorf("slot %d: %w", slot, ErrNotFound)
	}

	hwCtx := context.WithoutCancel(ctx)

	if err := s.lock.EraseCode(hwCtx, slot); err != nil {
		s.logger.Warn("lock erase failed", "slot", slot, "error", err)
		return fmt.Errorf("%w: slot %d: %w", ErrLockWrite, slot, err)
	}

	if cred != nil {
		if err := s.store.Delete(hwCtx, slot); err != nil && !errors.Is(err, driven.ErrCredentialNotFound) {
			s.markDivergent(*cred, false, "code erased from lock but row not deleted")
			s.logger.Error("CRITICAL: row kept for a code erased from the lock",
				"slot", slot,
				"error", err,
			)
			return fmt.Errorf("%w: slot %d: delete: %w", ErrInconsistentState, slot, err)
		}
	}

	if divergent {
		s.clearDivergence(slot)
		s.logger.Info("divergent slot reconciled", "slot", slot)
	}
	s.logger.Info("credential removed", "slot", slot)
	return nil
}

// UpdateExpiry replaces the expiry of the credential in slot. A nil expiry
// clears it. The lock has no notion of expiry, so no command is sent.
func (s *CredentialService) UpdateExpiry(ctx context.Context, slot int, expiry *civil.Date) (model.Credential, error) {
	if !s.layout.InRange(slot) {
		return model.Credential{}, invalid("slot", "must be between 0 and %d", s.layout.Capacity-1)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if err := s.store.UpdateExpiry(ctx, slot, expiry, now); err != nil {
		if errors.Is(err, driven.ErrCredentialNotFound) {
			return model.Credential{}, fmt.Errorf("slot %d: %w", slot, ErrNotFound)
		}
		return model.Credential{}, fmt.Errorf("update expiry: %w", err)
	}

	cred, err := s.store.Get(ctx, slot)
	if err != nil {
		return model.Credential{}, fmt.Errorf("reload slot %d: %w", slot, err)
	}
	if cred == nil {
		return model.Credential{}, fmt.Errorf("slot %d: %w", slot, ErrNotFound)
	}

	_, cred.Inconsistent = s.divergenceSnapshot()[slot]
	cred.Status = cred.StatusAt(now)

	s.logger.Info("credential expiry updated", "slot", slot, "expiry", formatExpiry(expiry))
	return *cred, nil
}

// Reconcile retries the repair of every divergent slot: orphaned lock codes
// are erased, rows left behind by a successful erase are deleted.
func (s *CredentialService) Reconcile(ctx context.Context) ReconcileResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := ReconcileResult{Repaired: []int{}, Remaining: []int{}}
	divs := s.divergenceSnapshot()
	if len(divs) == 0 {
		return result
	}

	hwCtx := context.WithoutCancel(ctx)
	for _, slot := range slices.Sorted(maps.Keys(divs)) {
		var err error
		if divs[slot].orphan {
			err = s.lock.EraseCode(hwCtx, slot)
		} else {
			err = s.store.Delete(hwCtx, slot)
			if errors.Is(err, driven.ErrCredentialNotFound) {
				err = nil
			}
		}

		if err != nil {
			s.logger.Warn("reconcile failed", "slot", slot, "reason", divs[slot].reason, "error", err)
			result.Remaining = append(result.Remaining, slot)
			continue
		}
		s.clearDivergence(slot)
		s.logger.Info("divergent slot reconciled", "slot", slot, "diverged_at", divs[slot].since)
		result.Repaired = append(result.Repaired, slot)
	}

	return result
}

func (s *CredentialService) isTaken(ctx context.Context, slot int) (bool, error) {
	if _, ok := s.divergenceSnapshot()[slot]; ok {
		return true, nil
	}
	cred, err := s.store.Get(ctx, slot)
	if err != nil {
		return false, fmt.Errorf("check slot %d: %w", slot, err)
	}
	return cred != nil, nil
}

func (s *CredentialService) validateAdd(p *AddParams) error {
	name := strings.TrimSpace(html.UnescapeString(namePolicy.Sanitize(p.Name)))
	if name == "" {
		return invalid("name", "must not be empty")
	}
	if utf8.RuneCountInString(name) > maxNameLength {
		return invalid("name", "must be at most %d characters", maxNameLength)
	}
	p.Name = name

	if len(p.PIN) != s.layout.PINLength || !isDigits(p.PIN) {
		return invalid("pin_code", "must be exactly %d digits", s.layout.PINLength)
	}
	if !p.Type.Valid() {
		return invalid("code_type", "must be %q or %q", model.CodeTypePermanent, model.CodeTypeGuest)
	}
	if p.Slot != nil && !s.layout.InRange(*p.Slot) {
		return invalid("slot", "must be between 0 and %d", s.layout.Capacity-1)
	}

	return nil
}

func (s *CredentialService) markDivergent(cred model.Credential, orphan bool, reason string) {
	s.divMu.Lock()
	defer s.divMu.Unlock()
	s.divergent[cred.Slot] = divergence{
		cred:   cred,
		orphan: orphan,
		reason: reason,
		since:  s.clock.Now(),
	}
}

func (s *CredentialService) clearDivergence(slot int) {
	s.divMu.Lock()
	defer s.divMu.Unlock()
	delete(s.divergent, slot)
}

func (s *CredentialService) divergenceSnapshot() map[int]divergence {
	s.divMu.RLock()
	defer s.divMu.RUnlock()
	return maps.Clone(s.divergent)
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

func formatExpiry(d *civil.Date) string {
	if d == nil {
		return ""
	}
	return d.String()
}
