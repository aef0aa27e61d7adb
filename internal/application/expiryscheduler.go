package application

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/FredrikElliot/ha-nimly-manager/internal/domain/model"
	"github.com/FredrikElliot/ha-nimly-manager/internal/metrics"
)

// SchedulerState is the lifecycle state of the ExpiryScheduler.
type SchedulerState string

const (
	SchedulerIdle     SchedulerState = "idle"
	SchedulerWaiting  SchedulerState = "waiting"
	SchedulerSweeping SchedulerState = "sweeping"
	SchedulerStopped  SchedulerState = "stopped"
)

// ExpiryTarget is the part of the credential service the scheduler drives.
type ExpiryTarget interface {
	List(ctx context.Context) ([]model.Credential, error)
	Remove(ctx context.Context, slot int) error
	Reconcile(ctx context.Context) ReconcileResult
}

// SweepResult reports the slots removed and the slots that failed in one sweep.
type SweepResult struct {
	Removed []int
	Failed  []int
}

// ExpiryScheduler wakes once a day at the configured cleanup time and revokes
// expired credentials. A sweep holds no state of its own: an interrupted
// sweep is completed by the next one, which finds the same expired entries.
type ExpiryScheduler struct {
	target   ExpiryTarget
	settings *SettingsProvider
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu       sync.Mutex
	state    SchedulerState
	nextWake time.Time
}

// NewExpiryScheduler creates an idle scheduler. m may be nil.
func NewExpiryScheduler(
	target ExpiryTarget,
	settings *SettingsProvider,
	clk clock.Clock,
	logger *slog.Logger,
	m *metrics.Metrics,
) *ExpiryScheduler {
	return &ExpiryScheduler{
		target:   target,
		settings: settings,
		clock:    clk,
		logger:   logger,
		metrics:  m,
		state:    SchedulerIdle,
	}
}

// State returns the current state and, while waiting, the next wake time.
func (s *ExpiryScheduler) State() (SchedulerState, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.nextWake
}

// Run drives the scheduler until ctx is canceled. Canceling interrupts the
// wait immediately; during a sweep the removal in progress completes and no
// further removals start. Run returns once the scheduler is stopped.
func (s *ExpiryScheduler) Run(ctx context.Context) {
	defer func() {
		s.setState(SchedulerStopped, time.Time{})
		s.logger.Info("expiry scheduler stopped")
	}()

	for {
		settings := s.settings.Get()
		now := s.clock.Now()
		next := settings.CleanupTime.Next(now)
		s.setState(SchedulerWaiting, next)
		s.logger.Info("expiry sweep scheduled",
			"next_wake", next,
			"auto_expire", settings.AutoExpire,
		)

		timer := s.clock.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.settings.Changed():
			timer.Stop()
			s.logger.Info("expiry settings changed, rescheduling")
			continue
		case <-timer.C():
		}

		s.wake(ctx)
		if ctx.Err() != nil {
			return
		}
	}
}

// SweepNow runs one sweep immediately, whether or not auto-expiry is enabled.
func (s *ExpiryScheduler) SweepNow(ctx context.Context) SweepResult {
	return s.sweep(ctx)
}

func (s *ExpiryScheduler) wake(ctx context.Context) {
	if res := s.target.Reconcile(ctx); len(res.Repaired) > 0 || len(res.Remaining) > 0 {
		s.logger.Info("divergent slots checked",
			"repaired", res.Repaired,
			"remaining", res.Remaining,
		)
	}

	if !s.settings.Get().AutoExpire {
		s.logger.Info("auto expire disabled, skipping sweep")
		return
	}

	s.setState(SchedulerSweeping, time.Time{})
	res := s.sweep(ctx)
	s.logger.Info("expiry sweep finished",
		"removed", len(res.Removed),
		"failed", len(res.Failed),
	)
}

// sweep removes every expired credential one at a time. Failures are logged
// and skipped so one unreachable slot cannot block the rest of the batch.
func (s *ExpiryScheduler) sweep(ctx context.Context) SweepResult {
	result := SweepResult{Removed: []int{}, Failed: []int{}}

	creds, err := s.target.List(ctx)
	if err != nil {
		s.logger.Error("sweep: list credentials failed", "error", err)
		s.metrics.ObserveSweep(0, 1)
		return result
	}

	for _, cred := range creds {
		if cred.Status != model.StatusExpired {
			continue
		}
		if ctx.Err() != nil {
			s.logger.Info("sweep interrupted by shutdown", "next_slot", cred.Slot)
			break
		}

		if err := s.target.Remove(ctx, cred.Slot); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			s.logger.Warn("sweep: remove expired credential failed",
				"slot", cred.Slot,
				"name", cred.Name,
				"error", err,
			)
			result.Failed = append(result.Failed, cred.Slot)
			continue
		}

		s.logger.Info("expired credential removed",
			"slot", cred.Slot,
			"name", cred.Name,
			"expiry", formatExpiry(cred.Expiry),
		)
		result.Removed = append(result.Removed, cred.Slot)
	}

	s.metrics.ObserveSweep(len(result.Removed), len(result.Failed))
	return result
}

func (s *ExpiryScheduler) setState(state SchedulerState, nextWake time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	s.nextWake = nextWake
}
