package lock_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/FredrikElliot/ha-nimly-manager/internal/adapter/driven/lock"
	"github.com/FredrikElliot/ha-nimly-manager/internal/domain/model"
	"github.com/FredrikElliot/ha-nimly-manager/internal/domain/port/driven"
	"github.com/FredrikElliot/ha-nimly-manager/internal/metrics"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func fastPolicy(attempts int) lock.RetryPolicy {
	return lock.RetryPolicy{
		Attempts:       attempts,
		Timeout:        time.Second,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	}
}

// slowLock blocks every command until its context ends.
type slowLock struct{}

func (slowLock) WriteCode(ctx context.Context, _ int, _ string, _ model.CodeType) error {
	<-ctx.Done()
	return ctx.Err()
}

func (slowLock) EraseCode(ctx context.Context, _ int) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestRetrying_SucceedsAfterTransientFailure(t *testing.T) {
	mem := lock.NewMemory()
	mem.FailWrites(2)
	r := lock.NewRetrying(mem, fastPolicy(3), clock.RealClock{}, discardLogger, metrics.New())

	err := r.WriteCode(context.Background(), 5, "123456", model.CodeTypeGuest)
	require.NoError(t, err)

	pin, ok := mem.Code(5)
	require.True(t, ok)
	assert.Equal(t, "123456", pin)

	writes, _ := mem.Calls()
	assert.Equal(t, 3, writes)
}

func TestRetrying_ExhaustedReturnsLockUnavailable(t *testing.T) {
	mem := lock.NewMemory()
	mem.FailErases(10)
	r := lock.NewRetrying(mem, fastPolicy(3), clock.RealClock{}, discardLogger, nil)

	err := r.EraseCode(context.Background(), 5)
	require.ErrorIs(t, err, driven.ErrLockUnavailable)

	_, erases := mem.Calls()
	assert.Equal(t, 3, erases, "no more than the configured attempts")
}

func TestRetrying_PerAttemptTimeout(t *testing.T) {
	policy := fastPolicy(2)
	policy.Timeout = 10 * time.Millisecond
	r := lock.NewRetrying(slowLock{}, policy, clock.RealClock{}, discardLogger, nil)

	start := time.Now()
	err := r.WriteCode(context.Background(), 1, "123456", model.CodeTypePermanent)

	require.ErrorIs(t, err, driven.ErrLockUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRetrying_ZeroAttemptsStillTriesOnce(t *testing.T) {
	mem := lock.NewMemory()
	r := lock.NewRetrying(mem, lock.RetryPolicy{Timeout: time.Second}, clock.RealClock{}, discardLogger, nil)

	require.NoError(t, r.WriteCode(context.Background(), 0, "999999", model.CodeTypePermanent))

	writes, _ := mem.Calls()
	assert.Equal(t, 1, writes)
}

// advancingLock fails its first failures commands and moves the fake clock
// forward by step on every call.
type advancingLock struct {
	clock    *testingclock.FakeClock
	step     time.Duration
	failures int
}

func (l *advancingLock) WriteCode(_ context.Context, _ int, _ string, _ model.CodeType) error {
	return l.call()
}

func (l *advancingLock) EraseCode(_ context.Context, _ int) error {
	return l.call()
}

func (l *advancingLock) call() error {
	l.clock.Step(l.step)
	if l.failures > 0 {
		l.failures--
		return errors.New("no ack")
	}
	return nil
}

func TestRetrying_LatencyUsesInjectedClock(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC))
	m := metrics.New()
	r := lock.NewRetrying(&advancingLock{clock: clk, step: 3 * time.Second, failures: 1}, fastPolicy(3), clk, discardLogger, m)

	require.NoError(t, r.EraseCode(context.Background(), 4))

	families, err := m.Registry.Gather()
	require.NoError(t, err)

	var found bool
	for _, mf := range families {
		if mf.GetName() != "nimlykoder_lock_operation_duration_seconds" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			h := metric.GetHistogram()
			assert.Equal(t, uint64(1), h.GetSampleCount())
			assert.InDelta(t, 6, h.GetSampleSum(), 1e-9, "two attempts of 3s on the fake clock")
			found = true
		}
	}
	assert.True(t, found, "lock latency histogram recorded")
}
