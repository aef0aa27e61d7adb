package lock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"k8s.io/utils/clock"

	"github.com/FredrikElliot/ha-nimly-manager/internal/domain/model"
	"github.com/FredrikElliot/ha-nimly-manager/internal/domain/port/driven"
	"github.com/FredrikElliot/ha-nimly-manager/internal/metrics"
)

// Compile-time interface satisfaction check.
var _ driven.LockAdapter = (*Retrying)(nil)

// RetryPolicy bounds a single lock command.
type RetryPolicy struct {
	Attempts       int           // total tries, including the first
	Timeout        time.Duration // per attempt
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryPolicy returns 3 attempts of 5s each with exponential backoff
// starting at 500ms and capped at 4s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:       3,
		Timeout:        5 * time.Second,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     4 * time.Second,
	}
}

// Retrying decorates a LockAdapter with a per-attempt timeout and bounded
// retries. Once the budget is spent the last error is returned wrapped in
// driven.ErrLockUnavailable.
type Retrying struct {
	next    driven.LockAdapter
	policy  RetryPolicy
	clock   clock.PassiveClock
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewRetrying wraps next. clk times commands for metrics and the backoff's
// elapsed-time accounting. m may be nil.
func NewRetrying(next driven.LockAdapter, policy RetryPolicy, clk clock.PassiveClock, logger *slog.Logger, m *metrics.Metrics) *Retrying {
	if policy.Attempts < 1 {
		policy.Attempts = 1
	}
	return &Retrying{
		next:    next,
		policy:  policy,
		clock:   clk,
		logger:  logger,
		metrics: m,
	}
}

// WriteCode programs pin into slot, retrying transient failures.
func (r *Retrying) WriteCode(ctx context.Context, slot int, pin string, codeType model.CodeType) error {
	return r.do(ctx, "write", slot, func(ctx context.Context) error {
		return r.next.WriteCode(ctx, slot, pin, codeType)
	})
}

// EraseCode clears slot, retrying transient failures.
func (r *Retrying) EraseCode(ctx context.Context, slot int) error {
	return r.do(ctx, "erase", slot, func(ctx context.Context) error {
		return r.next.EraseCode(ctx, slot)
	})
}

func (r *Retrying) do(ctx context.Context, op string, slot int, fn func(context.Context) error) error {
	start := r.clock.Now()

	b := backoff.NewExponentialBackOff()
	b.Clock = r.clock
	b.InitialInterval = r.policy.InitialBackoff
	b.MaxInterval = r.policy.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	attempt := 0
	operation := func() error {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, r.policy.Timeout)
		defer cancel()

		err := fn(attemptCtx)
		if err != nil {
			r.logger.Warn("lock command failed",
				"op", op,
				"slot", slot,
				"attempt", attempt,
				"max_attempts", r.policy.Attempts,
				"error", err,
			)
		}
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.policy.Attempts-1)), ctx)
	err := backoff.Retry(operation, policy)
	r.metrics.ObserveLockOp(op, err, r.clock.Since(start))

	if err != nil {
		return fmt.Errorf("%w: %s slot %d failed after %d attempt(s): %w", driven.ErrLockUnavailable, op, slot, attempt, err)
	}
	if attempt > 1 {
		r.logger.Info("lock command succeeded after retry", "op", op, "slot", slot, "attempts", attempt)
	}
	return nil
}
