package fetch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/bryan-buckman/televore/internal/metrics"
	"github.com/bryan-buckman/televore/internal/telegram"
)

// DefaultMaxThrottleWait caps the total time one call may spend suspended.
const DefaultMaxThrottleWait = 30 * time.Minute

// ErrThrottleCeiling is returned when honouring the next throttle signal would
// exceed the configured wait ceiling.
var ErrThrottleCeiling = errors.New("fetch: throttle wait ceiling exceeded")

// Throttle retries calls that fail with a *telegram.RateLimitError after
// waiting exactly the signalled duration.
type Throttle struct {
	maxWait time.Duration
	logger  *zap.Logger
	metrics *metrics.Metrics
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewThrottle creates a retry policy. maxWait <= 0 retries without bound.
func NewThrottle(maxWait time.Duration, logger *zap.Logger, m *metrics.Metrics) *Throttle {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Throttle{maxWait: maxWait, logger: logger, metrics: m, sleep: sleepContext}
}

// SetSleep replaces the suspension function.
func (t *Throttle) SetSleep(fn func(ctx context.Context, d time.Duration) error) {
	t.sleep = fn
}

// Do runs fn until it returns nil or an error that is not a throttle signal.
// Waits accumulate per Do call.
func (t *Throttle) Do(ctx context.Context, entity string, fn func() error) error {
	var waited time.Duration
	for {
		err := fn()
		if err == nil {
			return nil
		}
		rl, ok := telegram.AsRateLimit(err)
		if !ok {
			return err
		}
		if t.maxWait > 0 && waited+rl.Wait > t.maxWait {
			return fmt.Errorf("%s: waited %s, next wait %s: %w", rl.Op, waited, rl.Wait, ErrThrottleCeiling)
		}

		t.logger.Warn("Source throttled, waiting",
			zap.String("entity", entity),
			zap.String("op", rl.Op),
			zap.Duration("wait", rl.Wait),
			zap.Duration("waited", waited),
		)
		t.metrics.Throttled(rl.Wait)
		if err := t.sleep(ctx, rl.Wait); err != nil {
			return err
		}
		waited += rl.Wait
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
