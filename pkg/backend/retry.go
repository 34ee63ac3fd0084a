package backend

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// Policy is an explicit retry policy consumed by each backend client.
// Only transient failures are retried; not-found and permanent failures
// surface immediately.
type Policy struct {
	// MaxAttempts is the total number of calls, first try included.
	MaxAttempts int

	// InitialBackoff is the delay before the first retry. Each retry
	// doubles the delay, capped at MaxBackoff, with jitter.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// AttemptTimeout bounds each individual call. Zero means the
	// caller's context deadline is the only bound.
	AttemptTimeout time.Duration

	// Observe, when set, is called once per attempt with the op name,
	// the attempt's error (nil on success) and its duration. Used to
	// feed backend call metrics.
	Observe func(op string, err error, elapsed time.Duration)
}

// DefaultPolicy matches the production defaults: 3 attempts, 200ms
// initial backoff capped at 1s, 5s per attempt.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     time.Second,
		AttemptTimeout: 5 * time.Second,
	}
}

// Do runs fn under the policy. Per-attempt timeouts count as transient
// failures; after the final attempt the last error is returned as-is so
// the caller still sees its Kind.
func (p Policy) Do(ctx context.Context, logger *zap.Logger, op string, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		attemptCtx := ctx
		var cancel context.CancelFunc
		if p.AttemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, p.AttemptTimeout)
		}
		attemptStart := time.Now()
		err = fn(attemptCtx)
		if cancel != nil {
			cancel()
		}
		if p.Observe != nil {
			p.Observe(op, err, time.Since(attemptStart))
		}

		if err == nil || !IsTransient(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		logger.Warn("Backend call failed, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return Transient("retry", op, ctx.Err())
		case <-time.After(p.backoff(attempt)):
		}
	}
	return err
}

// backoff returns the jittered delay after the given attempt number.
func (p Policy) backoff(attempt int) time.Duration {
	d := p.InitialBackoff
	if d <= 0 {
		d = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			d = p.MaxBackoff
			break
		}
	}
	// Up to 25% jitter so concurrent commands do not retry in lockstep.
	return d + time.Duration(rand.Int63n(int64(d)/4+1))
}
