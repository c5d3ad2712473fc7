// Package retry retries startup work (database and backend connects) with
// exponential backoff. Request paths never retry; clients own that policy.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/ossdrive/internal/logging"
)

// Config holds retry configuration.
type Config struct {
	MaxAttempts int           // 0 = until ctx is done
	InitialWait time.Duration
	MaxWait     time.Duration
	Multiplier  float64
	Jitter      float64 // 0-1
}

// Startup returns the policy used while the server boots.
func Startup() Config {
	return Config{
		MaxAttempts: 6,
		InitialWait: 250 * time.Millisecond,
		MaxWait:     8 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.2,
	}
}

// permanent marks an error that must not be retried.
type permanent struct{ err error }

func (p permanent) Error() string { return p.err.Error() }
func (p permanent) Unwrap() error { return p.err }

// Permanent stops the retry loop and returns err unchanged to the caller.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanent{err: err}
}

// Wait returns the backoff before attempt n (1-based) with jitter applied.
func (c Config) Wait(n int) time.Duration {
	wait := float64(c.InitialWait) * math.Pow(c.Multiplier, float64(n-1))
	if wait > float64(c.MaxWait) {
		wait = float64(c.MaxWait)
	}
	if c.Jitter > 0 {
		wait += wait * c.Jitter * (rand.Float64()*2 - 1)
	}
	return time.Duration(wait)
}

// Do runs fn until it succeeds, returns a Permanent error, attempts run out,
// or ctx is done.
func Do[T any](ctx context.Context, cfg Config, what string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 1; cfg.MaxAttempts == 0 || attempt <= cfg.MaxAttempts; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}

		var p permanent
		if errors.As(err, &p) {
			return zero, p.err
		}
		lastErr = err

		wait := cfg.Wait(attempt)
		logging.Warn("retrying",
			zap.String("what", what),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(wait):
		}
	}
	return zero, lastErr
}
