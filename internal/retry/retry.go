// Package retry provides the single backoff helper shared by the
// Database Gateway, Messaging Gateway, and domain processors.
package retry

import (
	"context"
	"time"
)

// Config controls the backoff schedule: delay grows from Base by
// Multiplier each attempt, capped at Max.
type Config struct {
	MaxAttempts int
	Base        time.Duration
	Multiplier  float64
	Max         time.Duration
}

// DefaultConfig is a general-purpose backoff schedule: short base delay,
// gentle growth, capped well under a minute.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 5,
		Base:        200 * time.Millisecond,
		Multiplier:  2.0,
		Max:         30 * time.Second,
	}
}

// delayForAttempt computes the wait after a failed attempt: starting at Base, multiplying by Multiplier for each prior attempt, and
// clamping at Max.
func delayForAttempt(cfg Config, attempt int) time.Duration {
	delay := cfg.Base
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay > cfg.Max {
			return cfg.Max
		}
	}
	return delay
}

// Classifier decides whether an error returned by the operation should be
// retried. Operations return a non-nil error to signal failure; Classifier
// inspects it to decide whether another attempt is worthwhile.
type Classifier func(err error) bool

// Do runs fn up to cfg.MaxAttempts times, sleeping a backoff delay between
// attempts. It stops retrying as soon as fn succeeds, classify returns
// false for the error, or ctx is cancelled. The last error observed is
// returned if all attempts are exhausted.
func Do(ctx context.Context, cfg Config, classify Classifier, fn func(ctx context.Context) error) error {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if classify != nil && !classify(lastErr) {
			return lastErr
		}

		if attempt == cfg.MaxAttempts {
			break
		}

		delay := delayForAttempt(cfg, attempt)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return lastErr
}
