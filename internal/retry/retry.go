// Package retry runs an operation a bounded number of times with a fixed wait
// between attempts.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/serial-crawler/internal/fiction"
)

const (
	// DefaultMaxAttempts is the number of tries made before giving up.
	DefaultMaxAttempts = 3
	// DefaultDelay is the fixed pause between attempts.
	DefaultDelay = 2 * time.Second
)

// SleepFunc waits for d or until ctx ends.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Policy configures bounded retries.
type Policy struct {
	MaxAttempts int
	Delay       time.Duration
	// Sleep overrides the wait between attempts; tests use it to avoid real sleeps.
	Sleep SleepFunc
}

// DefaultPolicy returns the standard three attempts with a two second wait.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: DefaultMaxAttempts, Delay: DefaultDelay}
}

// Do calls fn until it succeeds, ctx ends, or the attempts are exhausted. The
// exhausted error wraps fiction.ErrFetchFailed and the last failure.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = contextSleep
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		// Only the caller's context ends the loop early. An attempt that timed
		// out on its own (a client timeout) is retried like any other failure.
		if err := ctx.Err(); err != nil {
			return err
		}
		if attempt == attempts {
			break
		}
		if err := sleep(ctx, p.Delay); err != nil {
			return err
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", fiction.ErrFetchFailed, attempts, lastErr)
}

func contextSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
