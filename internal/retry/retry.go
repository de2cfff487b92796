// Package retry repeats a failing call a bounded number of times.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Config bounds the repeats of one call.
type Config struct {
	// MaxRetries is the number of extra attempts after the first one.
	MaxRetries int
	// InitialBackoff is the wait before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff caps every wait. Zero means uncapped.
	MaxBackoff time.Duration
	// Multiplier grows the wait after every retry. Values <= 1 keep it fixed.
	Multiplier float64
	// OnRetry, when set, is called before each wait.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// DefaultConfig is the policy for provider server errors: three retries
// five seconds apart.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: 5 * time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     1,
	}
}

// wait returns the pause before retry number n, counting from 1.
func (c Config) wait(n int) time.Duration {
	d := c.InitialBackoff
	for i := 1; i < n && c.Multiplier > 1; i++ {
		d = time.Duration(float64(d) * c.Multiplier)
		if c.MaxBackoff > 0 && d >= c.MaxBackoff {
			break
		}
	}
	if c.MaxBackoff > 0 && d > c.MaxBackoff {
		d = c.MaxBackoff
	}
	return d
}

// Do calls fn until it succeeds, returns an error retryable rejects, or the
// budget is spent. A nil retryable retries nothing. The error of the last
// attempt is returned wrapped in *ExhaustedError when the budget ran out.
// Waits end early with ctx.Err() when ctx is done.
func Do(ctx context.Context, cfg Config, retryable func(error) bool, fn func(context.Context) error) error {
	retries := max(cfg.MaxRetries, 0)
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		switch {
		case err == nil:
			return nil
		case retryable == nil || !retryable(err) || ctx.Err() != nil:
			return err
		case attempt == retries:
			return &ExhaustedError{Attempts: attempt + 1, Err: err}
		}

		wait := cfg.wait(attempt + 1)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, err, wait)
		}
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ExhaustedError is the last failure of a call that used up its retries.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }
