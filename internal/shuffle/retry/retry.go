package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Policy shapes the backoff of Do.
type Policy struct {
	// MaxAttempts <= 0 retries until the context is cancelled.
	MaxAttempts int
	BaseDelay   time.Duration // default 100ms
	MaxDelay    time.Duration // default 5s
	Jitter      time.Duration // added uniformly to each wait

	// OnRetry is an optional hook for logging.
	OnRetry func(attempt int, wait time.Duration, err error)
}

// Permanent wraps err so Do gives up instead of retrying.
func Permanent(err error) error { return permanentError{err} }

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Do runs fn with exponential backoff until it succeeds, returns a
// Permanent error, exhausts MaxAttempts, or ctx is cancelled.
func Do(ctx context.Context, p Policy, fn func(context.Context) error) error {
	if p.BaseDelay <= 0 {
		p.BaseDelay = 100 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 5 * time.Second
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var perm permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		lastErr = err

		if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
			return lastErr
		}

		wait := p.BaseDelay
		if attempt < 63 {
			wait = p.BaseDelay << (attempt - 1)
		}
		if wait > p.MaxDelay || wait <= 0 {
			wait = p.MaxDelay
		}
		if p.Jitter > 0 {
			wait += time.Duration(rand.Int63n(int64(p.Jitter)))
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, wait, err)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
