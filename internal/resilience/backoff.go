package resilience

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

const (
	defaultInitialBackoff = 1 * time.Second
	defaultMaxBackoff     = 30 * time.Second
)

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err so that [Retry] stops and a [CircuitBreaker] does not
// count it as a failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with [Permanent] or is a
// cancellation by the caller.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p) || errors.Is(err, context.Canceled)
}

// Backoff describes capped exponential retry. The zero value performs no
// retries.
type Backoff struct {
	// Initial is the wait before the first retry. Defaults to 1s.
	Initial time.Duration

	// Max caps the wait between retries. Defaults to 30s.
	Max time.Duration

	// Attempts is the number of retries after the first call.
	Attempts int
}

// Delay returns the wait before retry n (0-based): Initial doubled n times,
// capped at Max.
func (b Backoff) Delay(n int) time.Duration {
	d, limit := b.Initial, b.Max
	if d <= 0 {
		d = defaultInitialBackoff
	}
	if limit <= 0 {
		limit = defaultMaxBackoff
	}
	for range n {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	return min(d, limit)
}

// Retry calls fn until it succeeds, returns a permanent error or
// [ErrCircuitOpen], or b.Attempts retries are used up. It returns the last
// error. Waiting between attempts is cut short by ctx.
func Retry(ctx context.Context, b Backoff, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil || IsPermanent(err) || errors.Is(err, ErrCircuitOpen) || attempt >= b.Attempts {
			return err
		}

		wait := b.Delay(attempt)
		slog.Warn("retrying after failure",
			"attempt", attempt+1,
			"max_attempts", b.Attempts,
			"backoff", wait,
			"err", err,
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C:
		}
	}
}
