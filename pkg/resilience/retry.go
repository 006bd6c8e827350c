// Package resilience keeps outbound calls to the planning backend alive:
// exponential backoff that never retries auth failures, a bounded throttle on
// concurrent calls and a circuit breaker that stops hammering a dead backend.
package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Policy configures retry behaviour.
type Policy struct {
	// MaxAttempts counts the first try, so 3 means up to two retries.
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
	// Jitter spreads each wait by ±Jitter of its length (0.0 to 1.0).
	Jitter float64
}

// DefaultPolicy makes three tries
// starting at half a second and doubling.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		Initial:     500 * time.Millisecond,
		Max:         5 * time.Second,
		Multiplier:  2,
		Jitter:      0.1,
	}
}

// Backoff returns the wait before the given retry (attempt starts at 1).
func (p Policy) Backoff(attempt int, rnd func() float64) time.Duration {
	if attempt < 1 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	wait := float64(p.Initial) * math.Pow(mult, float64(attempt-1))
	if p.Max > 0 && wait > float64(p.Max) {
		wait = float64(p.Max)
	}
	if p.Jitter > 0 && rnd != nil {
		wait += wait * p.Jitter * (rnd()*2 - 1)
	}
	if wait < 0 {
		wait = 0
	}
	return time.Duration(wait)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped by Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Retry runs op until it succeeds, the attempts are used up, the error is
// permanent or an auth failure, or ctx ends. onRetry, when set, is called
// before every wait with the attempt number that failed.
func Retry(ctx context.Context, p Policy, op func(context.Context) error, onRetry func(attempt int, err error)) error {
	return retry(ctx, p, op, onRetry, sleepCtx, rand.Float64)
}

func retry(
	ctx context.Context,
	p Policy,
	op func(context.Context) error,
	onRetry func(int, error),
	sleep func(context.Context, time.Duration) error,
	rnd func() float64,
) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err != nil {
				return err
			}
			return ctxErr
		}
		err = op(ctx)
		if err == nil {
			return nil
		}
		if !Retryable(err) || attempt == attempts {
			return err
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}
		if serr := sleep(ctx, p.Backoff(attempt, rnd)); serr != nil {
			return err
		}
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
