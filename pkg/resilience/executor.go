package resilience

import (
	"context"
	"errors"
	"time"
)

// Observer receives per-attempt outcomes; the metrics package implements it.
type Observer interface {
	ObserveAttempt(op string, attempt int, err error, took time.Duration)
	ObserveInFlight(n int)
}

// Executor runs backend calls through throttle, breaker and retry, in that
// order. Callers only see the final error: a string of 503s becomes one
// failure after the policy gave up, an auth error comes back straight away. Each attempt takes its own throttle slot so a call that is backing
// off does not block others.
type Executor struct {
	Policy   Policy
	Throttle *Throttle
	Breaker  *CircuitBreaker
	Observer Observer
	Logf     func(string, ...any)
}

// NewExecutor builds an Executor with default policy and breaker.
func NewExecutor(concurrency int, logf func(string, ...any)) *Executor {
	cfg := DefaultBreakerConfig()
	if logf != nil {
		cfg.OnStateChange = func(from, to CircuitState) {
			logf("backend circuit %s -> %s", from, to)
		}
	}
	return &Executor{
		Policy:   DefaultPolicy(),
		Throttle: NewThrottle(concurrency),
		Breaker:  NewCircuitBreaker(cfg),
		Logf:     logf,
	}
}

// Do executes op under the executor's protections. name labels log lines
// and metrics.
func (e *Executor) Do(ctx context.Context, name string, op func(context.Context) error) error {
	if e == nil {
		return op(ctx)
	}
	attempt := 0
	return Retry(ctx, e.Policy, func(ctx context.Context) error {
		attempt++
		release, err := e.Throttle.Acquire(ctx)
		if err != nil {
			return err
		}
		// The breaker may have opened while we queued for the slot.
		if e.Breaker != nil {
			if err := e.Breaker.Allow(); err != nil {
				release()
				return err
			}
		}
		if e.Observer != nil {
			e.Observer.ObserveInFlight(e.Throttle.InFlight())
		}
		started := time.Now()
		err = op(ctx)
		took := time.Since(started)
		// Record the outcome before freeing the slot so a queued caller sees
		// a breaker that already knows about this failure.
		if e.Breaker != nil {
			switch {
			case err == nil:
				e.Breaker.Success()
			case Retryable(err):
				e.Breaker.Failure(err)
			case IsAuthError(err), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				e.Breaker.Ignore()
			default:
				// The backend answered; the request itself was wrong.
				e.Breaker.Success()
			}
		}
		release()
		if e.Observer != nil {
			e.Observer.ObserveAttempt(name, attempt, err, took)
			e.Observer.ObserveInFlight(e.Throttle.InFlight())
		}
		return err
	}, func(n int, err error) {
		if e.Logf != nil {
			e.Logf("%s: attempt %d failed, retrying: %v", name, n, err)
		}
	})
}
