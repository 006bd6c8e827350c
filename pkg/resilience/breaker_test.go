package resilience

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerOpensAndRecovers(t *testing.T) {
	now := time.Unix(0, 0)
	cb := NewCircuitBreaker(BreakerConfig{FailureThreshold: 2, SuccessThreshold: 1, OpenTimeout: time.Minute})
	cb.now = func() time.Time { return now }

	cb.Failure(errors.New("a"))
	assert.Equal(t, CircuitClosed, cb.State())
	cb.Failure(errors.New("b"))
	assert.Equal(t, CircuitOpen, cb.State())
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)
	assert.EqualError(t, cb.LastError(), "b")

	now = now.Add(2 * time.Minute)
	require.NoError(t, cb.Allow())
	assert.Equal(t, CircuitHalfOpen, cb.State())

	cb.Success()
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	now := time.Unix(0, 0)
	cb := NewCircuitBreaker(BreakerConfig{FailureThreshold: 1, SuccessThreshold: 2, OpenTimeout: time.Second})
	cb.now = func() time.Time { return now }
	cb.Failure(errors.New("x"))
	now = now.Add(2 * time.Second)
	require.NoError(t, cb.Allow())
	cb.Failure(errors.New("y"))
	assert.Equal(t, CircuitOpen, cb.State())
}

func TestBreakerHalfOpenAdmitsOneTrial(t *testing.T) {
	now := time.Unix(0, 0)
	cb := NewCircuitBreaker(BreakerConfig{FailureThreshold: 1, SuccessThreshold: 2, OpenTimeout: time.Second})
	cb.now = func() time.Time { return now }
	cb.Failure(errors.New("down"))
	now = now.Add(2 * time.Second)

	require.NoError(t, cb.Allow())
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen, "second caller must wait for the trial")

	cb.Success()
	assert.Equal(t, CircuitHalfOpen, cb.State())
	require.NoError(t, cb.Allow())
	cb.Success()
	assert.Equal(t, CircuitClosed, cb.State())
	require.NoError(t, cb.Allow())
	require.NoError(t, cb.Allow())
}

func TestExecutorChecksBreakerAfterQueueing(t *testing.T) {
	ex := NewExecutor(1, nil)
	ex.Policy = Policy{MaxAttempts: 1}
	ex.Breaker = NewCircuitBreaker(BreakerConfig{FailureThreshold: 1, OpenTimeout: time.Hour})

	holding := make(chan struct{})
	proceed := make(chan struct{})
	first := make(chan error, 1)
	go func() {
		first <- ex.Do(context.Background(), "first", func(context.Context) error {
			close(holding)
			<-proceed
			return &StatusError{StatusCode: http.StatusServiceUnavailable}
		})
	}()
	<-holding

	ran := false
	second := make(chan error, 1)
	go func() {
		second <- ex.Do(context.Background(), "second", func(context.Context) error {
			ran = true
			return nil
		})
	}()
	// Give the second call time to queue behind the throttle.
	time.Sleep(20 * time.Millisecond)
	close(proceed)

	require.Error(t, <-first)
	assert.ErrorIs(t, <-second, ErrCircuitOpen)
	assert.False(t, ran)
	assert.Equal(t, 0, ex.Throttle.InFlight())
}

func TestCircuitStateString(t *testing.T) {
	assert.Equal(t, "closed", CircuitClosed.String())
	assert.Equal(t, "open", CircuitOpen.String())
	assert.Equal(t, "half-open", CircuitHalfOpen.String())
	assert.Equal(t, "unknown", CircuitState(9).String())
}

type recordingObserver struct {
	attempts []int
}

func (r *recordingObserver) ObserveAttempt(_ string, attempt int, _ error, _ time.Duration) {
	r.attempts = append(r.attempts, attempt)
}

func (r *recordingObserver) ObserveInFlight(int) {}

func TestExecutorRetriesAndReports(t *testing.T) {
	ex := NewExecutor(2, nil)
	ex.Policy = Policy{MaxAttempts: 3, Initial: time.Millisecond, Multiplier: 1}
	obs := &recordingObserver{}
	ex.Observer = obs

	calls := 0
	err := ex.Do(context.Background(), "list vann", func(context.Context) error {
		calls++
		if calls == 1 {
			return &StatusError{StatusCode: http.StatusBadGateway}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, obs.attempts)
	assert.Equal(t, CircuitClosed, ex.Breaker.State())
}

func TestExecutorShortCircuitsWhenOpen(t *testing.T) {
	ex := NewExecutor(1, nil)
	ex.Policy = Policy{MaxAttempts: 1}
	ex.Breaker = NewCircuitBreaker(BreakerConfig{FailureThreshold: 1, OpenTimeout: time.Hour})

	err := ex.Do(context.Background(), "op", func(context.Context) error {
		return &StatusError{StatusCode: http.StatusServiceUnavailable}
	})
	require.Error(t, err)

	called := false
	err = ex.Do(context.Background(), "op", func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestExecutorAuthErrorsDoNotTripBreaker(t *testing.T) {
	ex := NewExecutor(1, nil)
	ex.Breaker = NewCircuitBreaker(BreakerConfig{FailureThreshold: 1, OpenTimeout: time.Hour})
	for i := 0; i < 3; i++ {
		err := ex.Do(context.Background(), "op", func(context.Context) error {
			return &StatusError{StatusCode: http.StatusUnauthorized}
		})
		assert.ErrorIs(t, err, ErrUnauthorized)
	}
	assert.Equal(t, CircuitClosed, ex.Breaker.State())
}

func TestNilExecutorRunsDirectly(t *testing.T) {
	var ex *Executor
	ran := false
	require.NoError(t, ex.Do(context.Background(), "op", func(context.Context) error { ran = true; return nil }))
	assert.True(t, ran)
}
