package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBusiness = errors.New("version mismatch")

func testBreakerConfig() *CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig("test")
	cfg.FailureThreshold = 2
	cfg.Timeout = time.Hour
	return cfg
}

func failing(err error) func() (interface{}, error) {
	return func() (interface{}, error) { return nil, err }
}

func TestCircuitBreaker_TripsOnConsecutiveFailures(t *testing.T) {
	var transitions []gobreaker.State
	cfg := testBreakerConfig()
	cfg.OnStateChange = func(_ string, _, to gobreaker.State) {
		transitions = append(transitions, to)
	}
	cb := NewCircuitBreaker(cfg, nil)

	for i := 0; i < 2; i++ {
		_, err := cb.Execute(context.Background(), failing(assert.AnError))
		require.ErrorIs(t, err, assert.AnError)
	}

	assert.Equal(t, gobreaker.StateOpen, cb.State())
	assert.Equal(t, []gobreaker.State{gobreaker.StateOpen}, transitions)

	_, err := cb.Execute(context.Background(), func() (interface{}, error) {
		t.Fatal("open breaker must not call through")
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuitBreaker_IsSuccessfulExcludesBusinessErrors(t *testing.T) {
	cfg := testBreakerConfig()
	cfg.IsSuccessful = func(err error) bool { return err == nil || errors.Is(err, errBusiness) }
	cb := NewCircuitBreaker(cfg, nil)

	for i := 0; i < 5; i++ {
		_, err := cb.Execute(context.Background(), failing(errBusiness))
		assert.ErrorIs(t, err, errBusiness)
	}

	assert.Equal(t, gobreaker.StateClosed, cb.State())
	assert.Zero(t, cb.Counts().ConsecutiveFailures)
}

func TestCircuitBreaker_CancelledContext(t *testing.T) {
	cb := NewCircuitBreaker(testBreakerConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := cb.Execute(ctx, failing(nil))

	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, cb.Counts().Requests)
}

func fastRetry(attempts int) *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   attempts,
		InitialDelay:  time.Millisecond,
		MaxDelay:      2 * time.Millisecond,
		BackoffFactor: 2,
	}
}

func TestRetryWithResult(t *testing.T) {
	calls := 0
	got, err := RetryWithResult(context.Background(), fastRetry(3), func() (string, error) {
		calls++
		if calls < 3 {
			return "", assert.AnError
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, calls)
}

func TestRetry_Exhausted(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetry(2), func() error {
		calls++
		return assert.AnError
	})

	assert.ErrorIs(t, err, assert.AnError)
	assert.Contains(t, err.Error(), "max retries (2) exceeded")
	assert.Equal(t, 2, calls)
}

func TestRetry_NonRetryableStopsEarly(t *testing.T) {
	cfg := fastRetry(5)
	cfg.RetryableErrors = func(err error) bool { return !errors.Is(err, errBusiness) }

	calls := 0
	err := Retry(context.Background(), cfg, func() error {
		calls++
		return errBusiness
	})

	assert.Equal(t, errBusiness, err)
	assert.Equal(t, 1, calls)
}

func TestRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := fastRetry(5)
	cfg.InitialDelay = time.Hour
	cfg.MaxDelay = time.Hour

	err := Retry(ctx, cfg, func() error {
		cancel()
		return assert.AnError
	})

	assert.ErrorIs(t, err, context.Canceled)
}
