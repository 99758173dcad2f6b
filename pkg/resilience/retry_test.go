package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stubSleep(t *testing.T) *[]time.Duration {
	t.Helper()
	var slept []time.Duration
	orig := sleep
	sleep = func(d time.Duration) { slept = append(slept, d) }
	t.Cleanup(func() { sleep = orig })
	return &slept
}

func TestRetryEventuallySucceeds(t *testing.T) {
	slept := stubSleep(t)
	calls := 0
	err := Retry("open", RetryConfig{MaxAttempts: 5, Backoff: 100 * time.Millisecond}, func(attempt int) error {
		calls++
		if attempt < 3 {
			return errors.New("segment file mid-update")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 100 * time.Millisecond}, *slept)
}

func TestRetryExhaustsBudget(t *testing.T) {
	slept := stubSleep(t)
	cause := errors.New("missing")
	calls := 0
	err := Retry("open", RetryConfig{}, func(int) error {
		calls++
		return cause
	})
	require.ErrorIs(t, err, cause)
	assert.Equal(t, DefaultMaxAttempts, calls)
	assert.Len(t, *slept, DefaultMaxAttempts-1)
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	stubSleep(t)
	fatal := errors.New("corrupt")
	calls := 0
	err := Retry("open", RetryConfig{Retryable: func(err error) bool { return !errors.Is(err, fatal) }}, func(int) error {
		calls++
		return fatal
	})
	require.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, calls)
}
