package errors

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	err := New(KindRunner, "submit failed: %s", "timeout")
	assert.Equal(t, KindRunner, KindOf(err))
	assert.Equal(t, KindRunner, KindOf(fmt.Errorf("wrapped: %w", err)))
	assert.Equal(t, KindInternal, KindOf(fmt.Errorf("plain")))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(New(KindRunner, "poll timed out")))
	assert.True(t, Retryable(New(KindPersistence, "write failed")))
	assert.False(t, Retryable(New(KindInput, "bad graph")))
	assert.False(t, Retryable(New(KindMessage, "stale submit num")))
	assert.False(t, Retryable(nil))
}

func TestWith(t *testing.T) {
	err := New(KindMessage, "unknown task").With("task", "foo.20200101T0000Z")
	assert.Equal(t, "foo.20200101T0000Z", err.Context["task"])
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	cfg := RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	err := Retry(context.Background(), cfg, func(context.Context) error {
		attempts++
		if attempts < 3 {
			return New(KindPersistence, "transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	attempts := 0
	cfg := RetryConfig{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	err := Retry(context.Background(), cfg, func(context.Context) error {
		attempts++
		return New(KindInput, "malformed interval")
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, KindInput, KindOf(err))
}

func TestRetryExhaustsAttempts(t *testing.T) {
	attempts := 0
	cfg := RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	err := Retry(context.Background(), cfg, func(context.Context) error {
		attempts++
		return New(KindPersistence, "still down")
	})
	require.Error(t, err)
	assert.Equal(t, 3, attempts)
}
