package errors

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quickRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: 1 * time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestRetry_SucceedsFirstAttempt(t *testing.T) {
	// Given: a function that succeeds immediately
	calls := 0
	fn := func() error {
		calls++
		return nil
	}

	// When: retrying
	err := Retry(context.Background(), quickRetryConfig(), fn)

	// Then: exactly one call, no error
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	// Given: a function that fails twice then succeeds
	calls := 0
	fn := func() error {
		calls++
		if calls < 3 {
			return fmt.Errorf("transient %d", calls)
		}
		return nil
	}

	// When: retrying
	err := Retry(context.Background(), quickRetryConfig(), fn)

	// Then: succeeds on third call
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	// Given: a function that always fails
	calls := 0
	fn := func() error {
		calls++
		return fmt.Errorf("permanent")
	}

	// When: retrying with 3 retries
	err := Retry(context.Background(), quickRetryConfig(), fn)

	// Then: initial attempt + 3 retries, wrapped error
	require.Error(t, err)
	assert.Equal(t, 4, calls)
	assert.Contains(t, err.Error(), "failed after 3 retries")
	assert.Contains(t, err.Error(), "permanent")
}

func TestRetry_ContextCancellation(t *testing.T) {
	// Given: a cancelled context
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	fn := func() error {
		calls++
		return fmt.Errorf("never succeeds")
	}

	// When: retrying
	err := Retry(ctx, quickRetryConfig(), fn)

	// Then: returns context error without calling fn
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, calls)
}

func TestRetryWithResult_ReturnsValue(t *testing.T) {
	// Given: a function that fails once then returns a value
	calls := 0
	fn := func() (int, error) {
		calls++
		if calls == 1 {
			return 0, fmt.Errorf("transient")
		}
		return 42, nil
	}

	// When: retrying
	got, err := RetryWithResult(context.Background(), quickRetryConfig(), fn)

	// Then: returns the value from the successful attempt
	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 2, calls)
}

func TestRetryWithResult_ExhaustedReturnsZeroValue(t *testing.T) {
	fn := func() (string, error) {
		return "partial", fmt.Errorf("always fails")
	}

	got, err := RetryWithResult(context.Background(), quickRetryConfig(), fn)

	require.Error(t, err)
	assert.Equal(t, "", got)
}

func TestRetry_DelayGrowsAndCaps(t *testing.T) {
	// Given: a config with measurable delays
	cfg := RetryConfig{
		MaxRetries:   3,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
		Multiplier:   2.0,
	}

	start := time.Now()
	_ = Retry(context.Background(), cfg, func() error {
		return fmt.Errorf("fail")
	})
	elapsed := time.Since(start)

	// Then: total wait is at least 10 + 20 + 20 ms
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
}
