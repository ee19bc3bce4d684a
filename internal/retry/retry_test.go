package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gxo-labs/simloop/internal/logger"
	"github.com/gxo-labs/simloop/internal/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDo_SucceedsAfterFailures(t *testing.T) {
	h := retry.NewHelper(logger.NewDiscardLogger())
	calls := 0
	err := h.Do(context.Background(), retry.Config{Attempts: 3, Delay: time.Millisecond}, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_ReturnsRedactedLastError(t *testing.T) {
	h := retry.NewHelper(logger.NewDiscardLogger())
	calls := 0
	err := h.Do(context.Background(), retry.Config{Attempts: 2}, func(ctx context.Context) error {
		calls++
		return errors.New("auth failed password=hunter2")
	})
	require.Error(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, "auth failed password=[REDACTED]", err.Error())
}

func TestDo_CancelledDuringDelay(t *testing.T) {
	h := retry.NewHelper(logger.NewDiscardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := h.Do(ctx, retry.Config{Attempts: 5, Delay: time.Hour}, func(ctx context.Context) error {
		calls++
		cancel()
		return errors.New("boom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, 1, calls)
}

func TestDo_CancelledBeforeStart(t *testing.T) {
	h := retry.NewHelper(logger.NewDiscardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := h.Do(ctx, retry.Config{Attempts: 3}, func(ctx context.Context) error {
		t.Fatal("operation must not run")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBackoff(t *testing.T) {
	h := retry.NewHelper(logger.NewDiscardLogger())
	cfg := retry.Config{Delay: 100 * time.Millisecond, BackoffFactor: 2, MaxDelay: 350 * time.Millisecond}
	assert.Equal(t, 100*time.Millisecond, h.Backoff(cfg, 1))
	assert.Equal(t, 200*time.Millisecond, h.Backoff(cfg, 2))
	assert.Equal(t, 350*time.Millisecond, h.Backoff(cfg, 3))

	jittered := h.Backoff(retry.Config{Delay: 100 * time.Millisecond, Jitter: 0.5}, 1)
	assert.GreaterOrEqual(t, jittered, 50*time.Millisecond)
	assert.LessOrEqual(t, jittered, 150*time.Millisecond)
}
