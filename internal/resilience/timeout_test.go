package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallReturnsValue(t *testing.T) {
	v, err := Call(context.Background(), time.Second, "op", func(ctx context.Context) (int, error) {
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestCallTimesOutSlowFunction(t *testing.T) {
	start := time.Now()
	_, err := Call(context.Background(), 20*time.Millisecond, "slow", func(ctx context.Context) (int, error) {
		time.Sleep(500 * time.Millisecond)
		return 1, nil
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "slow")
	assert.Less(t, time.Since(start), 400*time.Millisecond)
}

func TestWithTimeoutPropagatesError(t *testing.T) {
	boom := errors.New("boom")
	err := WithTimeout(context.Background(), time.Second, "op", func(ctx context.Context) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
}

func TestWithTimeoutParentCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WithTimeout(ctx, time.Second, "op", func(ctx context.Context) error {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		return ctx.Err()
	})
	require.ErrorIs(t, err, context.Canceled)
}
