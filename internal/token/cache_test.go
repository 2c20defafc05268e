package token

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SoulEchoPlan/soul-echo-sub000/internal/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// countingIssuer issues credentials valid for ttl from the fake clock.
type countingIssuer struct {
	clock *fakeClock
	ttl   time.Duration
	delay time.Duration
	calls atomic.Int32
	fail  atomic.Bool
}

func (i *countingIssuer) Issue(ctx context.Context, id, secret string) (models.Credential, error) {
	n := i.calls.Add(1)
	if i.delay > 0 {
		time.Sleep(i.delay)
	}
	if i.fail.Load() {
		return models.Credential{}, errors.New("issuer unavailable")
	}
	return models.Credential{
		Value:     fmt.Sprintf("token-%d", n),
		ExpiresAt: i.clock.Now().Add(i.ttl),
	}, nil
}

func newTestCache(t *testing.T, issuer *countingIssuer) *Cache {
	t.Helper()
	c, err := NewCache(context.Background(), issuer, "id", "secret", WithClock(issuer.clock.Now))
	require.NoError(t, err)
	return c
}

func TestNewCacheFailsWhenInitialIssueFails(t *testing.T) {
	issuer := &countingIssuer{clock: &fakeClock{now: time.Now()}, ttl: time.Hour}
	issuer.fail.Store(true)
	_, err := NewCache(context.Background(), issuer, "id", "secret", WithClock(issuer.clock.Now))
	require.Error(t, err)
}

func TestGetValidTokenReusesFreshCredential(t *testing.T) {
	issuer := &countingIssuer{clock: &fakeClock{now: time.Now()}, ttl: time.Hour}
	c := newTestCache(t, issuer)

	first, err := c.GetValidToken(context.Background())
	require.NoError(t, err)
	second, err := c.GetValidToken(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first.Value, second.Value)
	assert.Equal(t, int32(1), issuer.calls.Load())
}

func TestGetValidTokenRefreshesInsideAdvanceWindow(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	issuer := &countingIssuer{clock: clock, ttl: time.Hour}
	c := newTestCache(t, issuer)

	clock.Advance(56 * time.Minute)
	cred, err := c.GetValidToken(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "token-2", cred.Value)
	assert.GreaterOrEqual(t, cred.ExpiresAt.Sub(clock.Now()), DefaultAdvanceWindow)
}

func TestGetValidTokenNeverReturnsStale(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	issuer := &countingIssuer{clock: clock, ttl: 30 * time.Minute}
	c := newTestCache(t, issuer)

	for i := 0; i < 20; i++ {
		clock.Advance(7 * time.Minute)
		cred, err := c.GetValidToken(context.Background())
		require.NoError(t, err)
		assert.GreaterOrEqual(t, cred.ExpiresAt.Sub(clock.Now()), DefaultAdvanceWindow)
	}
}

func TestGetValidTokenPropagatesRefreshFailure(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	issuer := &countingIssuer{clock: clock, ttl: time.Hour}
	c := newTestCache(t, issuer)

	issuer.fail.Store(true)
	clock.Advance(2 * time.Hour)
	_, err := c.GetValidToken(context.Background())
	require.ErrorIs(t, err, ErrNoCredential)
}

func TestShortLivedCredentialIsRejected(t *testing.T) {
	issuer := &countingIssuer{clock: &fakeClock{now: time.Now()}, ttl: time.Minute}
	_, err := NewCache(context.Background(), issuer, "id", "secret", WithClock(issuer.clock.Now))
	require.ErrorIs(t, err, ErrShortLived)
}

func TestConcurrentCallersTriggerSingleRefresh(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	issuer := &countingIssuer{clock: clock, ttl: time.Hour, delay: 20 * time.Millisecond}
	c := newTestCache(t, issuer)
	clock.Advance(58 * time.Minute)

	const callers = 32
	var wg sync.WaitGroup
	values := make([]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cred, err := c.GetValidToken(context.Background())
			if err != nil {
				t.Errorf("GetValidToken: %v", err)
				return
			}
			values[i] = cred.Value
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(2), issuer.calls.Load(), "startup plus exactly one refresh")
	for _, v := range values {
		assert.Equal(t, "token-2", v)
	}
}

func TestForceRefreshAlwaysIssues(t *testing.T) {
	issuer := &countingIssuer{clock: &fakeClock{now: time.Now()}, ttl: time.Hour}
	c := newTestCache(t, issuer)

	first, err := c.ForceRefresh(context.Background())
	require.NoError(t, err)
	second, err := c.ForceRefresh(context.Background())
	require.NoError(t, err)

	assert.NotEqual(t, first.Value, second.Value)
	assert.Equal(t, int32(3), issuer.calls.Load())
}

func TestScheduledRefreshSwallowsFailure(t *testing.T) {
	issuer := &countingIssuer{clock: &fakeClock{now: time.Now()}, ttl: time.Hour}
	c := newTestCache(t, issuer)

	issuer.fail.Store(true)
	c.ScheduledRefresh(context.Background())

	issuer.fail.Store(false)
	cred, err := c.GetValidToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-1", cred.Value, "failed refresh keeps the previous credential")
}

func TestRunStopsWithContext(t *testing.T) {
	issuer := &countingIssuer{clock: &fakeClock{now: time.Now()}, ttl: time.Hour}
	c := newTestCache(t, issuer)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx, 5*time.Millisecond, 5*time.Millisecond)
		close(done)
	}()
	require.Eventually(t, func() bool { return issuer.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run did not stop after cancel")
	}
}
