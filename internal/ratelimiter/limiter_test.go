package ratelimiter

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T) (*PostgresLimiter, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return New(nil, rdb), mr
}

func TestCanProceed_AllowsUnderLimit(t *testing.T) {
	l, _ := newTestLimiter(t)

	for i := 0; i < 3; i++ {
		allowed, err := l.CanProceed(context.Background(), "spotify", 3, time.Minute, 0)
		require.NoError(t, err)
		require.True(t, allowed, "request %d should be allowed", i)
	}
}

func TestCanProceed_BlocksOverLimit(t *testing.T) {
	l, _ := newTestLimiter(t)

	for i := 0; i < 2; i++ {
		allowed, err := l.CanProceed(context.Background(), "genius", 2, time.Minute, 0)
		require.NoError(t, err)
		require.True(t, allowed)
	}

	allowed, err := l.CanProceed(context.Background(), "genius", 2, time.Minute, 0)
	require.NoError(t, err)
	require.False(t, allowed, "third request within the window should be blocked")
}

func TestCanProceed_WindowResetsAfterExpiry(t *testing.T) {
	l, _ := newTestLimiter(t)

	allowed, err := l.CanProceed(context.Background(), "spotify-reset", 1, 20*time.Millisecond, 0)
	require.NoError(t, err)
	require.True(t, allowed)

	// the script derives "now" from the caller's clock (ARGV[3]), not
	// miniredis's virtual clock, so the window must actually elapse.
	time.Sleep(40 * time.Millisecond)

	allowed, err = l.CanProceed(context.Background(), "spotify-reset", 1, 20*time.Millisecond, 0)
	require.NoError(t, err)
	require.True(t, allowed, "a new window should reset the counter")
}

func TestCanProceed_RetryCountExpandsWindow(t *testing.T) {
	l, _ := newTestLimiter(t)

	allowed, err := l.CanProceed(context.Background(), "spotify-backoff", 1, time.Second, 3)
	require.NoError(t, err)
	require.True(t, allowed)

	// a second retryCount=3 attempt within the 8x-expanded window is blocked.
	allowed, err = l.CanProceed(context.Background(), "spotify-backoff", 1, time.Second, 3)
	require.NoError(t, err)
	require.False(t, allowed)
}
