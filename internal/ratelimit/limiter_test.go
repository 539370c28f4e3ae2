package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWaitUnlimitedWhenQPSZero(t *testing.T) {
	l := New(Config{DefaultQPS: 0})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Wait(ctx, "https://example.com/"))
	}
}

func TestWaitThrottlesPerDomain(t *testing.T) {
	l := New(Config{DefaultQPS: 20})
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 4; i++ {
		require.NoError(t, l.Wait(ctx, "https://slow.example.com/a"))
	}
	// 4 requests at 20 qps with burst 1 needs roughly 150ms.
	require.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	// A different domain has its own bucket and is not delayed.
	start = time.Now()
	require.NoError(t, l.Wait(ctx, "https://other.example.org/"))
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestWaitHonorsContext(t *testing.T) {
	l := New(Config{DefaultQPS: 0.001})
	require.NoError(t, l.Wait(context.Background(), "https://example.com/"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.Error(t, l.Wait(ctx, "https://example.com/"))
}
