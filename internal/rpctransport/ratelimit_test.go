package rpctransport_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrz1836/ethrpc/internal/rpctransport"
)

func TestRateLimiterAllow(t *testing.T) {
	t.Parallel()
	rl := rpctransport.NewRateLimiter(10, 10)

	for i := 0; i < 10; i++ {
		assert.True(t, rl.Allow("test"), "should allow request %d in burst", i)
	}

	assert.False(t, rl.Allow("test"), "should deny request after burst exhausted")
}

func TestRateLimiterWait(t *testing.T) {
	t.Parallel()
	rl := rpctransport.NewRateLimiter(100, 1)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, rl.Wait(ctx, "test"))

	start := time.Now()
	require.NoError(t, rl.Wait(ctx, "test"))
	assert.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)
}

func TestRateLimiterSeparateEndpoints(t *testing.T) {
	t.Parallel()
	rl := rpctransport.NewRateLimiter(10, 2)

	assert.True(t, rl.Allow("endpoint1"))
	assert.True(t, rl.Allow("endpoint1"))
	assert.False(t, rl.Allow("endpoint1"))

	assert.True(t, rl.Allow("endpoint2"))
	assert.True(t, rl.Allow("endpoint2"))
}

func TestRateLimiterContextCancellation(t *testing.T) {
	t.Parallel()
	rl := rpctransport.NewRateLimiter(1, 1)

	require.NoError(t, rl.Wait(context.Background(), "test"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Error(t, rl.Wait(ctx, "test"))
}

func TestRateLimiterConcurrent(t *testing.T) {
	t.Parallel()
	rl := rpctransport.NewRateLimiter(100, 100)

	var wg sync.WaitGroup
	successes := make(chan bool, 200)

	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			successes <- rl.Allow("test")
		}()
	}

	wg.Wait()
	close(successes)

	count := 0
	for s := range successes {
		if s {
			count++
		}
	}

	assert.GreaterOrEqual(t, count, 90)
	assert.LessOrEqual(t, count, 110)
}
