package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitEnforcesMinimumInterval(t *testing.T) {
	g := New(30 * time.Millisecond)
	ctx := context.Background()

	require.NoError(t, g.Wait(ctx))
	start := time.Now()
	require.NoError(t, g.Wait(ctx))
	require.NoError(t, g.Wait(ctx))
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond,
		"two gated waits after the first must span at least ~2x the interval")
}

func TestWaitSerializesConcurrentCallers(t *testing.T) {
	g := New(20 * time.Millisecond)
	ctx := context.Background()

	var mu sync.Mutex
	var stamps []time.Time
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, g.Wait(ctx))
			mu.Lock()
			stamps = append(stamps, time.Now())
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, stamps, 4)
	mu.Lock()
	defer mu.Unlock()
	for i := range stamps {
		for j := i + 1; j < len(stamps); j++ {
			gap := stamps[j].Sub(stamps[i])
			if gap < 0 {
				gap = -gap
			}
			assert.GreaterOrEqual(t, gap, 15*time.Millisecond,
				"no two waits may return within the minimum interval")
		}
	}
}

func TestConfigureOnlyRaisesTheFloor(t *testing.T) {
	g := New(50 * time.Millisecond)
	g.Configure(10 * time.Millisecond)
	assert.Equal(t, 50*time.Millisecond, g.MinInterval(), "configure never loosens")

	g.Configure(80 * time.Millisecond)
	assert.Equal(t, 80*time.Millisecond, g.MinInterval())
}

func TestWaitHonorsContextCancellation(t *testing.T) {
	g := New(time.Hour)
	ctx := context.Background()
	require.NoError(t, g.Wait(ctx))

	cancelCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := g.Wait(cancelCtx)
	assert.Error(t, err)
}

func TestFromQPS(t *testing.T) {
	assert.Equal(t, time.Second, FromQPS(1))
	assert.Equal(t, 100*time.Millisecond, FromQPS(10))
	assert.Equal(t, time.Duration(0), FromQPS(0))
}
