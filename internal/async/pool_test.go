package async

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolBoundsConcurrency(t *testing.T) {
	pool := NewPool(2, nil)

	var running, peak int32
	var mu sync.Mutex
	release := make(chan struct{})

	for i := 0; i < 5; i++ {
		err := pool.Submit(context.Background(), "worker", func(context.Context) {
			n := atomic.AddInt32(&running, 1)
			mu.Lock()
			if n > peak {
				peak = n
			}
			mu.Unlock()
			<-release
			atomic.AddInt32(&running, -1)
		})
		require.NoError(t, err)
	}

	close(release)
	pool.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peak, int32(2), "pool must never exceed its size")
}

func TestTrySubmitReportsSaturation(t *testing.T) {
	pool := NewPool(1, nil)
	release := make(chan struct{})

	ok := pool.TrySubmit("holder", func() { <-release })
	require.True(t, ok)
	assert.False(t, pool.TrySubmit("spill", func() {}))

	close(release)
	pool.Wait()
	assert.True(t, pool.TrySubmit("after", func() {}))
	pool.Wait()
}

func TestPoolRecoversPanics(t *testing.T) {
	pool := NewPool(1, nil)
	require.NoError(t, pool.Submit(context.Background(), "panicky", func(context.Context) {
		panic("boom")
	}))
	pool.Wait() // must not crash the test process
}
