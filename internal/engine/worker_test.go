package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool_RunsAndCounts(t *testing.T) {
	pool := NewWorkerPool(4, nil)
	for i := 0; i < 6; i++ {
		fail := i%2 == 0
		require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
			if fail {
				return errors.New("webhook returned 502")
			}
			return nil
		}))
	}
	pool.Shutdown()

	assert.Equal(t, PoolMetrics{Size: 4, Completed: 3, Failed: 3}, pool.Metrics())
}

func TestWorkerPool_ConcurrencyBound(t *testing.T) {
	const size = 3
	pool := NewWorkerPool(size, nil)

	var current, peak atomic.Int64
	for i := 0; i < 12; i++ {
		require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
			n := current.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			current.Add(-1)
			return nil
		}))
	}
	pool.Shutdown()

	assert.LessOrEqual(t, peak.Load(), int64(size))
	assert.Positive(t, peak.Load())
}

func TestWorkerPool_PanicIsAFailure(t *testing.T) {
	var recovered atomic.Value
	pool := NewWorkerPool(1, func(r any) { recovered.Store(r) })

	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
		panic("action exploded")
	}))
	pool.Shutdown()

	m := pool.Metrics()
	assert.Equal(t, int64(1), m.Panics)
	assert.Equal(t, int64(1), m.Failed)
	assert.Equal(t, "action exploded", recovered.Load())
}

func TestWorkerPool_SubmitHonoursContextWhenFull(t *testing.T) {
	pool := NewWorkerPool(1, nil)
	defer pool.Shutdown()

	block := make(chan struct{})
	defer close(block)
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
		<-block
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := pool.Submit(ctx, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int64(1), pool.Metrics().Active)
}

func TestWorkerPool_ShutdownWaitsAndRejects(t *testing.T) {
	pool := NewWorkerPool(2, nil)

	var finished atomic.Bool
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
		time.Sleep(20 * time.Millisecond)
		finished.Store(true)
		return nil
	}))

	pool.Shutdown()
	assert.True(t, finished.Load(), "shutdown waits for running work")
	pool.Shutdown()

	err := pool.Submit(context.Background(), func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolShutdown)
}
