package parallel

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool_ExecuteFunc_PreservesOrder(t *testing.T) {
	pool := NewWorkerPool[int, int](DefaultPoolConfig().WithWorkers(4))

	inputs := make([]int, 100)
	for i := range inputs {
		inputs[i] = i
	}

	results := pool.ExecuteFunc(context.Background(), inputs, func(_ context.Context, n int) (int, error) {
		return n * n, nil
	})

	require.Len(t, results, 100)
	for i, r := range results {
		assert.Equal(t, i, r.Input)
		assert.Equal(t, i*i, r.Result)
		assert.NoError(t, r.Error)
		assert.False(t, r.Skipped)
	}
}

func TestWorkerPool_BoundsConcurrency(t *testing.T) {
	pool := NewWorkerPool[int, struct{}](PoolConfig{MaxWorkers: 3})

	var running, peak atomic.Int32
	inputs := make([]int, 30)
	pool.ExecuteFunc(context.Background(), inputs, func(context.Context, int) (struct{}, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		running.Add(-1)
		return struct{}{}, nil
	})

	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestWorkerPool_Empty(t *testing.T) {
	pool := NewWorkerPool[int, int](PoolConfig{})
	assert.Nil(t, pool.ExecuteFunc(context.Background(), nil, nil))
}

func TestWorkerPool_CancelledContextSkips(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pool := NewWorkerPool[int, int](PoolConfig{MaxWorkers: 2})
	results := pool.ExecuteFunc(ctx, []int{1, 2, 3}, func(context.Context, int) (int, error) {
		t.Error("fn must not run after cancellation")
		return 0, nil
	})

	for _, r := range results {
		assert.True(t, r.Skipped)
	}
}

func TestForEach(t *testing.T) {
	boom := errors.New("boom")
	items := []int{1, 2, 3, 4, 5, 6}

	processed, err := ForEach(context.Background(), items, PoolConfig{MaxWorkers: 2},
		func(_ context.Context, n int) error {
			if n%3 == 0 {
				return boom
			}
			return nil
		})

	assert.Equal(t, int64(4), processed)
	assert.ErrorIs(t, err, boom)
}
