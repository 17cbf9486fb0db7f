package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMutexSingleHolder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMutex()
	release, err := m.TryAcquire(ctx)
	require.NoError(t, err)

	_, err = m.TryAcquire(ctx)
	require.ErrorIs(t, err, ErrLocked)

	require.NoError(t, release(ctx))
	require.NoError(t, release(ctx))

	again, err := m.TryAcquire(ctx)
	require.NoError(t, err)
	require.NoError(t, again(ctx))
}

func TestMutexConcurrentAcquire(t *testing.T) {
	t.Parallel()

	m := NewMutex()
	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.TryAcquire(context.Background()); err == nil {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), winners.Load())
}
