package syncutil

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutex_MutualExclusion(t *testing.T) {
	m := NewKeyedMutex()
	ctx := context.Background()

	var counter int64
	var wg sync.WaitGroup
	const n = 100

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			unlock, err := m.Lock(ctx, "alice")
			if err != nil {
				t.Errorf("lock failed: %v", err)
				return
			}
			defer unlock()
			v := atomic.LoadInt64(&counter)
			atomic.StoreInt64(&counter, v+1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(n), atomic.LoadInt64(&counter))
	assert.Equal(t, 0, m.Len())
}

func TestKeyedMutex_DistinctKeysDoNotBlock(t *testing.T) {
	m := NewKeyedMutex()
	ctx := context.Background()

	unlockA, err := m.Lock(ctx, "alice")
	require.NoError(t, err)
	defer unlockA()

	ctx2, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	unlockB, err := m.Lock(ctx2, "bob")
	require.NoError(t, err)
	unlockB()
}

func TestKeyedMutex_ContextCancelled(t *testing.T) {
	m := NewKeyedMutex()

	unlock, err := m.Lock(context.Background(), "alice")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.Lock(ctx, "alice")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	assert.Equal(t, 0, m.Len())

	unlock2, err := m.Lock(context.Background(), "alice")
	require.NoError(t, err)
	unlock2()
}

func TestKeyedMutex_DoubleUnlockIsSafe(t *testing.T) {
	m := NewKeyedMutex()

	unlock, err := m.Lock(context.Background(), "alice")
	require.NoError(t, err)
	unlock()
	unlock()

	assert.Equal(t, 0, m.Len())
}
