package algos

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	km := NewKeyedMutex()
	var counter int

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := km.Lock(context.Background(), "ACC-1")
			require.NoError(t, err)
			defer unlock()
			// 无原子操作：若串行化失效，-race 会在此暴露数据竞争
			counter++
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, counter)
}

func TestKeyedMutex_DifferentKeysDoNotBlock(t *testing.T) {
	km := NewKeyedMutex()

	unlockA, err := km.Lock(context.Background(), "ACC-A")
	require.NoError(t, err)
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB, err := km.Lock(context.Background(), "ACC-B")
		require.NoError(t, err)
		unlockB()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different key should not block")
	}
}

func TestKeyedMutex_LockRespectsContext(t *testing.T) {
	km := NewKeyedMutex()

	unlock, err := km.Lock(context.Background(), "ACC-1")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = km.Lock(ctx, "ACC-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestKeyedMutex_TryLock(t *testing.T) {
	km := NewKeyedMutex()

	unlock, ok := km.TryLock("ACC-1")
	require.True(t, ok)

	_, ok = km.TryLock("ACC-1")
	assert.False(t, ok)

	unlock()

	unlock2, ok := km.TryLock("ACC-1")
	assert.True(t, ok)
	unlock2()
}
