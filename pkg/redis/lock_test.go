package redis

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMutex_TryLockAndUnlock(t *testing.T) {
	mr, rdb := newTestRedis(t)
	ctx := context.Background()
	locker := NewLocker(rdb, LoadScripts())

	m := locker.NewMutex("order:1")
	assert.Equal(t, "lock:order:1", m.Key())

	ok, err := m.TryLock(ctx, 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	stored, err := mr.Get("lock:order:1")
	require.NoError(t, err)
	assert.Equal(t, m.Token(), stored)

	released, err := m.Unlock(ctx)
	require.NoError(t, err)
	assert.True(t, released)
	assert.False(t, mr.Exists("lock:order:1"))
}

func TestMutex_SecondOwnerCannotAcquireOrRelease(t *testing.T) {
	mr, rdb := newTestRedis(t)
	ctx := context.Background()
	locker := NewLocker(rdb, LoadScripts())

	a := locker.NewMutex("shop:7")
	b := locker.NewMutex("shop:7")
	require.NotEqual(t, a.Token(), b.Token())

	ok, err := a.TryLock(ctx, 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.TryLock(ctx, 10*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	released, err := b.Unlock(ctx)
	require.NoError(t, err)
	assert.False(t, released)
	assert.True(t, mr.Exists("lock:shop:7"))
}

func TestMutex_ExpiredHolderDoesNotDeleteNewOwner(t *testing.T) {
	mr, rdb := newTestRedis(t)
	ctx := context.Background()
	locker := NewLocker(rdb, LoadScripts())

	a := locker.NewMutex("shop:9")
	b := locker.NewMutex("shop:9")

	ok, err := a.TryLock(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	ok, err = b.TryLock(ctx, 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	// a 的锁已过期，释放时不能误删 b 的锁
	released, err := a.Unlock(ctx)
	require.NoError(t, err)
	assert.False(t, released)

	stored, err := mr.Get("lock:shop:9")
	require.NoError(t, err)
	assert.Equal(t, b.Token(), stored)
}

func TestMutex_ConcurrentAcquireHasSingleWinner(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx := context.Background()
	locker := NewLocker(rdb, LoadScripts())

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := locker.NewMutex("hot").TryLock(ctx, 10*time.Second)
			if err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestMutex_StoreUnavailable(t *testing.T) {
	mr, rdb := newTestRedis(t)
	mr.Close()

	_, err := NewLocker(rdb, LoadScripts()).NewMutex("x").TryLock(context.Background(), time.Second)
	assert.Error(t, err)
}
