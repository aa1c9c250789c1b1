package cache

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"dianping/internal/worker"
	rediskey "dianping/pkg/redis"

	"github.com/alicebob/miniredis/v2"
	rd "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type item struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type fixture struct {
	mr   *miniredis.Miniredis
	rdb  *rd.Client
	pool *worker.Pool
	c    *Client
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := rd.NewClient(&rd.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	log := logrus.New()
	log.Out = io.Discard
	pool := worker.NewPool(4, log)
	t.Cleanup(pool.Close)

	opts = append([]Option{WithJitter(nil)}, opts...)
	c := New(rdb, rediskey.NewLocker(rdb, rediskey.LoadScripts()), pool, log, opts...)
	return &fixture{mr: mr, rdb: rdb, pool: pool, c: c}
}

func countingLoader(calls *atomic.Int32, v *item) Loader[item, int64] {
	return func(ctx context.Context, id int64) (*item, error) {
		calls.Add(1)
		if v == nil {
			return nil, nil
		}
		out := *v
		out.ID = id
		return &out, nil
	}
}

func TestQueryWithPassThrough_LoadsOnceThenHitsCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var calls atomic.Int32
	loader := countingLoader(&calls, &item{Name: "tea house"})

	for i := 0; i < 3; i++ {
		got, err := QueryWithPassThrough(ctx, f.c, "cache:item:", int64(1), loader, 30*time.Minute)
		require.NoError(t, err)
		assert.Equal(t, "tea house", got.Name)
		assert.Equal(t, int64(1), got.ID)
	}
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 30*time.Minute, f.mr.TTL("cache:item:1"))
}

func TestQueryWithPassThrough_NullSentinelShieldsLoader(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var calls atomic.Int32
	loader := countingLoader(&calls, nil)

	_, err := QueryWithPassThrough(ctx, f.c, "cache:item:", int64(404), loader, time.Minute)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = QueryWithPassThrough(ctx, f.c, "cache:item:", int64(404), loader, time.Minute)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Equal(t, int32(1), calls.Load())
	val, err := f.mr.Get("cache:item:404")
	require.NoError(t, err)
	assert.Equal(t, "", val)
	assert.Equal(t, 2*time.Minute, f.mr.TTL("cache:item:404"))
}

func TestQueryWithPassThrough_AddsJitterToTTL(t *testing.T) {
	f := newFixture(t, WithJitter(func(time.Duration) time.Duration { return 3 * time.Second }))
	var calls atomic.Int32

	_, err := QueryWithPassThrough(context.Background(), f.c, "cache:item:", int64(2), countingLoader(&calls, &item{Name: "x"}), 20*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 23*time.Second, f.mr.TTL("cache:item:2"))
}

func TestQueryWithPassThrough_StoreUnavailable(t *testing.T) {
	f := newFixture(t)
	f.mr.Close()
	var calls atomic.Int32

	_, err := QueryWithPassThrough(context.Background(), f.c, "cache:item:", int64(1), countingLoader(&calls, &item{}), time.Minute)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Zero(t, calls.Load())
}

func TestDefaultJitter(t *testing.T) {
	for i := 0; i < 50; i++ {
		j := defaultJitter(20 * time.Second)
		assert.GreaterOrEqual(t, j, time.Second)
		assert.Less(t, j, 5*time.Second)

		j = defaultJitter(30 * time.Minute)
		assert.GreaterOrEqual(t, j, time.Minute)
		assert.Less(t, j, 5*time.Minute)
	}
}

func TestQueryWithLogicalExpire_MissingKeyIsNotFound(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32

	_, err := QueryWithLogicalExpire(context.Background(), f.c, "cache:item:hot:", "item:", int64(1), countingLoader(&calls, &item{}), time.Minute)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, calls.Load())
}

func TestQueryWithLogicalExpire_FreshValueNeverRebuilds(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	f := newFixture(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()
	require.NoError(t, f.c.SetWithLogicalExpire(ctx, "cache:item:hot:1", item{ID: 1, Name: "warm"}, time.Minute))
	assert.Zero(t, f.mr.TTL("cache:item:hot:1"))

	var calls atomic.Int32
	for i := 0; i < 5; i++ {
		got, err := QueryWithLogicalExpire(ctx, f.c, "cache:item:hot:", "item:", int64(1), countingLoader(&calls, &item{Name: "new"}), time.Minute)
		require.NoError(t, err)
		assert.Equal(t, "warm", got.Name)
	}
	f.pool.Close()
	assert.Zero(t, calls.Load())
}

func TestQueryWithLogicalExpire_ExpiredRebuildsOnceUnderConcurrency(t *testing.T) {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var clock atomic.Int64
	clock.Store(start.UnixNano())
	f := newFixture(t, WithClock(func() time.Time { return time.Unix(0, clock.Load()) }))
	ctx := context.Background()

	require.NoError(t, f.c.SetWithLogicalExpire(ctx, "cache:item:hot:1", item{ID: 1, Name: "old"}, time.Second))
	clock.Store(start.Add(time.Minute).UnixNano())

	var calls atomic.Int32
	release := make(chan struct{})
	loader := func(ctx context.Context, id int64) (*item, error) {
		calls.Add(1)
		<-release
		return &item{ID: id, Name: "new"}, nil
	}

	var wg sync.WaitGroup
	names := make([]string, 20)
	for i := range names {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := QueryWithLogicalExpire(ctx, f.c, "cache:item:hot:", "item:", int64(1), loader, time.Minute)
			if err == nil {
				names[i] = got.Name
			}
		}(i)
	}
	wg.Wait()

	for _, n := range names {
		assert.Equal(t, "old", n)
	}

	close(release)
	f.pool.Close()
	assert.Equal(t, int32(1), calls.Load())
	assert.False(t, f.mr.Exists("lock:item:1"))

	got, err := QueryWithLogicalExpire(ctx, f.c, "cache:item:hot:", "item:", int64(1), loader, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "new", got.Name)
	assert.Equal(t, int32(1), calls.Load())
}

func TestQueryWithLogicalExpire_LockHeldServesStale(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	f := newFixture(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	require.NoError(t, f.c.SetWithLogicalExpire(ctx, "cache:item:hot:1", item{ID: 1, Name: "old"}, -time.Second))
	require.NoError(t, f.mr.Set("lock:item:1", "another-owner"))

	var calls atomic.Int32
	got, err := QueryWithLogicalExpire(ctx, f.c, "cache:item:hot:", "item:", int64(1), countingLoader(&calls, &item{Name: "new"}), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "old", got.Name)

	f.pool.Close()
	assert.Zero(t, calls.Load())
	owner, err := f.mr.Get("lock:item:1")
	require.NoError(t, err)
	assert.Equal(t, "another-owner", owner)
}

func TestQueryWithLogicalExpire_RebuildFailureReleasesLock(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	f := newFixture(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()
	require.NoError(t, f.c.SetWithLogicalExpire(ctx, "cache:item:hot:1", item{ID: 1, Name: "old"}, -time.Second))

	failing := func(ctx context.Context, id int64) (*item, error) { return nil, assert.AnError }
	got, err := QueryWithLogicalExpire(ctx, f.c, "cache:item:hot:", "item:", int64(1), failing, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "old", got.Name)

	f.pool.Close()
	assert.False(t, f.mr.Exists("lock:item:1"))
}

func TestQueryWithMutex(t *testing.T) {
	t.Run("loads on miss and caches", func(t *testing.T) {
		f := newFixture(t)
		var calls atomic.Int32
		loader := countingLoader(&calls, &item{Name: "noodles"})

		for i := 0; i < 2; i++ {
			got, err := QueryWithMutex(context.Background(), f.c, "cache:item:", "item:", int64(5), loader, time.Minute)
			require.NoError(t, err)
			assert.Equal(t, "noodles", got.Name)
		}
		assert.Equal(t, int32(1), calls.Load())
		assert.False(t, f.mr.Exists("lock:item:5"))
	})

	t.Run("missing row caches sentinel", func(t *testing.T) {
		f := newFixture(t)
		var calls atomic.Int32

		_, err := QueryWithMutex(context.Background(), f.c, "cache:item:", "item:", int64(6), countingLoader(&calls, nil), time.Minute)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = QueryWithMutex(context.Background(), f.c, "cache:item:", "item:", int64(6), countingLoader(&calls, nil), time.Minute)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("gives up after bounded retries", func(t *testing.T) {
		f := newFixture(t, WithMutexRetry(2, time.Millisecond))
		require.NoError(t, f.mr.Set("lock:item:7", "another-owner"))
		var calls atomic.Int32

		_, err := QueryWithMutex(context.Background(), f.c, "cache:item:", "item:", int64(7), countingLoader(&calls, &item{}), time.Minute)
		assert.ErrorIs(t, err, ErrRebuildBusy)
		assert.Zero(t, calls.Load())
	})
}

func TestClient_Delete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.c.Set(ctx, "cache:item:1", item{ID: 1}, time.Minute))
	require.NoError(t, f.c.Delete(ctx, "cache:item:1"))
	assert.False(t, f.mr.Exists("cache:item:1"))
}
