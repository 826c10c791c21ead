package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alert-dispatcher/internal/dedup"
	"alert-dispatcher/internal/ratelimit"
)

var (
	_ dedup.Durable     = (*Redis)(nil)
	_ ratelimit.Durable = (*Redis)(nil)
)

func setupRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedis(client, "test:"), mr
}

func TestRedisMarkIfAbsent(t *testing.T) {
	r, mr := setupRedis(t)
	ctx := context.Background()

	marked, firstSeen, err := r.MarkIfAbsent(ctx, "rule:tx:abc", testNow, 300*time.Second)
	require.NoError(t, err)
	assert.True(t, marked)
	assert.True(t, testNow.Equal(firstSeen))
	assert.True(t, mr.Exists("test:dedup:rule:tx:abc"))
	assert.Equal(t, 300*time.Second, mr.TTL("test:dedup:rule:tx:abc"))

	marked, firstSeen, err = r.MarkIfAbsent(ctx, "rule:tx:abc", testNow.Add(2*time.Second), 300*time.Second)
	require.NoError(t, err)
	assert.False(t, marked)
	assert.Equal(t, testNow.UnixMilli(), firstSeen.UnixMilli())

	mr.FastForward(301 * time.Second)
	marked, _, err = r.MarkIfAbsent(ctx, "rule:tx:abc", testNow.Add(301*time.Second), 300*time.Second)
	require.NoError(t, err)
	assert.True(t, marked, "expired key is reclaimed")
}

func TestRedisMarkIfAbsentConcurrent(t *testing.T) {
	r, _ := setupRedis(t)

	var marked int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _, err := r.MarkIfAbsent(context.Background(), "shared", testNow, time.Minute)
			if err == nil && ok {
				atomic.AddInt64(&marked, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), marked)
}

func TestRedisIncrBucket(t *testing.T) {
	r, mr := setupRedis(t)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		n, err := r.IncrBucket(ctx, "large_swap", 42, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}
	assert.Equal(t, 2*time.Hour, mr.TTL("test:rate:large_swap:42"))

	n, err := r.IncrBucket(ctx, "large_swap", 43, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	purged, err := r.PurgeExpired(ctx, testNow)
	assert.NoError(t, err)
	assert.Zero(t, purged)
}

func TestRedisUnavailable(t *testing.T) {
	r, mr := setupRedis(t)
	mr.Close()

	_, _, err := r.MarkIfAbsent(context.Background(), "k", testNow, time.Minute)
	assert.Error(t, err)

	_, err = r.IncrBucket(context.Background(), "r", 1, time.Minute)
	assert.Error(t, err)
}

func TestRedisBacksLimiter(t *testing.T) {
	r, _ := setupRedis(t)
	clock := func() time.Time { return testNow }
	ctx := context.Background()

	a := ratelimit.NewLimiter(r, ratelimit.Config{Now: clock}, nil, nil)
	b := ratelimit.NewLimiter(r, ratelimit.Config{Now: clock}, nil, nil)

	assert.True(t, a.TryAcquire(ctx, "r", 2, 3600))
	assert.True(t, b.TryAcquire(ctx, "r", 2, 3600))
	assert.False(t, a.TryAcquire(ctx, "r", 2, 3600))
}

func TestDialRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	r, err := DialRedis(context.Background(), mr.Addr(), "", 0)
	require.NoError(t, err)
	assert.NoError(t, r.Close())

	mr.Close()
	_, err = DialRedis(context.Background(), mr.Addr(), "", 0)
	assert.Error(t, err)
}
