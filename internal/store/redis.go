package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "alert-dispatcher:"

// incrBucketScript increments a bucket counter and sets its expiry on the
// first increment, atomically.
var incrBucketScript = redis.NewScript(`
	local n = redis.call('INCR', KEYS[1])
	if n == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return n
`)

// Redis is a dedup and rate limit durable tier. Keys expire on their own,
// so PurgeExpired has nothing to do.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis wraps client. An empty prefix uses the default.
func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &Redis{client: client, prefix: prefix}
}

// DialRedis connects and pings.
func DialRedis(ctx context.Context, addr, password string, db int) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis at %s: %w", addr, err)
	}
	return NewRedis(client, ""), nil
}

func (r *Redis) MarkIfAbsent(ctx context.Context, key string, now time.Time, window time.Duration) (bool, time.Time, error) {
	k := r.prefix + "dedup:" + key

	// the entry can expire between SETNX and GET; one more round settles it
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := r.client.SetNX(ctx, k, now.UnixMilli(), window).Result()
		if err != nil {
			return false, time.Time{}, fmt.Errorf("failed to mark dedup key: %w", err)
		}
		if ok {
			return true, now, nil
		}

		val, err := r.client.Get(ctx, k).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return false, time.Time{}, fmt.Errorf("failed to read dedup key: %w", err)
		}
		ms, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return false, time.Time{}, fmt.Errorf("malformed dedup entry %q: %w", k, err)
		}
		return false, time.UnixMilli(ms), nil
	}
	return false, now, nil
}

// IncrBucket counts into a per-bucket key that lives for two windows, long
// enough to outlast the bucket.
func (r *Redis) IncrBucket(ctx context.Context, rule string, bucket int64, window time.Duration) (int64, error) {
	k := r.prefix + "rate:" + rule + ":" + strconv.FormatInt(bucket, 10)
	n, err := incrBucketScript.Run(ctx, r.client, []string{k}, (2 * window).Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to increment rate counter: %w", err)
	}
	return n, nil
}

func (r *Redis) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
