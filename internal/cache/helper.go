package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// GetJSON attempts to get the key from Redis and unmarshal into dest.
// Returns (true, nil) if found and unmarshaled, (false, nil) if not found.
// A nil client behaves like a permanent miss.
func GetJSON(ctx context.Context, rdb redis.Cmdable, key string, dest any) (bool, error) {
	if rdb == nil {
		return false, nil
	}
	s, err := rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal([]byte(s), dest); err != nil {
		return false, err
	}
	return true, nil
}

// SetJSON marshals v and sets the key with TTL.
func SetJSON(ctx context.Context, rdb redis.Cmdable, key string, v any, ttl time.Duration) error {
	if rdb == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return rdb.Set(ctx, key, b, ttl).Err()
}

// Aside tries Redis first; on a miss or a Redis failure it calls fetch, which
// must populate dest, and stores the result with ttl on a best-effort basis.
func Aside(ctx context.Context, rdb redis.Cmdable, key string, dest any, ttl time.Duration, fetch func() error) error {
	if found, err := GetJSON(ctx, rdb, key, dest); err == nil && found {
		return nil
	}
	if err := fetch(); err != nil {
		return err
	}
	_ = SetJSON(ctx, rdb, key, dest, ttl)
	return nil
}

// Invalidate removes key. Failures are ignored; entries expire on their own.
func Invalidate(ctx context.Context, rdb redis.Cmdable, key string) {
	if rdb != nil {
		rdb.Del(ctx, key)
	}
}

// AcquireLock sets key to owner if absent, expiring after ttl. It reports
// whether the lock was taken.
func AcquireLock(ctx context.Context, rdb redis.Cmdable, key, owner string, ttl time.Duration) (bool, error) {
	return rdb.SetNX(ctx, key, owner, ttl).Result()
}

// ReleaseLock deletes key only if owner still holds it.
func ReleaseLock(ctx context.Context, rdb redis.Cmdable, key, owner string) error {
	return releaseScript.Run(ctx, rdb, []string{key}, owner).Err()
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
