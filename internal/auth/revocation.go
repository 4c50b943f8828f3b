package auth

import (
	"context"
	"time"

	"whiteboard/internal/cache"

	"github.com/redis/go-redis/v9"
)

// Revocations keeps logged-out token ids in Redis until the token would have
// expired anyway. Without Redis nothing is revoked.
type Revocations struct {
	rdb *redis.Client
}

func NewRevocations(rdb *redis.Client) *Revocations {
	return &Revocations{rdb: rdb}
}

// Revoke blacklists jti until expiresAt. Already expired tokens are ignored.
func (r *Revocations) Revoke(ctx context.Context, jti string, expiresAt time.Time) error {
	if r == nil || r.rdb == nil || jti == "" {
		return nil
	}
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return nil
	}
	return r.rdb.Set(ctx, cache.BlacklistKey(jti), "1", ttl).Err()
}

// Revoked reports whether jti was blacklisted. Redis errors count as not
// revoked, matching the fail-open read path.
func (r *Revocations) Revoked(ctx context.Context, jti string) bool {
	if r == nil || r.rdb == nil || jti == "" {
		return false
	}
	n, err := r.rdb.Exists(ctx, cache.BlacklistKey(jti)).Result()
	return err == nil && n > 0
}
