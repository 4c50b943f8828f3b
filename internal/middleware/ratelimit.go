package middleware

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"whiteboard/internal/observability"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

// FailPolicy defines the behavior when the rate limit store (Redis) is unavailable.
type FailPolicy int

const (
	// FailOpen allows the request to proceed if Redis is unavailable.
	FailOpen FailPolicy = iota
	// FailClosed blocks the request (503 Service Unavailable) if Redis is unavailable.
	FailClosed
)

// Rule is a fixed-window quota on one kind of request.
type Rule struct {
	Name   string
	Limit  int
	Window time.Duration
	Policy FailPolicy
}

// Quotas for the write endpoints of the board.
var (
	SignupRule     = Rule{Name: "signup", Limit: 3, Window: 10 * time.Minute}
	LoginRule      = Rule{Name: "login", Limit: 10, Window: 5 * time.Minute}
	CreatePostRule = Rule{Name: "create_post", Limit: 10, Window: time.Minute}
)

// ErrLimiterUnavailable is returned when no Redis client is configured.
var ErrLimiterUnavailable = errors.New("rate limit store unavailable")

// hitScript increments the window counter, starts the window on the first
// hit and returns the count with the milliseconds left in the window.
var hitScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {n, redis.call("PTTL", KEYS[1])}
`)

func limiterEnabled() bool {
	switch os.Getenv("APP_ENV") {
	case "", "test", "development":
		return false
	}
	return true
}

// Allow records one hit of subject against rule. It reports whether the hit
// fits the quota and how long until the window resets.
// Limits are not enforced when APP_ENV is unset, "test" or "development".
func Allow(ctx context.Context, rdb redis.Scripter, rule Rule, subject string) (bool, time.Duration, error) {
	if !limiterEnabled() {
		return true, 0, nil
	}
	if rdb == nil {
		return false, 0, ErrLimiterUnavailable
	}

	key := fmt.Sprintf("rl:%s:%s", rule.Name, subject)
	res, err := hitScript.Run(ctx, rdb, []string{key}, rule.Window.Milliseconds()).Int64Slice()
	if err != nil {
		observability.RedisErrors.WithLabelValues("rate_limit").Inc()
		return false, 0, err
	}

	count, ttl := res[0], time.Duration(res[1])*time.Millisecond
	if ttl < 0 {
		ttl = rule.Window
	}
	return count <= int64(rule.Limit), ttl, nil
}

// RateLimit enforces rule per authenticated user, or per client IP for
// anonymous requests.
func RateLimit(rdb *redis.Client, rule Rule) fiber.Handler {
	var scripter redis.Scripter
	if rdb != nil {
		scripter = rdb
	}

	return func(c *fiber.Ctx) error {
		subject := "ip:" + c.IP()
		if uid, ok := c.Locals("userID").(uint); ok {
			subject = fmt.Sprintf("user:%d", uid)
		}

		allowed, retryAfter, err := Allow(c.UserContext(), scripter, rule, subject)
		if err != nil {
			Logger.WarnContext(c.UserContext(), "rate limit check failed",
				"rule", rule.Name, "error", err)
			if rule.Policy == FailClosed {
				return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
					"error": "rate limit unavailable",
				})
			}
			return c.Next()
		}

		if !allowed {
			observability.RateLimited.WithLabelValues(rule.Name).Inc()
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "rate limit exceeded",
			})
		}
		return c.Next()
	}
}
