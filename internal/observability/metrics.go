package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RedisErrors counts Redis errors by operation type.
	RedisErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "whiteboard_redis_errors_total",
		Help: "Total number of Redis errors by operation type",
	}, []string{"operation"})

	// PostsExpired counts posts removed because their deletion time passed, by trigger.
	PostsExpired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "whiteboard_posts_expired_total",
		Help: "Total number of scheduled posts removed at their deletion time",
	}, []string{"trigger"})

	// RateLimited counts requests rejected by a rate limit rule.
	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "whiteboard_rate_limited_total",
		Help: "Total number of requests rejected by rate limiting, by rule",
	}, []string{"rule"})

	// SlowQueries counts database statements over the slow query threshold.
	SlowQueries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "whiteboard_db_slow_queries_total",
		Help: "Total number of database statements slower than the slow query threshold",
	})

	// LikeToggles counts like and unlike outcomes.
	LikeToggles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "whiteboard_like_toggles_total",
		Help: "Total number of like toggles by resulting action",
	}, []string{"action"})
)

// RegisterPendingTimers exposes the number of armed expiration timers.
// Calling it again replaces nothing; the first registration wins.
func RegisterPendingTimers(pending func() int) {
	gauge := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "whiteboard_expiry_timers_pending",
		Help: "Number of expiration timers armed on this instance",
	}, func() float64 { return float64(pending()) })
	_ = prometheus.Register(gauge)
}
