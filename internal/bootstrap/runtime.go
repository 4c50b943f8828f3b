// Package bootstrap wires the process-wide runtime shared by the commands.
package bootstrap

import (
	"fmt"

	"whiteboard/internal/cache"
	"whiteboard/internal/config"
	"whiteboard/internal/database"
	"whiteboard/internal/seed"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Options control runtime initialization behavior.
type Options struct {
	SeedSamples bool
}

// InitRuntime connects to DB and Redis and optionally seeds the sample board.
// The Redis client is nil when Redis is unreachable.
func InitRuntime(cfg *config.Config, opts Options) (*gorm.DB, *redis.Client, error) {
	db, err := database.Connect(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("database connection failed: %w", err)
	}

	cache.InitRedis(cfg.RedisURL)
	r := cache.GetClient()

	if err := Prepare(db, opts); err != nil {
		return nil, nil, err
	}
	return db, r, nil
}

// Prepare runs the optional startup steps against an open database.
func Prepare(db *gorm.DB, opts Options) error {
	if opts.SeedSamples {
		if err := seed.NewSeeder(db).SeedSamples(); err != nil {
			return fmt.Errorf("failed to seed sample board: %w", err)
		}
	}
	return nil
}
