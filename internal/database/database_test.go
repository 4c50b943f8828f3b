package database

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"whiteboard/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func TestConfigurePool(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	cfg := &config.Config{
		DBMaxOpenConns:           10,
		DBMaxIdleConns:           5,
		DBConnMaxLifetimeMinutes: 15,
	}
	require.NoError(t, configurePool(db, cfg))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	assert.Equal(t, 10, sqlDB.Stats().MaxOpenConnections)
}

func TestDSN(t *testing.T) {
	cfg := &config.Config{DBHost: "db", DBPort: "5432", DBUser: "u", DBPassword: "p", DBName: "whiteboard"}
	dsn := DSN(cfg)
	assert.Contains(t, dsn, "host=db")
	assert.Contains(t, dsn, "sslmode=disable")
	assert.Contains(t, dsn, "TimeZone=UTC")
}

func TestMigrationsRegistered(t *testing.T) {
	ms := GetMigrations()
	require.NotEmpty(t, ms)
	assert.Equal(t, 1, ms[0].Version)
	assert.Equal(t, "init", ms[0].Name)
	assert.Contains(t, ms[0].UpScript, "CREATE TABLE IF NOT EXISTS posts")
	assert.Contains(t, ms[0].DownScript, "DROP TABLE IF EXISTS likes")
	assert.Equal(t, "000001_init", ms[0].String())
	assert.Nil(t, GetMigrationByVersion(999))
}

func TestAutoMigrateModels(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(Models()...))

	for _, table := range []string{"users", "posts", "likes"} {
		assert.True(t, db.Migrator().HasTable(table), table)
	}
	assert.True(t, db.Migrator().HasIndex("likes", "idx_like_post_user"))
	assert.NoError(t, Ping(context.Background(), db))
}

func TestQueryLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewQueryLogger(slog.New(slog.NewTextHandler(&buf, nil)), 50*time.Millisecond)

	silent := l.LogMode(logger.Silent).(*QueryLogger)
	assert.Equal(t, logger.Silent, silent.level)
	assert.Equal(t, logger.Warn, l.level)

	stmt := func() (string, int64) { return "DELETE FROM posts WHERE id = 1", 1 }

	l.Trace(context.Background(), time.Now(), stmt, nil)
	assert.Empty(t, buf.String(), "fast statements are not logged at warn level")

	l.Trace(context.Background(), time.Now(), stmt, gorm.ErrRecordNotFound)
	assert.Empty(t, buf.String())

	l.Trace(context.Background(), time.Now().Add(-time.Second), stmt, nil)
	assert.Contains(t, buf.String(), "slow query")

	buf.Reset()
	l.Trace(context.Background(), time.Now(), stmt, errors.New("disk full"))
	assert.Contains(t, buf.String(), "query failed")
	assert.Contains(t, buf.String(), "disk full")

	buf.Reset()
	silent.Trace(context.Background(), time.Now(), stmt, errors.New("disk full"))
	assert.Empty(t, buf.String())
}

func TestRunAndRollbackMigrations(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	ctx := context.Background()

	pending, err := PendingMigrations(ctx, db)
	require.NoError(t, err)
	assert.Len(t, pending, len(GetMigrations()))

	require.NoError(t, RunMigrations(ctx, db))
	assert.True(t, db.Migrator().HasTable("posts"))

	pending, err = PendingMigrations(ctx, db)
	require.NoError(t, err)
	assert.Empty(t, pending)

	require.NoError(t, RunMigrations(ctx, db), "applied migrations are skipped")

	require.NoError(t, RollbackMigration(ctx, db, 1))
	assert.False(t, db.Migrator().HasTable("posts"))
	assert.Error(t, RollbackMigration(ctx, db, 1), "not applied anymore")
	assert.Error(t, RollbackMigration(ctx, db, 999))
}
