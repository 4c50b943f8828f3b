// Package testutil provides shared fixtures for package tests.
package testutil

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"whiteboard/internal/database"
	"whiteboard/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewTestDB opens a private in-memory SQLite database with the application
// schema. A single connection serializes access the way row locks would.
func NewTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", name)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(database.Models()...))
	return db
}

// NewTestRedis starts a miniredis server and returns a client connected to it.
func NewTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

// CreateUser inserts a user with a unique identity hash.
func CreateUser(t *testing.T, db *gorm.DB, username string) *models.User {
	t.Helper()
	u := &models.User{
		Username:             username,
		ExternalIdentityHash: "test:" + username,
		MemberSince:          time.Now().UTC(),
		Bio:                  models.DefaultBio,
	}
	require.NoError(t, db.Create(u).Error)
	return u
}

// CreatePost inserts a post owned by author. A nil deleteAt makes it permanent.
func CreatePost(t *testing.T, db *gorm.DB, author *models.User, title string, deleteAt *time.Time) *models.Post {
	t.Helper()
	p := &models.Post{
		Title:          title,
		Content:        title + " content",
		UserID:         author.ID,
		AuthorUsername: author.Username,
		Timestamp:      time.Now().UTC(),
		DeleteAt:       deleteAt,
	}
	require.NoError(t, db.Create(p).Error)
	return p
}
