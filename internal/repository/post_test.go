package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	"whiteboard/internal/likes"
	"whiteboard/internal/models"
	"whiteboard/internal/testutil"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func setupMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn: db,
	}), &gorm.Config{})
	require.NoError(t, err)

	return gormDB, mock
}

func toggleWith(actor string) LikeDecider {
	return func(post *models.Post, likedBy likes.Set) (int, likes.Set, likes.Action, error) {
		count, next, action := likes.Toggle(actor, post.LikeCount, likedBy)
		return count, next, action, nil
	}
}

func TestPostRepository_DeleteIfDue_SQLShape(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewPostRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "posts" WHERE id = $1 AND delete_at IS NOT NULL AND delete_at <= $2`)).
		WithArgs(5, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	deleted, err := repo.DeleteIfDue(context.Background(), 5, time.Now())
	require.NoError(t, err)
	assert.False(t, deleted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostRepository_Delete_RemovesLikes(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewPostRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "posts" WHERE id = $1`)).
		WithArgs(9).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "likes" WHERE post_id = $1`)).
		WithArgs(9).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	deleted, err := repo.Delete(context.Background(), 9)
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostRepository_GetByID_NotFound(t *testing.T) {
	db := testutil.NewTestDB(t)
	repo := NewPostRepository(db)

	_, err := repo.GetByID(context.Background(), 404)
	assert.True(t, models.IsCode(err, models.CodeNotFound))
}

func TestPostRepository_ListSorts(t *testing.T) {
	db := testutil.NewTestDB(t)
	repo := NewPostRepository(db)
	ctx := context.Background()
	alice := testutil.CreateUser(t, db, "alice")

	base := time.Now().UTC().Add(-time.Hour)
	for i, title := range []string{"first", "second", "third"} {
		p := &models.Post{
			Title: title, Content: "c", UserID: alice.ID, AuthorUsername: alice.Username,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			LikeCount: []int{5, 0, 2}[i],
		}
		require.NoError(t, repo.Create(ctx, p))
	}

	titles := func(sort SortOrder) []string {
		posts, err := repo.List(ctx, sort)
		require.NoError(t, err)
		out := make([]string, len(posts))
		for i, p := range posts {
			out[i] = p.Title
		}
		return out
	}

	assert.Equal(t, []string{"third", "second", "first"}, titles(SortRecent))
	assert.Equal(t, []string{"first", "second", "third"}, titles(SortOldest))
	assert.Equal(t, []string{"first", "third", "second"}, titles(SortMostLiked))
	assert.Equal(t, []string{"second", "third", "first"}, titles(SortLeastLiked))
}

func TestPostRepository_DeleteIfDue_RespectsFraming(t *testing.T) {
	db := testutil.NewTestDB(t)
	repo := NewPostRepository(db)
	ctx := context.Background()
	alice := testutil.CreateUser(t, db, "alice")

	past := time.Now().UTC().Add(-time.Minute)
	future := time.Now().UTC().Add(time.Hour)
	due := testutil.CreatePost(t, db, alice, "due", &past)
	later := testutil.CreatePost(t, db, alice, "later", &future)
	framed := testutil.CreatePost(t, db, alice, "framed", nil)

	ids, err := repo.ListDueIDs(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, []uint{due.ID}, ids)

	for _, tc := range []struct {
		post *models.Post
		want bool
	}{{due, true}, {later, false}, {framed, false}} {
		deleted, err := repo.DeleteIfDue(ctx, tc.post.ID, time.Now())
		require.NoError(t, err)
		assert.Equal(t, tc.want, deleted, tc.post.Title)
	}

	scheduled, err := repo.ListScheduled(ctx)
	require.NoError(t, err)
	require.Len(t, scheduled, 1)
	assert.Equal(t, later.ID, scheduled[0].ID)
}

func TestPostRepository_SetDeleteAt(t *testing.T) {
	db := testutil.NewTestDB(t)
	repo := NewPostRepository(db)
	ctx := context.Background()
	alice := testutil.CreateUser(t, db, "alice")
	future := time.Now().UTC().Add(time.Hour)
	p := testutil.CreatePost(t, db, alice, "scheduled", &future)

	found, err := repo.SetDeleteAt(ctx, p.ID, nil)
	require.NoError(t, err)
	assert.True(t, found)

	got, err := repo.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Nil(t, got.DeleteAt)

	found, err = repo.SetDeleteAt(ctx, 999, nil)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPostRepository_ToggleLike(t *testing.T) {
	db := testutil.NewTestDB(t)
	repo := NewPostRepository(db)
	ctx := context.Background()
	alice := testutil.CreateUser(t, db, "alice")
	bob := testutil.CreateUser(t, db, "bob")
	carol := testutil.CreateUser(t, db, "carol")
	p := testutil.CreatePost(t, db, alice, "hello", nil)

	post, action, err := repo.ToggleLike(ctx, p.ID, bob, toggleWith(bob.Username))
	require.NoError(t, err)
	assert.Equal(t, likes.Liked, action)
	assert.Equal(t, 1, post.LikeCount)

	_, _, err = repo.ToggleLike(ctx, p.ID, carol, toggleWith(carol.Username))
	require.NoError(t, err)

	post, action, err = repo.ToggleLike(ctx, p.ID, bob, toggleWith(bob.Username))
	require.NoError(t, err)
	assert.Equal(t, likes.Unliked, action)
	assert.Equal(t, 1, post.LikeCount)
	assert.Equal(t, []string{"carol"}, post.LikedBy)

	stored, err := repo.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.LikeCount)
	assert.Equal(t, []string{"carol"}, stored.LikedBy)

	_, _, err = repo.ToggleLike(ctx, 999, bob, toggleWith(bob.Username))
	assert.True(t, models.IsCode(err, models.CodeNotFound))
}
