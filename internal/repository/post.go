package repository

import (
	"context"
	"time"

	"whiteboard/internal/likes"
	"whiteboard/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SortOrder selects the ordering of the board.
type SortOrder string

const (
	SortRecent     SortOrder = "recent"
	SortOldest     SortOrder = "oldest"
	SortMostLiked  SortOrder = "most-liked"
	SortLeastLiked SortOrder = "least-liked"
)

// LikeDecider computes the outcome of a like toggle from the locked post and
// its current likers.
type LikeDecider func(post *models.Post, likedBy likes.Set) (newCount int, newLikedBy likes.Set, action likes.Action, err error)

// PostRepository defines the interface for post data operations
type PostRepository interface {
	Create(ctx context.Context, post *models.Post) error
	GetByID(ctx context.Context, id uint) (*models.Post, error)
	List(ctx context.Context, sort SortOrder) ([]*models.Post, error)
	ListByAuthor(ctx context.Context, username string) ([]*models.Post, error)
	ListScheduled(ctx context.Context) ([]*models.Post, error)
	ListDueIDs(ctx context.Context, now time.Time) ([]uint, error)
	Delete(ctx context.Context, id uint) (bool, error)
	DeleteIfDue(ctx context.Context, id uint, now time.Time) (bool, error)
	SetDeleteAt(ctx context.Context, id uint, deleteAt *time.Time) (bool, error)
	ToggleLike(ctx context.Context, postID uint, actor *models.User, decide LikeDecider) (*models.Post, likes.Action, error)
}

type postRepository struct {
	db *gorm.DB
}

// NewPostRepository creates a new post repository
func NewPostRepository(db *gorm.DB) PostRepository {
	return &postRepository{db: db}
}

func (r *postRepository) Create(ctx context.Context, post *models.Post) error {
	if err := r.db.WithContext(ctx).Create(post).Error; err != nil {
		return models.NewInternalError(err)
	}
	return nil
}

func (r *postRepository) GetByID(ctx context.Context, id uint) (*models.Post, error) {
	var post models.Post
	if err := r.db.WithContext(ctx).First(&post, id).Error; err != nil {
		return nil, notFoundOr(err, "Post", id)
	}
	if err := r.attachLikers(ctx, []*models.Post{&post}); err != nil {
		return nil, err
	}
	return &post, nil
}

func (r *postRepository) List(ctx context.Context, sort SortOrder) ([]*models.Post, error) {
	var posts []*models.Post
	if err := applySort(r.db.WithContext(ctx), sort).Find(&posts).Error; err != nil {
		return nil, models.NewInternalError(err)
	}
	if err := r.attachLikers(ctx, posts); err != nil {
		return nil, err
	}
	return posts, nil
}

func (r *postRepository) ListByAuthor(ctx context.Context, username string) ([]*models.Post, error) {
	var posts []*models.Post
	err := applySort(r.db.WithContext(ctx).Where("author_username = ?", username), SortRecent).
		Find(&posts).Error
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	if err := r.attachLikers(ctx, posts); err != nil {
		return nil, err
	}
	return posts, nil
}

// applySort appends the ORDER BY clause for the requested sort type. The id
// breaks ties so equal timestamps or counts keep a stable order.
func applySort(db *gorm.DB, sort SortOrder) *gorm.DB {
	switch sort {
	case SortOldest:
		return db.Order("posted_at ASC, id ASC")
	case SortMostLiked:
		return db.Order("like_count DESC, posted_at DESC, id DESC")
	case SortLeastLiked:
		return db.Order("like_count ASC, posted_at DESC, id DESC")
	default:
		return db.Order("posted_at DESC, id DESC")
	}
}

// attachLikers fills LikedBy for posts with one query, preserving like order.
func (r *postRepository) attachLikers(ctx context.Context, posts []*models.Post) error {
	if len(posts) == 0 {
		return nil
	}
	ids := make([]uint, len(posts))
	for i, p := range posts {
		ids[i] = p.ID
	}

	var rows []models.Like
	if err := r.db.WithContext(ctx).
		Select("post_id", "username").
		Where("post_id IN ?", ids).
		Order("id ASC").
		Find(&rows).Error; err != nil {
		return models.NewInternalError(err)
	}

	byPost := make(map[uint][]string, len(posts))
	for _, l := range rows {
		byPost[l.PostID] = append(byPost[l.PostID], l.Username)
	}
	for _, p := range posts {
		p.LikedBy = byPost[p.ID]
		if p.LikedBy == nil {
			p.LikedBy = []string{}
		}
	}
	return nil
}

func (r *postRepository) ListScheduled(ctx context.Context) ([]*models.Post, error) {
	var posts []*models.Post
	if err := r.db.WithContext(ctx).
		Where("delete_at IS NOT NULL").
		Order("delete_at ASC").
		Find(&posts).Error; err != nil {
		return nil, models.NewInternalError(err)
	}
	return posts, nil
}

func (r *postRepository) ListDueIDs(ctx context.Context, now time.Time) ([]uint, error) {
	var ids []uint
	if err := r.db.WithContext(ctx).Model(&models.Post{}).
		Where("delete_at IS NOT NULL AND delete_at <= ?", now.UTC()).
		Order("delete_at ASC").
		Pluck("id", &ids).Error; err != nil {
		return nil, models.NewInternalError(err)
	}
	return ids, nil
}

// Delete removes the post and its likes. It reports whether a row existed.
func (r *postRepository) Delete(ctx context.Context, id uint) (bool, error) {
	return r.deleteWhere(ctx, id, "id = ?", id)
}

// DeleteIfDue removes the post only while it is still scheduled and its
// deletion time has passed, so a post framed after its timer was armed survives.
func (r *postRepository) DeleteIfDue(ctx context.Context, id uint, now time.Time) (bool, error) {
	return r.deleteWhere(ctx, id, "id = ? AND delete_at IS NOT NULL AND delete_at <= ?", id, now.UTC())
}

func (r *postRepository) deleteWhere(ctx context.Context, id uint, query string, args ...interface{}) (bool, error) {
	var deleted bool
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where(query, args...).Delete(&models.Post{})
		if res.Error != nil {
			return res.Error
		}
		deleted = res.RowsAffected > 0
		if !deleted {
			return nil
		}
		return tx.Where("post_id = ?", id).Delete(&models.Like{}).Error
	})
	if err != nil {
		return false, models.NewInternalError(err)
	}
	return deleted, nil
}

// SetDeleteAt records a new deletion time; nil frames the post. It reports
// whether the post exists.
func (r *postRepository) SetDeleteAt(ctx context.Context, id uint, deleteAt *time.Time) (bool, error) {
	var value interface{}
	if deleteAt != nil {
		value = deleteAt.UTC()
	}
	res := r.db.WithContext(ctx).Model(&models.Post{}).Where("id = ?", id).Update("delete_at", value)
	if res.Error != nil {
		return false, models.NewInternalError(res.Error)
	}
	return res.RowsAffected > 0, nil
}

// ToggleLike locks the post, lets decide pick the outcome and persists the
// like row and the new count in one transaction.
func (r *postRepository) ToggleLike(ctx context.Context, postID uint, actor *models.User, decide LikeDecider) (*models.Post, likes.Action, error) {
	var (
		post   models.Post
		action likes.Action
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&post, postID).Error; err != nil {
			return notFoundOr(err, "Post", postID)
		}

		var names []string
		if err := tx.Model(&models.Like{}).
			Where("post_id = ?", postID).
			Order("id ASC").
			Pluck("username", &names).Error; err != nil {
			return err
		}
		likedBy := likes.NewSet(names...)

		newCount, newLikedBy, act, err := decide(&post, likedBy)
		if err != nil {
			return err
		}
		action = act

		switch act {
		case likes.Liked:
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&models.Like{
				PostID:   postID,
				UserID:   actor.ID,
				Username: actor.Username,
			})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return models.NewConflictError("Like was already recorded")
			}
		case likes.Unliked:
			res := tx.Where("post_id = ? AND user_id = ?", postID, actor.ID).Delete(&models.Like{})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return models.NewConflictError("Like was already removed")
			}
		}

		if err := tx.Model(&models.Post{}).Where("id = ?", postID).
			Update("like_count", newCount).Error; err != nil {
			return err
		}
		post.LikeCount = newCount
		post.LikedBy = newLikedBy.Names()
		return nil
	})
	if err != nil {
		return nil, 0, notFoundOr(err, "Post", postID)
	}
	return &post, action, nil
}
