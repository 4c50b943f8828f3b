package repository

import (
	"context"

	"whiteboard/internal/cache"
	"whiteboard/internal/models"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// UserRepository defines persistence operations for users.
type UserRepository interface {
	GetByID(ctx context.Context, id uint) (*models.User, error)
	GetByUsername(ctx context.Context, username string) (*models.User, error)
	GetByIdentityHash(ctx context.Context, hash string) (*models.User, error)
	UsernameTaken(ctx context.Context, username string, exceptID uint) (bool, error)
	Create(ctx context.Context, user *models.User) error
	UpdateProfile(ctx context.Context, user *models.User) error
	Rename(ctx context.Context, userID uint, newUsername string) error
	SetAvatarPath(ctx context.Context, userID uint, path string) error
}

type userRepository struct {
	db  *gorm.DB
	rdb redis.Cmdable
}

// NewUserRepository returns a new UserRepository implementation. A nil
// Redis client disables the profile cache.
func NewUserRepository(db *gorm.DB, rdb *redis.Client) UserRepository {
	return &userRepository{db: db, rdb: cache.Cmdable(rdb)}
}

func (r *userRepository) GetByID(ctx context.Context, id uint) (*models.User, error) {
	var user models.User
	err := cache.Aside(ctx, r.rdb, cache.UserKey(id), &user, cache.UserTTL, func() error {
		if err := r.db.WithContext(ctx).First(&user, id).Error; err != nil {
			return notFoundOr(err, "User", id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *userRepository) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).Where("username = ?", username).First(&user).Error; err != nil {
		return nil, notFoundOr(err, "User", username)
	}
	return &user, nil
}

func (r *userRepository) GetByIdentityHash(ctx context.Context, hash string) (*models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).Where("external_identity_hash = ?", hash).First(&user).Error; err != nil {
		return nil, notFoundOr(err, "User", "identity")
	}
	return &user, nil
}

func (r *userRepository) UsernameTaken(ctx context.Context, username string, exceptID uint) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.User{}).
		Where("username = ? AND id <> ?", username, exceptID).
		Count(&count).Error
	if err != nil {
		return false, models.NewInternalError(err)
	}
	return count > 0, nil
}

func (r *userRepository) Create(ctx context.Context, user *models.User) error {
	if err := r.db.WithContext(ctx).Create(user).Error; err != nil {
		if isUniqueConstraintError(err) {
			return models.NewConflictError("Username is already taken")
		}
		return models.NewInternalError(err)
	}
	return nil
}

// UpdateProfile writes the editable free-text fields.
func (r *userRepository) UpdateProfile(ctx context.Context, user *models.User) error {
	err := r.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", user.ID).
		Updates(map[string]interface{}{"bio": user.Bio, "class_of": user.ClassOf}).Error
	if err != nil {
		return models.NewInternalError(err)
	}
	cache.Invalidate(ctx, r.rdb, cache.UserKey(user.ID))
	return nil
}

// Rename changes a username and rewrites every denormalized copy of it, in
// one transaction.
func (r *userRepository) Rename(ctx context.Context, userID uint, newUsername string) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.User{}).Where("id = ?", userID).Update("username", newUsername)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return models.NewNotFoundError("User", userID)
		}
		if err := tx.Model(&models.Post{}).Where("user_id = ?", userID).
			Update("author_username", newUsername).Error; err != nil {
			return err
		}
		return tx.Model(&models.Like{}).Where("user_id = ?", userID).
			Update("username", newUsername).Error
	})
	if err != nil {
		if isUniqueConstraintError(err) {
			return models.NewConflictError("Username is already taken")
		}
		return notFoundOr(err, "User", userID)
	}
	cache.Invalidate(ctx, r.rdb, cache.UserKey(userID))
	return nil
}

func (r *userRepository) SetAvatarPath(ctx context.Context, userID uint, path string) error {
	if err := r.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", userID).Update("avatar_path", path).Error; err != nil {
		return models.NewInternalError(err)
	}
	cache.Invalidate(ctx, r.rdb, cache.UserKey(userID))
	return nil
}
