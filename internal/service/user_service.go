package service

import (
	"context"
	"strings"
	"time"

	"whiteboard/internal/auth"
	"whiteboard/internal/middleware"
	"whiteboard/internal/models"
	"whiteboard/internal/observability"
	"whiteboard/internal/repository"
	"whiteboard/internal/validation"
)

// AvatarStore writes and removes generated avatar files.
type AvatarStore interface {
	Generate(username string) (string, error)
	Remove(path string) error
}

type UserService struct {
	users   repository.UserRepository
	avatars AvatarStore
}

type RegisterInput struct {
	Username             string
	ExternalIdentityHash string
	PasswordHash         string
}

// UpdateProfileInput carries the fields to change; nil fields stay as they are.
type UpdateProfileInput struct {
	UserID      uint
	Bio         *string
	ClassOf     *string
	NewUsername *string
}

// NewUserService creates a user service. A nil avatar store skips avatars.
func NewUserService(users repository.UserRepository, avatars AvatarStore) *UserService {
	return &UserService{users: users, avatars: avatars}
}

func (s *UserService) Register(ctx context.Context, in RegisterInput) (user *models.User, err error) {
	ctx, span := observability.StartSpan(ctx, "UserService.Register")
	defer func() { observability.EndSpan(span, err) }()

	username := strings.TrimSpace(in.Username)
	if err := validation.ValidateUsername(username); err != nil {
		return nil, models.NewValidationError(err.Error())
	}
	if in.ExternalIdentityHash == "" {
		return nil, models.NewValidationError("External identity is required")
	}

	taken, err := s.users.UsernameTaken(ctx, username, 0)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, models.NewConflictError("Username is already taken")
	}
	if _, err := s.users.GetByIdentityHash(ctx, in.ExternalIdentityHash); err == nil {
		return nil, models.NewConflictError("An account already exists for this identity")
	} else if !models.IsCode(err, models.CodeNotFound) {
		return nil, err
	}

	user = &models.User{
		Username:             username,
		ExternalIdentityHash: in.ExternalIdentityHash,
		PasswordHash:         in.PasswordHash,
		MemberSince:          time.Now().UTC(),
		Bio:                  models.DefaultBio,
	}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, err
	}

	s.replaceAvatar(ctx, user)
	middleware.Logger.InfoContext(ctx, "user registered", "user_id", user.ID)
	return user, nil
}

// Authenticate checks a local username and password.
func (s *UserService) Authenticate(ctx context.Context, username, password string) (*models.User, error) {
	user, err := s.users.GetByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		if models.IsCode(err, models.CodeNotFound) {
			return nil, models.NewUnauthorizedError("Invalid credentials")
		}
		return nil, err
	}
	if !auth.CheckPassword(user.PasswordHash, password) {
		return nil, models.NewUnauthorizedError("Invalid credentials")
	}
	return user, nil
}

func (s *UserService) GetByID(ctx context.Context, id uint) (*models.User, error) {
	return s.users.GetByID(ctx, id)
}

func (s *UserService) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	return s.users.GetByUsername(ctx, username)
}

func (s *UserService) GetByExternalIdentity(ctx context.Context, hash string) (*models.User, error) {
	return s.users.GetByIdentityHash(ctx, hash)
}

// UpdateProfile edits bio and class, and renames the user when a new username
// is given. A rename rewrites every post and like of the user in the same
// transaction, then regenerates the avatar.
func (s *UserService) UpdateProfile(ctx context.Context, in UpdateProfileInput) (user *models.User, err error) {
	ctx, span := observability.StartSpan(ctx, "UserService.UpdateProfile")
	defer func() { observability.EndSpan(span, err) }()

	user, err = s.users.GetByID(ctx, in.UserID)
	if err != nil {
		return nil, err
	}

	var newName string
	if in.NewUsername != nil {
		newName = strings.TrimSpace(*in.NewUsername)
		if newName == user.Username {
			newName = ""
		} else if err := validation.ValidateUsername(newName); err != nil {
			return nil, models.NewValidationError(err.Error())
		}
	}

	profileChanged := false
	if in.Bio != nil {
		bio := strings.TrimSpace(*in.Bio)
		if err := validation.ValidateBio(bio); err != nil {
			return nil, models.NewValidationError(err.Error())
		}
		if bio == "" {
			bio = models.DefaultBio
		}
		profileChanged = profileChanged || bio != user.Bio
		user.Bio = bio
	}
	if in.ClassOf != nil {
		classOf := strings.TrimSpace(*in.ClassOf)
		if err := validation.ValidateClassOf(classOf); err != nil {
			return nil, models.NewValidationError(err.Error())
		}
		profileChanged = profileChanged || classOf != user.ClassOf
		user.ClassOf = classOf
	}

	if newName != "" {
		taken, err := s.users.UsernameTaken(ctx, newName, user.ID)
		if err != nil {
			return nil, err
		}
		if taken {
			return nil, models.NewConflictError("Username is already taken")
		}
	}

	if profileChanged {
		if err := s.users.UpdateProfile(ctx, user); err != nil {
			return nil, err
		}
	}

	if newName != "" {
		oldName := user.Username
		if err := s.users.Rename(ctx, user.ID, newName); err != nil {
			return nil, err
		}
		user.Username = newName
		middleware.Logger.InfoContext(ctx, "user renamed",
			"user_id", user.ID, "old_username", oldName, "new_username", newName)
		s.replaceAvatar(ctx, user)
	}

	return user, nil
}

// replaceAvatar writes a fresh avatar for user.Username. The previous file is
// removed only once the new one is written and recorded; on any failure
// before that the old avatar stays.
func (s *UserService) replaceAvatar(ctx context.Context, user *models.User) {
	if s.avatars == nil {
		return
	}
	old := user.AvatarPath

	path, err := s.avatars.Generate(user.Username)
	if err != nil {
		middleware.Logger.WarnContext(ctx, "failed to generate avatar",
			"user_id", user.ID, "error", err)
		return
	}
	if err := s.users.SetAvatarPath(ctx, user.ID, path); err != nil {
		middleware.Logger.WarnContext(ctx, "failed to record avatar",
			"user_id", user.ID, "error", err)
		if rmErr := s.avatars.Remove(path); rmErr != nil {
			middleware.Logger.WarnContext(ctx, "failed to remove unrecorded avatar",
				"path", path, "error", rmErr)
		}
		return
	}
	user.AvatarPath = path

	if old != "" && old != path {
		if err := s.avatars.Remove(old); err != nil {
			middleware.Logger.WarnContext(ctx, "failed to remove old avatar",
				"user_id", user.ID, "path", old, "error", err)
		}
	}
}
