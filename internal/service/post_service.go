package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"whiteboard/internal/cache"
	"whiteboard/internal/expiry"
	"whiteboard/internal/likes"
	"whiteboard/internal/middleware"
	"whiteboard/internal/models"
	"whiteboard/internal/notifications"
	"whiteboard/internal/observability"
	"whiteboard/internal/repository"
	"whiteboard/internal/validation"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
)

// Expiration triggers, used as metric labels.
const (
	TriggerTimer   = "timer"
	TriggerSweep   = "sweep"
	TriggerStartup = "startup"
)

type PostService struct {
	posts     repository.PostRepository
	users     repository.UserRepository
	scheduler *expiry.Scheduler
	notifier  *notifications.Notifier
	rdb       *redis.Client
	locks     *keyedMutex
}

type CreatePostInput struct {
	UserID   uint
	Title    string
	Content  string
	Schedule bool
	DeleteAt *time.Time
}

type DeletePostInput struct {
	UserID uint
	PostID uint
}

type FramePostInput struct {
	UserID uint
	PostID uint
}

// NewPostService wires the lifecycle manager. notifier and rdb may be nil on
// a single instance without Redis.
func NewPostService(
	posts repository.PostRepository,
	users repository.UserRepository,
	scheduler *expiry.Scheduler,
	notifier *notifications.Notifier,
	rdb *redis.Client,
) *PostService {
	return &PostService{
		posts:     posts,
		users:     users,
		scheduler: scheduler,
		notifier:  notifier,
		rdb:       rdb,
		locks:     newKeyedMutex(),
	}
}

func (s *PostService) now() time.Time {
	return s.scheduler.Clock().Now().UTC()
}

// PendingTimers is the number of armed expiration timers on this instance.
func (s *PostService) PendingTimers() int {
	return s.scheduler.Len()
}

// CreatePost stores a new post. A post is scheduled only when asked to and the
// requested deletion time is still in the future; otherwise it is permanent.
func (s *PostService) CreatePost(ctx context.Context, in CreatePostInput) (post *models.Post, err error) {
	ctx, span := observability.StartSpan(ctx, "PostService.CreatePost")
	defer func() { observability.EndSpan(span, err) }()

	title := strings.TrimSpace(in.Title)
	content := strings.TrimSpace(in.Content)
	if err := validation.ValidatePostText(title, content); err != nil {
		return nil, models.NewValidationError(err.Error())
	}

	author, err := s.users.GetByID(ctx, in.UserID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	post = &models.Post{
		Title:          title,
		Content:        content,
		UserID:         author.ID,
		AuthorUsername: author.Username,
		Timestamp:      now,
		LikedBy:        []string{},
	}
	if in.Schedule && in.DeleteAt != nil && in.DeleteAt.Sub(now) > 0 {
		deleteAt := in.DeleteAt.UTC()
		post.DeleteAt = &deleteAt
	}

	if err := s.posts.Create(ctx, post); err != nil {
		return nil, err
	}

	if post.DeleteAt != nil {
		unlock := s.locks.Lock(post.ID)
		s.arm(post.ID, *post.DeleteAt)
		unlock()
		s.publish(ctx, notifications.EventScheduled, post.ID, post.DeleteAt)
	}

	middleware.Logger.InfoContext(ctx, "post created",
		"post_id", post.ID, "scheduled", post.DeleteAt != nil)
	return post, nil
}

// arm schedules the expiration of postID at deleteAt. Callers hold the post lock.
func (s *PostService) arm(postID uint, deleteAt time.Time) {
	s.scheduler.Schedule(postID, deleteAt.Sub(s.now()), func() {
		_, _ = s.expire(context.Background(), postID, TriggerTimer)
	})
}

// expire removes postID if it is still scheduled and due. A framed post is
// left alone. A post that is not due yet gets its timer re-armed.
func (s *PostService) expire(ctx context.Context, postID uint, trigger string) (bool, error) {
	unlock := s.locks.Lock(postID)
	defer unlock()

	deleted, err := s.posts.DeleteIfDue(ctx, postID, s.now())
	if err != nil {
		middleware.Logger.ErrorContext(ctx, "failed to expire post",
			"post_id", postID, "trigger", trigger, "error", err)
		return false, err
	}

	if !deleted {
		post, err := s.posts.GetByID(ctx, postID)
		if err == nil && post.DeleteAt != nil && !s.scheduler.Pending(postID) {
			s.arm(postID, *post.DeleteAt)
		}
		return false, nil
	}

	s.scheduler.Cancel(postID)
	observability.PostsExpired.WithLabelValues(trigger).Inc()
	middleware.Logger.InfoContext(ctx, "post expired", "post_id", postID, "trigger", trigger)
	s.publish(ctx, notifications.EventDeleted, postID, nil)
	return true, nil
}

// Delete removes a post without any authorization. A missing post is a no-op.
func (s *PostService) Delete(ctx context.Context, postID uint) error {
	unlock := s.locks.Lock(postID)
	defer unlock()

	deleted, err := s.posts.Delete(ctx, postID)
	if err != nil {
		return err
	}
	s.scheduler.Cancel(postID)
	if deleted {
		s.publish(ctx, notifications.EventDeleted, postID, nil)
	}
	return nil
}

// DeletePost removes a post on behalf of its owner.
func (s *PostService) DeletePost(ctx context.Context, in DeletePostInput) (err error) {
	ctx, span := observability.StartSpan(ctx, "PostService.DeletePost",
		attribute.Int("post.id", int(in.PostID)))
	defer func() { observability.EndSpan(span, err) }()

	unlock := s.locks.Lock(in.PostID)
	defer unlock()

	post, err := s.posts.GetByID(ctx, in.PostID)
	if err != nil {
		return err
	}
	if post.UserID != in.UserID {
		return models.NewForbiddenError("You can only delete your own posts")
	}

	deleted, err := s.posts.Delete(ctx, in.PostID)
	if err != nil {
		return err
	}
	if !deleted {
		return models.NewNotFoundError("Post", in.PostID)
	}
	s.scheduler.Cancel(in.PostID)
	s.publish(ctx, notifications.EventDeleted, in.PostID, nil)
	return nil
}

// FramePost makes a scheduled post permanent. Framing a permanent post
// changes nothing.
func (s *PostService) FramePost(ctx context.Context, in FramePostInput) (post *models.Post, err error) {
	ctx, span := observability.StartSpan(ctx, "PostService.FramePost",
		attribute.Int("post.id", int(in.PostID)))
	defer func() { observability.EndSpan(span, err) }()

	unlock := s.locks.Lock(in.PostID)
	defer unlock()

	post, err = s.posts.GetByID(ctx, in.PostID)
	if err != nil {
		return nil, err
	}
	if post.UserID != in.UserID {
		return nil, models.NewForbiddenError("You can only frame your own posts")
	}
	if post.DeleteAt == nil {
		return post, nil
	}

	found, err := s.posts.SetDeleteAt(ctx, in.PostID, nil)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, models.NewNotFoundError("Post", in.PostID)
	}
	s.scheduler.Cancel(in.PostID)
	post.DeleteAt = nil
	s.publish(ctx, notifications.EventFramed, in.PostID, nil)
	return post, nil
}

// ReconcileOnStartup deletes overdue scheduled posts and arms timers for the
// rest.
func (s *PostService) ReconcileOnStartup(ctx context.Context) (expired, armed int, err error) {
	posts, err := s.posts.ListScheduled(ctx)
	if err != nil {
		return 0, 0, err
	}

	now := s.now()
	for _, p := range posts {
		if !p.DeleteAt.After(now) {
			deleted, err := s.expire(ctx, p.ID, TriggerStartup)
			if err != nil {
				return expired, armed, fmt.Errorf("reconcile post %d: %w", p.ID, err)
			}
			if deleted {
				expired++
			}
			continue
		}
		unlock := s.locks.Lock(p.ID)
		s.arm(p.ID, *p.DeleteAt)
		unlock()
		armed++
	}

	middleware.Logger.InfoContext(ctx, "reconciled scheduled posts",
		"expired", expired, "armed", armed)
	return expired, armed, nil
}

// SweepExpired deletes every scheduled post whose deletion time has passed.
func (s *PostService) SweepExpired(ctx context.Context) (int, error) {
	ids, err := s.posts.ListDueIDs(ctx, s.now())
	if err != nil {
		return 0, err
	}
	swept := 0
	for _, id := range ids {
		deleted, err := s.expire(ctx, id, TriggerSweep)
		if err != nil {
			return swept, err
		}
		if deleted {
			swept++
		}
	}
	return swept, nil
}

// RunSweeper calls SweepExpired every interval until ctx is done. With Redis,
// only the instance holding the sweep lock sweeps in a given round.
func (s *PostService) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := s.scheduler.Clock().NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.sweepOnce(ctx, interval)
		}
	}
}

func (s *PostService) sweepOnce(ctx context.Context, interval time.Duration) {
	if s.rdb != nil {
		owner := s.notifier.InstanceID()
		ok, err := cache.AcquireLock(ctx, s.rdb, cache.SweepLockKey, owner, interval)
		if err != nil {
			observability.RedisErrors.WithLabelValues("sweep_lock").Inc()
			middleware.Logger.WarnContext(ctx, "sweep lock unavailable, sweeping locally", "error", err)
		} else if !ok {
			return
		} else {
			defer func() {
				if err := cache.ReleaseLock(context.WithoutCancel(ctx), s.rdb, cache.SweepLockKey, owner); err != nil {
					middleware.Logger.WarnContext(ctx, "failed to release sweep lock", "error", err)
				}
			}()
		}
	}

	n, err := s.SweepExpired(ctx)
	if err != nil {
		middleware.Logger.ErrorContext(ctx, "expiry sweep failed", "error", err)
		return
	}
	if n > 0 {
		middleware.Logger.InfoContext(ctx, "expiry sweep removed posts", "count", n)
	}
}

// HandleLifecycleEvent mirrors a transition announced by another instance.
func (s *PostService) HandleLifecycleEvent(ev notifications.LifecycleEvent) {
	unlock := s.locks.Lock(ev.PostID)
	defer unlock()

	switch ev.Event {
	case notifications.EventScheduled:
		if ev.DeleteAt != nil {
			s.arm(ev.PostID, ev.DeleteAt.UTC())
		}
	case notifications.EventFramed, notifications.EventDeleted:
		s.scheduler.Cancel(ev.PostID)
	}
}

func (s *PostService) publish(ctx context.Context, event notifications.EventType, postID uint, deleteAt *time.Time) {
	if err := s.notifier.PublishLifecycle(ctx, event, postID, deleteAt); err != nil {
		observability.RedisErrors.WithLabelValues("publish").Inc()
		middleware.Logger.WarnContext(ctx, "failed to publish lifecycle event",
			"event", event, "post_id", postID, "error", err)
	}
}

// ToggleLike likes the post for the user, or removes the like if present.
// Liking one's own post is refused.
func (s *PostService) ToggleLike(ctx context.Context, userID, postID uint) (post *models.Post, action likes.Action, err error) {
	ctx, span := observability.StartSpan(ctx, "PostService.ToggleLike",
		attribute.Int("post.id", int(postID)))
	defer func() { observability.EndSpan(span, err) }()

	actor, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, 0, err
	}

	unlock := s.locks.Lock(postID)
	defer unlock()

	post, action, err = s.posts.ToggleLike(ctx, postID, actor,
		func(p *models.Post, likedBy likes.Set) (int, likes.Set, likes.Action, error) {
			if p.UserID == actor.ID {
				return 0, likes.Set{}, 0, models.NewForbiddenError("You cannot like your own post")
			}
			count, next, act := likes.Toggle(actor.Username, p.LikeCount, likedBy)
			return count, next, act, nil
		})
	if err != nil {
		return nil, 0, err
	}

	post.LikedByUser = action == likes.Liked
	observability.LikeToggles.WithLabelValues(action.String()).Inc()
	return post, action, nil
}

// ParseSort validates a sort parameter. Empty means most recent first.
func ParseSort(raw string) (repository.SortOrder, error) {
	switch repository.SortOrder(raw) {
	case "":
		return repository.SortRecent, nil
	case repository.SortRecent, repository.SortOldest, repository.SortMostLiked, repository.SortLeastLiked:
		return repository.SortOrder(raw), nil
	}
	return "", models.NewValidationError(fmt.Sprintf("Unknown sort %q", raw))
}

// ListPosts returns the board in the requested order. viewerID, when set,
// marks the posts the viewer already liked.
func (s *PostService) ListPosts(ctx context.Context, sort string, viewerID uint) ([]*models.Post, error) {
	order, err := ParseSort(sort)
	if err != nil {
		return nil, err
	}
	posts, err := s.posts.List(ctx, order)
	if err != nil {
		return nil, err
	}
	s.markLiked(ctx, posts, viewerID)
	return posts, nil
}

// ListPostsByUser returns the posts of username, newest first.
func (s *PostService) ListPostsByUser(ctx context.Context, username string, viewerID uint) ([]*models.Post, error) {
	if _, err := s.users.GetByUsername(ctx, username); err != nil {
		return nil, err
	}
	posts, err := s.posts.ListByAuthor(ctx, username)
	if err != nil {
		return nil, err
	}
	s.markLiked(ctx, posts, viewerID)
	return posts, nil
}

func (s *PostService) GetPost(ctx context.Context, id, viewerID uint) (*models.Post, error) {
	post, err := s.posts.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	s.markLiked(ctx, []*models.Post{post}, viewerID)
	return post, nil
}

func (s *PostService) markLiked(ctx context.Context, posts []*models.Post, viewerID uint) {
	if viewerID == 0 || len(posts) == 0 {
		return
	}
	viewer, err := s.users.GetByID(ctx, viewerID)
	if err != nil {
		return
	}
	for _, p := range posts {
		p.LikedByUser = likes.NewSet(p.LikedBy...).Contains(viewer.Username)
	}
}
