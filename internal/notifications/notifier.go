// Package notifications propagates post lifecycle changes between server
// instances over Redis pub/sub.
package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"

	"whiteboard/internal/middleware"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// LifecycleChannel carries every post lifecycle event.
const LifecycleChannel = "whiteboard:posts:lifecycle"

// EventType names a lifecycle transition.
type EventType string

const (
	EventScheduled EventType = "scheduled"
	EventFramed    EventType = "framed"
	EventDeleted   EventType = "deleted"
)

// LifecycleEvent is the wire form of a lifecycle transition.
type LifecycleEvent struct {
	Instance string     `json:"instance"`
	Event    EventType  `json:"event"`
	PostID   uint       `json:"post_id"`
	DeleteAt *time.Time `json:"delete_at,omitempty"`
}

// Notifier publishes lifecycle events and delivers those of other instances.
// A Notifier without Redis, or a nil *Notifier, does nothing.
type Notifier struct {
	rdb      *redis.Client
	instance string
}

// NewNotifier creates a new Notifier instance using the provided Redis client.
func NewNotifier(rdb *redis.Client) *Notifier {
	return &Notifier{rdb: rdb, instance: uuid.NewString()}
}

// InstanceID identifies this process on the channel.
func (n *Notifier) InstanceID() string {
	if n == nil {
		return ""
	}
	return n.instance
}

// PublishLifecycle announces a transition of postID.
func (n *Notifier) PublishLifecycle(ctx context.Context, event EventType, postID uint, deleteAt *time.Time) error {
	if n == nil || n.rdb == nil {
		return nil
	}
	payload, err := json.Marshal(LifecycleEvent{
		Instance: n.instance,
		Event:    event,
		PostID:   postID,
		DeleteAt: deleteAt,
	})
	if err != nil {
		return fmt.Errorf("marshal lifecycle event: %w", err)
	}
	return n.rdb.Publish(ctx, LifecycleChannel, payload).Err()
}

// StartLifecycleSubscriber subscribes to the lifecycle channel and calls
// onEvent for every event published by another instance until ctx is done.
// It returns once the subscription is confirmed.
func (n *Notifier) StartLifecycleSubscriber(ctx context.Context, onEvent func(LifecycleEvent)) error {
	if n == nil || n.rdb == nil {
		return nil
	}
	sub := n.rdb.Subscribe(ctx, LifecycleChannel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("subscribe %s: %w", LifecycleChannel, err)
	}
	ch := sub.Channel()

	go func() {
		defer func() { _ = sub.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				n.dispatch(ctx, msg.Payload, onEvent)
			}
		}
	}()

	return nil
}

func (n *Notifier) dispatch(ctx context.Context, payload string, onEvent func(LifecycleEvent)) {
	defer func() {
		if r := recover(); r != nil {
			middleware.Logger.ErrorContext(ctx, "panic in lifecycle subscriber",
				"panic", r, "stack", string(debug.Stack()))
		}
	}()

	var ev LifecycleEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		middleware.Logger.WarnContext(ctx, "dropping malformed lifecycle event", "error", err)
		return
	}
	if ev.Instance == n.instance {
		return
	}
	onEvent(ev)
}
