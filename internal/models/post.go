package models

import (
	"time"
)

// Post is a message on the board. A nil DeleteAt marks it permanent.
type Post struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	Title          string     `gorm:"not null" json:"title"`
	Content        string     `gorm:"type:text;not null" json:"content"`
	UserID         uint       `gorm:"not null;index" json:"user_id"`
	AuthorUsername string     `gorm:"not null;index" json:"author_username"`
	Timestamp      time.Time  `gorm:"column:posted_at;not null;index" json:"timestamp"`
	LikeCount      int        `gorm:"not null;default:0" json:"like_count"`
	DeleteAt       *time.Time `gorm:"index" json:"delete_at,omitempty"`

	// LikedBy is computed from the likes relation.
	LikedBy []string `gorm:"-" json:"liked_by"`
	// LikedByUser indicates whether the requesting user liked this post (computed)
	LikedByUser bool `gorm:"-" json:"liked_by_user"`
}

// Framed reports whether the post is permanent.
func (p *Post) Framed() bool {
	return p.DeleteAt == nil
}

// Like records one user's like on a post.
// The combination of PostID and UserID must be unique.
type Like struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	PostID    uint      `gorm:"not null;uniqueIndex:idx_like_post_user;index" json:"post_id"`
	UserID    uint      `gorm:"not null;uniqueIndex:idx_like_post_user" json:"user_id"`
	Username  string    `gorm:"not null;index" json:"username"`
	CreatedAt time.Time `json:"created_at"`
}
