// Package models contains data structures for the whiteboard's domain models.
package models

import (
	"time"
)

// DefaultBio is assigned to every new account.
const DefaultBio = "Nothing here yet."

// User represents a whiteboard member.
type User struct {
	ID       uint   `gorm:"primaryKey" json:"id"`
	Username string `gorm:"uniqueIndex;not null" json:"username"`
	// ExternalIdentityHash links the account to its login identity and never changes.
	ExternalIdentityHash string    `gorm:"uniqueIndex;not null" json:"-"`
	PasswordHash         string    `json:"-"`
	AvatarPath           string    `json:"avatar_path"`
	MemberSince          time.Time `gorm:"not null" json:"member_since"`
	Bio                  string    `gorm:"not null;default:'Nothing here yet.'" json:"bio"`
	ClassOf              string    `json:"class_of,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}
