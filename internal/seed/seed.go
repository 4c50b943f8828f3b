// Package seed fills the database with the sample board and with generated
// demo content. It is intended for development and testing only.
package seed

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	"whiteboard/internal/likes"
	"whiteboard/internal/middleware"
	"whiteboard/internal/models"

	"github.com/brianvoe/gofakeit/v6"
	"gorm.io/gorm"
)

const timestampLayout = "2006-01-02 15:04:05"

type sampleUser struct {
	Username     string
	IdentityHash string
	MemberSince  string
	ClassOf      string
}

type samplePost struct {
	Title    string
	Content  string
	Author   string
	PostedAt string
	// LikedBy uses the legacy ",name,name" encoding.
	LikedBy string
}

var sampleUsers = []sampleUser{
	{Username: "whatsyelp", IdentityHash: "hashedGoogleId1", MemberSince: "2023-12-17 10:11:00"},
	{Username: "technologically-challenged", IdentityHash: "hashedGoogleId2", MemberSince: "2024-02-03 20:34:00"},
	{Username: "SuperStudious", IdentityHash: "hashedGoogleId3", MemberSince: "2024-03-02 15:12:00", ClassOf: "2026"},
}

var samplePosts = []samplePost{
	{
		Title:    "New pizza place",
		Content:  "new pizza place p good #notsponsored",
		Author:   "whatsyelp",
		PostedAt: "2024-01-02 13:32:00",
		LikedBy:  ",SuperStudious",
	},
	{
		Title:    "it be like dat",
		Content:  "The printer isn't working :(",
		Author:   "technologically-challenged",
		PostedAt: "2024-03-24 17:31:00",
		LikedBy:  ",whatsyelp,SuperStudious",
	},
	{
		Title:    "MIDTERM SEASON...",
		Content:  "Studying for my web dev midterm...",
		Author:   "SuperStudious",
		PostedAt: "2024-04-29 01:04:00",
	},
}

// Seeder writes seed data through a gorm handle.
type Seeder struct {
	db *gorm.DB
}

// NewSeeder creates a Seeder bound to db.
func NewSeeder(db *gorm.DB) *Seeder {
	return &Seeder{db: db}
}

// ClearAll removes every like, post and user.
func (s *Seeder) ClearAll() error {
	middleware.Logger.Info("clearing seeded tables")
	return s.db.Transaction(func(tx *gorm.DB) error {
		for _, m := range []interface{}{&models.Like{}, &models.Post{}, &models.User{}} {
			if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(m).Error; err != nil {
				return fmt.Errorf("clear %T: %w", m, err)
			}
		}
		return nil
	})
}

// SeedSamples inserts the sample users and their posts. Users that already
// exist are left untouched along with their posts, so running it twice is safe.
func (s *Seeder) SeedSamples() error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		users := make(map[string]*models.User, len(sampleUsers))
		created := make(map[string]bool, len(sampleUsers))

		for _, su := range sampleUsers {
			var existing models.User
			err := tx.Where("username = ?", su.Username).First(&existing).Error
			switch {
			case err == nil:
				users[su.Username] = &existing
				continue
			case !errors.Is(err, gorm.ErrRecordNotFound):
				return err
			}

			since, err := time.ParseInLocation(timestampLayout, su.MemberSince, time.UTC)
			if err != nil {
				return fmt.Errorf("sample user %s: %w", su.Username, err)
			}
			u := &models.User{
				Username:             su.Username,
				ExternalIdentityHash: su.IdentityHash,
				MemberSince:          since,
				Bio:                  models.DefaultBio,
				ClassOf:              su.ClassOf,
			}
			if err := tx.Create(u).Error; err != nil {
				return fmt.Errorf("create sample user %s: %w", su.Username, err)
			}
			users[su.Username] = u
			created[su.Username] = true
		}

		for _, sp := range samplePosts {
			if !created[sp.Author] {
				continue
			}
			if err := insertSamplePost(tx, sp, users); err != nil {
				return err
			}
		}

		middleware.Logger.Info("sample board seeded", "users", len(created))
		return nil
	})
}

func insertSamplePost(tx *gorm.DB, sp samplePost, users map[string]*models.User) error {
	postedAt, err := time.ParseInLocation(timestampLayout, sp.PostedAt, time.UTC)
	if err != nil {
		return fmt.Errorf("sample post %q: %w", sp.Title, err)
	}
	author := users[sp.Author]

	likedBy := likes.ParseSet(sp.LikedBy)
	post := &models.Post{
		Title:          sp.Title,
		Content:        sp.Content,
		UserID:         author.ID,
		AuthorUsername: author.Username,
		Timestamp:      postedAt,
	}

	var rows []models.Like
	for _, name := range likedBy.Names() {
		liker, ok := users[name]
		if !ok || liker.ID == author.ID {
			continue
		}
		rows = append(rows, models.Like{UserID: liker.ID, Username: liker.Username, CreatedAt: postedAt})
	}
	post.LikeCount = len(rows)

	if err := tx.Create(post).Error; err != nil {
		return fmt.Errorf("create sample post %q: %w", sp.Title, err)
	}
	for i := range rows {
		rows[i].PostID = post.ID
	}
	if len(rows) > 0 {
		if err := tx.Create(&rows).Error; err != nil {
			return fmt.Errorf("like sample post %q: %w", sp.Title, err)
		}
	}
	return nil
}

// SeedFake adds n generated permanent posts spread over the last 90 days,
// authored by random existing users.
func (s *Seeder) SeedFake(n int) ([]*models.Post, error) {
	if n <= 0 {
		return nil, nil
	}

	var authors []models.User
	if err := s.db.Find(&authors).Error; err != nil {
		return nil, err
	}
	if len(authors) == 0 {
		return nil, errors.New("no users to author generated posts; seed samples first")
	}

	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	now := time.Now().UTC()
	posts := make([]*models.Post, 0, n)
	for i := 0; i < n; i++ {
		author := authors[r.Intn(len(authors))]
		age := time.Duration(r.Intn(90*24*60)) * time.Minute
		posts = append(posts, &models.Post{
			Title:          gofakeit.Sentence(4),
			Content:        gofakeit.Paragraph(1, 3, 8, " "),
			UserID:         author.ID,
			AuthorUsername: author.Username,
			Timestamp:      now.Add(-age),
		})
	}

	if err := s.db.CreateInBatches(posts, 100).Error; err != nil {
		return nil, fmt.Errorf("create generated posts: %w", err)
	}
	middleware.Logger.Info("generated posts seeded", "count", len(posts))
	return posts, nil
}
