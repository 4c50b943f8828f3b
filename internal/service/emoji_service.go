package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"whiteboard/internal/cache"
	"whiteboard/internal/middleware"
	"whiteboard/internal/models"

	"github.com/redis/go-redis/v9"
)

// Emoji is one entry of the picker catalogue.
type Emoji struct {
	Slug        string `json:"slug"`
	Character   string `json:"character"`
	UnicodeName string `json:"unicodeName"`
	Group       string `json:"group"`
	SubGroup    string `json:"subGroup"`
}

// EmojiService proxies the external emoji catalogue. Results are cached in
// Redis and, when Redis is unavailable, in memory.
type EmojiService struct {
	baseURL string
	apiKey  string
	client  *http.Client
	rdb     *redis.Client

	mu       sync.Mutex
	memory   []Emoji
	memoryAt time.Time
}

func NewEmojiService(baseURL, apiKey string, rdb *redis.Client) *EmojiService {
	return &EmojiService{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 10 * time.Second},
		rdb:     rdb,
	}
}

// Catalogue returns the emoji list. A stale in-memory copy is served when the
// upstream fails.
func (s *EmojiService) Catalogue(ctx context.Context) ([]Emoji, error) {
	if s.rdb == nil {
		if list, ok := s.fromMemory(false); ok {
			return list, nil
		}
	}

	var list []Emoji
	err := cache.Aside(ctx, cache.Cmdable(s.rdb), cache.EmojiCatalogueKey, &list, cache.EmojiTTL, func() error {
		fetched, err := s.fetch(ctx)
		if err != nil {
			return err
		}
		list = fetched
		return nil
	})
	if err != nil {
		if stale, ok := s.fromMemory(true); ok {
			middleware.Logger.WarnContext(ctx, "emoji upstream failed, serving stale catalogue", "error", err)
			return stale, nil
		}
		return nil, models.NewInternalError(err)
	}

	s.mu.Lock()
	s.memory = list
	s.memoryAt = time.Now()
	s.mu.Unlock()
	return list, nil
}

func (s *EmojiService) fromMemory(allowStale bool) ([]Emoji, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.memory == nil {
		return nil, false
	}
	if !allowStale && time.Since(s.memoryAt) > cache.EmojiTTL {
		return nil, false
	}
	return s.memory, true
}

func (s *EmojiService) fetch(ctx context.Context) ([]Emoji, error) {
	u, err := url.Parse(s.baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse emoji api url: %w", err)
	}
	if s.apiKey != "" {
		q := u.Query()
		q.Set("access_key", s.apiKey)
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch emojis: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("emoji api returned status %d", resp.StatusCode)
	}

	var list []Emoji
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decode emojis: %w", err)
	}
	if list == nil {
		list = []Emoji{}
	}
	return list, nil
}
