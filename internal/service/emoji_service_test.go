package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"whiteboard/internal/cache"
	"whiteboard/internal/models"
	"whiteboard/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const emojiPayload = `[
  {"slug":"grinning-face","character":"😀","unicodeName":"grinning face","group":"smileys-emotion","subGroup":"face-smiling"},
  {"slug":"thumbs-up","character":"👍","unicodeName":"thumbs up","group":"people-body","subGroup":"hand-fingers-closed"}
]`

type emojiUpstream struct {
	hits   atomic.Int32
	failed atomic.Bool
	key    atomic.Value
	srv    *httptest.Server
}

func newEmojiUpstream(t *testing.T) *emojiUpstream {
	u := &emojiUpstream{}
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.hits.Add(1)
		u.key.Store(r.URL.Query().Get("access_key"))
		if u.failed.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(emojiPayload))
	}))
	t.Cleanup(u.srv.Close)
	return u
}

func TestEmojiCatalogue_RedisCache(t *testing.T) {
	up := newEmojiUpstream(t)
	mr, rdb := testutil.NewTestRedis(t)
	svc := NewEmojiService(up.srv.URL+"/emojis", "secret-key", rdb)
	ctx := context.Background()

	list, err := svc.Catalogue(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "thumbs-up", list[1].Slug)
	assert.Equal(t, "secret-key", up.key.Load())
	assert.True(t, mr.Exists(cache.EmojiCatalogueKey))

	_, err = svc.Catalogue(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), up.hits.Load())
}

func TestEmojiCatalogue_MemoryWithoutRedis(t *testing.T) {
	up := newEmojiUpstream(t)
	svc := NewEmojiService(up.srv.URL, "", nil)

	for i := 0; i < 3; i++ {
		list, err := svc.Catalogue(context.Background())
		require.NoError(t, err)
		assert.Len(t, list, 2)
	}
	assert.Equal(t, int32(1), up.hits.Load())
}

func TestEmojiCatalogue_ServesStaleOnUpstreamFailure(t *testing.T) {
	up := newEmojiUpstream(t)
	mr, rdb := testutil.NewTestRedis(t)
	svc := NewEmojiService(up.srv.URL, "", rdb)
	ctx := context.Background()

	_, err := svc.Catalogue(ctx)
	require.NoError(t, err)

	mr.FlushAll()
	up.failed.Store(true)

	list, err := svc.Catalogue(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)
	assert.Equal(t, int32(2), up.hits.Load())
}

func TestEmojiCatalogue_UpstreamFailureWithoutCopy(t *testing.T) {
	up := newEmojiUpstream(t)
	up.failed.Store(true)
	svc := NewEmojiService(up.srv.URL, "", nil)

	_, err := svc.Catalogue(context.Background())
	assert.True(t, models.IsCode(err, models.CodeInternal))
}
