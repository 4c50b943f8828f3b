package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"whiteboard/internal/auth"
	"whiteboard/internal/config"
	"whiteboard/internal/models"
	"whiteboard/internal/testutil"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"gorm.io/gorm"
)

const testPassword = "Sup3r-Secret!"

type testServer struct {
	t   *testing.T
	srv *Server
	app *fiber.App
	db  *gorm.DB
	cfg *config.Config
}

func newTestServer(t *testing.T, rdb *redis.Client, mutate ...func(*config.Config)) *testServer {
	t.Helper()
	db := testutil.NewTestDB(t)
	cfg := &config.Config{
		Env:                  "test",
		Port:                 "0",
		JWTSecret:            "test-secret",
		IdentityPepper:       "test-pepper",
		AvatarDir:            t.TempDir(),
		FeatureFlags:         "emoji_picker=on",
		SweepIntervalSeconds: 60,
		EmojiAPIURL:          "http://127.0.0.1:1/unused",
	}
	for _, m := range mutate {
		m(cfg)
	}
	srv, err := NewServerWithDeps(cfg, db, rdb, nil)
	require.NoError(t, err)
	t.Cleanup(srv.scheduler.Stop)
	return &testServer{t: t, srv: srv, app: srv.App(), db: db, cfg: cfg}
}

type reqOpt func(*http.Request)

func withToken(token string) reqOpt {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }
}

func withCookie(name, value string) reqOpt {
	return func(r *http.Request) { r.AddCookie(&http.Cookie{Name: name, Value: value}) }
}

func (ts *testServer) do(method, path string, body any, opts ...reqOpt) *http.Response {
	ts.t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(ts.t, err)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, o := range opts {
		o(req)
	}
	resp, err := ts.app.Test(req, -1)
	require.NoError(ts.t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (ts *testServer) signup(username string) AuthResponse {
	ts.t.Helper()
	resp := ts.do(http.MethodPost, "/api/auth/signup", credentialsRequest{Username: username, Password: testPassword})
	require.Equal(ts.t, http.StatusCreated, resp.StatusCode)
	return decode[AuthResponse](ts.t, resp)
}

func (ts *testServer) createPost(token string, body map[string]any) *models.Post {
	ts.t.Helper()
	resp := ts.do(http.MethodPost, "/api/posts", body, withToken(token))
	require.Equal(ts.t, http.StatusCreated, resp.StatusCode)
	return decode[*models.Post](ts.t, resp)
}

func TestHealthChecks(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := ts.do(http.MethodGet, "/health/live", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = ts.do(http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	assert.Equal(t, "unavailable", body["checks"].(map[string]any)["redis"])
}

func TestSignupAndLogin(t *testing.T) {
	ts := newTestServer(t, nil)

	created := ts.signup("alice")
	assert.NotEmpty(t, created.Token)
	assert.Equal(t, "alice", created.User.Username)
	assert.Equal(t, models.DefaultBio, created.User.Bio)

	resp := ts.do(http.MethodPost, "/api/auth/signup", credentialsRequest{Username: "alice", Password: testPassword})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = ts.do(http.MethodPost, "/api/auth/signup", credentialsRequest{Username: "bob", Password: "short"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.do(http.MethodPost, "/api/auth/login", credentialsRequest{Username: "alice", Password: testPassword})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sessionCookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == SessionCookie {
			sessionCookie = c
		}
	}
	require.NotNil(t, sessionCookie)
	assert.True(t, sessionCookie.HttpOnly)
	login := decode[AuthResponse](t, resp)
	assert.Equal(t, created.User.ID, login.User.ID)

	resp = ts.do(http.MethodPost, "/api/auth/login", credentialsRequest{Username: "alice", Password: "Wrong-Pass-99"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// the cookie alone authenticates browser requests
	resp = ts.do(http.MethodGet, "/api/users/me", nil, withCookie(SessionCookie, sessionCookie.Value))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	me := decode[models.User](t, resp)
	assert.Equal(t, "alice", me.Username)
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := ts.do(http.MethodPost, "/api/posts", map[string]any{"title": "t", "content": "c"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = ts.do(http.MethodGet, "/api/users/me", nil, withToken("garbage"))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	body := decode[models.ErrorResponse](t, resp)
	assert.Equal(t, models.CodeUnauthorized, body.Code)
}

func TestLogoutRevokesToken(t *testing.T) {
	_, rdb := testutil.NewTestRedis(t)
	ts := newTestServer(t, rdb)
	alice := ts.signup("alice")

	resp := ts.do(http.MethodPost, "/api/auth/logout", nil, withToken(alice.Token))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = ts.do(http.MethodGet, "/api/users/me", nil, withToken(alice.Token))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestPostLifecycleEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)
	alice := ts.signup("alice")
	bob := ts.signup("bob")

	permanent := ts.createPost(alice.Token, map[string]any{"title": "hello", "content": "world"})
	assert.Nil(t, permanent.DeleteAt)
	assert.Equal(t, "alice", permanent.AuthorUsername)

	future := time.Now().UTC().Add(2 * time.Hour).Format("2006-01-02T15:04")
	scheduled := ts.createPost(alice.Token, map[string]any{
		"title": "temporary", "content": "gone soon", "schedule": true, "delete_at": future,
	})
	require.NotNil(t, scheduled.DeleteAt)
	assert.True(t, ts.srv.scheduler.Pending(scheduled.ID))

	past := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	late := ts.createPost(alice.Token, map[string]any{
		"title": "late", "content": "already past", "schedule": true, "delete_at": past,
	})
	assert.Nil(t, late.DeleteAt, "a past deletion time yields a permanent post")

	resp := ts.do(http.MethodPost, "/api/posts", map[string]any{
		"title": "bad", "content": "time", "schedule": true, "delete_at": "next tuesday",
	}, withToken(alice.Token))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.do(http.MethodPost, "/api/posts", map[string]any{"title": "", "content": "x"}, withToken(alice.Token))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.do(http.MethodPost, fmt.Sprintf("/api/posts/%d/frame", scheduled.ID), nil, withToken(bob.Token))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = ts.do(http.MethodPost, fmt.Sprintf("/api/posts/%d/frame", scheduled.ID), nil, withToken(alice.Token))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	framed := decode[*models.Post](t, resp)
	assert.Nil(t, framed.DeleteAt)
	assert.False(t, ts.srv.scheduler.Pending(scheduled.ID))

	resp = ts.do(http.MethodDelete, fmt.Sprintf("/api/posts/%d", permanent.ID), nil, withToken(bob.Token))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = ts.do(http.MethodDelete, fmt.Sprintf("/api/posts/%d", permanent.ID), nil, withToken(alice.Token))
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = ts.do(http.MethodGet, fmt.Sprintf("/api/posts/%d", permanent.ID), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = ts.do(http.MethodGet, "/api/posts/abc", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLikeEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	alice := ts.signup("alice")
	bob := ts.signup("bob")
	post := ts.createPost(alice.Token, map[string]any{"title": "likeable", "content": "yes"})
	path := fmt.Sprintf("/api/posts/%d/like", post.ID)

	resp := ts.do(http.MethodPost, path, nil, withToken(alice.Token))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = ts.do(http.MethodPost, path, nil, withToken(bob.Token))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	liked := decode[struct {
		Action string       `json:"action"`
		Post   *models.Post `json:"post"`
	}](t, resp)
	assert.Equal(t, "liked", liked.Action)
	assert.Equal(t, 1, liked.Post.LikeCount)
	assert.Equal(t, []string{"bob"}, liked.Post.LikedBy)

	resp = ts.do(http.MethodGet, "/api/posts?sort=most-liked", nil, withToken(bob.Token))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	board := decode[[]*models.Post](t, resp)
	require.Len(t, board, 1)
	assert.True(t, board[0].LikedByUser)

	resp = ts.do(http.MethodPost, path, nil, withToken(bob.Token))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	unliked := decode[map[string]any](t, resp)
	assert.Equal(t, "unliked", unliked["action"])

	resp = ts.do(http.MethodPost, "/api/posts/999/like", nil, withToken(bob.Token))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = ts.do(http.MethodGet, "/api/posts?sort=random", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRenameEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	alice := ts.signup("alice")
	ts.signup("bob")
	ts.createPost(alice.Token, map[string]any{"title": "mine", "content": "all mine"})

	resp := ts.do(http.MethodPut, "/api/users/me", map[string]any{"username": "bob"}, withToken(alice.Token))
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = ts.do(http.MethodPut, "/api/users/me", map[string]any{"username": "alicia", "bio": "New me"}, withToken(alice.Token))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	renamed := decode[models.User](t, resp)
	assert.Equal(t, "alicia", renamed.Username)
	assert.Equal(t, "New me", renamed.Bio)
	assert.NotEqual(t, alice.User.AvatarPath, renamed.AvatarPath)

	_, err := os.Stat(filepath.Join(ts.cfg.AvatarDir, filepath.Base(renamed.AvatarPath)))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(ts.cfg.AvatarDir, filepath.Base(alice.User.AvatarPath)))
	assert.True(t, os.IsNotExist(err), "old avatar removed")

	resp = ts.do(http.MethodGet, renamed.AvatarPath, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = ts.do(http.MethodGet, "/api/users/alicia/posts", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	posts := decode[[]*models.Post](t, resp)
	require.Len(t, posts, 1)
	assert.Equal(t, "alicia", posts[0].AuthorUsername)

	resp = ts.do(http.MethodGet, "/api/users/alice/posts", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = ts.do(http.MethodGet, "/api/users/alicia", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func newFakeGoogle(t *testing.T, subject string) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok","token_type":"Bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"sub":%q}`, subject)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestGoogleFlow(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := ts.do(http.MethodGet, "/api/auth/google", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "disabled without a client id")

	google := newFakeGoogle(t, "google-sub-42")
	ts.srv.google = auth.NewGoogleProvider(auth.GoogleConfig{
		ClientID:     "client",
		ClientSecret: "secret",
		RedirectURL:  "http://localhost/api/auth/google/callback",
		Endpoint:     oauth2.Endpoint{AuthURL: google.URL + "/auth", TokenURL: google.URL + "/token"},
		UserInfoURL:  google.URL + "/userinfo",
	})

	resp = ts.do(http.MethodGet, "/api/auth/google", nil)
	require.Equal(t, http.StatusFound, resp.StatusCode)
	location, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	state := location.Query().Get("state")
	require.NotEmpty(t, state)

	resp = ts.do(http.MethodGet, "/api/auth/google/callback?code=abc&state=forged", nil, withCookie(oauthStateCookie, state))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	callback := fmt.Sprintf("/api/auth/google/callback?code=abc&state=%s", state)
	resp = ts.do(http.MethodGet, callback, nil, withCookie(oauthStateCookie, state))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	pending := decode[RegistrationPending](t, resp)
	assert.True(t, pending.NeedsUsername)

	resp = ts.do(http.MethodPost, "/api/auth/register-username", map[string]any{
		"registration_token": "bogus", "username": "gina",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = ts.do(http.MethodPost, "/api/auth/register-username", map[string]any{
		"registration_token": pending.RegistrationToken, "username": "gina",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	registered := decode[AuthResponse](t, resp)
	assert.Equal(t, "gina", registered.User.Username)

	// the same Google account now signs straight in
	resp = ts.do(http.MethodGet, callback, nil, withCookie(oauthStateCookie, state))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	signedIn := decode[AuthResponse](t, resp)
	assert.Equal(t, registered.User.ID, signedIn.User.ID)
	assert.NotEmpty(t, signedIn.Token)
}

func TestEmojiEndpoint(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"slug":"star","character":"⭐","unicodeName":"star","group":"travel-places","subGroup":"sky-weather"}]`))
	}))
	t.Cleanup(upstream.Close)

	ts := newTestServer(t, nil, func(c *config.Config) { c.EmojiAPIURL = upstream.URL })
	resp := ts.do(http.MethodGet, "/api/emojis", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[[]map[string]string](t, resp)
	require.Len(t, list, 1)
	assert.Equal(t, "star", list[0]["slug"])

	off := newTestServer(t, nil, func(c *config.Config) {
		c.EmojiAPIURL = upstream.URL
		c.FeatureFlags = "emoji_picker=off"
	})
	resp = off.do(http.MethodGet, "/api/emojis", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = off.do(http.MethodGet, "/api/features", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	flags := decode[map[string]any](t, resp)
	assert.Equal(t, false, flags["evaluated"].(map[string]any)["emoji_picker"])
}

func TestParseDeleteAt(t *testing.T) {
	got, err := parseDeleteAt("")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = parseDeleteAt("2030-01-02T03:04")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2030, 1, 2, 3, 4, 0, 0, time.UTC), *got)

	got, err = parseDeleteAt("2030-01-02T03:04:05+02:00")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2030, 1, 2, 1, 4, 5, 0, time.UTC), *got)

	_, err = parseDeleteAt("tomorrow")
	assert.True(t, models.IsCode(err, models.CodeValidation))
}
