package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/onnwee/chat-relay/chat"
	"github.com/onnwee/chat-relay/store"
	"github.com/onnwee/chat-relay/testutil"
	"github.com/onnwee/chat-relay/twitchapi"
)

type fakeSessions struct {
	mu      sync.Mutex
	snaps   []chat.Snapshot
	stopped []string
}

func (f *fakeSessions) Sessions() []chat.Snapshot { return f.snaps }

func (f *fakeSessions) Stop(login string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.snaps {
		if s.Login == login && s.State == chat.StateStreaming.String() {
			f.stopped = append(f.stopped, login)
			return true
		}
	}
	return false
}

type fakeControl struct {
	mu     sync.Mutex
	logins []string
	err    error
}

func (f *fakeControl) Request(_ context.Context, login string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.logins = append(f.logins, login)
	return nil
}

type fakeArchive struct {
	msgs    []chat.Message
	pingErr error
	limit   int
}

func (f *fakeArchive) Ping(context.Context) error { return f.pingErr }

func (f *fakeArchive) RecentMessages(_ context.Context, _ string, limit int) ([]chat.Message, error) {
	f.limit = limit
	return f.msgs, nil
}

type fakeResolver map[string]string

func (f fakeResolver) LookupUser(_ context.Context, login string) (twitchapi.Channel, error) {
	id, ok := f[login]
	if !ok {
		return twitchapi.Channel{}, twitchapi.ErrChannelNotFound
	}
	return twitchapi.Channel{Login: login, ID: id}, nil
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("connection refused") }

type testEnv struct {
	deps     Deps
	pool     *store.Pool
	tokens   *store.TokenStore
	sessions *fakeSessions
	control  *fakeControl
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	t.Setenv("ADMIN_USERNAME", "")
	t.Setenv("ADMIN_PASSWORD", "")
	t.Setenv("ADMIN_TOKEN", "")
	t.Setenv("RATE_LIMIT_ENABLED", "0")

	_, rdb := testutil.NewMiniRedis(t)
	pool := store.NewPoolFromClient(rdb)
	env := &testEnv{
		pool:     pool,
		tokens:   store.NewTokenStore(pool, "token", nil),
		sessions: &fakeSessions{},
		control:  &fakeControl{},
	}
	env.deps = Deps{
		Redis:    pool,
		Sessions: env.sessions,
		Control:  env.control,
		Activity: store.NewActivityStore(pool),
		Tokens:   env.tokens,
		Resolver: fakeResolver{"alice": "9001"},
		Hub:      NewHub(10),
	}
	return env
}

func (e *testEnv) mux(t *testing.T) http.Handler {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return NewMux(ctx, e.deps)
}

func serve(h http.Handler, method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHealthzOK(t *testing.T) {
	env := newTestEnv(t)
	rr := serve(env.mux(t), http.MethodGet, "/healthz")

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "ok", rr.Body.String())
	assert.NotEmpty(t, rr.Header().Get("X-Correlation-ID"))
}

func TestHealthzRedisDown(t *testing.T) {
	env := newTestEnv(t)
	env.deps.Redis = failingPinger{}
	rr := serve(env.mux(t), http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestCorrelationIDEchoed(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Correlation-ID", "corr-123")
	rr := httptest.NewRecorder()
	env.mux(t).ServeHTTP(rr, req)
	assert.Equal(t, "corr-123", rr.Header().Get("X-Correlation-ID"))
}

func TestReadyz(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(t *testing.T, e *testEnv)
		wantStatus int
		wantCheck  string
	}{
		{
			name: "ready",
			setup: func(t *testing.T, e *testEnv) {
				require.NoError(t, e.tokens.Save(context.Background(), &store.AccessToken{AccessToken: "tok"}))
			},
			wantStatus: http.StatusOK,
		},
		{
			name:       "missing credentials",
			setup:      func(*testing.T, *testEnv) {},
			wantStatus: http.StatusServiceUnavailable,
			wantCheck:  "credentials",
		},
		{
			name:       "redis down",
			setup:      func(_ *testing.T, e *testEnv) { e.deps.Redis = failingPinger{} },
			wantStatus: http.StatusServiceUnavailable,
			wantCheck:  "redis",
		},
		{
			name: "archive down",
			setup: func(t *testing.T, e *testEnv) {
				require.NoError(t, e.tokens.Save(context.Background(), &store.AccessToken{AccessToken: "tok"}))
				e.deps.Archive = &fakeArchive{pingErr: errors.New("db gone")}
			},
			wantStatus: http.StatusServiceUnavailable,
			wantCheck:  "archive",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			tt.setup(t, env)
			rr := serve(env.mux(t), http.MethodGet, "/readyz")

			require.Equal(t, tt.wantStatus, rr.Code, rr.Body.String())
			var resp map[string]string
			require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
			if tt.wantCheck == "" {
				assert.Equal(t, "ready", resp["status"])
				return
			}
			assert.Equal(t, "not_ready", resp["status"])
			assert.Equal(t, tt.wantCheck, resp["failed_check"])
			assert.NotEmpty(t, resp["error"])
		})
	}
}

func TestCORSPreflightThroughMux(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodOptions, "/channels/alice", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rr := httptest.NewRecorder()
	env.mux(t).ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNoContent, rr.Code)
	for _, h := range []string{"Access-Control-Allow-Origin", "Access-Control-Allow-Methods", "Access-Control-Allow-Headers"} {
		assert.NotEmpty(t, rr.Header().Get(h), h)
	}
	assert.Empty(t, env.control.logins)
}

func TestChannelsList(t *testing.T) {
	env := newTestEnv(t)
	started := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	env.sessions.snaps = []chat.Snapshot{{ID: "s1", Login: "alice", ChannelID: "9001", State: "streaming", StartedAt: started, Messages: 3, Emotes: 5}}

	rr := serve(env.mux(t), http.MethodGet, "/channels")
	require.Equal(t, http.StatusOK, rr.Code)
	var resp struct {
		Sessions []chat.Snapshot `json:"sessions"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	require.Len(t, resp.Sessions, 1)
	got := resp.Sessions[0]
	assert.Equal(t, "alice", got.Login)
	assert.Equal(t, "9001", got.ChannelID)
	assert.Equal(t, int64(3), got.Messages)
	assert.Equal(t, 5, got.Emotes)
	assert.True(t, got.StartedAt.Equal(started))
}

func TestChannelsListEmptyIsArray(t *testing.T) {
	env := newTestEnv(t)
	rr := serve(env.mux(t), http.MethodGet, "/channels")
	assert.JSONEq(t, `{"sessions":[]}`, rr.Body.String())
}

func TestChannelStart(t *testing.T) {
	env := newTestEnv(t)
	h := env.mux(t)

	rr := serve(h, http.MethodPost, "/channels/Alice")
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	assert.Equal(t, []string{"alice"}, env.control.logins)

	rr = serve(h, http.MethodGet, "/channels/alice")
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)

	env.control.err = errors.New("redis down")
	rr = serve(h, http.MethodPost, "/channels/bob")
	assert.Equal(t, http.StatusBadGateway, rr.Code)
}

func TestChannelStop(t *testing.T) {
	env := newTestEnv(t)
	env.sessions.snaps = []chat.Snapshot{
		{Login: "alice", State: "streaming"},
		{Login: "bob", State: "joining"},
	}
	h := env.mux(t)

	assert.Equal(t, http.StatusOK, serve(h, http.MethodDelete, "/channels/alice").Code)
	assert.Equal(t, http.StatusNotFound, serve(h, http.MethodDelete, "/channels/bob").Code)
	assert.Equal(t, http.StatusNotFound, serve(h, http.MethodDelete, "/channels/carol").Code)
	assert.Equal(t, []string{"alice"}, env.sessions.stopped)
}

func TestChannelMessages(t *testing.T) {
	env := newTestEnv(t)
	h := env.mux(t)
	assert.Equal(t, http.StatusNotFound, serve(h, http.MethodGet, "/channels/alice/messages").Code, "no archive configured")

	archive := &fakeArchive{msgs: []chat.Message{{Name: "bob", Message: "hello Kappa", Channel: "alice", Emotes: []chat.Occurrence{}}}}
	env.deps.Archive = archive
	h = env.mux(t)

	rr := serve(h, http.MethodGet, "/channels/alice/messages?limit=5000")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 100, archive.limit, "out-of-range limit falls back to the default")
	var msgs []chat.Message
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&msgs))
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello Kappa", msgs[0].Message)

	serve(h, http.MethodGet, "/channels/alice/messages?limit=20")
	assert.Equal(t, 20, archive.limit)

	archive.msgs = nil
	rr = serve(h, http.MethodGet, "/channels/alice/messages")
	assert.Equal(t, "[]", strings.TrimSpace(rr.Body.String()))
}

func TestChannelActivity(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	activity := store.NewActivityStore(env.pool)
	require.NoError(t, activity.AppendActivity(ctx, "alice", "9001", "bob: hello"))
	require.NoError(t, activity.AppendActivity(ctx, "alice", "9001", "carol: hi"))
	h := env.mux(t)

	rr := serve(h, http.MethodGet, "/channels/alice/activity")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var resp struct {
		ChannelID string   `json:"channel_id"`
		Activity  []string `json:"activity"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, "9001", resp.ChannelID)
	assert.ElementsMatch(t, []string{"bob: hello", "carol: hi"}, resp.Activity)

	assert.Equal(t, http.StatusNotFound, serve(h, http.MethodGet, "/channels/nobody/activity").Code)
}

func TestChannelActivityUsesSessionChannelID(t *testing.T) {
	env := newTestEnv(t)
	env.deps.Resolver = nil
	env.sessions.snaps = []chat.Snapshot{{Login: "dave", ChannelID: "42", State: "streaming"}}
	require.NoError(t, store.NewActivityStore(env.pool).AppendActivity(context.Background(), "dave", "42", "eve: yo"))

	rr := serve(env.mux(t), http.MethodGet, "/channels/dave/activity")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "eve: yo")
}

func TestChannelActivityOfflineChannel(t *testing.T) {
	env := newTestEnv(t)
	m := testutil.NewMockTwitchServer(t)
	m.MockStreamsResponse(nil)
	m.MockUserResponse("77", "frank")
	env.deps.Resolver = &twitchapi.HelixClient{Tokens: testutil.StaticToken("t"), ClientID: "cid", BaseURL: m.HelixURL()}
	require.NoError(t, store.NewActivityStore(env.pool).AppendActivity(context.Background(), "frank", "77", "gina: gg"))

	rr := serve(env.mux(t), http.MethodGet, "/channels/frank/activity")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Contains(t, rr.Body.String(), `"channel_id":"77"`)
	assert.Contains(t, rr.Body.String(), "gina: gg")
}

func TestTwitchOAuthFlow(t *testing.T) {
	env := newTestEnv(t)
	m := testutil.NewMockTwitchServer(t)
	m.MockOAuthTokenResponse("user-token", 14400)
	cfg := twitchapi.NewOAuthConfig("cid", "secret", "http://localhost/callback", "chat:read chat:edit")
	cfg.Endpoint = oauth2.Endpoint{
		AuthURL:   m.URL + "/oauth2/authorize",
		TokenURL:  m.URL + "/oauth2/token",
		AuthStyle: oauth2.AuthStyleInParams,
	}
	env.deps.OAuth = cfg
	h := env.mux(t)

	rr := serve(h, http.MethodGet, "/auth/twitch/start")
	require.Equal(t, http.StatusFound, rr.Code)
	loc, err := url.Parse(rr.Header().Get("Location"))
	require.NoError(t, err)
	state := loc.Query().Get("state")
	require.Len(t, state, 32)

	assert.Equal(t, http.StatusBadRequest, serve(h, http.MethodGet, "/auth/twitch/callback?code=c&state=bogus").Code)

	rr = serve(h, http.MethodGet, "/auth/twitch/callback?code=the-code&state="+state)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	tok, err := env.tokens.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "user-token", tok.AccessToken)
	assert.Equal(t, "refresh-user-token", tok.RefreshToken)
	assert.False(t, tok.ExpiresAt.IsZero())

	// states are single use
	assert.Equal(t, http.StatusBadRequest, serve(h, http.MethodGet, "/auth/twitch/callback?code=the-code&state="+state).Code)
}

func TestTwitchOAuthNotConfigured(t *testing.T) {
	env := newTestEnv(t)
	h := env.mux(t)
	assert.Equal(t, http.StatusBadRequest, serve(h, http.MethodGet, "/auth/twitch/start").Code)
	assert.Equal(t, http.StatusBadRequest, serve(h, http.MethodGet, "/auth/twitch/callback?code=a&state=b").Code)
}

func TestOAuthStateStoreBounded(t *testing.T) {
	h := NewHandlers(context.Background(), Deps{})
	exp := time.Now().Add(time.Minute)
	for i := 0; i < maxOAuthStates; i++ {
		require.True(t, h.addOAuthState(fmt.Sprintf("state-%d", i), exp))
	}
	assert.False(t, h.addOAuthState("one-too-many", exp))

	h.stateStore["expired"] = time.Now().Add(-time.Second)
	assert.False(t, h.consumeOAuthState("expired"))
	_, still := h.stateStore["expired"]
	assert.False(t, still, "consumed states are removed even when expired")
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rr := serve(env.mux(t), http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestStartAndShutdown(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- Start(ctx, env.deps, "127.0.0.1:0") }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}
}
