package testutil

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

// MockTwitchServer creates a test server that mocks Twitch Helix and OAuth responses.
// Point HelixClient.BaseURL at HelixURL() and token endpoints at URL+"/oauth2/token".
type MockTwitchServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc
	Requests atomic.Int64
}

// NewMockTwitchServer creates a new mock Twitch API server
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.Requests.Add(1)
		if handler, ok := m.Handlers[r.URL.Path]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// HelixURL is the base URL to hand to a HelixClient.
func (m *MockTwitchServer) HelixURL() string { return m.URL + "/helix" }

// MockUserResponse adds a handler for /helix/users returning the user only when requested.
func (m *MockTwitchServer) MockUserResponse(userID, login string) {
	m.Handlers["/helix/users"] = func(w http.ResponseWriter, r *http.Request) {
		data := []map[string]string{}
		for _, l := range r.URL.Query()["login"] {
			if strings.EqualFold(l, login) {
				data = append(data, map[string]string{"id": userID, "login": login, "display_name": login})
			}
		}
		writeJSON(w, map[string]any{"data": data})
	}
}

// MockStreamsResponse adds a handler for /helix/streams. Each stream is returned only
// when its user_login is among the requested logins.
func (m *MockTwitchServer) MockStreamsResponse(streams []map[string]any) {
	m.Handlers["/helix/streams"] = func(w http.ResponseWriter, r *http.Request) {
		requested := map[string]bool{}
		for _, l := range r.URL.Query()["user_login"] {
			requested[strings.ToLower(l)] = true
		}
		data := []map[string]any{}
		for _, s := range streams {
			if login, _ := s["user_login"].(string); requested[strings.ToLower(login)] {
				data = append(data, s)
			}
		}
		writeJSON(w, map[string]any{"data": data})
	}
}

// MockOAuthTokenResponse adds a handler for OAuth token endpoint
func (m *MockTwitchServer) MockOAuthTokenResponse(accessToken string, expiresIn int) {
	m.Handlers["/oauth2/token"] = func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"access_token":  accessToken,
			"refresh_token": "refresh-" + accessToken,
			"expires_in":    expiresIn,
			"token_type":    "bearer",
			"scope":         []string{"chat:read", "chat:edit"},
		})
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}

// StaticToken is a fixed bearer token source.
type StaticToken string

func (s StaticToken) AccessToken(context.Context) (string, error) { return string(s), nil }
