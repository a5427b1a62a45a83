package server

import (
	"context"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/onnwee/chat-relay/chat"
	"github.com/onnwee/chat-relay/store"
	"github.com/onnwee/chat-relay/twitchapi"
)

const (
	// Maximum number of OAuth states to keep in memory
	maxOAuthStates = 10000
)

// Pinger reports backend reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SessionRegistry is the view of the session manager the API needs.
type SessionRegistry interface {
	Sessions() []chat.Snapshot
	Stop(login string) bool
}

// ControlRequester publishes a start request for a channel.
type ControlRequester interface {
	Request(ctx context.Context, login string) error
}

// ActivityReader reads the per-channel activity record.
type ActivityReader interface {
	Activity(ctx context.Context, login, channelID string, limit int) ([]string, error)
}

// HistoryReader reads archived messages.
type HistoryReader interface {
	Ping(ctx context.Context) error
	RecentMessages(ctx context.Context, login string, limit int) ([]chat.Message, error)
}

// TokenStore persists the user credential written by the OAuth callback.
type TokenStore interface {
	Load(ctx context.Context) (*store.AccessToken, error)
	Save(ctx context.Context, tok *store.AccessToken) error
}

// ChannelResolver maps a login to its numeric ID whether or not the channel is live.
type ChannelResolver interface {
	LookupUser(ctx context.Context, login string) (twitchapi.Channel, error)
}

// Deps are the collaborators wired into the HTTP API. Nil optional fields
// disable the routes or checks that need them.
type Deps struct {
	Redis    Pinger
	Sessions SessionRegistry
	Control  ControlRequester
	Activity ActivityReader
	Tokens   TokenStore
	Resolver ChannelResolver
	Hub      *Hub

	// Optional.
	Archive HistoryReader
	OAuth   *oauth2.Config
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	deps       Deps
	ctx        context.Context
	stateStore map[string]time.Time
	stateMu    sync.RWMutex
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(ctx context.Context, deps Deps) *Handlers {
	return &Handlers{
		deps:       deps,
		ctx:        ctx,
		stateStore: make(map[string]time.Time),
	}
}

// cleanExpiredStates removes expired OAuth states from the store.
// This should be called with stateMu locked.
func (h *Handlers) cleanExpiredStates() {
	now := time.Now()
	for state, expiry := range h.stateStore {
		if now.After(expiry) {
			delete(h.stateStore, state)
		}
	}
}

// addOAuthState adds a new OAuth state to the store with cleanup if needed.
// It reports false when the store is full.
func (h *Handlers) addOAuthState(state string, expiry time.Time) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()

	if len(h.stateStore)%100 == 0 {
		h.cleanExpiredStates()
	}
	if len(h.stateStore) >= maxOAuthStates {
		return false
	}
	h.stateStore[state] = expiry
	return true
}

// consumeOAuthState removes state and reports whether it was valid.
func (h *Handlers) consumeOAuthState(state string) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	exp, ok := h.stateStore[state]
	if !ok {
		return false
	}
	delete(h.stateStore, state)
	return time.Now().Before(exp)
}
