package server

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/chat-relay/store"
	"github.com/onnwee/chat-relay/telemetry"
	"github.com/onnwee/chat-relay/twitchapi"
)

// HandleTwitchOAuthStart initiates the Twitch OAuth flow by redirecting to Twitch.
func (h *Handlers) HandleTwitchOAuthStart(w http.ResponseWriter, r *http.Request) {
	cfg := h.deps.OAuth
	if cfg == nil || cfg.ClientID == "" || cfg.RedirectURL == "" {
		http.Error(w, "oauth not configured (need TWITCH_CLIENT_ID + TWITCH_REDIRECT_URI)", http.StatusBadRequest)
		return
	}
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		http.Error(w, "state gen error", http.StatusInternalServerError)
		return
	}
	st := hex.EncodeToString(b)
	if !h.addOAuthState(st, time.Now().Add(10*time.Minute)) {
		http.Error(w, "too many pending authorizations", http.StatusServiceUnavailable)
		return
	}
	authURL, err := twitchapi.BuildAuthorizeURL(cfg, st)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// HandleTwitchOAuthCallback exchanges the code and stores the token record.
func (h *Handlers) HandleTwitchOAuthCallback(w http.ResponseWriter, r *http.Request) {
	cfg := h.deps.OAuth
	if cfg == nil || h.deps.Tokens == nil {
		http.Error(w, "oauth not configured", http.StatusBadRequest)
		return
	}
	code := r.URL.Query().Get("code")
	st := r.URL.Query().Get("state")
	if code == "" || st == "" {
		http.Error(w, "missing code/state", http.StatusBadRequest)
		return
	}
	if !h.consumeOAuthState(st) {
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	tok, err := twitchapi.ExchangeAuthCode(ctx, cfg, code)
	if err != nil {
		telemetry.LoggerWithCorr(ctx).Warn("oauth code exchange failed", slog.Any("err", err), slog.String("component", "oauth"))
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	rec := &store.AccessToken{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Scope:        twitchapi.TokenScope(tok),
		CreatedAt:    time.Now().UTC(),
		ExpiresAt:    twitchapi.TokenExpiry(tok),
	}
	if err := h.deps.Tokens.Save(ctx, rec); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"scope":      rec.Scope,
		"expires_at": rec.ExpiresAt,
	})
}
