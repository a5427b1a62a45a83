// Package oauth keeps the stored Twitch user token fresh. It performs jittered
// checks and refreshes when expiry falls within a configured window.
package oauth

import (
	"context"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/onnwee/chat-relay/store"
)

// TokenStore is the persistence the refresher reads from and writes back to.
type TokenStore interface {
	Load(ctx context.Context) (*store.AccessToken, error)
	Save(ctx context.Context, tok *store.AccessToken) error
}

// RefreshFunc performs provider-specific refresh and returns (access, refresh, expiry, scope)
type RefreshFunc func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error)

// Refresher periodically checks a token and refreshes it.
type Refresher struct {
	Store    TokenStore
	Refresh  RefreshFunc
	Interval time.Duration // how often to wake up and check
	Window   time.Duration // refresh when remaining lifetime <= window
	Clock    clockwork.Clock
}

// StartRefresher launches a goroutine running r until ctx ends.
func StartRefresher(ctx context.Context, ts TokenStore, interval, window time.Duration, fn RefreshFunc) {
	r := &Refresher{Store: ts, Refresh: fn, Interval: interval, Window: window}
	go r.Run(ctx)
}

func (r *Refresher) defaults() {
	if r.Interval <= 0 {
		r.Interval = 5 * time.Minute
	}
	if r.Window <= 0 {
		r.Window = 15 * time.Minute
	}
	if r.Clock == nil {
		r.Clock = clockwork.NewRealClock()
	}
}

// Run blocks until ctx is cancelled.
func (r *Refresher) Run(ctx context.Context) {
	r.defaults()
	// Randomize initial delay to spread load across instances.
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(r.Interval/2) + 1))
	select {
	case <-ctx.Done():
		return
	case <-r.Clock.After(initialJitter):
	}
	for {
		r.CheckOnce(ctx)

		// per-iteration jitter (±20% of interval)
		jitterRange := int64(r.Interval / 5)
		//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
		jitter := time.Duration(rand.Int63n(jitterRange*2+1) - jitterRange)
		nextSleep := max(r.Interval+jitter, r.Interval/2)
		select {
		case <-ctx.Done():
			return
		case <-r.Clock.After(nextSleep):
		}
	}
}

// CheckOnce refreshes the stored token if it expires within the window.
// It reports whether a refreshed token was saved.
func (r *Refresher) CheckOnce(ctx context.Context) bool {
	r.defaults()
	tok, err := r.Store.Load(ctx)
	if err != nil {
		slog.Debug("token refresh: load", slog.Any("err", err))
		return false
	}
	// zero expiry means the token never expires (store.AccessToken.Expired)
	if tok.RefreshToken == "" || tok.ExpiresAt.IsZero() {
		return false
	}
	// If still outside window skip quickly
	if tok.ExpiresAt.Sub(r.Clock.Now()) > r.Window {
		return false
	}
	ctx2, cancel := context.WithTimeout(ctx, 15*time.Second)
	newAT, newRT, newExp, newScope, err := r.Refresh(ctx2, tok.RefreshToken)
	cancel()
	if err != nil {
		slog.Warn("token refresh failed", slog.String("provider", "twitch"), slog.Any("err", err))
		return false
	}
	if newRT == "" {
		newRT = tok.RefreshToken
	}
	if newScope == "" {
		newScope = tok.Scope
	}
	next := &store.AccessToken{
		AccessToken:  newAT,
		RefreshToken: newRT,
		Scope:        strings.TrimSpace(newScope),
		CreatedAt:    r.Clock.Now().UTC(),
		ExpiresAt:    newExp,
	}
	if err := r.Store.Save(ctx, next); err != nil {
		slog.Warn("token persist failed", slog.String("provider", "twitch"), slog.Any("err", err))
		return false
	}
	slog.Info("token refreshed", slog.String("provider", "twitch"), slog.Time("expires_at", newExp))
	return true
}
