package twitchapi

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/oauth2/twitch"
)

// AppTokenSource fetches and caches a Twitch app access (client credentials) token.
// NOTE: This token CANNOT be used for IRC chat; chat requires a user (bot) OAuth token with chat:read/chat:edit scopes.
type AppTokenSource struct {
	ClientID     string
	ClientSecret string
	// TokenURL overrides the Twitch token endpoint (tests).
	TokenURL   string
	HTTPClient *http.Client

	once sync.Once
	src  oauth2.TokenSource
}

func (ts *AppTokenSource) source() oauth2.TokenSource {
	ts.once.Do(func() {
		tokenURL := ts.TokenURL
		if tokenURL == "" {
			tokenURL = twitch.Endpoint.TokenURL
		}
		cc := &clientcredentials.Config{
			ClientID:     ts.ClientID,
			ClientSecret: ts.ClientSecret,
			TokenURL:     tokenURL,
			AuthStyle:    oauth2.AuthStyleInParams,
		}
		ctx := context.Background()
		if ts.HTTPClient != nil {
			ctx = context.WithValue(ctx, oauth2.HTTPClient, ts.HTTPClient)
		}
		// clientcredentials wraps the source in a ReuseTokenSource, so tokens are cached until expiry.
		ts.src = cc.TokenSource(ctx)
	})
	return ts.src
}

// AccessToken returns a valid (fresh or cached) app access token.
func (ts *AppTokenSource) AccessToken(_ context.Context) (string, error) {
	if ts.ClientID == "" || ts.ClientSecret == "" {
		return "", errors.New("missing client id/secret for twitch app token")
	}
	tok, err := ts.source().Token()
	if err != nil {
		return "", err
	}
	if tok.AccessToken == "" {
		return "", errors.New("empty access_token in twitch response")
	}
	return tok.AccessToken, nil
}
