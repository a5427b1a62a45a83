package twitchapi

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/twitch"
)

// NewOAuthConfig builds the authorization-code config for the bot account.
// scopes may be space or comma separated.
func NewOAuthConfig(clientID, clientSecret, redirectURI, scopes string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURI,
		Scopes:       strings.Fields(strings.ReplaceAll(scopes, ",", " ")),
		Endpoint:     twitch.Endpoint,
	}
}

// BuildAuthorizeURL constructs the user authorization URL for OAuth code grant.
func BuildAuthorizeURL(cfg *oauth2.Config, state string) (string, error) {
	if cfg.ClientID == "" || cfg.RedirectURL == "" {
		return "", errors.New("missing clientID or redirectURI")
	}
	return cfg.AuthCodeURL(state), nil
}

// ExchangeAuthCode exchanges an authorization code for access & refresh tokens.
func ExchangeAuthCode(ctx context.Context, cfg *oauth2.Config, code string) (*oauth2.Token, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" || code == "" || cfg.RedirectURL == "" {
		return nil, errors.New("missing required parameter for auth code exchange")
	}
	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("twitch auth code exchange failed: %w", err)
	}
	return tok, nil
}

// RefreshToken exchanges a refresh token for a new access token.
func RefreshToken(ctx context.Context, cfg *oauth2.Config, refreshToken string) (*oauth2.Token, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" || refreshToken == "" {
		return nil, errors.New("missing clientID/clientSecret/refreshToken")
	}
	// An expired token forces the source to use the refresh grant.
	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken, Expiry: time.Unix(1, 0)})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("twitch refresh failed: %w", err)
	}
	return tok, nil
}

// TokenScope returns the granted scopes of a token response as a space separated list.
// Twitch reports scopes as a JSON array.
func TokenScope(tok *oauth2.Token) string {
	switch v := tok.Extra("scope").(type) {
	case []any:
		parts := make([]string, 0, len(v))
		for _, s := range v {
			if str, ok := s.(string); ok {
				parts = append(parts, str)
			}
		}
		return strings.Join(parts, " ")
	case string:
		return v
	}
	return ""
}

// TokenExpiry returns the absolute expiry of a token response, defaulting to +60m when unknown.
func TokenExpiry(tok *oauth2.Token) time.Time {
	if !tok.Expiry.IsZero() {
		return tok.Expiry
	}
	return ComputeExpiry(int(tok.ExpiresIn))
}

// ComputeExpiry returns absolute expiry time from seconds, defaulting to +60m when unknown.
func ComputeExpiry(seconds int) time.Time {
	if seconds <= 0 {
		return time.Now().Add(60 * time.Minute)
	}
	return time.Now().Add(time.Duration(seconds) * time.Second)
}
