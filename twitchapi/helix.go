// Package twitchapi contains minimal helpers to interact with Twitch Helix APIs:
// resolving a channel login to its broadcaster id and live stream, plus the OAuth
// plumbing used to obtain and rotate the bot's user token.
package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultHelixURL is the production Helix base URL.
const DefaultHelixURL = "https://api.twitch.tv/helix"

// maxLoginsPerRequest is the Helix limit for repeated login parameters.
const maxLoginsPerRequest = 100

// ErrChannelNotFound is returned when a login resolves to no channel.
var ErrChannelNotFound = errors.New("channel not found")

// Tokener yields a bearer token for Helix requests.
type Tokener interface {
	AccessToken(ctx context.Context) (string, error)
}

// HelixClient provides the Helix calls the relay needs.
type HelixClient struct {
	Tokens     Tokener
	ClientID   string
	BaseURL    string
	HTTPClient *http.Client
	// ResolveOffline makes ResolveChannel fall back to /users when the channel isn't live.
	ResolveOffline bool
}

// Stream is one entry of GET /helix/streams.
type Stream struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	UserLogin string    `json:"user_login"`
	UserName  string    `json:"user_name"`
	Title     string    `json:"title"`
	Type      string    `json:"type"`
	StartedAt time.Time `json:"started_at"`
}

// User is one entry of GET /helix/users.
type User struct {
	ID          string `json:"id"`
	Login       string `json:"login"`
	DisplayName string `json:"display_name"`
}

// Channel is a resolved channel identity.
type Channel struct {
	Login       string    `json:"login"`
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	StreamID    string    `json:"stream_id,omitempty"`
	Title       string    `json:"title,omitempty"`
	Live        bool      `json:"live"`
	StartedAt   time.Time `json:"started_at,omitempty"`
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

func (hc *HelixClient) baseURL() string {
	if hc.BaseURL != "" {
		return strings.TrimRight(hc.BaseURL, "/")
	}
	return DefaultHelixURL
}

// get performs an authenticated GET and decodes {"data": [...]} into out.
func (hc *HelixClient) get(ctx context.Context, path string, q url.Values, out any) error {
	if hc.Tokens == nil {
		return errors.New("helix client has no token source")
	}
	tok, err := hc.Tokens.AccessToken(ctx)
	if err != nil {
		return fmt.Errorf("helix token: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, hc.baseURL()+path, nil)
	if err != nil {
		return err
	}
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := hc.http().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("helix %s failed: %s: %s", path, resp.Status, strings.TrimSpace(string(b)))
	}
	body := struct {
		Data any `json:"data"`
	}{Data: out}
	return json.NewDecoder(resp.Body).Decode(&body)
}

// GetStreams returns the live streams among logins. Offline or unknown logins are
// simply absent from the result.
func (hc *HelixClient) GetStreams(ctx context.Context, logins ...string) ([]Stream, error) {
	if len(logins) == 0 {
		return nil, fmt.Errorf("logins empty")
	}
	var out []Stream
	for start := 0; start < len(logins); start += maxLoginsPerRequest {
		end := min(start+maxLoginsPerRequest, len(logins))
		q := url.Values{}
		for _, l := range logins[start:end] {
			q.Add("user_login", l)
		}
		var page []Stream
		if err := hc.get(ctx, "/streams", q, &page); err != nil {
			return nil, err
		}
		out = append(out, page...)
	}
	return out, nil
}

// GetUsers resolves logins to users. Unknown logins are absent from the result.
func (hc *HelixClient) GetUsers(ctx context.Context, logins ...string) ([]User, error) {
	if len(logins) == 0 {
		return nil, fmt.Errorf("logins empty")
	}
	if len(logins) > maxLoginsPerRequest {
		return nil, fmt.Errorf("too many logins: %d > %d", len(logins), maxLoginsPerRequest)
	}
	q := url.Values{}
	for _, l := range logins {
		q.Add("login", l)
	}
	var users []User
	if err := hc.get(ctx, "/users", q, &users); err != nil {
		return nil, err
	}
	return users, nil
}

// ResolveChannel maps a login to its channel identity. A live stream is preferred;
// offline channels resolve only when ResolveOffline is set. Returns ErrChannelNotFound
// when nothing matches.
func (hc *HelixClient) ResolveChannel(ctx context.Context, login string) (Channel, error) {
	if login == "" {
		return Channel{}, fmt.Errorf("login empty")
	}
	streams, err := hc.GetStreams(ctx, login)
	if err != nil {
		return Channel{}, err
	}
	for _, s := range streams {
		if strings.EqualFold(s.UserLogin, login) {
			return Channel{
				Login:       strings.ToLower(s.UserLogin),
				ID:          s.UserID,
				DisplayName: s.UserName,
				StreamID:    s.ID,
				Title:       s.Title,
				Live:        true,
				StartedAt:   s.StartedAt,
			}, nil
		}
	}
	if !hc.ResolveOffline {
		return Channel{}, fmt.Errorf("%w: %s is not live", ErrChannelNotFound, login)
	}
	return hc.LookupUser(ctx, login)
}

// LookupUser resolves a login through /users only, live or not. The result
// carries no stream fields.
func (hc *HelixClient) LookupUser(ctx context.Context, login string) (Channel, error) {
	if login == "" {
		return Channel{}, fmt.Errorf("login empty")
	}
	users, err := hc.GetUsers(ctx, login)
	if err != nil {
		return Channel{}, err
	}
	for _, u := range users {
		if strings.EqualFold(u.Login, login) {
			return Channel{Login: strings.ToLower(u.Login), ID: u.ID, DisplayName: u.DisplayName}, nil
		}
	}
	return Channel{}, fmt.Errorf("%w: %s", ErrChannelNotFound, login)
}
