package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/onnwee/chat-relay/crypto"
)

var (
	// ErrTokenNotFound is returned when no credential record exists.
	ErrTokenNotFound = errors.New("token not found")
	// ErrTokenDecode is returned when the stored record can't be decoded or decrypted.
	ErrTokenDecode = errors.New("token decode failed")
	// ErrTokenEncode is returned when a token can't be serialised for storage.
	ErrTokenEncode = errors.New("token encode failed")
)

// AccessToken is the user credential used for chat login and Helix calls.
type AccessToken struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Scope        string    `json:"scope,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Expired reports whether the token is past its expiry. Tokens without an expiry never expire.
func (t *AccessToken) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}

// TokenStore persists the single credential record under one key.
// When an encryptor is configured, records are sealed at rest; plaintext
// records written before encryption was enabled are still readable.
type TokenStore struct {
	rdb *redis.Client
	key string
	enc crypto.Encryptor
}

// NewTokenStore returns a store keyed by key. enc may be nil to store plaintext JSON.
func NewTokenStore(p *Pool, key string, enc crypto.Encryptor) *TokenStore {
	return &TokenStore{rdb: p.rdb, key: key, enc: enc}
}

// Load reads and decodes the credential record.
func (s *TokenStore) Load(ctx context.Context) (*AccessToken, error) {
	raw, err := s.rdb.Get(ctx, s.key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load token: %w", err)
	}

	data := []byte(raw)
	if crypto.IsSealed(raw) {
		if s.enc == nil {
			return nil, fmt.Errorf("%w: token is encrypted but ENCRYPTION_KEY not configured", ErrTokenDecode)
		}
		data, err = crypto.Open(s.enc, raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTokenDecode, err)
		}
	}

	var tok AccessToken
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenDecode, err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("%w: access_token missing", ErrTokenDecode)
	}
	return &tok, nil
}

// Save encodes and writes the credential record, replacing any previous value.
func (s *TokenStore) Save(ctx context.Context, tok *AccessToken) error {
	if tok == nil || tok.AccessToken == "" {
		return fmt.Errorf("%w: access_token empty", ErrTokenEncode)
	}
	data, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTokenEncode, err)
	}
	value := string(data)
	if s.enc != nil {
		if value, err = crypto.Seal(s.enc, data); err != nil {
			return fmt.Errorf("%w: %v", ErrTokenEncode, err)
		}
	}
	if err := s.rdb.Set(ctx, s.key, value, 0).Err(); err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

// AccessToken returns just the bearer string of the stored credential.
func (s *TokenStore) AccessToken(ctx context.Context) (string, error) {
	tok, err := s.Load(ctx)
	if err != nil {
		return "", err
	}
	if tok.Expired(time.Now()) {
		slog.Warn("stored twitch token is past its expiry", slog.Time("expires_at", tok.ExpiresAt))
	}
	return tok.AccessToken, nil
}

// Sealed reports whether the stored record is encrypted. It returns ErrTokenNotFound when absent.
func (s *TokenStore) Sealed(ctx context.Context) (bool, error) {
	raw, err := s.rdb.Get(ctx, s.key).Result()
	if errors.Is(err, redis.Nil) {
		return false, ErrTokenNotFound
	}
	if err != nil {
		return false, fmt.Errorf("load token: %w", err)
	}
	return crypto.IsSealed(raw), nil
}
