// Package config loads the service configuration and provides a typed Config used across the service.
// Values come from built-in defaults, then an optional YAML file (CONFIG_PATH), then environment
// variables, in that order. It applies sensible defaults so the binary can run locally against a
// single Redis instance. For the credentials a chat session needs, use ValidateChatReady.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// Twitch
	TwitchBotUsername  string `yaml:"twitch_bot_username"`
	TwitchClientID     string `yaml:"twitch_client_id"`
	TwitchClientSecret string `yaml:"twitch_client_secret"`
	TwitchRedirectURI  string `yaml:"twitch_redirect_uri"`
	TwitchScopes       string `yaml:"twitch_scopes"`

	// Helix metadata resolution
	HelixAuth      string        `yaml:"helix_auth"` // user | app
	ResolveOffline bool          `yaml:"resolve_offline"`
	JoinTimeout    time.Duration `yaml:"join_timeout"`

	// Redis
	RedisURL       string `yaml:"redis_url"`
	ControlChannel string `yaml:"control_channel"`
	TokenKey       string `yaml:"token_key"`
	EventsChannel  string `yaml:"events_channel"`
	EncryptionKey  string `yaml:"encryption_key"`

	// Emote providers
	EmoteProviders    []string      `yaml:"emote_providers"`
	EmoteFetchTimeout time.Duration `yaml:"emote_fetch_timeout"`
	EmoteGlobalTTL    time.Duration `yaml:"emote_global_ttl"`

	// Token refresh
	TokenRefreshInterval time.Duration `yaml:"token_refresh_interval"`
	TokenRefreshWindow   time.Duration `yaml:"token_refresh_window"`

	// Archive (optional)
	DBDsn string `yaml:"db_dsn"`

	// HTTP
	HTTPAddr string `yaml:"http_addr"`

	// Auto-watch
	AutoWatchChannels []string      `yaml:"auto_watch_channels"`
	AutoWatchInterval time.Duration `yaml:"auto_watch_interval"`
}

// Defaults returns a Config populated with the built-in defaults.
func Defaults() *Config {
	return &Config{
		TwitchScopes:         "chat:read chat:edit",
		HelixAuth:            "user",
		JoinTimeout:          10 * time.Second,
		RedisURL:             "redis://127.0.0.1:6379/0",
		ControlChannel:       "channels",
		TokenKey:             "token",
		EmoteProviders:       []string{"bttv", "7tv"},
		EmoteFetchTimeout:    5 * time.Second,
		EmoteGlobalTTL:       10 * time.Minute,
		TokenRefreshInterval: 5 * time.Minute,
		TokenRefreshWindow:   15 * time.Minute,
		HTTPAddr:             ":8080",
		AutoWatchInterval:    30 * time.Second,
	}
}

// Load reads the optional YAML file named by CONFIG_PATH, applies environment overrides and
// validates the result. It doesn't fail if Twitch creds are missing; use ValidateChatReady()
// before starting sessions.
func Load() (*Config, error) {
	cfg := Defaults()
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	setString(&c.TwitchBotUsername, "TWITCH_BOT_USERNAME")
	setString(&c.TwitchClientID, "TWITCH_CLIENT_ID")
	setString(&c.TwitchClientSecret, "TWITCH_CLIENT_SECRET")
	setString(&c.TwitchRedirectURI, "TWITCH_REDIRECT_URI")
	setString(&c.TwitchScopes, "TWITCH_SCOPES")
	setString(&c.HelixAuth, "HELIX_AUTH")
	setString(&c.RedisURL, "REDIS_URL")
	setString(&c.ControlChannel, "CONTROL_CHANNEL")
	setString(&c.TokenKey, "TOKEN_KEY")
	setString(&c.EventsChannel, "EVENTS_CHANNEL")
	setString(&c.EncryptionKey, "ENCRYPTION_KEY")
	setString(&c.DBDsn, "DB_DSN")
	setString(&c.HTTPAddr, "HTTP_ADDR")

	if v := os.Getenv("RESOLVE_OFFLINE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid RESOLVE_OFFLINE: %w", err)
		}
		c.ResolveOffline = b
	}
	if v := os.Getenv("EMOTE_PROVIDERS"); v != "" {
		c.EmoteProviders = splitList(v)
	}
	if v := os.Getenv("AUTO_WATCH_CHANNELS"); v != "" {
		c.AutoWatchChannels = splitList(v)
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"JOIN_TIMEOUT", &c.JoinTimeout},
		{"EMOTE_FETCH_TIMEOUT", &c.EmoteFetchTimeout},
		{"EMOTE_GLOBAL_TTL", &c.EmoteGlobalTTL},
		{"TOKEN_REFRESH_INTERVAL", &c.TokenRefreshInterval},
		{"TOKEN_REFRESH_WINDOW", &c.TokenRefreshWindow},
		{"AUTO_WATCH_INTERVAL", &c.AutoWatchInterval},
	}
	for _, d := range durations {
		v := os.Getenv(d.key)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.dst = parsed
	}
	return nil
}

func (c *Config) validate() error {
	c.HelixAuth = strings.ToLower(strings.TrimSpace(c.HelixAuth))
	switch c.HelixAuth {
	case "user", "app":
	default:
		return fmt.Errorf("invalid HELIX_AUTH %q (want user or app)", c.HelixAuth)
	}
	if c.RedisURL == "" {
		return errors.New("REDIS_URL is required")
	}
	if c.ControlChannel == "" || c.TokenKey == "" {
		return errors.New("CONTROL_CHANNEL and TOKEN_KEY must not be empty")
	}
	if c.JoinTimeout <= 0 {
		return errors.New("JOIN_TIMEOUT must be positive")
	}
	if c.EmoteFetchTimeout <= 0 {
		return errors.New("EMOTE_FETCH_TIMEOUT must be positive")
	}
	if c.EmoteGlobalTTL < 0 {
		return errors.New("EMOTE_GLOBAL_TTL must not be negative")
	}
	for i, p := range c.EmoteProviders {
		c.EmoteProviders[i] = strings.ToLower(strings.TrimSpace(p))
	}
	for i, ch := range c.AutoWatchChannels {
		c.AutoWatchChannels[i] = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ch), "#"))
	}
	return nil
}

// ValidateChatReady checks required fields when sessions are going to be started.
func (c *Config) ValidateChatReady() error {
	if c.TwitchBotUsername == "" || c.TwitchClientID == "" {
		return fmt.Errorf("missing twitch env: require TWITCH_BOT_USERNAME, TWITCH_CLIENT_ID")
	}
	if c.HelixAuth == "app" && c.TwitchClientSecret == "" {
		return fmt.Errorf("HELIX_AUTH=app requires TWITCH_CLIENT_SECRET")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func splitList(v string) []string {
	out := []string{}
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
