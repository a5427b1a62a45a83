// Command chat-relay is the main entrypoint for the Twitch chat relay.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Redis for the credential record, activity sets and the
//     control channel, and optionally to Postgres for the message archive.
//   - Subscribes to control requests and opens one chat session per
//     requested channel, routing messages to the live event hub.
//   - Keeps the stored Twitch token fresh and optionally auto-watches
//     configured channels.
//   - Exposes the HTTP API with /healthz, /readyz, /metrics and the streams.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/chat-relay/chat"
	"github.com/onnwee/chat-relay/config"
	"github.com/onnwee/chat-relay/crypto"
	"github.com/onnwee/chat-relay/db"
	"github.com/onnwee/chat-relay/emotes"
	"github.com/onnwee/chat-relay/oauth"
	"github.com/onnwee/chat-relay/server"
	"github.com/onnwee/chat-relay/store"
	"github.com/onnwee/chat-relay/telemetry"
	"github.com/onnwee/chat-relay/twitchapi"
)

const version = "1.0.0"

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()

	// Tracing is optional; it stays a no-op without OTEL_EXPORTER_OTLP_ENDPOINT.
	shutdown, err := telemetry.InitTracing("chat-relay", version)
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Redis
	pool, err := store.NewPool(cfg.RedisURL)
	if err != nil {
		slog.Error("failed to open redis", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := pool.Close(); err != nil {
			slog.Error("failed to close redis", slog.Any("err", err))
		}
	}()
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = pool.Ping(pingCtx)
	cancel()
	if err != nil {
		slog.Error("redis unreachable", slog.String("url", redactURL(cfg.RedisURL)), slog.Any("err", err))
		os.Exit(1)
	}

	var enc crypto.Encryptor
	if cfg.EncryptionKey != "" {
		aes, err := crypto.NewAESEncryptor(cfg.EncryptionKey)
		if err != nil {
			slog.Error("invalid ENCRYPTION_KEY", slog.Any("err", err))
			os.Exit(1)
		}
		enc = aes
	} else {
		slog.Warn("ENCRYPTION_KEY not set - token record is stored as plaintext")
	}
	tokens := store.NewTokenStore(pool, cfg.TokenKey, enc)
	activity := store.NewActivityStore(pool)
	control := store.NewControlPlane(pool, cfg.ControlChannel)

	// Optional archive
	var archive *db.Archive
	if cfg.DBDsn != "" {
		database, err := openArchive(ctx, cfg.DBDsn)
		if err != nil {
			slog.Error("failed to open archive database", slog.Any("err", err))
			os.Exit(1)
		}
		defer func() {
			if err := database.Close(); err != nil {
				slog.Error("failed to close database", slog.Any("err", err))
			}
		}()
		archive = db.NewArchive(database)
	} else {
		slog.Info("DB_DSN not set - message archive disabled")
	}

	// Helix metadata
	httpClient := &http.Client{Timeout: 10 * time.Second}
	helix := &twitchapi.HelixClient{
		Tokens:         tokens,
		ClientID:       cfg.TwitchClientID,
		HTTPClient:     httpClient,
		ResolveOffline: cfg.ResolveOffline,
	}
	if cfg.HelixAuth == "app" {
		helix.Tokens = &twitchapi.AppTokenSource{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret, HTTPClient: httpClient}
	}

	providers, err := emotes.ProvidersByName(cfg.EmoteProviders, httpClient)
	if err != nil {
		slog.Error("invalid EMOTE_PROVIDERS", slog.Any("err", err))
		os.Exit(1)
	}
	aggregator := emotes.NewAggregator(providers, cfg.EmoteFetchTimeout, cfg.EmoteGlobalTTL)

	hub := server.NewHub(0)
	router := &chat.Router{
		Sinks:    []chat.Sink{{Name: "hub", Publisher: hub}},
		Activity: activity,
	}
	if cfg.EventsChannel != "" {
		router.Sinks = append(router.Sinks, chat.Sink{Name: "redis", Publisher: store.NewEventPublisher(pool, cfg.EventsChannel)})
	}
	if archive != nil {
		router.Archive = archive
	}

	manager := &chat.Manager{
		Tokens:      tokens,
		Resolver:    helix,
		Emotes:      aggregator,
		Dialer:      &chat.IRCDialer{Username: cfg.TwitchBotUsername},
		Router:      router,
		JoinTimeout: cfg.JoinTimeout,
	}

	if err := cfg.ValidateChatReady(); err != nil {
		slog.Warn("chat sessions will fail until configured", slog.Any("err", err))
	}

	requests, err := control.Subscribe(ctx)
	if err != nil {
		slog.Error("failed to subscribe to control channel", slog.String("channel", cfg.ControlChannel), slog.Any("err", err))
		os.Exit(1)
	}
	slog.Info("listening for control requests", slog.String("channel", cfg.ControlChannel))
	manager.Serve(ctx, requests)

	// Centralized OAuth token refresher
	oauthCfg := twitchapi.NewOAuthConfig(cfg.TwitchClientID, cfg.TwitchClientSecret, cfg.TwitchRedirectURI, cfg.TwitchScopes)
	if cfg.TwitchClientID != "" && cfg.TwitchClientSecret != "" {
		oauth.StartRefresher(ctx, tokens, cfg.TokenRefreshInterval, cfg.TokenRefreshWindow, func(rctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
			tok, err := twitchapi.RefreshToken(rctx, oauthCfg, refreshToken)
			if err != nil {
				return "", "", time.Time{}, "", err
			}
			return tok.AccessToken, tok.RefreshToken, twitchapi.TokenExpiry(tok), twitchapi.TokenScope(tok), nil
		})
	} else {
		slog.Info("token refresher disabled (need TWITCH_CLIENT_ID + TWITCH_CLIENT_SECRET)")
	}

	chat.StartAutoWatch(ctx, cfg.AutoWatchChannels, cfg.AutoWatchInterval, helix, control, manager.Active)

	startPprof()

	deps := server.Deps{
		Redis:    pool,
		Sessions: manager,
		Control:  control,
		Activity: activity,
		Tokens:   tokens,
		Resolver: helix,
		Hub:      hub,
	}
	if archive != nil {
		deps.Archive = archive
	}
	if cfg.TwitchClientID != "" && cfg.TwitchRedirectURI != "" {
		deps.OAuth = oauthCfg
	}
	go func() {
		if err := server.Start(ctx, deps, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	done := make(chan struct{})
	go func() {
		manager.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("all sessions closed")
	case <-time.After(10 * time.Second):
		slog.Warn("timed out waiting for sessions to close", slog.Int("open", len(manager.Sessions())))
	}
}

func setupLogging() {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		format = "text"
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))
}

func openArchive(ctx context.Context, dsn string) (*sql.DB, error) {
	database, err := db.Connect(ctx, dsn)
	if err != nil {
		return nil, err
	}
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		_ = database.Close()
		return nil, err
	}
	return database, nil
}

// startPprof serves profiling endpoints when ENABLE_PPROF=1.
func startPprof() {
	if os.Getenv("ENABLE_PPROF") != "1" {
		return
	}
	pprofAddr := os.Getenv("PPROF_ADDR")
	if pprofAddr == "" {
		pprofAddr = "localhost:6060"
	}
	go func() {
		slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
		srv := &http.Server{
			Addr:              pprofAddr,
			Handler:           nil, // default mux exposes /debug/pprof
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if err := srv.ListenAndServe(); err != nil {
			slog.Error("pprof server error", slog.Any("err", err))
		}
	}()
}

// redactURL drops credentials from a connection URL for logging.
func redactURL(raw string) string {
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return raw
	}
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		rest = "***@" + rest[at+1:]
	}
	return scheme + "://" + rest
}
