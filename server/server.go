// Package server exposes the HTTP API: health, metrics, session control and
// history, the OAuth flow, and live event streams over SSE and websockets.
// It includes permissive CORS for development and injects correlation IDs
// into request contexts for consistent logging.
package server

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/chat-relay/telemetry"
)

// NewMux returns the HTTP handler with all routes.
// The provided context bounds the rate limiter cleanup goroutine.
func NewMux(ctx context.Context, deps Deps) http.Handler {
	guard := adminGuardFromEnv()
	rateLimiter := newIPRateLimiter(ctx, loadRateLimiterConfig())
	cors := corsPolicyFromEnv()

	if deps.Hub == nil {
		deps.Hub = NewHub(getEnvInt("MAX_STREAM_CLIENTS", 500))
	}
	deps.Hub.upgrader.CheckOrigin = cors.checkOrigin

	handlers := NewHandlers(ctx, deps)
	protect := func(h http.HandlerFunc) http.Handler {
		return guard.wrap(rateLimitMiddleware(h, rateLimiter))
	}

	mux := http.NewServeMux()

	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /auth/twitch/start", handlers.HandleTwitchOAuthStart)
	mux.HandleFunc("GET /auth/twitch/callback", handlers.HandleTwitchOAuthCallback)

	mux.HandleFunc("GET /healthz", handlers.HandleHealthz)
	mux.HandleFunc("GET /readyz", handlers.HandleReadyz)

	mux.HandleFunc("GET /channels", handlers.HandleChannelsList)
	mux.Handle("POST /channels/{login}", protect(handlers.HandleChannelStart))
	mux.Handle("DELETE /channels/{login}", protect(handlers.HandleChannelStop))
	mux.HandleFunc("GET /channels/{login}/messages", handlers.HandleChannelMessages)
	mux.HandleFunc("GET /channels/{login}/activity", handlers.HandleChannelActivity)

	mux.HandleFunc("GET /events", deps.Hub.ServeSSE)
	mux.HandleFunc("GET /ws", deps.Hub.ServeWS)

	// Wrap with correlation ID injector and tracing middleware
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		_, pattern := mux.Handler(r)
		ctx, span := telemetry.StartSpan(ctx, "http-server", r.Method+" "+r.URL.Path,
			telemetry.HTTPMethodAttr(r.Method),
			telemetry.HTTPRouteAttr(pattern),
			telemetry.HTTPURLAttr(r.URL.String()),
		)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		wrappedWriter := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		mux.ServeHTTP(wrappedWriter, r.WithContext(ctx))

		telemetry.SetSpanHTTPStatus(span, wrappedWriter.statusCode)
	})
	return cors.wrap(handler)
}

// statusRecorder wraps ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Flush implements http.Flusher if the underlying ResponseWriter supports it
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack lets the websocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.statusCode = http.StatusSwitchingProtocols
	return hj.Hijack()
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, deps Deps, addr string) error {
	if deps.Hub == nil {
		deps.Hub = NewHub(getEnvInt("MAX_STREAM_CLIENTS", 500))
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           NewMux(ctx, deps),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		// No WriteTimeout: /events and /ws are long-lived streams.
	}

	go func() {
		<-ctx.Done()
		// Stream handlers only return once their clients are released.
		deps.Hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("http server listening", slog.String("addr", addr), slog.String("component", "http"))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
