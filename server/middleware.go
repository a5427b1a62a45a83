package server

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// adminGuard gates the channel control routes. It is open when neither
// ADMIN_TOKEN nor ADMIN_USERNAME+ADMIN_PASSWORD is configured.
type adminGuard struct {
	token    string
	user     string
	password string
}

func adminGuardFromEnv() *adminGuard {
	g := &adminGuard{
		token:    os.Getenv("ADMIN_TOKEN"),
		user:     os.Getenv("ADMIN_USERNAME"),
		password: os.Getenv("ADMIN_PASSWORD"),
	}
	if !g.enabled() {
		slog.Warn("Admin authentication not configured - channel control endpoints are UNPROTECTED. Set ADMIN_USERNAME+ADMIN_PASSWORD or ADMIN_TOKEN for production")
	}
	return g
}

func (g *adminGuard) basicConfigured() bool { return g.user != "" && g.password != "" }

func (g *adminGuard) enabled() bool { return g.token != "" || g.basicConfigured() }

// authorized accepts X-Admin-Token or Basic credentials.
func (g *adminGuard) authorized(r *http.Request) bool {
	if g.token != "" && secureEqual(r.Header.Get("X-Admin-Token"), g.token) {
		return true
	}
	if !g.basicConfigured() {
		return false
	}
	user, password, ok := r.BasicAuth()
	userOK := secureEqual(user, g.user)
	passwordOK := secureEqual(password, g.password)
	return ok && userOK && passwordOK
}

func (g *adminGuard) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.enabled() || g.authorized(r) {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("WWW-Authenticate", `Basic realm="chat-relay admin"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		slog.Warn("admin auth failed", slog.String("path", r.URL.Path), slog.String("remote_addr", r.RemoteAddr))
	})
}

func secureEqual(got, want string) bool {
	return got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// rateLimiterConfig holds rate limiting configuration
type rateLimiterConfig struct {
	enabled       bool
	requestsPerIP int           // burst, and the number of requests refilled per window
	window        time.Duration // refill period
}

// loadRateLimiterConfig reads rate limiter configuration from environment
func loadRateLimiterConfig() *rateLimiterConfig {
	enabled := os.Getenv("RATE_LIMIT_ENABLED") != "0" // Enabled by default
	requestsPerIP := 10
	window := 1 * time.Minute

	if n := getEnvInt("RATE_LIMIT_REQUESTS_PER_IP", requestsPerIP); n > 0 {
		requestsPerIP = n
	}
	if n := getEnvInt("RATE_LIMIT_WINDOW_SECONDS", 60); n > 0 {
		window = time.Duration(n) * time.Second
	}

	return &rateLimiterConfig{
		enabled:       enabled,
		requestsPerIP: requestsPerIP,
		window:        window,
	}
}

// ipRateLimiter keeps a token bucket per client IP.
type ipRateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	cfg      *rateLimiterConfig
	limit    rate.Limit
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newIPRateLimiter creates a new rate limiter; its cleanup loop stops with ctx.
func newIPRateLimiter(ctx context.Context, cfg *rateLimiterConfig) *ipRateLimiter {
	limiter := &ipRateLimiter{
		visitors: make(map[string]*visitor),
		cfg:      cfg,
		limit:    rate.Every(cfg.window / time.Duration(max(cfg.requestsPerIP, 1))),
	}
	go limiter.cleanupLoop(ctx)
	return limiter
}

func (rl *ipRateLimiter) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-ctx.Done():
			return
		}
	}
}

// cleanup removes visitors idle for more than two windows.
func (rl *ipRateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for ip, v := range rl.visitors {
		if now.Sub(v.lastSeen) > rl.cfg.window*2 {
			delete(rl.visitors, ip)
		}
	}
}

// allow checks if a request from the given IP should be allowed
func (rl *ipRateLimiter) allow(ip string) bool {
	if !rl.cfg.enabled {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, exists := rl.visitors[ip]
	if !exists {
		v = &visitor{limiter: rate.NewLimiter(rl.limit, rl.cfg.requestsPerIP)}
		rl.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	return v.limiter.Allow()
}

func (rl *ipRateLimiter) size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.visitors)
}

// rateLimitMiddleware applies rate limiting to control endpoints
func rateLimitMiddleware(next http.Handler, limiter *ipRateLimiter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !limiter.allow(ip) {
			w.Header().Set("Retry-After", strconv.Itoa(int(limiter.cfg.window.Seconds())))
			http.Error(w, "Too Many Requests - rate limit exceeded", http.StatusTooManyRequests)
			slog.Warn("rate limit exceeded", slog.String("ip", ip), slog.String("path", r.URL.Path))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP prefers the first X-Forwarded-For hop and strips any port.
func clientIP(r *http.Request) string {
	ip := r.RemoteAddr
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		ip, _, _ = strings.Cut(forwarded, ",")
		ip = strings.TrimSpace(ip)
	}
	if host, _, err := net.SplitHostPort(ip); err == nil {
		return host
	}
	return strings.Trim(ip, "[]")
}

const (
	corsMethods = "GET, POST, DELETE, OPTIONS"
	corsHeaders = "Content-Type, Authorization, X-Admin-Token, X-Correlation-ID"
)

// corsPolicy decides which browser origins may call the API and open /ws.
// Entries in origins are exact origins or "*.domain" patterns.
type corsPolicy struct {
	anyOrigin bool
	origins   []string
}

// corsPolicyFromEnv allows any origin in development (ENV unset, dev or
// development) unless CORS_PERMISSIVE says otherwise.
func corsPolicyFromEnv() *corsPolicy {
	env := strings.ToLower(os.Getenv("ENV"))
	p := &corsPolicy{anyOrigin: env == "" || env == "dev" || env == "development"}
	if v := os.Getenv("CORS_PERMISSIVE"); v != "" {
		p.anyOrigin = v == "1" || v == "true"
	}
	for _, o := range strings.Split(os.Getenv("CORS_ALLOWED_ORIGINS"), ",") {
		if o = strings.TrimSpace(o); o != "" {
			p.origins = append(p.origins, o)
		}
	}
	if !p.anyOrigin && len(p.origins) == 0 {
		slog.Warn("CORS restricted mode enabled but no CORS_ALLOWED_ORIGINS configured - all CORS requests will be blocked")
	}
	return p
}

func (p *corsPolicy) listed(origin string) bool {
	return slices.ContainsFunc(p.origins, func(pattern string) bool { return originMatches(pattern, origin) })
}

// wrap sets CORS headers and answers preflight requests.
func (p *corsPolicy) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		origin := r.Header.Get("Origin")
		switch {
		case p.anyOrigin:
			h.Set("Access-Control-Allow-Origin", "*")
		case origin != "" && p.listed(origin):
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Add("Vary", "Origin")
		}
		if h.Get("Access-Control-Allow-Origin") != "" {
			h.Set("Access-Control-Allow-Methods", corsMethods)
			h.Set("Access-Control-Allow-Headers", corsHeaders)
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// checkOrigin is the websocket upgrader's origin policy. Requests without an
// Origin header (non-browser clients) are accepted.
func (p *corsPolicy) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || p.anyOrigin || p.listed(origin)
}

// originMatches supports "*.example.com", which also covers the bare domain.
func originMatches(pattern, origin string) bool {
	if pattern == origin {
		return true
	}
	domain, ok := strings.CutPrefix(pattern, "*.")
	if !ok {
		return false
	}
	return strings.HasSuffix(origin, "."+domain) || origin == "https://"+domain || origin == "http://"+domain
}
