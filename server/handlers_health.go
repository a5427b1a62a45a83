package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/onnwee/chat-relay/store"
)

// HandleHealthz responds to liveness probe requests by checking Redis connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if h.deps.Redis != nil {
		if err := h.deps.Redis.Ping(r.Context()); err != nil {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type readinessCheck struct {
	name string
	fn   func() error
}

// HandleReadyz responds to readiness probe requests with detailed system checks.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	var checks []readinessCheck
	if h.deps.Redis != nil {
		checks = append(checks, readinessCheck{"redis", func() error { return h.deps.Redis.Ping(r.Context()) }})
	}
	if h.deps.Tokens != nil {
		checks = append(checks, readinessCheck{"credentials", func() error {
			tok, err := h.deps.Tokens.Load(r.Context())
			if errors.Is(err, store.ErrTokenNotFound) {
				return fmt.Errorf("missing OAuth token")
			}
			if err != nil {
				return err
			}
			if tok.AccessToken == "" {
				return fmt.Errorf("stored OAuth token is empty")
			}
			return nil
		}})
	}
	if h.deps.Archive != nil {
		checks = append(checks, readinessCheck{"archive", func() error { return h.deps.Archive.Ping(r.Context()) }})
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}
