package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/onnwee/chat-relay/chat"
	"github.com/onnwee/chat-relay/telemetry"
	"github.com/onnwee/chat-relay/twitchapi"
)

// HandleChannelsList returns a snapshot of every open session.
func (h *Handlers) HandleChannelsList(w http.ResponseWriter, r *http.Request) {
	sessions := []chat.Snapshot{}
	if h.deps.Sessions != nil {
		sessions = append(sessions, h.deps.Sessions.Sessions()...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// HandleChannelStart publishes a control request for the login. The session
// itself is started asynchronously by the control-plane subscriber.
func (h *Handlers) HandleChannelStart(w http.ResponseWriter, r *http.Request) {
	login := chat.NormalizeLogin(r.PathValue("login"))
	if login == "" {
		http.Error(w, "invalid login", http.StatusBadRequest)
		return
	}
	if h.deps.Control == nil {
		http.Error(w, "control plane unavailable", http.StatusServiceUnavailable)
		return
	}
	if err := h.deps.Control.Request(r.Context(), login); err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("control request failed",
			slog.String("channel", login), slog.Any("err", err), slog.String("component", "http"))
		http.Error(w, "failed to publish control request", http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "requested", "channel": login})
}

// HandleChannelStop closes the login's streaming session.
func (h *Handlers) HandleChannelStop(w http.ResponseWriter, r *http.Request) {
	login := chat.NormalizeLogin(r.PathValue("login"))
	if login == "" {
		http.Error(w, "invalid login", http.StatusBadRequest)
		return
	}
	if h.deps.Sessions == nil || !h.deps.Sessions.Stop(login) {
		http.Error(w, "no streaming session", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopping", "channel": login})
}

// HandleChannelMessages returns archived messages, oldest first.
func (h *Handlers) HandleChannelMessages(w http.ResponseWriter, r *http.Request) {
	if h.deps.Archive == nil {
		http.Error(w, "archive not configured", http.StatusNotFound)
		return
	}
	login := chat.NormalizeLogin(r.PathValue("login"))
	if login == "" {
		http.Error(w, "invalid login", http.StatusBadRequest)
		return
	}
	limit := parseIntQuery(r, "limit", 100)
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	msgs, err := h.deps.Archive.RecentMessages(r.Context(), login, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// HandleChannelActivity returns members of the channel's activity set. The
// channel ID comes from the open session when there is one, else from Helix
// /users, so offline channels keep their history reachable.
func (h *Handlers) HandleChannelActivity(w http.ResponseWriter, r *http.Request) {
	if h.deps.Activity == nil {
		http.Error(w, "activity store unavailable", http.StatusServiceUnavailable)
		return
	}
	login := chat.NormalizeLogin(r.PathValue("login"))
	if login == "" {
		http.Error(w, "invalid login", http.StatusBadRequest)
		return
	}
	channelID := h.sessionChannelID(login)
	if channelID == "" && h.deps.Resolver != nil {
		ch, err := h.deps.Resolver.LookupUser(r.Context(), login)
		switch {
		case errors.Is(err, twitchapi.ErrChannelNotFound):
			http.Error(w, "channel not found", http.StatusNotFound)
			return
		case err != nil:
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		channelID = ch.ID
	}
	if channelID == "" {
		http.Error(w, "channel not found", http.StatusNotFound)
		return
	}
	lines, err := h.deps.Activity.Activity(r.Context(), login, channelID, parseIntQuery(r, "limit", 0))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if lines == nil {
		lines = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"channel": login, "channel_id": channelID, "activity": lines})
}

func (h *Handlers) sessionChannelID(login string) string {
	if h.deps.Sessions == nil {
		return ""
	}
	for _, s := range h.deps.Sessions.Sessions() {
		if s.Login == login {
			return s.ChannelID
		}
	}
	return ""
}
