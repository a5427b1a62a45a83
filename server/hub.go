package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/chat-relay/chat"
)

const (
	clientSendBuffer = 16
	wsWriteWait      = 5 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = 30 * time.Second
	sseKeepAlive     = 15 * time.Second
)

var _ chat.Publisher = (*Hub)(nil)

// ErrHubFull is returned when the hub is at its client limit.
var ErrHubFull = errors.New("hub: client limit reached")

// ErrHubClosed is returned when registering on a closed hub.
var ErrHubClosed = errors.New("hub: closed")

// Envelope is the websocket frame for one presentation event.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type hubEvent struct {
	name string
	data []byte
}

type hubClient struct {
	send chan hubEvent
	done chan struct{}
	once sync.Once
}

func (c *hubClient) close() { c.once.Do(func() { close(c.done) }) }

// Hub fans presentation events out to SSE and websocket clients. A client
// whose buffer is full misses the event; Publish never blocks.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*hubClient]struct{}
	maxClients int
	closed     bool
	upgrader   websocket.Upgrader
}

// NewHub returns a hub accepting up to maxClients concurrent clients (0 means unlimited).
func NewHub(maxClients int) *Hub {
	return &Hub{
		clients:    make(map[*hubClient]struct{}),
		maxClients: maxClients,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Publish encodes payload once and offers it to every client.
func (h *Hub) Publish(_ context.Context, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", event, err)
	}
	ev := hubEvent{name: event, data: data}

	h.mu.RLock()
	defer h.mu.RUnlock()
	dropped := 0
	for c := range h.clients {
		select {
		case c.send <- ev:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		slog.Debug("hub dropped event for slow clients", slog.String("event", event), slog.Int("clients", dropped), slog.String("component", "hub"))
	}
	return nil
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		c.close()
		delete(h.clients, c)
	}
}

func (h *Hub) register() (*hubClient, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	if h.maxClients > 0 && len(h.clients) >= h.maxClients {
		return nil, ErrHubFull
	}
	c := &hubClient{send: make(chan hubEvent, clientSendBuffer), done: make(chan struct{})}
	h.clients[c] = struct{}{}
	return c, nil
}

func (h *Hub) unregister(c *hubClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

// ServeSSE streams events as text/event-stream until the client goes away.
func (h *Hub) ServeSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	c, err := h.register()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer h.unregister(c)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-c.done:
			return
		case <-keepAlive.C:
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case ev := <-c.send:
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.name, ev.data); err != nil {
				slog.Warn("failed to write SSE event", slog.Any("err", err), slog.String("component", "hub"))
				return
			}
			flusher.Flush()
		}
	}
}

// ServeWS upgrades to a websocket and writes one Envelope per event.
// Incoming frames are discarded; reading only detects disconnects and pongs.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	c, err := h.register()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.unregister(c)
		slog.Debug("websocket upgrade failed", slog.Any("err", err), slog.String("component", "hub"))
		return
	}
	go h.writePump(conn, c)

	defer h.unregister(c)
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(conn *websocket.Conn, c *hubClient) {
	ping := time.NewTicker(wsPingPeriod)
	defer func() {
		ping.Stop()
		_ = conn.Close()
	}()
	for {
		select {
		case <-c.done:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.unregister(c)
				return
			}
		case ev := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(Envelope{Event: ev.name, Payload: ev.data}); err != nil {
				h.unregister(c)
				return
			}
		}
	}
}
