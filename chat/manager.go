package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/chat-relay/emotes"
	"github.com/onnwee/chat-relay/store"
	"github.com/onnwee/chat-relay/telemetry"
	"github.com/onnwee/chat-relay/twitchapi"
)

var (
	ErrInvalidLogin  = errors.New("invalid channel login")
	ErrSessionActive = errors.New("session already active")
	ErrCredential    = errors.New("credential unavailable")
	ErrMetadata      = errors.New("channel metadata unavailable")
	ErrJoin          = errors.New("join failed")
	ErrPersistence   = errors.New("persistence failed")
	ErrPublish       = errors.New("publish failed")
)

// SessionError reports a session that failed during setup.
type SessionError struct {
	Login string
	Stage State
	Err   error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("session %s (%s): %v", e.Login, e.Stage, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }

// State is a session lifecycle stage.
type State int32

const (
	StateRequested State = iota
	StateTokenAcquired
	StateMetadataResolved
	StateIndexBuilt
	StateJoined
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateRequested:
		return "requested"
	case StateTokenAcquired:
		return "token_acquired"
	case StateMetadataResolved:
		return "metadata_resolved"
	case StateIndexBuilt:
		return "index_built"
	case StateJoined:
		return "joined"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// TokenLoader loads the stored user access token.
type TokenLoader interface {
	Load(ctx context.Context) (*store.AccessToken, error)
}

// Resolver maps a login to a channel identity.
type Resolver interface {
	ResolveChannel(ctx context.Context, login string) (twitchapi.Channel, error)
}

// IndexBuilder builds the emote index for a channel.
type IndexBuilder interface {
	BuildIndex(ctx context.Context, ch twitchapi.Channel) *emotes.Index
}

// Session is one joined channel.
type Session struct {
	ID        string
	Login     string
	StartedAt time.Time

	channel  twitchapi.Channel
	index    *emotes.Index
	conn     Conn
	state    atomic.Int32
	messages atomic.Int64
	stop     chan struct{}
	stopOnce sync.Once
}

func (s *Session) State() State      { return State(s.state.Load()) }
func (s *Session) setState(st State) { s.state.Store(int32(st)) }

// Channel returns the resolved identity; zero until metadata is resolved.
func (s *Session) Channel() twitchapi.Channel {
	if s.State() < StateMetadataResolved {
		return twitchapi.Channel{}
	}
	return s.channel
}

// Snapshot is a point-in-time view of a session.
type Snapshot struct {
	ID          string    `json:"id"`
	Login       string    `json:"login"`
	ChannelID   string    `json:"channel_id,omitempty"`
	DisplayName string    `json:"display_name,omitempty"`
	State       string    `json:"state"`
	StartedAt   time.Time `json:"started_at"`
	Messages    int64     `json:"messages"`
	Emotes      int       `json:"emotes"`
}

// snapshot may run while setup is in progress; fields written during setup
// are only read once the state shows they are published.
func (s *Session) snapshot() Snapshot {
	st := s.State()
	snap := Snapshot{
		ID:        s.ID,
		Login:     s.Login,
		State:     st.String(),
		StartedAt: s.StartedAt,
		Messages:  s.messages.Load(),
	}
	if st >= StateMetadataResolved {
		snap.ChannelID = s.channel.ID
		snap.DisplayName = s.channel.DisplayName
	}
	if st >= StateIndexBuilt {
		snap.Emotes = s.index.Len()
	}
	return snap
}

// Manager owns the registry of channel sessions. At most one session per
// login is open at a time.
type Manager struct {
	Tokens      TokenLoader
	Resolver    Resolver
	Emotes      IndexBuilder
	Dialer      Dialer
	Router      *Router
	JoinTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
	wg       sync.WaitGroup
}

// Serve runs Listen in the background. The listener counts towards Wait, so
// a request that arrives during shutdown cannot start a session after Wait
// has returned.
func (m *Manager) Serve(ctx context.Context, logins <-chan string) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.Listen(ctx, logins)
	}()
}

// Listen starts a session for every login received, each in its own
// goroutine, until logins is closed or ctx is done. Callers that also use
// Wait should prefer Serve.
func (m *Manager) Listen(ctx context.Context, logins <-chan string) {
	for {
		var login string
		select {
		case <-ctx.Done():
			return
		case l, ok := <-logins:
			if !ok {
				return
			}
			login = l
		}
		telemetry.IncControlRequests()
		if ctx.Err() != nil {
			telemetry.LoggerWithCorr(ctx).Info("dropping control request during shutdown", slog.String("channel", login))
			return
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if _, err := m.Start(ctx, login); err != nil {
				logStartError(ctx, login, err)
			}
		}()
	}
}

func logStartError(ctx context.Context, login string, err error) {
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("channel", login))
	if errors.Is(err, ErrSessionActive) {
		log.Info("channel already has an active session")
		return
	}
	log.Error("session setup failed", slog.Any("err", err))
}

// Start runs setup for login and returns once the session is streaming.
// ctx bounds the whole session: the message loop keeps running until the
// connection ends, Stop is called or ctx is done.
func (m *Manager) Start(ctx context.Context, login string) (*Session, error) {
	login = NormalizeLogin(login)
	if login == "" {
		telemetry.IncSessionStarted("invalid")
		return nil, &SessionError{Login: login, Stage: StateRequested, Err: ErrInvalidLogin}
	}
	s, err := m.reserve(login)
	if err != nil {
		telemetry.IncSessionStarted("duplicate")
		return nil, err
	}

	ctx = telemetry.WithCorrelation(ctx, s.ID)
	ctx, span := telemetry.StartSpan(ctx, "chat", "chat.session.start", telemetry.ChannelAttr(login))
	defer span.End()

	var setupErr error
	telemetry.TimeFunc(telemetry.SessionSetup, func() { setupErr = m.setup(ctx, s) })
	if setupErr != nil {
		var se *SessionError
		if errors.As(setupErr, &se) {
			span.SetAttributes(telemetry.StageAttr(se.Stage.String()))
		}
		telemetry.RecordError(span, setupErr)
		telemetry.IncSessionStarted(resultLabel(setupErr))
		s.setState(StateClosed)
		m.release(s)
		return nil, setupErr
	}

	s.setState(StateStreaming)
	telemetry.IncSessionStarted("streaming")
	telemetry.AddActiveSessions(1)
	telemetry.SetSpanSuccess(span)
	telemetry.LoggerWithCorr(ctx).Info("session streaming",
		slog.String("channel", login), slog.String("channel_id", s.channel.ID), slog.Int("emotes", s.index.Len()))

	m.wg.Add(1)
	go m.run(context.WithoutCancel(ctx), ctx.Done(), s)
	return s, nil
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, ErrCredential):
		return "credential"
	case errors.Is(err, ErrMetadata):
		return "metadata"
	case errors.Is(err, ErrJoin):
		return "join"
	}
	return "error"
}

func (m *Manager) reserve(login string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions == nil {
		m.sessions = make(map[string]*Session)
	}
	if _, ok := m.sessions[login]; ok {
		return nil, &SessionError{Login: login, Stage: StateRequested, Err: ErrSessionActive}
	}
	s := &Session{ID: uuid.NewString(), Login: login, StartedAt: time.Now().UTC(), stop: make(chan struct{})}
	m.sessions[login] = s
	return s, nil
}

func (m *Manager) release(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.sessions[s.Login]; ok && cur == s {
		delete(m.sessions, s.Login)
	}
}

func (m *Manager) setup(ctx context.Context, s *Session) error {
	fail := func(stage State, sentinel error, err error) error {
		if err == nil {
			return &SessionError{Login: s.Login, Stage: stage, Err: sentinel}
		}
		return &SessionError{Login: s.Login, Stage: stage, Err: fmt.Errorf("%w: %w", sentinel, err)}
	}

	tok, err := m.Tokens.Load(ctx)
	if err != nil {
		return fail(StateRequested, ErrCredential, err)
	}
	if tok.AccessToken == "" {
		return fail(StateRequested, ErrCredential, nil)
	}
	s.setState(StateTokenAcquired)

	ch, err := m.Resolver.ResolveChannel(ctx, s.Login)
	if err != nil {
		return fail(StateTokenAcquired, ErrMetadata, err)
	}
	if ch.ID == "" {
		return fail(StateTokenAcquired, ErrMetadata, twitchapi.ErrChannelNotFound)
	}
	s.channel = ch
	s.setState(StateMetadataResolved)

	if m.Emotes != nil {
		s.index = m.Emotes.BuildIndex(ctx, ch)
	}
	if s.index == nil {
		s.index = emotes.Merge()
	}
	s.setState(StateIndexBuilt)

	conn, err := m.Dialer.Dial(ctx, tok.AccessToken)
	if err != nil {
		return fail(StateIndexBuilt, ErrJoin, err)
	}
	timeout := m.JoinTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	jctx, cancel := context.WithTimeout(ctx, timeout)
	err = conn.Join(jctx, s.Login)
	cancel()
	if err != nil {
		_ = conn.Close()
		return fail(StateIndexBuilt, ErrJoin, err)
	}
	s.conn = conn
	s.setState(StateJoined)
	return nil
}

// run consumes events until the connection ends, stop is requested or
// cancelled fires. Events already buffered when the loop ends are drained.
func (m *Manager) run(ctx context.Context, cancelled <-chan struct{}, s *Session) {
	defer m.wg.Done()
	defer func() {
		s.setState(StateClosed)
		m.release(s)
		telemetry.AddActiveSessions(-1)
		if err := s.conn.Err(); err != nil {
			telemetry.LoggerWithCorr(ctx).Warn("session closed", slog.String("channel", s.Login), slog.Any("err", err))
			return
		}
		telemetry.LoggerWithCorr(ctx).Info("session closed", slog.String("channel", s.Login), slog.Int64("messages", s.messages.Load()))
	}()

	events := s.conn.Events()
	for {
		select {
		case ev := <-events:
			m.route(ctx, s, ev)
		case <-s.conn.Done():
			m.drain(ctx, s)
			return
		case <-cancelled:
			_ = s.conn.Close()
			m.drain(ctx, s)
			return
		case <-s.stop:
			_ = s.conn.Close()
			m.drain(ctx, s)
			return
		}
	}
}

func (m *Manager) drain(ctx context.Context, s *Session) {
	for {
		select {
		case ev := <-s.conn.Events():
			m.route(ctx, s, ev)
		default:
			return
		}
	}
}

func (m *Manager) route(ctx context.Context, s *Session, ev Event) {
	if ev.Kind == EventMessage {
		s.messages.Add(1)
	}
	if m.Router == nil {
		return
	}
	// Route logs and counts its own failures.
	_ = m.Router.Route(ctx, ev, s.index, s.channel)
}

// Stop closes the session for login. It reports whether one was open.
func (m *Manager) Stop(login string) bool {
	m.mu.Lock()
	s, ok := m.sessions[NormalizeLogin(login)]
	m.mu.Unlock()
	if !ok || s.State() != StateStreaming {
		return false
	}
	s.stopOnce.Do(func() { close(s.stop) })
	return true
}

// Active reports whether login has an open or starting session.
func (m *Manager) Active(login string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[NormalizeLogin(login)]
	return ok
}

// Sessions returns snapshots sorted by login.
func (m *Manager) Sessions() []Snapshot {
	m.mu.Lock()
	out := make([]Snapshot, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.snapshot())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Login < out[j].Login })
	return out
}

// Wait blocks until every setup and message-loop goroutine has returned.
func (m *Manager) Wait() { m.wg.Wait() }
