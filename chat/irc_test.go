package chat

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ircServer is a plain-TCP stand-in for tmi.twitch.tv. It welcomes the
// client after NICK and, when echoJoin is set, confirms every JOIN.
type ircServer struct {
	ln       net.Listener
	echoJoin bool
	// welcome, when non-nil, delays the 001 reply until it is closed.
	welcome chan struct{}

	mu    sync.Mutex
	conns []net.Conn

	lines        chan string
	disconnected chan struct{}
}

func newIRCServer(t *testing.T, echoJoin bool, welcome chan struct{}) *ircServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &ircServer{
		ln:           ln,
		echoJoin:     echoJoin,
		welcome:      welcome,
		lines:        make(chan string, 64),
		disconnected: make(chan struct{}, 4),
	}
	go s.accept()
	t.Cleanup(s.drop)
	return s
}

func (s *ircServer) addr() string { return s.ln.Addr().String() }

func (s *ircServer) accept() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		go s.serve(conn)
	}
}

func (s *ircServer) serve(conn net.Conn) {
	defer func() { s.disconnected <- struct{}{} }()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := scanner.Text()
		select {
		case s.lines <- line:
		default:
		}
		switch {
		case strings.HasPrefix(line, "NICK "):
			nick := strings.TrimPrefix(line, "NICK ")
			if s.welcome != nil {
				<-s.welcome
			}
			_, _ = fmt.Fprintf(conn, ":tmi.twitch.tv 001 %s :Welcome, GLHF!\r\n", nick)
		case strings.HasPrefix(line, "JOIN ") && s.echoJoin:
			for _, ch := range strings.Split(strings.TrimPrefix(line, "JOIN "), ",") {
				_, _ = fmt.Fprintf(conn, ":bot!bot@bot.tmi.twitch.tv JOIN %s\r\n", ch)
			}
		}
	}
}

// send writes a raw line to every connected client.
func (s *ircServer) send(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		_, _ = fmt.Fprintf(c, "%s\r\n", line)
	}
}

// drop stops accepting and closes every connection, so reconnects fail.
func (s *ircServer) drop() {
	_ = s.ln.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		_ = c.Close()
	}
	s.conns = nil
}

func (s *ircServer) waitLine(t *testing.T, prefix string) string {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case line := <-s.lines:
			if strings.HasPrefix(line, prefix) {
				return line
			}
		case <-deadline:
			t.Fatalf("server never received %q", prefix)
			return ""
		}
	}
}

func dialTestServer(t *testing.T, s *ircServer) Conn {
	t.Helper()
	d := &IRCDialer{Username: "bot", Address: s.addr(), Insecure: true}
	conn, err := d.Dial(context.Background(), "oauth:secret")
	require.NoError(t, err)
	return conn
}

func waitDone(t *testing.T, conn Conn) {
	t.Helper()
	select {
	case <-conn.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("connection did not finish")
	}
}

func TestIRCJoinConfirmedByEcho(t *testing.T) {
	srv := newIRCServer(t, true, nil)
	conn := dialTestServer(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, conn.Join(ctx, "#Alice"))
	assert.Equal(t, "PASS oauth:secret", srv.waitLine(t, "PASS"), "oauth prefix must not be doubled")

	srv.send("@display-name=Bob;emotes=25:6-10 :bob!bob@bob.tmi.twitch.tv PRIVMSG #alice :hello Kappa")
	select {
	case ev := <-conn.Events():
		assert.Equal(t, EventMessage, ev.Kind)
		assert.Equal(t, "alice", ev.Channel)
		assert.Equal(t, "Bob", ev.Sender)
		require.Len(t, ev.Emotes, 1)
		assert.Equal(t, NativeEmote{ID: "25", Name: "Kappa", Start: 6, End: 11}, ev.Emotes[0])
	case <-time.After(3 * time.Second):
		t.Fatal("message not delivered")
	}

	require.NoError(t, conn.Close())
	waitDone(t, conn)
	assert.NoError(t, conn.Err(), "a local close is not a connection error")
}

func TestIRCJoinTimeout(t *testing.T) {
	srv := newIRCServer(t, false, nil)
	conn := dialTestServer(t, srv)
	t.Cleanup(func() { _ = conn.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := conn.Join(ctx, "alice")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, "JOIN #alice", srv.waitLine(t, "JOIN"))
}

func TestIRCServerDropEndsConnection(t *testing.T) {
	srv := newIRCServer(t, false, nil)
	conn := dialTestServer(t, srv)

	joinErr := make(chan error, 1)
	go func() { joinErr <- conn.Join(context.Background(), "alice") }()
	srv.waitLine(t, "JOIN")
	srv.drop()

	waitDone(t, conn)
	assert.Error(t, conn.Err(), "reconnect against a closed server must surface")
	select {
	case err := <-joinErr:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "connection closed before join")
	case <-time.After(3 * time.Second):
		t.Fatal("pending join did not fail")
	}
}

func TestIRCCloseBeforeConnect(t *testing.T) {
	welcome := make(chan struct{})
	srv := newIRCServer(t, true, welcome)
	conn := dialTestServer(t, srv)
	srv.waitLine(t, "NICK")

	require.NoError(t, conn.Close())
	waitDone(t, conn)
	assert.NoError(t, conn.Err())

	err := conn.Join(context.Background(), "alice")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection closed before join")

	// A welcome arriving after Close must make the client hang up.
	close(welcome)
	select {
	case <-srv.disconnected:
	case <-time.After(3 * time.Second):
		t.Fatal("client stayed connected after Close")
	}
}

func TestIRCEmitUnblocksOnDone(t *testing.T) {
	c := &ircConn{events: make(chan Event), done: make(chan struct{})}
	c.closeDone()

	returned := make(chan struct{})
	go func() {
		c.emit(Event{Kind: EventMessage})
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("emit blocked after the connection finished")
	}
}
