package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
)

const eventBuffer = 256

// IRCDialer connects to Twitch chat with go-twitch-irc.
type IRCDialer struct {
	Username string
	// Address overrides the IRC server (host:port); empty uses Twitch's default.
	Address string
	// Insecure disables TLS, only useful against a local test server.
	Insecure bool
}

// Dial starts a client authenticated with token. Connection errors surface
// through Done/Err and make a pending Join fail.
func (d *IRCDialer) Dial(_ context.Context, token string) (Conn, error) {
	if d.Username == "" {
		return nil, errors.New("irc: bot username not configured")
	}
	if token == "" {
		return nil, errors.New("irc: empty access token")
	}
	client := twitch.NewClient(d.Username, "oauth:"+strings.TrimPrefix(token, "oauth:"))
	if d.Address != "" {
		client.IrcAddress = d.Address
	}
	client.TLS = !d.Insecure

	c := &ircConn{
		client: client,
		events: make(chan Event, eventBuffer),
		joined: make(chan string, 4),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
	client.OnPrivateMessage(func(msg twitch.PrivateMessage) { c.emit(eventFromPrivate(msg)) })
	client.OnSelfJoinMessage(func(msg twitch.UserJoinMessage) {
		select {
		case c.joined <- NormalizeLogin(msg.Channel):
		default:
		}
	})
	client.OnUserJoinMessage(func(msg twitch.UserJoinMessage) {
		c.emit(Event{Kind: EventJoin, Channel: NormalizeLogin(msg.Channel), Sender: msg.User, Time: time.Now().UTC()})
	})
	client.OnUserPartMessage(func(msg twitch.UserPartMessage) {
		c.emit(Event{Kind: EventPart, Channel: NormalizeLogin(msg.Channel), Sender: msg.User, Time: time.Now().UTC()})
	})
	client.OnNoticeMessage(func(msg twitch.NoticeMessage) {
		c.emit(Event{Kind: EventNotice, Channel: NormalizeLogin(msg.Channel), Text: msg.Message, Time: time.Now().UTC()})
	})
	client.OnConnect(func() {
		if c.closed.Load() {
			go func() { _ = client.Disconnect() }()
			return
		}
		slog.Debug("irc connected", slog.String("user", d.Username))
		c.readyOnce.Do(func() { close(c.ready) })
	})

	go func() {
		err := client.Connect()
		if err != nil && !errors.Is(err, twitch.ErrClientDisconnected) {
			c.setErr(err)
		}
		c.closeDone()
	}()
	return c, nil
}

type ircConn struct {
	client *twitch.Client
	events chan Event
	joined chan string
	ready  chan struct{}
	done   chan struct{}

	mu        sync.Mutex
	err       error
	doneOnce  sync.Once
	readyOnce sync.Once
	closed    atomic.Bool
}

// emit forwards from go-twitch-irc's single reader goroutine, preserving order.
func (c *ircConn) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *ircConn) setErr(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

func (c *ircConn) closeDone() { c.doneOnce.Do(func() { close(c.done) }) }

// Join waits for the server welcome, sends JOIN and waits for the self-JOIN
// echo. go-twitch-irc replays its channel map on connect without locking it,
// so JOIN is only issued once the connection is up.
func (c *ircConn) Join(ctx context.Context, login string) error {
	login = NormalizeLogin(login)
	select {
	case <-c.ready:
	case <-c.done:
		return c.closedBeforeJoin()
	case <-ctx.Done():
		return fmt.Errorf("join %s: %w", login, ctx.Err())
	}
	c.client.Join(login)
	for {
		select {
		case ch := <-c.joined:
			if ch == login {
				return nil
			}
		case <-c.done:
			return c.closedBeforeJoin()
		case <-ctx.Done():
			return fmt.Errorf("join %s: %w", login, ctx.Err())
		}
	}
}

func (c *ircConn) closedBeforeJoin() error {
	if err := c.Err(); err != nil {
		return fmt.Errorf("connection closed before join: %w", err)
	}
	return errors.New("connection closed before join")
}

func (c *ircConn) Events() <-chan Event  { return c.events }
func (c *ircConn) Done() <-chan struct{} { return c.done }

func (c *ircConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *ircConn) Close() error {
	c.closed.Store(true)
	err := c.client.Disconnect()
	if errors.Is(err, twitch.ErrConnectionIsNotOpen) {
		// never connected; Connect may still be dialing
		c.closeDone()
		return nil
	}
	return err
}

// eventFromPrivate converts a PRIVMSG. Twitch emote tags carry inclusive end
// offsets; Event uses exclusive ends.
func eventFromPrivate(msg twitch.PrivateMessage) Event {
	sender := msg.User.DisplayName
	if sender == "" {
		sender = msg.User.Name
	}
	ts := msg.Time.UTC()
	if msg.Time.IsZero() {
		ts = time.Now().UTC()
	}
	var natives []NativeEmote
	for _, e := range msg.Emotes {
		if e == nil {
			continue
		}
		for _, pos := range e.Positions {
			natives = append(natives, NativeEmote{ID: e.ID, Name: e.Name, Start: pos.Start, End: pos.End + 1})
		}
	}
	return Event{
		Kind:    EventMessage,
		Channel: NormalizeLogin(msg.Channel),
		Sender:  sender,
		Text:    msg.Message,
		Emotes:  natives,
		Time:    ts,
	}
}
