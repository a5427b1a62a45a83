package chat

import (
	"context"
	"strings"
	"time"
)

// EventKind tags a decoded chat event.
type EventKind int

const (
	EventOther EventKind = iota
	EventMessage
	EventJoin
	EventPart
	EventNotice
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventJoin:
		return "join"
	case EventPart:
		return "part"
	case EventNotice:
		return "notice"
	default:
		return "other"
	}
}

// NativeEmote is one position of a Twitch emote tag. Start and End are rune
// offsets into the text, End exclusive.
type NativeEmote struct {
	ID    string
	Name  string
	Start int
	End   int
}

// Event is one decoded chat event. Only EventMessage uses Sender, Text and Emotes.
type Event struct {
	Kind    EventKind
	Channel string
	Sender  string
	Text    string
	Emotes  []NativeEmote
	Time    time.Time
}

// Conn is a connection joined to a single channel.
type Conn interface {
	// Join blocks until the server confirms the join or ctx ends.
	Join(ctx context.Context, login string) error
	// Events delivers events in arrival order. It is never closed; watch Done.
	Events() <-chan Event
	// Done is closed once the connection has ended.
	Done() <-chan struct{}
	// Err reports why the connection ended, nil for a requested close.
	Err() error
	Close() error
}

// Dialer opens connections authenticated with a user access token.
type Dialer interface {
	Dial(ctx context.Context, token string) (Conn, error)
}

// NormalizeLogin lower-cases a channel login and strips whitespace and a leading '#'.
func NormalizeLogin(login string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(login), "#"))
}
