package chat

import (
	"context"
	"testing"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventFromPrivate(t *testing.T) {
	sent := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	msg := twitch.PrivateMessage{
		User:    twitch.User{Name: "bob", DisplayName: "Bob"},
		Channel: "Alice",
		Message: "Kappa hi Kappa",
		Time:    sent,
		Emotes: []*twitch.Emote{{
			Name:      "Kappa",
			ID:        "25",
			Count:     2,
			Positions: []twitch.EmotePosition{{Start: 0, End: 4}, {Start: 9, End: 13}},
		}},
	}
	ev := eventFromPrivate(msg)

	assert.Equal(t, EventMessage, ev.Kind)
	assert.Equal(t, "alice", ev.Channel)
	assert.Equal(t, "Bob", ev.Sender)
	assert.Equal(t, sent, ev.Time)
	require.Len(t, ev.Emotes, 2)
	assert.Equal(t, NativeEmote{ID: "25", Name: "Kappa", Start: 0, End: 5}, ev.Emotes[0], "inclusive tag end becomes exclusive")
	assert.Equal(t, NativeEmote{ID: "25", Name: "Kappa", Start: 9, End: 14}, ev.Emotes[1])

	routed := BuildMessage(ev, nil, aliceChannel)
	require.Len(t, routed.Emotes, 2)
	assert.Equal(t, "Kappa", routed.Emotes[1].Code)
}

func TestEventFromPrivateFallsBackToLogin(t *testing.T) {
	ev := eventFromPrivate(twitch.PrivateMessage{User: twitch.User{Name: "bob"}, Message: "x"})
	assert.Equal(t, "bob", ev.Sender)
	assert.False(t, ev.Time.IsZero())
	assert.Empty(t, ev.Emotes)
}

func TestIRCDialerValidation(t *testing.T) {
	_, err := (&IRCDialer{}).Dial(context.Background(), "tok")
	assert.Error(t, err)
	_, err = (&IRCDialer{Username: "bot"}).Dial(context.Background(), "")
	assert.Error(t, err)
}

func TestNormalizeLogin(t *testing.T) {
	tests := map[string]string{
		"Alice":    "alice",
		" #Bob ":   "bob",
		"":         "",
		"#":        "",
		"carol_99": "carol_99",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeLogin(in), in)
	}
}

func TestEventKindString(t *testing.T) {
	assert.Equal(t, "message", EventMessage.String())
	assert.Equal(t, "join", EventJoin.String())
	assert.Equal(t, "part", EventPart.String())
	assert.Equal(t, "notice", EventNotice.String())
	assert.Equal(t, "other", EventOther.String())
}
