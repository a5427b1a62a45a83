package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/chat-relay/twitchapi"
)

type fakeStreams struct {
	mu    sync.Mutex
	live  []twitchapi.Stream
	err   error
	calls int
}

func (f *fakeStreams) GetStreams(_ context.Context, logins ...string) ([]twitchapi.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	want := map[string]bool{}
	for _, l := range logins {
		want[l] = true
	}
	var out []twitchapi.Stream
	for _, s := range f.live {
		if want[s.UserLogin] {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStreams) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeRequester struct {
	mu   sync.Mutex
	got  []string
	fail map[string]bool
}

func (f *fakeRequester) Request(_ context.Context, login string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[login] {
		return errors.New("publish failed")
	}
	f.got = append(f.got, login)
	return nil
}

func (f *fakeRequester) Got() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.got...)
}

func TestAutoWatchPoll(t *testing.T) {
	streams := &fakeStreams{live: []twitchapi.Stream{
		{UserLogin: "alice", Title: "live now"},
		{UserLogin: "carol"},
		{UserLogin: "dave"},
	}}
	req := &fakeRequester{fail: map[string]bool{"dave": true}}
	a := &AutoWatch{
		Channels: []string{"alice", "bob", "carol", "dave"},
		Streams:  streams,
		Control:  req,
		Active:   func(login string) bool { return login == "carol" },
	}

	assert.Equal(t, 1, a.Poll(context.Background()))
	assert.Equal(t, []string{"alice"}, req.Got(), "offline, active and failed channels are skipped")
}

func TestAutoWatchPollHelixError(t *testing.T) {
	req := &fakeRequester{}
	a := &AutoWatch{Channels: []string{"alice"}, Streams: &fakeStreams{err: errors.New("401")}, Control: req}
	assert.Zero(t, a.Poll(context.Background()))
	assert.Empty(t, req.Got())
}

func TestAutoWatchRunPollsOnInterval(t *testing.T) {
	fc := clockwork.NewFakeClock()
	streams := &fakeStreams{}
	a := &AutoWatch{Channels: []string{"alice"}, Interval: time.Minute, Streams: streams, Control: &fakeRequester{}, Clock: fc}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return streams.Calls() == 1 }, time.Second, 5*time.Millisecond, "initial poll")
	fc.Advance(time.Minute)
	require.Eventually(t, func() bool { return streams.Calls() == 2 }, time.Second, 5*time.Millisecond, "poll after one interval")

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestStartAutoWatchNoChannels(t *testing.T) {
	streams := &fakeStreams{}
	StartAutoWatch(context.Background(), nil, time.Millisecond, streams, &fakeRequester{}, nil)
	time.Sleep(10 * time.Millisecond)
	assert.Zero(t, streams.Calls())
}
