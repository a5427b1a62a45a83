package chat

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/onnwee/chat-relay/emotes"
	"github.com/onnwee/chat-relay/store"
	"github.com/onnwee/chat-relay/twitchapi"
)

type fakeConn struct {
	events    chan Event
	done      chan struct{}
	joinErr   error
	blockJoin bool
	joined    atomic.Value // string
	closeOnce sync.Once
	closes    atomic.Int32
}

func newFakeConn() *fakeConn {
	return &fakeConn{events: make(chan Event, 64), done: make(chan struct{})}
}

func (c *fakeConn) Join(ctx context.Context, login string) error {
	if c.blockJoin {
		<-ctx.Done()
		return ctx.Err()
	}
	if c.joinErr != nil {
		return c.joinErr
	}
	c.joined.Store(login)
	return nil
}

func (c *fakeConn) Events() <-chan Event  { return c.events }
func (c *fakeConn) Done() <-chan struct{} { return c.done }
func (c *fakeConn) Err() error            { return nil }

func (c *fakeConn) Close() error {
	c.closes.Add(1)
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

type fakeDialer struct {
	conn  *fakeConn
	err   error
	dials atomic.Int32
	token atomic.Value // string
}

func (d *fakeDialer) Dial(_ context.Context, token string) (Conn, error) {
	d.dials.Add(1)
	d.token.Store(token)
	if d.err != nil {
		return nil, d.err
	}
	return d.conn, nil
}

type fakeTokens struct {
	tok *store.AccessToken
	err error
}

func (f fakeTokens) Load(context.Context) (*store.AccessToken, error) { return f.tok, f.err }

type fakeResolver map[string]twitchapi.Channel

func (f fakeResolver) ResolveChannel(_ context.Context, login string) (twitchapi.Channel, error) {
	ch, ok := f[login]
	if !ok {
		return twitchapi.Channel{}, twitchapi.ErrChannelNotFound
	}
	return ch, nil
}

type staticIndex struct{ idx *emotes.Index }

func (s staticIndex) BuildIndex(context.Context, twitchapi.Channel) *emotes.Index { return s.idx }

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []Message
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, event string, payload any) error {
	if p.err != nil {
		return p.err
	}
	if event != EventNewMessage {
		return errors.New("unexpected event " + event)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, payload.(Message))
	return nil
}

func (p *recordingPublisher) Messages() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Message(nil), p.msgs...)
}

type failingActivity struct{ calls atomic.Int32 }

func (f *failingActivity) AppendActivity(context.Context, string, string, string) error {
	f.calls.Add(1)
	return errors.New("store unavailable")
}
