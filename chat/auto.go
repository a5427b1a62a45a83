package chat

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/onnwee/chat-relay/twitchapi"
)

// LiveChecker reports which of the given logins are live.
type LiveChecker interface {
	GetStreams(ctx context.Context, logins ...string) ([]twitchapi.Stream, error)
}

// Requester issues a control request for a login.
type Requester interface {
	Request(ctx context.Context, login string) error
}

// AutoWatch polls Helix for Channels and requests a session for each live
// channel that has none.
type AutoWatch struct {
	Channels []string
	Interval time.Duration
	Streams  LiveChecker
	Control  Requester
	// Active reports whether login already has a session.
	Active func(login string) bool
	Clock  clockwork.Clock
}

// StartAutoWatch runs an AutoWatch in a goroutine until ctx ends. It does
// nothing when channels is empty.
func StartAutoWatch(ctx context.Context, channels []string, interval time.Duration, streams LiveChecker, control Requester, active func(string) bool) {
	if len(channels) == 0 {
		slog.Info("auto watch: no channels configured")
		return
	}
	a := &AutoWatch{Channels: channels, Interval: interval, Streams: streams, Control: control, Active: active}
	go a.Run(ctx)
}

// Run polls immediately and then every Interval until ctx is cancelled.
func (a *AutoWatch) Run(ctx context.Context) {
	if a.Interval <= 0 {
		a.Interval = time.Minute
	}
	if a.Clock == nil {
		a.Clock = clockwork.NewRealClock()
	}
	ticker := a.Clock.NewTicker(a.Interval)
	defer ticker.Stop()
	slog.Info("auto watch: started poller", slog.Duration("interval", a.Interval), slog.Int("channels", len(a.Channels)))
	for {
		a.Poll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}
	}
}

// Poll checks live status once and returns the number of requests issued.
func (a *AutoWatch) Poll(ctx context.Context) int {
	streams, err := a.Streams.GetStreams(ctx, a.Channels...)
	if err != nil {
		slog.Warn("auto watch: streams request failed", slog.Any("err", err))
		return 0
	}
	issued := 0
	for _, st := range streams {
		login := NormalizeLogin(st.UserLogin)
		if login == "" || (a.Active != nil && a.Active(login)) {
			continue
		}
		if err := a.Control.Request(ctx, login); err != nil {
			slog.Warn("auto watch: control request failed", slog.String("channel", login), slog.Any("err", err))
			continue
		}
		slog.Info("auto watch: channel live; session requested", slog.String("channel", login), slog.String("title", st.Title))
		issued++
	}
	return issued
}
