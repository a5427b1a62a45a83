package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode"

	"github.com/onnwee/chat-relay/emotes"
	"github.com/onnwee/chat-relay/telemetry"
	"github.com/onnwee/chat-relay/twitchapi"
)

// EventNewMessage is the presentation event name for a routed chat message.
const EventNewMessage = "new-message"

// Range is a half-open [Start, End) span of rune offsets.
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Occurrence is one emote found in a message.
type Occurrence struct {
	ID        string `json:"id"`
	Code      string `json:"code"`
	URL       string `json:"url"`
	Provider  string `json:"provider"`
	CharRange Range  `json:"char_range"`
}

// Message is the enriched form of a chat message handed to every sink.
type Message struct {
	Name      string       `json:"name"`
	Message   string       `json:"message"`
	Channel   string       `json:"channel"`
	ChannelID string       `json:"channel_id"`
	SentAt    time.Time    `json:"sent_at"`
	Emotes    []Occurrence `json:"emotes"`
}

// Publisher delivers presentation events.
type Publisher interface {
	Publish(ctx context.Context, event string, payload any) error
}

// Sink is a named publisher; the name labels failure metrics.
type Sink struct {
	Name      string
	Publisher Publisher
}

// ActivityAppender persists flattened "sender: text" lines.
type ActivityAppender interface {
	AppendActivity(ctx context.Context, login, channelID, line string) error
}

// Archiver stores full messages.
type Archiver interface {
	InsertChatMessage(ctx context.Context, ch twitchapi.Channel, m Message) error
}

// Router turns chat events into Messages and hands them to the sinks.
type Router struct {
	Sinks    []Sink
	Activity ActivityAppender
	Archive  Archiver // optional
}

// Route handles one event. Sink failures never stop routing: a publish error
// does not skip persistence and vice versa. The returned error joins
// ErrPublish and ErrPersistence failures for the caller to log.
func (r *Router) Route(ctx context.Context, ev Event, idx *emotes.Index, ch twitchapi.Channel) error {
	if ev.Kind != EventMessage {
		slog.Debug("chat event ignored", slog.String("kind", ev.Kind.String()), slog.String("channel", ch.Login))
		return nil
	}
	msg := BuildMessage(ev, idx, ch)
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("channel", ch.Login))
	telemetry.IncMessagesRouted()

	var errs []error
	for _, s := range r.Sinks {
		if err := s.Publisher.Publish(ctx, EventNewMessage, msg); err != nil {
			telemetry.IncPublishFailure(s.Name)
			log.Warn("publish failed", slog.String("sink", s.Name), slog.Any("err", err))
			errs = append(errs, fmt.Errorf("%w: %s: %w", ErrPublish, s.Name, err))
		}
	}
	if r.Activity != nil {
		if err := r.Activity.AppendActivity(ctx, ch.Login, ch.ID, msg.Name+": "+msg.Message); err != nil {
			telemetry.IncPersistFailure()
			log.Error("persist activity failed", slog.Any("err", err))
			errs = append(errs, fmt.Errorf("%w: %w", ErrPersistence, err))
		}
	}
	if r.Archive != nil {
		if err := r.Archive.InsertChatMessage(ctx, ch, msg); err != nil {
			telemetry.IncArchiveFailure()
			log.Warn("archive failed", slog.Any("err", err))
		}
	}
	return errors.Join(errs...)
}

// BuildMessage enriches ev. Native emotes come first, in tag order, then
// whitespace-delimited tokens found in idx, in text order. A token whose
// range overlaps a native emote is not matched again.
func BuildMessage(ev Event, idx *emotes.Index, ch twitchapi.Channel) Message {
	text := []rune(ev.Text)
	occ := make([]Occurrence, 0, len(ev.Emotes))
	for _, n := range ev.Emotes {
		code := n.Name
		if n.Start >= 0 && n.End <= len(text) && n.Start < n.End {
			code = string(text[n.Start:n.End])
		}
		occ = append(occ, Occurrence{
			ID:        n.ID,
			Code:      code,
			URL:       emotes.NativeURL(n.ID),
			Provider:  emotes.NativeProvider,
			CharRange: Range{Start: n.Start, End: n.End},
		})
	}
	natives := len(occ)

	for _, tok := range tokenize(text) {
		e, ok := idx.Lookup(tok.text)
		if !ok || overlapsAny(tok.r, occ[:natives]) {
			continue
		}
		occ = append(occ, Occurrence{ID: e.ID, Code: e.Code, URL: e.URL, Provider: e.Provider, CharRange: tok.r})
	}

	sentAt := ev.Time
	if sentAt.IsZero() {
		sentAt = time.Now().UTC()
	}
	return Message{
		Name:      ev.Sender,
		Message:   ev.Text,
		Channel:   ch.Login,
		ChannelID: ch.ID,
		SentAt:    sentAt,
		Emotes:    occ,
	}
}

type token struct {
	text string
	r    Range
}

func tokenize(text []rune) []token {
	var out []token
	start := -1
	for i, c := range text {
		if unicode.IsSpace(c) {
			if start >= 0 {
				out = append(out, token{text: string(text[start:i]), r: Range{Start: start, End: i}})
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		out = append(out, token{text: string(text[start:]), r: Range{Start: start, End: len(text)}})
	}
	return out
}

func overlapsAny(r Range, occ []Occurrence) bool {
	for _, o := range occ {
		if r.Start < o.CharRange.End && o.CharRange.Start < r.End {
			return true
		}
	}
	return false
}
