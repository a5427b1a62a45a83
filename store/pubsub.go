package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
)

// ControlPlane carries "start watching channel X" requests over a pub/sub channel.
// Delivery is at-most-once: requests published while nobody subscribes are lost.
type ControlPlane struct {
	rdb     *redis.Client
	channel string
}

func NewControlPlane(p *Pool, channel string) *ControlPlane {
	return &ControlPlane{rdb: p.rdb, channel: channel}
}

// Request publishes a channel login.
func (c *ControlPlane) Request(ctx context.Context, login string) error {
	login = strings.TrimSpace(login)
	if login == "" {
		return fmt.Errorf("login empty")
	}
	return c.rdb.Publish(ctx, c.channel, login).Err()
}

// Subscribe returns a channel of request payloads. The subscription is confirmed
// before Subscribe returns; the returned channel is closed when ctx ends or the
// subscription breaks.
func (c *ControlPlane) Subscribe(ctx context.Context) (<-chan string, error) {
	sub := c.rdb.Subscribe(ctx, c.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", c.channel, err)
	}

	out := make(chan string)
	go func() {
		defer close(out)
		defer func() {
			if err := sub.Close(); err != nil {
				slog.Debug("control plane unsubscribe", slog.Any("err", err))
			}
		}()
		msgCh := sub.Channel()
		for {
			select {
			case msg, ok := <-msgCh:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// EventPublisher mirrors presentation events onto a pub/sub channel as
// {"event": name, "payload": ...} JSON so out-of-process UIs can follow along.
type EventPublisher struct {
	rdb     *redis.Client
	channel string
}

func NewEventPublisher(p *Pool, channel string) *EventPublisher {
	return &EventPublisher{rdb: p.rdb, channel: channel}
}

type envelope struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// Publish sends one event.
func (e *EventPublisher) Publish(ctx context.Context, event string, payload any) error {
	data, err := json.Marshal(envelope{Event: event, Payload: payload})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return e.rdb.Publish(ctx, e.channel, data).Err()
}
