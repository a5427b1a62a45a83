// Package db archives routed chat messages in Postgres.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'

	"github.com/onnwee/chat-relay/chat"
	"github.com/onnwee/chat-relay/twitchapi"
)

// Connect opens and pings a Postgres pool for dsn.
func Connect(ctx context.Context, dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("db: empty DSN")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db: ping: %w", err)
	}
	return db, nil
}

var _ chat.Archiver = (*Archive)(nil)

// Archive stores chat messages.
type Archive struct {
	db *sql.DB
}

func NewArchive(db *sql.DB) *Archive { return &Archive{db: db} }

// Ping reports whether the database is reachable.
func (a *Archive) Ping(ctx context.Context) error { return a.db.PingContext(ctx) }

// InsertChatMessage archives one routed message.
func (a *Archive) InsertChatMessage(ctx context.Context, ch twitchapi.Channel, m chat.Message) error {
	emotes, err := json.Marshal(m.Emotes)
	if err != nil {
		return fmt.Errorf("encode emotes: %w", err)
	}
	var streamID sql.NullString
	if ch.StreamID != "" {
		streamID = sql.NullString{String: ch.StreamID, Valid: true}
	}
	_, err = a.db.ExecContext(ctx,
		`INSERT INTO chat_messages (channel, channel_id, stream_id, sender, message, emotes, sent_at) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		m.Channel, m.ChannelID, streamID, m.Name, m.Message, string(emotes), m.SentAt)
	if err != nil {
		return fmt.Errorf("insert chat message: %w", err)
	}
	return nil
}

// RecentMessages returns up to limit of the channel's latest messages,
// oldest first.
func (a *Archive) RecentMessages(ctx context.Context, login string, limit int) ([]chat.Message, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := a.db.QueryContext(ctx,
		`SELECT channel, channel_id, sender, message, emotes, sent_at FROM chat_messages WHERE channel=$1 ORDER BY sent_at DESC, id DESC LIMIT $2`,
		login, limit)
	if err != nil {
		return nil, fmt.Errorf("query chat messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []chat.Message
	for rows.Next() {
		var (
			m      chat.Message
			emotes []byte
		)
		if err := rows.Scan(&m.Channel, &m.ChannelID, &m.Name, &m.Message, &emotes, &m.SentAt); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		if err := json.Unmarshal(emotes, &m.Emotes); err != nil {
			return nil, fmt.Errorf("decode emotes: %w", err)
		}
		if m.Emotes == nil {
			m.Emotes = []chat.Occurrence{}
		}
		m.SentAt = m.SentAt.UTC()
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
