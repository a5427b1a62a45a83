package store

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// ActivityKey is the set holding the flattened activity lines of one channel.
func ActivityKey(login, channelID string) string {
	return "messages:" + login + ":" + channelID
}

// ActivityStore appends "{sender}: {text}" lines to per-channel sets.
type ActivityStore struct {
	rdb *redis.Client
}

func NewActivityStore(p *Pool) *ActivityStore { return &ActivityStore{rdb: p.rdb} }

// AppendActivity adds line to the channel's set.
func (s *ActivityStore) AppendActivity(ctx context.Context, login, channelID, line string) error {
	if err := s.rdb.SAdd(ctx, ActivityKey(login, channelID), line).Err(); err != nil {
		return fmt.Errorf("sadd %s: %w", ActivityKey(login, channelID), err)
	}
	return nil
}

// Activity returns up to limit members of the channel's set (all when limit <= 0).
// Sets are unordered, so the selection is arbitrary.
func (s *ActivityStore) Activity(ctx context.Context, login, channelID string, limit int) ([]string, error) {
	key := ActivityKey(login, channelID)
	if limit <= 0 {
		return s.rdb.SMembers(ctx, key).Result()
	}
	var (
		out    []string
		cursor uint64
	)
	for {
		batch, next, err := s.rdb.SScan(ctx, key, cursor, "", int64(limit)).Result()
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
		if len(out) >= limit {
			return out[:limit], nil
		}
		if next == 0 {
			return out, nil
		}
		cursor = next
	}
}
