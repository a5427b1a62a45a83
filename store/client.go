// Package store wraps the shared Redis instance that backs the relay: the Twitch
// credential record, per-channel activity sets, the control-plane channel and the
// optional presentation event mirror.
//
// Every component built from one Pool shares a single *redis.Client. go-redis keeps
// its own connection pool behind that client and serialises wire access, so a Pool
// is safe for concurrent use from any number of sessions and never opens a
// connection per call.
package store

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Pool is the process-wide handle to the Redis backend.
type Pool struct {
	rdb *redis.Client
}

// NewPool creates a pool from a URL such as "redis://localhost:6379/0".
func NewPool(redisURL string) (*Pool, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	return &Pool{rdb: redis.NewClient(opts)}, nil
}

// NewPoolFromClient wraps an existing client.
func NewPoolFromClient(rdb *redis.Client) *Pool { return &Pool{rdb: rdb} }

// Ping verifies the Redis connection.
func (p *Pool) Ping(ctx context.Context) error { return p.rdb.Ping(ctx).Err() }

// Close closes every pooled connection.
func (p *Pool) Close() error { return p.rdb.Close() }

// Client returns the raw go-redis client for advanced operations.
func (p *Pool) Client() *redis.Client { return p.rdb }
