// Package session caches finished query states in Redis so the UI can
// re-fetch artifacts and the thought trail after the analyze call returns.
// The controller itself never reads from here; processing state stays
// in-memory and request-scoped.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nidhogg/datalens/internal/agent"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrNotFound is returned when no state is cached for a session.
var ErrNotFound = errors.New("session state not found")

const keyPrefix = "datalens:session:"

// Cache stores finished agent states with a TTL.
type Cache struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewCache connects to Redis. ttl <= 0 defaults to one hour.
func NewCache(redisURL string, ttl time.Duration, logger *zap.Logger) (*Cache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Cache{rdb: rdb, ttl: ttl, logger: logger}, nil
}

// Put stores a finished state under its session ID.
func (c *Cache) Put(ctx context.Context, st *agent.State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := c.rdb.Set(ctx, keyPrefix+st.SessionID, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache state: %w", err)
	}
	c.logger.Debug("cached session state",
		zap.String("session", st.SessionID), zap.Duration("ttl", c.ttl))
	return nil
}

// Get loads a cached state by session ID.
func (c *Cache) Get(ctx context.Context, sessionID string) (*agent.State, error) {
	data, err := c.rdb.Get(ctx, keyPrefix+sessionID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read cached state: %w", err)
	}
	var st agent.State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("unmarshal cached state: %w", err)
	}
	return &st, nil
}

// Close shuts down the Redis client.
func (c *Cache) Close() error {
	return c.rdb.Close()
}
