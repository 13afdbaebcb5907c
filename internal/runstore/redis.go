package runstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shelfie/shelfie/internal/bulk"
)

const keyPrefix = "shelfie:run:"

// Redis stores snapshots as JSON strings that expire after the TTL.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis connects to the server at url (redis://host:port/db) and checks
// that it answers.
func NewRedis(ctx context.Context, url string, ttl time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisWithClient(client, ttl), nil
}

func NewRedisWithClient(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, ttl: ttl}
}

func key(runID string) string {
	return keyPrefix + runID
}

func (r *Redis) Save(ctx context.Context, snap bulk.Snapshot) error {
	data, err := json.Marshal(slim(snap))
	if err != nil {
		return fmt.Errorf("failed to marshal run snapshot: %w", err)
	}
	if err := r.client.Set(ctx, key(snap.Run.ID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save run %s: %w", snap.Run.ID, err)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, runID string) (*bulk.Snapshot, error) {
	data, err := r.client.Get(ctx, key(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run %s: %w", runID, err)
	}
	var snap bulk.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode run %s: %w", runID, err)
	}
	return &snap, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
