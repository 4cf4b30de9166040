package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the list entries are pushed onto when no key is
// configured.
const DefaultRedisKey = "flashpoint:deadletter"

// Redis pushes entries onto a Redis list as JSON, surviving process
// restarts so replays can happen from another process.
type Redis struct {
	client *redis.Client
	key    string
}

// NewRedis connects to url and verifies the connection. key may be
// empty to use DefaultRedisKey.
func NewRedis(ctx context.Context, url, key string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	if key == "" {
		key = DefaultRedisKey
	}
	return &Redis{client: client, key: key}, nil
}

// Add pushes the entry onto the tail of the list.
func (r *Redis) Add(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal deadletter entry: %w", err)
	}
	if err := r.client.RPush(ctx, r.key, data).Err(); err != nil {
		return fmt.Errorf("rpush %s: %w", r.key, err)
	}
	return nil
}

// Drain pops up to limit entries from the head of the list, oldest
// first. It is the replay side of the sink.
func (r *Redis) Drain(ctx context.Context, limit int) ([]Entry, error) {
	out := make([]Entry, 0, limit)
	for len(out) < limit {
		raw, err := r.client.LPop(ctx, r.key).Bytes()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return out, fmt.Errorf("lpop %s: %w", r.key, err)
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return out, fmt.Errorf("unmarshal deadletter entry: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

// Close releases the client connection.
func (r *Redis) Close() error {
	return r.client.Close()
}
