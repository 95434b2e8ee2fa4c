// ABOUTME: Guild cache stored in Redis so several cluster processes share it.
// ABOUTME: Works against a single node or a cluster through redis.UniversalClient.

package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces guild keys.
const DefaultKeyPrefix = "shardgate:guild:"

// RedisOptions configures the Redis connection.
// Single node: Addrs=["127.0.0.1:6379"]; cluster: every seed node.
type RedisOptions struct {
	Addrs     []string
	Password  string
	KeyPrefix string
	TTL       time.Duration
}

// RedisClient is the subset of redis.UniversalClient the cache uses.
type RedisClient interface {
	Close() error
	Ping(ctx context.Context) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Redis is a GuildCache backed by Redis.
type Redis struct {
	rdb    RedisClient
	prefix string
	ttl    time.Duration
}

// NewRedis connects and verifies the connection with a ping.
func NewRedis(ctx context.Context, opt RedisOptions) (*Redis, error) {
	if len(opt.Addrs) == 0 {
		return nil, errors.New("redis addrs is empty")
	}

	c := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    opt.Addrs,
		Password: opt.Password,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return NewRedisWithClient(c, opt.KeyPrefix, opt.TTL), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(rdb RedisClient, prefix string, ttl time.Duration) *Redis {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Redis{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (r *Redis) key(guildID string) string {
	return r.prefix + guildID
}

func (r *Redis) Get(ctx context.Context, guildID string) (json.RawMessage, bool, error) {
	val, err := r.rdb.Get(ctx, r.key(guildID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get guild %s: %w", guildID, err)
	}
	return json.RawMessage(val), true, nil
}

func (r *Redis) Set(ctx context.Context, guildID string, data json.RawMessage) error {
	if err := r.rdb.Set(ctx, r.key(guildID), []byte(data), r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set guild %s: %w", guildID, err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, guildID string) error {
	if err := r.rdb.Del(ctx, r.key(guildID)).Err(); err != nil {
		return fmt.Errorf("redis del guild %s: %w", guildID, err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}
