// internal/bridge/redis.go
package bridge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisPingTimeout = 5 * time.Second

// RedisTransport publishes and subscribes over Redis pub/sub.
type RedisTransport struct {
	rdb *redis.Client
}

// redisOptions accepts either host:port or a redis:// URL.
func redisOptions(addr string) (*redis.Options, error) {
	if addr == "" {
		return &redis.Options{Addr: "localhost:6379"}, nil
	}
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		return redis.ParseURL(addr)
	}
	return &redis.Options{Addr: addr}, nil
}

// DialRedis connects and pings the server.
func DialRedis(addr string) (*RedisTransport, error) {
	opts, err := redisOptions(addr)
	if err != nil {
		return nil, fmt.Errorf("parse redis address %q: %w", addr, err)
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping %s failed: %w", opts.Addr, err)
	}
	return &RedisTransport{rdb: rdb}, nil
}

func (t *RedisTransport) Publish(ctx context.Context, subject string, data []byte) error {
	return t.rdb.Publish(ctx, subject, data).Err()
}

func (t *RedisTransport) Subscribe(subject string, fn func(data []byte)) (func() error, error) {
	ctx := context.Background()
	ps := t.rdb.Subscribe(ctx, subject)
	// Wait for the subscription confirmation so no message is missed.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, err
	}

	go func() {
		for msg := range ps.Channel() {
			fn([]byte(msg.Payload))
		}
	}()
	return ps.Close, nil
}

func (t *RedisTransport) Close() error {
	return t.rdb.Close()
}

func (t *RedisTransport) Name() string { return "redis" }
