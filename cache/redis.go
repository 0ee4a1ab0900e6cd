package cache

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const pingTimeout = 2 * time.Second

// Redis 按需初始化一次,连不上就整个进程内都当作未启用。
var (
	redisOnce   sync.Once
	redisClient *redis.Client
	redisErr    error
)

// optionsFromEnv reads REDIS_ADDR/REDIS_PASSWORD/REDIS_DB. The address
// falls back to localhost:6379 so a bare dev box works without config.
func optionsFromEnv() *redis.Options {
	opts := &redis.Options{
		Addr:     strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		Password: os.Getenv("REDIS_PASSWORD"),
	}
	if opts.Addr == "" {
		opts.Addr = "localhost:6379"
	}
	if raw := strings.TrimSpace(os.Getenv("REDIS_DB")); raw != "" {
		if db, err := strconv.Atoi(raw); err == nil && db >= 0 {
			opts.DB = db
		}
	}
	return opts
}

// GetRedisClient returns the shared Redis client, dialing it on first
// use. The first error is sticky: retrieval caching stays off for the
// lifetime of the process instead of re-dialing per request.
func GetRedisClient() (*redis.Client, error) {
	redisOnce.Do(func() {
		opts := optionsFromEnv()
		client := redis.NewClient(opts)

		ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
		defer cancel()

		if err := client.Ping(ctx).Err(); err != nil {
			redisErr = fmt.Errorf("cache: ping redis %s: %w", opts.Addr, err)
			_ = client.Close()
			return
		}

		redisClient = client
	})

	return redisClient, redisErr
}

// Enabled reports whether the shared client came up.
func Enabled() bool {
	client, err := GetRedisClient()
	return err == nil && client != nil
}

// Close releases the shared connection. Mainly useful for tests.
func Close() error {
	if redisClient == nil {
		return nil
	}
	return redisClient.Close()
}
