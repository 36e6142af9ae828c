// Package cache holds the Redis client and the Redis-backed progress
// publisher that lets any instance answer progress queries.
package cache

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/praxisllmlab/tianjibatch/internal/config"
)

// RedisMode indicates the Redis deployment topology.
type RedisMode int

const (
	RedisModeStandalone RedisMode = iota
	RedisModeCluster
	RedisModeSentinel
)

// NewRedisClient creates a Redis client. redis_settings.url selects a
// standalone server; REDIS_CLUSTER_NODES or REDIS_SENTINEL_NODES switch to
// cluster or sentinel mode.
func NewRedisClient(ctx context.Context, settings *config.RedisSettings) (redis.UniversalClient, error) {
	switch detectMode() {
	case RedisModeCluster:
		return newClusterClient(ctx, settings)
	case RedisModeSentinel:
		return newSentinelClient(ctx, settings)
	default:
		return newStandaloneClient(ctx, settings)
	}
}

func detectMode() RedisMode {
	if os.Getenv("REDIS_CLUSTER_NODES") != "" {
		return RedisModeCluster
	}
	if os.Getenv("REDIS_SENTINEL_NODES") != "" {
		return RedisModeSentinel
	}
	return RedisModeStandalone
}

func newStandaloneClient(ctx context.Context, settings *config.RedisSettings) (redis.UniversalClient, error) {
	redisURL := os.Getenv("REDIS_URL")
	if settings != nil && settings.URL != "" {
		redisURL = settings.URL
	}

	var opts *redis.Options
	if redisURL != "" {
		parsed, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{
			Addr:     envOr("REDIS_HOST", "localhost") + ":" + envOr("REDIS_PORT", "6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       envInt("REDIS_DB", 0),
		}
		if useSSL() {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
	}
	if settings != nil && settings.Password != "" {
		opts.Password = settings.Password
	}
	opts.PoolSize = poolSize()

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

func newClusterClient(ctx context.Context, settings *config.RedisSettings) (redis.UniversalClient, error) {
	nodes, err := parseNodes("REDIS_CLUSTER_NODES")
	if err != nil {
		return nil, err
	}

	opts := &redis.ClusterOptions{
		Addrs:    nodes,
		Password: password(settings),
		PoolSize: poolSize(),
	}
	if useSSL() {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := redis.NewClusterClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis cluster ping: %w", err)
	}
	return client, nil
}

func newSentinelClient(ctx context.Context, settings *config.RedisSettings) (redis.UniversalClient, error) {
	nodes, err := parseNodes("REDIS_SENTINEL_NODES")
	if err != nil {
		return nil, err
	}

	opts := &redis.FailoverOptions{
		MasterName:    envOr("REDIS_SERVICE_NAME", "mymaster"),
		SentinelAddrs: nodes,
		Password:      password(settings),
		DB:            envInt("REDIS_DB", 0),
		PoolSize:      poolSize(),
	}
	if useSSL() {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := redis.NewFailoverClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis sentinel ping: %w", err)
	}
	return client, nil
}

// parseNodes reads a JSON array of host:port addresses from env key.
func parseNodes(key string) ([]string, error) {
	var nodes []string
	if err := json.Unmarshal([]byte(os.Getenv(key)), &nodes); err != nil {
		return nil, fmt.Errorf("parse %s: %w", key, err)
	}
	return nodes, nil
}

func password(settings *config.RedisSettings) string {
	if settings != nil && settings.Password != "" {
		return settings.Password
	}
	return os.Getenv("REDIS_PASSWORD")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func poolSize() int {
	return envInt("REDIS_MAX_CONNECTIONS", 10)
}

func useSSL() bool {
	return strings.EqualFold(os.Getenv("REDIS_SSL"), "true")
}
