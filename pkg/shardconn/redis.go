package shardconn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/openfroyo/reshard/pkg/engine"
)

// ErrKeyNotFound is returned by Get for a key the shard does not hold.
var ErrKeyNotFound = errors.New("key not found")

var (
	_ engine.ShardConnector = (*RedisConnector)(nil)
	_ engine.ShardConn      = (*redisConn)(nil)
)

// RedisConnector opens a Redis client per shard.
type RedisConnector struct {
	// AddressTemplate maps a shard name to host:port; "{shard}" is
	// replaced with the shard name.
	AddressTemplate string

	Password    string
	DB          int
	DialTimeout time.Duration

	// KeyPrefix namespaces every key the engine reads or writes.
	KeyPrefix string
}

// NewRedisConnector creates a connector for the given address template.
func NewRedisConnector(addressTemplate, password string, db int) *RedisConnector {
	return &RedisConnector{
		AddressTemplate: addressTemplate,
		Password:        password,
		DB:              db,
		DialTimeout:     5 * time.Second,
		KeyPrefix:       "reshard:",
	}
}

// Address returns the host:port for shard.
func (c *RedisConnector) Address(shard string) string {
	return strings.ReplaceAll(c.AddressTemplate, "{shard}", shard)
}

// Connect opens and pings a client for shard. A client that cannot be
// pinged is closed before returning the error.
func (c *RedisConnector) Connect(ctx context.Context, shard string) (engine.ShardConn, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        c.Address(shard),
		Password:    c.Password,
		DB:          c.DB,
		DialTimeout: c.DialTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("shard %s: redis ping failed: %w", shard, err)
	}

	return &redisConn{client: client, shard: shard, prefix: c.KeyPrefix}, nil
}

type redisConn struct {
	client *redis.Client
	shard  string
	prefix string
}

func (c *redisConn) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("shard %s: %w", c.shard, err)
	}
	return nil
}

func (c *redisConn) Get(ctx context.Context, key string) (string, error) {
	v, err := c.client.Get(ctx, c.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("shard %s: %s: %w", c.shard, key, ErrKeyNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("shard %s: get %s: %w", c.shard, key, err)
	}
	return v, nil
}

func (c *redisConn) Set(ctx context.Context, key, value string) error {
	if err := c.client.Set(ctx, c.prefix+key, value, 0).Err(); err != nil {
		return fmt.Errorf("shard %s: set %s: %w", c.shard, key, err)
	}
	return nil
}

func (c *redisConn) Close() error {
	return c.client.Close()
}
