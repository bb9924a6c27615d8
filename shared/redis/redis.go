package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisConfig struct {
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int
}

type Redis struct {
	conn *redis.Client
}

func NewRedis(cfg RedisConfig) (*Redis, error) {
	conn := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.RedisHost, cfg.RedisPort),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	return &Redis{conn: conn}, nil
}

func (r *Redis) HealthCheck(ctx context.Context) error {
	return r.conn.Ping(ctx).Err()
}

func (r *Redis) GetClient() *redis.Client {
	return r.conn
}

func (r *Redis) Close() error {
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}

// SetWithExpiration sets a key-value pair with expiration time
func (r *Redis) SetWithExpiration(ctx context.Context, key, value string, expiration time.Duration) error {
	return r.conn.Set(ctx, key, value, expiration).Err()
}

// Get returns the value for key, redis.Nil error when absent
func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	return r.conn.Get(ctx, key).Result()
}

// Delete removes keys
func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	return r.conn.Del(ctx, keys...).Err()
}

// IsNotFound reports whether err signals a cache miss
func IsNotFound(err error) bool {
	return err == redis.Nil
}

// ListingKey builds the cache key for one listing
func ListingKey(assetContractID, assetTokenID string) string {
	return fmt.Sprintf("listing:%s:%s", assetContractID, assetTokenID)
}
