package utils

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig is the minimal client config.
type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	PingTimeout time.Duration
}

// OpenRedis opens a go-redis client and verifies connectivity.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 5 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// releaseScript deletes the key only when it still holds the caller's token.
// This prevents releasing a mutex that expired and was re-acquired elsewhere.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// AcquireKeyMutex takes an exclusive TTL-bounded mutex on key.
// Returns false when another holder currently owns the key.
// token identifies the holder and is required to release.
func AcquireKeyMutex(ctx context.Context, client *redis.Client, key, token string, ttl time.Duration) (bool, error) {
	ok, err := client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire mutex %q: %w", key, err)
	}
	return ok, nil
}

// ReleaseKeyMutex releases the mutex if token still owns it.
// Returns false when the key expired or belongs to another holder.
func ReleaseKeyMutex(ctx context.Context, client *redis.Client, key, token string) (bool, error) {
	n, err := releaseScript.Run(ctx, client, []string{key}, token).Int()
	if err != nil {
		return false, fmt.Errorf("release mutex %q: %w", key, err)
	}
	return n == 1, nil
}
