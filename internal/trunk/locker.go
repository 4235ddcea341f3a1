package trunk

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"callengine/pkg/utils"
)

// RedisLocker implements Locker on a shared Redis, so provisioning for one
// account is exclusive across engine instances.
type RedisLocker struct {
	client *redis.Client
	prefix string
}

// NewRedisLocker builds a locker. prefix namespaces keys, e.g. "callengine:lock:".
func NewRedisLocker(client *redis.Client, prefix string) *RedisLocker {
	return &RedisLocker{client: client, prefix: prefix}
}

func (l *RedisLocker) Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	return utils.AcquireKeyMutex(ctx, l.client, l.prefix+key, token, ttl)
}

func (l *RedisLocker) Release(ctx context.Context, key, token string) (bool, error) {
	return utils.ReleaseKeyMutex(ctx, l.client, l.prefix+key, token)
}

// MemoryLocker is an in-process Locker for tests and single-instance runs.
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]memoryLease
	clock func() time.Time
}

type memoryLease struct {
	token   string
	expires time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]memoryLease), clock: time.Now}
}

func (l *MemoryLocker) Acquire(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock()
	if lease, ok := l.held[key]; ok && lease.expires.After(now) {
		return false, nil
	}
	l.held[key] = memoryLease{token: token, expires: now.Add(ttl)}
	return true, nil
}

func (l *MemoryLocker) Release(_ context.Context, key, token string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lease, ok := l.held[key]; ok && lease.token == token {
		delete(l.held, key)
		return true, nil
	}
	return false, nil
}
