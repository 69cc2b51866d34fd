package trade

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/semaphore"
)

// Locker grants exclusive access to one founder's pool. Lock blocks until
// the lock is held or ctx is done and returns the function that releases it.
type Locker interface {
	Lock(ctx context.Context, founderID string) (unlock func(), err error)
}

// LocalLocker serializes trades per founder within one process. Founders
// never contend with each other.
type LocalLocker struct {
	mu   sync.Mutex
	sems map[string]*semaphore.Weighted
}

// NewLocalLocker creates an in-process locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{sems: make(map[string]*semaphore.Weighted)}
}

func (l *LocalLocker) Lock(ctx context.Context, founderID string) (func(), error) {
	l.mu.Lock()
	sem, ok := l.sems[founderID]
	if !ok {
		sem = semaphore.NewWeighted(1)
		l.sems[founderID] = sem
	}
	l.mu.Unlock()

	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(func() { sem.Release(1) }) }, nil
}

// releaseScript deletes the lock key only if it still holds our token, so an
// expired holder cannot release a lock that a newer holder acquired.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker serializes trades per founder across every engine instance
// sharing one Redis. The TTL bounds how long a crashed holder can block a
// founder; it must exceed the slowest expected trade.
type RedisLocker struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
	retry  time.Duration
}

// NewRedisLocker creates a Redis-backed locker.
func NewRedisLocker(rdb *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &RedisLocker{
		rdb:    rdb,
		prefix: "exchange:lock:founder:",
		ttl:    ttl,
		retry:  10 * time.Millisecond,
	}
}

func (l *RedisLocker) Lock(ctx context.Context, founderID string) (func(), error) {
	key := l.prefix + founderID
	token := uuid.NewString()

	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()
	for {
		ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("redis lock %s: %w", founderID, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// Release even if the trade's context is gone.
			ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			defer cancel()
			_ = releaseScript.Run(ctx, l.rdb, []string{key}, token).Err()
		})
	}, nil
}
