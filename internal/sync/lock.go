package sync

import (
	"context"
	"errors"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrCycleInProgress is returned when a cycle of the same direction is
// already running for the site.
var ErrCycleInProgress = errors.New("sync cycle already in progress")

// Locker provides single-flight execution per key. TryLock never waits:
// it returns ErrCycleInProgress when the key is held.
type Locker interface {
	TryLock(ctx context.Context, key string) (unlock func(), err error)
}

// LocalLocker locks keys within one process.
type LocalLocker struct {
	mu    stdsync.Mutex
	locks map[string]*stdsync.Mutex
}

// NewLocalLocker returns an empty LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*stdsync.Mutex)}
}

// TryLock implements Locker.
func (l *LocalLocker) TryLock(_ context.Context, key string) (func(), error) {
	l.mu.Lock()
	m, ok := l.locks[key]
	if !ok {
		m = &stdsync.Mutex{}
		l.locks[key] = m
	}
	l.mu.Unlock()

	if !m.TryLock() {
		return nil, fmt.Errorf("%w: %s", ErrCycleInProgress, key)
	}
	var once stdsync.Once
	return func() { once.Do(m.Unlock) }, nil
}

// Release only deletes the key if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Extend only refreshes the expiry if the key still holds our token.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker locks keys across processes sharing one Redis. A held lock
// expires after TTL unless its holder is alive to extend it, so a crashed
// process cannot block a site forever.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisLocker returns a locker storing keys under prefix.
func NewRedisLocker(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if prefix == "" {
		prefix = "sitesync:lock:"
	}
	return &RedisLocker{client: client, prefix: prefix, ttl: ttl}
}

// TryLock implements Locker. While held, the lock is extended every third
// of its TTL.
func (l *RedisLocker) TryLock(ctx context.Context, key string) (func(), error) {
	k := l.prefix + key
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, k, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCycleInProgress, key)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(l.ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				extendCtx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
				_ = extendScript.Run(extendCtx, l.client, []string{k}, token, l.ttl.Milliseconds()).Err()
				cancel()
			}
		}
	}()

	var once stdsync.Once
	unlock := func() {
		once.Do(func() {
			close(stop)
			<-done
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			// On failure the key still expires after the TTL.
			_ = releaseScript.Run(releaseCtx, l.client, []string{k}, token).Err()
		})
	}
	return unlock, nil
}
