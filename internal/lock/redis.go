package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	redisclient "github.com/example/session-scheduler/internal/redis"
)

// releaseScript deletes the key only while it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`)

// extendScript resets the expiry only while the key still carries our token.
var extendScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

const (
	defaultTTL   = 2 * time.Minute
	defaultRetry = 100 * time.Millisecond
)

// RedisLocker is a Locker shared by every process using the same Redis.
// While a hold is taken its expiry is pushed back every TTL/3, so work may
// outlast the TTL; a crashed holder stops extending and its hold lapses
// after at most one TTL.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	wait   time.Duration
	retry  time.Duration
	token  func() string
}

// RedisOption configures a RedisLocker.
type RedisOption func(*RedisLocker)

// WithTTL sets how long a hold lives once its holder stops extending it.
func WithTTL(ttl time.Duration) RedisOption {
	return func(l *RedisLocker) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithWait sets how long Lock keeps retrying a held key. Zero fails at once.
func WithWait(wait time.Duration) RedisOption {
	return func(l *RedisLocker) {
		l.wait = wait
	}
}

// NewRedisLocker returns a locker over client.
func NewRedisLocker(client *redis.Client, opts ...RedisOption) *RedisLocker {
	l := &RedisLocker{
		client: client,
		ttl:    defaultTTL,
		retry:  defaultRetry,
		token:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Lock takes key with SET NX PX, retrying until the wait budget is spent.
func (l *RedisLocker) Lock(ctx context.Context, key string) (Unlock, error) {
	redisKey := redisclient.LockKey(key)
	token := l.token()
	deadline := time.Now().Add(l.wait)

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("lock %s: %w", key, err)
		}
		if ok {
			return l.hold(redisKey, token), nil
		}
		if !time.Now().Before(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrNotAcquired, key)
		}

		timer := time.NewTimer(l.retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// hold keeps redisKey alive until the returned Unlock runs or the key is
// found under another token.
func (l *RedisLocker) hold(redisKey, token string) Unlock {
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.extend(ctx, redisKey, token)
	}()

	var once sync.Once
	return func(ctx context.Context) error {
		var err error
		once.Do(func() {
			stop()
			<-done
			err = l.release(ctx, redisKey, token)
		})
		return err
	}
}

func (l *RedisLocker) extend(ctx context.Context, redisKey, token string) {
	ticker := time.NewTicker(max(l.ttl/3, time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n, err := extendScript.Run(ctx, l.client, []string{redisKey}, token, l.ttl.Milliseconds()).Int64()
		if err == nil && n == 0 {
			return
		}
	}
}

func (l *RedisLocker) release(ctx context.Context, redisKey, token string) error {
	n, err := releaseScript.Run(ctx, l.client, []string{redisKey}, token).Int64()
	if err != nil {
		return fmt.Errorf("unlock %s: %w", redisKey, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrLockLost, redisKey)
	}
	return nil
}
