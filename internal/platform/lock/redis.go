package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// releaseScript deletes the key only while it still carries our token, so an
// expired lease taken over by another replica is never released by us.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a lease-based Locker shared by every replica pointing at the
// same Redis. A lease expires after ttl even if its holder dies.
type RedisLocker struct {
	rdb    *goredis.Client
	prefix string
	ttl    time.Duration
	poll   time.Duration
	log    zerolog.Logger
}

type RedisOption func(*RedisLocker)

func WithTTL(d time.Duration) RedisOption          { return func(l *RedisLocker) { l.ttl = d } }
func WithPollInterval(d time.Duration) RedisOption { return func(l *RedisLocker) { l.poll = d } }
func WithPrefix(p string) RedisOption              { return func(l *RedisLocker) { l.prefix = p } }

// NewRedisLocker connects to redisURL and verifies the connection.
func NewRedisLocker(ctx context.Context, redisURL string, log zerolog.Logger, opts ...RedisOption) (*RedisLocker, error) {
	o, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	o.DialTimeout = 5 * time.Second

	rdb := goredis.NewClient(o)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisLockerFromClient(rdb, log, opts...), nil
}

func NewRedisLockerFromClient(rdb *goredis.Client, log zerolog.Logger, opts ...RedisOption) *RedisLocker {
	l := &RedisLocker{
		rdb:    rdb,
		prefix: "analisavet:lock:",
		ttl:    30 * time.Second,
		poll:   25 * time.Millisecond,
		log:    log,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	k := l.prefix + key

	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()
	for {
		ok, err := l.rdb.SetNX(ctx, k, token, l.ttl).Result()
		if err != nil && ctx.Err() == nil {
			return nil, fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			return func() { l.release(k, token) }, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %v", ErrTimeout, key, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (l *RedisLocker) release(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := releaseScript.Run(ctx, l.rdb, []string{key}, token).Err(); err != nil {
		l.log.Warn().Err(err).Str("key", key).Msg("lock release failed; lease will expire")
	}
}

func (l *RedisLocker) Close() error { return l.rdb.Close() }

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("lock token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
