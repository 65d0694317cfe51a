package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultRedisTTL          = 30 * time.Second
	defaultRedisPollInterval = 50 * time.Millisecond
	redisReleaseTimeout      = 2 * time.Second
)

var errMissingRedisClient = errors.New("lock: redis client required")

var luaUnlock = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`)

// RedisLockerConfig describes a Redis-backed locker shared by several replicas.
type RedisLockerConfig struct {
	Client       *redis.Client
	Prefix       string
	TTL          time.Duration
	PollInterval time.Duration
	Logger       *zap.Logger
}

// RedisLocker holds keys as SET NX entries guarded by a random token.
type RedisLocker struct {
	client       *redis.Client
	prefix       string
	ttl          time.Duration
	pollInterval time.Duration
	logger       *zap.Logger
}

// NewRedisLocker validates the configuration and returns a RedisLocker.
func NewRedisLocker(cfg RedisLockerConfig) (*RedisLocker, error) {
	if cfg.Client == nil {
		return nil, errMissingRedisClient
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultRedisTTL
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultRedisPollInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLocker{
		client:       cfg.Client,
		prefix:       cfg.Prefix,
		ttl:          ttl,
		pollInterval: pollInterval,
		logger:       logger,
	}, nil
}

// Acquire polls SET NX until it wins the key or the context ends.
func (l *RedisLocker) Acquire(ctx context.Context, key string) (Release, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	redisKey := l.prefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()
	for {
		acquired, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil && ctx.Err() == nil {
			l.logger.Warn("redis lock attempt failed", zap.String("key", redisKey), zap.Error(err))
		}
		if err == nil && acquired {
			return l.releaseFunc(redisKey, token), nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (l *RedisLocker) releaseFunc(redisKey, token string) Release {
	var once sync.Once
	return func() {
		once.Do(func() {
			l.release(redisKey, token)
		})
	}
}

func (l *RedisLocker) release(redisKey, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), redisReleaseTimeout)
	defer cancel()
	if _, err := luaUnlock.Run(ctx, l.client, []string{redisKey}, token).Result(); err != nil {
		l.logger.Warn("redis lock release failed", zap.String("key", redisKey), zap.Error(err))
	}
}
