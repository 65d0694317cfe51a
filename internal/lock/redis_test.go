package lock

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// Set STREAKS_TEST_REDIS_ADDRESS to run these against a live server.
func newTestRedisLocker(t *testing.T) (*RedisLocker, *redis.Client) {
	t.Helper()
	address := os.Getenv("STREAKS_TEST_REDIS_ADDRESS")
	if address == "" {
		t.Skip("STREAKS_TEST_REDIS_ADDRESS not set")
	}
	client := redis.NewClient(&redis.Options{Addr: address})
	t.Cleanup(func() { _ = client.Close() })
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis unavailable at %s: %v", address, err)
	}
	locker, err := NewRedisLocker(RedisLockerConfig{
		Client:       client,
		Prefix:       "streaks-test:" + uuid.NewString() + ":",
		TTL:          5 * time.Second,
		PollInterval: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to create locker: %v", err)
	}
	return locker, client
}

func TestNewRedisLockerRequiresClient(t *testing.T) {
	if _, err := NewRedisLocker(RedisLockerConfig{}); !errors.Is(err, errMissingRedisClient) {
		t.Fatalf("expected missing client error, got %v", err)
	}
}

func TestRedisLockerExcludesSecondHolder(t *testing.T) {
	locker, client := newTestRedisLocker(t)

	release, err := locker.Acquire(context.Background(), "user:1")
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := locker.Acquire(ctx, "user:1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected second acquire to time out, got %v", err)
	}

	release()
	if exists := client.Exists(context.Background(), locker.prefix+"user:1").Val(); exists != 0 {
		t.Fatalf("expected key to be deleted on release")
	}

	again, err := locker.Acquire(context.Background(), "user:1")
	if err != nil {
		t.Fatalf("expected reacquire after release, got %v", err)
	}
	again()
}

func TestRedisLockerReleaseKeepsForeignToken(t *testing.T) {
	locker, client := newTestRedisLocker(t)
	release, err := locker.Acquire(context.Background(), "user:2")
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	key := locker.prefix + "user:2"
	if err := client.Set(context.Background(), key, "someone-else", time.Minute).Err(); err != nil {
		t.Fatalf("failed to overwrite token: %v", err)
	}
	release()

	if value := client.Get(context.Background(), key).Val(); value != "someone-else" {
		t.Fatalf("expected foreign token to survive release, got %q", value)
	}
	client.Del(context.Background(), key)
}
