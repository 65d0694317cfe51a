package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLocalLockerSerializesSameKey(t *testing.T) {
	locker := NewLocalLocker()
	var inside atomic.Int32
	var overlap atomic.Bool
	var wg sync.WaitGroup

	for worker := 0; worker < 8; worker++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := locker.Acquire(context.Background(), "user:1")
			if err != nil {
				t.Errorf("acquire failed: %v", err)
				return
			}
			if inside.Add(1) > 1 {
				overlap.Store(true)
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			release()
		}()
	}
	wg.Wait()

	if overlap.Load() {
		t.Fatalf("expected holders of the same key never to overlap")
	}
	if held := locker.heldKeys(); held != 0 {
		t.Fatalf("expected no tracked keys after release, got %d", held)
	}
}

func TestLocalLockerDistinctKeysDoNotContend(t *testing.T) {
	locker := NewLocalLocker()
	releaseFirst, err := locker.Acquire(context.Background(), "user:1")
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	defer releaseFirst()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	releaseSecond, err := locker.Acquire(ctx, "user:2")
	if err != nil {
		t.Fatalf("expected distinct key to be granted, got %v", err)
	}
	releaseSecond()
}

func TestLocalLockerHonorsContextWhileWaiting(t *testing.T) {
	locker := NewLocalLocker()
	release, err := locker.Acquire(context.Background(), "user:1")
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := locker.Acquire(ctx, "user:1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	release()
	release()
	if held := locker.heldKeys(); held != 0 {
		t.Fatalf("expected no tracked keys after release, got %d", held)
	}
}

func TestLocalLockerRejectsEmptyKey(t *testing.T) {
	if _, err := NewLocalLocker().Acquire(context.Background(), ""); !errors.Is(err, ErrEmptyKey) {
		t.Fatalf("expected empty key error, got %v", err)
	}
}
