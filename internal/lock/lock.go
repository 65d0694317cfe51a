// Package lock provides the per-user critical section used to serialize
// derived-state recomputation.
package lock

import (
	"context"
	"errors"
	"sync"
)

// ErrEmptyKey indicates that a lock was requested without a key.
var ErrEmptyKey = errors.New("lock: key required")

// Release gives up a held lock. Calling it more than once is a no-op.
type Release func()

// Locker grants exclusive access per key. Distinct keys never contend.
type Locker interface {
	Acquire(ctx context.Context, key string) (Release, error)
}

// LocalLocker is an in-process keyed mutex.
type LocalLocker struct {
	mu      sync.Mutex
	entries map[string]*localEntry
}

type localEntry struct {
	slot chan struct{}
	refs int
}

// NewLocalLocker constructs an empty LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{entries: make(map[string]*localEntry)}
}

// Acquire blocks until the key is free or the context ends.
func (l *LocalLocker) Acquire(ctx context.Context, key string) (Release, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	entry := l.reference(key)
	select {
	case entry.slot <- struct{}{}:
	case <-ctx.Done():
		l.dereference(key, entry)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-entry.slot
			l.dereference(key, entry)
		})
	}, nil
}

func (l *LocalLocker) reference(key string) *localEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[key]
	if !ok {
		entry = &localEntry{slot: make(chan struct{}, 1)}
		l.entries[key] = entry
	}
	entry.refs++
	return entry
}

func (l *LocalLocker) dereference(key string, entry *localEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.entries, key)
	}
}

// heldKeys reports how many keys are currently tracked.
func (l *LocalLocker) heldKeys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
