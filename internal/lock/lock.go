// Package lock provides per-schedule mutual exclusion so no two workers
// reconcile the same schedule at once.
package lock

import (
	"context"
	"errors"
	"sync"
)

// ErrNotAcquired is returned when a key is held elsewhere and could not be
// taken within the locker's wait budget.
var ErrNotAcquired = errors.New("lock: not acquired")

// ErrLockLost is returned by Unlock when the lock expired and was taken by
// someone else before it was released.
var ErrLockLost = errors.New("lock: lost before release")

// Unlock releases a held key. Calling it more than once is safe.
type Unlock func(ctx context.Context) error

// Locker hands out exclusive holds on keys.
type Locker interface {
	Lock(ctx context.Context, key string) (Unlock, error)
}

// KeyedMutex is an in-process Locker. Waiters block until the key is free or
// their context ends. Idle keys are dropped so the map does not grow.
type KeyedMutex struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	slot chan struct{}
	refs int
}

// NewKeyedMutex returns an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{entries: make(map[string]*entry)}
}

// Lock blocks until key is held by the caller or ctx is done.
func (m *KeyedMutex) Lock(ctx context.Context, key string) (Unlock, error) {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		e = &entry{slot: make(chan struct{}, 1)}
		m.entries[key] = e
	}
	e.refs++
	m.mu.Unlock()

	select {
	case e.slot <- struct{}{}:
	case <-ctx.Done():
		m.release(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func(context.Context) error {
		once.Do(func() {
			<-e.slot
			m.release(key, e)
		})
		return nil
	}, nil
}

func (m *KeyedMutex) release(key string, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(m.entries, key)
	}
}

// Len reports how many keys are held or awaited.
func (m *KeyedMutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
