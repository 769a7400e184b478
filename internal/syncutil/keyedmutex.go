// Package syncutil holds small locking helpers.
package syncutil

import (
	"context"
	"sync"
)

// KeyedMutex serializes callers that share a key. Waiters give up when
// their context ends. The zero value is ready to use.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

// Lock acquires the lock for key. On success the caller must call the
// returned unlock function exactly once.
func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	ch := m.get(key)
	select {
	case <-ch:
		return func() { ch <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *KeyedMutex) get(key string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks == nil {
		m.locks = make(map[string]chan struct{})
	}
	ch, ok := m.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		ch <- struct{}{}
		m.locks[key] = ch
	}
	return ch
}
