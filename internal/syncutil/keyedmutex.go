package syncutil

import (
	"context"
	"sync"
)

// KeyedMutex hands out one channel-based mutex per key, created on demand and
// dropped once nobody holds or waits for it. Distinct keys never contend.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyLock)}
}

// Lock acquires the mutex for key or returns ctx.Err() if the context ends
// first. On success the caller must call the returned unlock func exactly once.
func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		l.ch <- struct{}{}
		m.locks[key] = l
	}
	l.refs++
	m.mu.Unlock()

	select {
	case <-l.ch:
		var once sync.Once
		return func() {
			once.Do(func() {
				l.ch <- struct{}{}
				m.release(key, l)
			})
		}, nil
	case <-ctx.Done():
		m.release(key, l)
		return nil, ctx.Err()
	}
}

func (m *KeyedMutex) release(key string, l *keyLock) {
	m.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, key)
	}
	m.mu.Unlock()
}

// Len reports how many keys currently have holders or waiters.
func (m *KeyedMutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
