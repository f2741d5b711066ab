// Package lockmap provides keyed exclusive sections.
//
// Each key gets its own lock so unrelated orders and portfolios never contend.
// Entries are reference counted and dropped once no goroutine holds or waits
// on them, so the map does not grow with the number of orders ever seen.
package lockmap

import (
	"context"
	"sync"
)

type entry struct {
	ch   chan struct{} // capacity 1; holding the token means holding the lock
	refs int
}

// Map is a set of named mutexes.
type Map struct {
	mu    sync.Mutex
	locks map[string]*entry
}

// New creates an empty Map.
func New() *Map {
	return &Map{locks: make(map[string]*entry)}
}

func (m *Map) acquire(key string) *entry {
	m.mu.Lock()
	e, ok := m.locks[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		m.locks[key] = e
	}
	e.refs++
	m.mu.Unlock()
	return e
}

func (m *Map) release(key string, e *entry) {
	m.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(m.locks, key)
	}
	m.mu.Unlock()
}

// Lock blocks until the section for key is held or ctx is done.
// The returned func releases the section and must be called exactly once.
func (m *Map) Lock(ctx context.Context, key string) (func(), error) {
	e := m.acquire(key)
	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		m.release(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			m.release(key, e)
		})
	}, nil
}

// Len returns the number of keys currently held or awaited.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
