package store

import (
	"context"
	"strings"
	"sync"
)

// Memory is an in-process Store. It backs tests and the degraded mode the
// engine falls into when the durable store stays unreachable.
type Memory struct {
	mu       sync.RWMutex
	data     map[string][]byte
	watchers map[int]chan Change
	nextID   int
	closed   bool
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		data:     make(map[string][]byte),
		watchers: make(map[int]chan Change),
	}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	stored := make([]byte, len(value))
	copy(stored, value)

	m.mu.Lock()
	old := m.data[key]
	m.data[key] = stored
	m.notifyLocked(Change{Key: key, OldValue: old, NewValue: stored})
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	old, ok := m.data[key]
	if ok {
		delete(m.data, key)
		m.notifyLocked(Change{Key: key, OldValue: old})
	}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (m *Memory) Watch() (<-chan Change, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	ch := make(chan Change, 64)
	if m.closed {
		close(ch)
		return ch, func() {}
	}
	m.watchers[id] = ch
	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if w, ok := m.watchers[id]; ok {
			delete(m.watchers, id)
			close(w)
		}
	}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for id, w := range m.watchers {
		delete(m.watchers, id)
		close(w)
	}
	return nil
}

func (m *Memory) notifyLocked(c Change) {
	for _, w := range m.watchers {
		select {
		case w <- c:
		default: // slow watcher, drop
		}
	}
}
