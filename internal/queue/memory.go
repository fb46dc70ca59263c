package queue

import (
	"context"
	"sync"
)

// Memory is a process-local Store. It is the default backend and the one
// the in-process link shares between both endpoints.
type Memory struct {
	mu     sync.Mutex
	items  []Item
	index  map[string]struct{}
	notify chan struct{}
	closed bool
}

func NewMemory() *Memory {
	return &Memory{
		index:  make(map[string]struct{}),
		notify: make(chan struct{}, 1),
	}
}

func (m *Memory) Push(_ context.Context, item Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	if _, ok := m.index[item.ID]; ok {
		return nil
	}
	m.index[item.ID] = struct{}{}
	m.items = append(m.items, item)
	select {
	case m.notify <- struct{}{}:
	default:
	}
	return nil
}

func (m *Memory) Peek(_ context.Context, limit int) ([]Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	if limit <= 0 || limit > len(m.items) {
		limit = len(m.items)
	}
	out := make([]Item, limit)
	copy(out, m.items[:limit])
	return out, nil
}

func (m *Memory) Remove(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.index[id]; !ok {
		return nil
	}
	delete(m.index, id)
	for i, item := range m.items {
		if item.ID == id {
			m.items = append(m.items[:i], m.items[i+1:]...)
			break
		}
	}
	return nil
}

func (m *Memory) Len(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items), nil
}

func (m *Memory) Notify() <-chan struct{} {
	return m.notify
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
