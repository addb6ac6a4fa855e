package kvstore

import (
	"context"
	"strings"
	"sync"
)

// Memory is an in-process Store backed by a map.
type Memory struct {
	mu       sync.RWMutex
	data     map[string][]byte
	watchers map[*watcher]struct{}
	closed   bool
}

type watcher struct {
	prefix string
	events chan Event
	ctx    context.Context
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		data:     make(map[string][]byte),
		watchers: make(map[*watcher]struct{}),
	}
}

// Put implements Store.
func (m *Memory) Put(ctx context.Context, key string, value []byte) error {
	value = append([]byte(nil), value...)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.data[key] = value
	var targets []*watcher
	for w := range m.watchers {
		if strings.HasPrefix(key, w.prefix) {
			targets = append(targets, w)
		}
	}
	m.mu.Unlock()

	for _, w := range targets {
		select {
		case w.events <- Event{Key: key, Value: value}:
		case <-w.ctx.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, false, ErrClosed
	}
	v, ok := m.data[key]
	return v, ok, nil
}

// Watch implements Store.
func (m *Memory) Watch(ctx context.Context, prefix string, fn func(Event)) error {
	w := &watcher{prefix: prefix, events: make(chan Event, 256), ctx: ctx}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.watchers[w] = struct{}{}
	m.mu.Unlock()

	go func() {
		defer func() {
			m.mu.Lock()
			delete(m.watchers, w)
			m.mu.Unlock()
		}()
		for {
			select {
			case ev := <-w.events:
				fn(ev)
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Close implements Store. Existing watches stop receiving events.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.watchers = make(map[*watcher]struct{})
	return nil
}
