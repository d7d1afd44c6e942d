package statestore

import (
	"context"
	"sync"
)

// Memory is the in-process map-backed store: the default backend and the
// target of the degradation fallback when a durable backend becomes
// unreachable.
type Memory struct {
	mu   sync.RWMutex
	data map[string]map[string]string
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]map[string]string)}
}

func (m *Memory) Get(_ context.Context, sourceID, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src, ok := m.data[sourceID]
	if !ok {
		return "", false, nil
	}
	v, ok := src[key]
	return v, ok, nil
}

func (m *Memory) Set(_ context.Context, sourceID, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data[sourceID] == nil {
		m.data[sourceID] = make(map[string]string)
	}
	m.data[sourceID][key] = value
	return nil
}

func (m *Memory) ListKeys(_ context.Context, sourceID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src, ok := m.data[sourceID]
	if !ok {
		return nil, nil
	}
	keys := make([]string, 0, len(src))
	for k := range src {
		keys = append(keys, k)
	}
	return keys, nil
}

func (m *Memory) ListSources(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sources := make([]string, 0, len(m.data))
	for s := range m.data {
		sources = append(sources, s)
	}
	return sources, nil
}

func (m *Memory) ClearSource(_ context.Context, sourceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, sourceID)
	return nil
}

func (m *Memory) Close() error { return nil }
