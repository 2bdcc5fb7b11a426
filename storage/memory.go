package storage

import (
	"context"
	"sync"
)

// Memory is an in-process Storage backed by a map. It is the default backend
// for embeddings that do not need persistence across restarts, and the
// backend used by the package-level default session.
type Memory struct {
	mu   sync.RWMutex
	data map[string]string
}

var _ Storage = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: map[string]string{}}
}

// Get implements Storage.
func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

// Set implements Storage.
func (m *Memory) Set(_ context.Context, key string, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

// Delete implements Storage.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// Len returns the number of stored keys.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}
