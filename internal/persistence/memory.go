package persistence

import (
	"context"
	"errors"
	"sync"

	"github.com/gxo-labs/chatstate/pkg/chatstate/v1/storage"
)

var (
	// ErrClosed is returned by a backend used after Close.
	ErrClosed = errors.New("storage is closed")

	errNotObject = errors.New("stored value is not a JSON object")
)

// MemoryStorage is a process-local Storage. It is the default backend and the
// one used in tests.
type MemoryStorage struct {
	mu     sync.RWMutex
	items  map[string]string
	closed bool
}

// NewMemoryStorage creates an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{items: make(map[string]string)}
}

func (m *MemoryStorage) GetItem(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return "", false, ErrClosed
	}
	v, ok := m.items[key]
	return v, ok, nil
}

func (m *MemoryStorage) SetItem(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.items[key] = value
	return nil
}

func (m *MemoryStorage) RemoveItem(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.items, key)
	return nil
}

// Keys returns the stored keys in no particular order.
func (m *MemoryStorage) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.items))
	for k := range m.items {
		keys = append(keys, k)
	}
	return keys
}

func (m *MemoryStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

var _ storage.Storage = (*MemoryStorage)(nil)
