// Package storage defines the durable key-value contract used for persisted state.
package storage

import "context"

// Storage is a durable string key-value facility with localStorage-like
// semantics. Implementations must be safe for concurrent use.
type Storage interface {
	// GetItem returns the stored value and true, or "" and false if absent.
	GetItem(ctx context.Context, key string) (string, bool, error)
	SetItem(ctx context.Context, key, value string) error
	// RemoveItem deletes key. Removing an absent key is not an error.
	RemoveItem(ctx context.Context, key string) error
	Close() error
}

// ExternalChange reports that a key was written by another process.
type ExternalChange struct {
	Key string
}

// Watcher is implemented by storage backends that can observe writes made
// outside this process.
type Watcher interface {
	Watch(ctx context.Context) (<-chan ExternalChange, error)
}
