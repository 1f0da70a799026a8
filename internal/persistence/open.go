package persistence

import (
	"context"
	"fmt"

	cslog "github.com/gxo-labs/chatstate/pkg/chatstate/v1/log"
	"github.com/gxo-labs/chatstate/pkg/chatstate/v1/storage"
)

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Open builds the storage backend named by backend. path is the directory
// for "file" and the database file for "sqlite".
func Open(ctx context.Context, backend, path string, log cslog.Logger) (storage.Storage, error) {
	switch backend {
	case "", BackendMemory:
		return NewMemoryStorage(), nil
	case BackendFile:
		return NewFileStorage(path, log)
	case BackendSQLite:
		if path == "" {
			path = ":memory:"
		}
		return NewSQLiteStorage(ctx, path)
	default:
		return nil, fmt.Errorf("unknown storage backend '%s'", backend)
	}
}
