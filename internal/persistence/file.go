package persistence

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/gxo-labs/chatstate/internal/logger"
	cslog "github.com/gxo-labs/chatstate/pkg/chatstate/v1/log"
	"github.com/gxo-labs/chatstate/pkg/chatstate/v1/storage"
)

const fileSuffix = ".json"

// validKey keeps keys usable as file names. A leading dot is reserved for
// temporary files.
var validKey = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// FileStorage keeps one file per key in a directory. Writes go through a
// temporary file and a rename so readers never see a partial blob.
type FileStorage struct {
	dir string
	log cslog.Logger

	mu      sync.Mutex
	written map[string]string   // Last value this instance wrote, per key
	closed  bool
	watches []*fsnotify.Watcher // Open watchers, closed by Close
}

// NewFileStorage creates dir if needed and returns a storage rooted there.
func NewFileStorage(dir string, log cslog.Logger) (*FileStorage, error) {
	if dir == "" {
		return nil, errors.New("file storage requires a directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir %s: %w", dir, err)
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &FileStorage{
		dir:     dir,
		log:     log.With("component", "FileStorage", "dir", dir),
		written: make(map[string]string),
	}, nil
}

// Dir returns the storage directory.
func (f *FileStorage) Dir() string { return f.dir }

// path maps key to its file, rejecting keys that could escape dir.
func (f *FileStorage) path(key string) (string, error) {
	if !validKey.MatchString(key) {
		return "", fmt.Errorf("invalid storage key '%s'", key)
	}
	return filepath.Join(f.dir, key+fileSuffix), nil
}

// GetItem reads the file for key. A missing file is not an error.
func (f *FileStorage) GetItem(_ context.Context, key string) (string, bool, error) {
	p, err := f.path(key)
	if err != nil {
		return "", false, err
	}
	if f.isClosed() {
		return "", false, ErrClosed
	}
	raw, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(raw), true, nil
}

// SetItem replaces the file for key atomically.
func (f *FileStorage) SetItem(_ context.Context, key, value string) error {
	p, err := f.path(key)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}

	// Temp file in the same dir so the rename stays on one filesystem.
	tmp, err := os.CreateTemp(f.dir, "."+key+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(value); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, p); err != nil {
		os.Remove(tmpName)
		return err
	}
	f.written[key] = value
	return nil
}

// RemoveItem deletes the file for key. Removing a missing key succeeds.
func (f *FileStorage) RemoveItem(_ context.Context, key string) error {
	p, err := f.path(key)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	delete(f.written, key)
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Watch reports writes to key files made by other processes. Writes made
// through this FileStorage are filtered out by comparing file content with
// what it last wrote. The channel closes when ctx is done or on Close.
func (f *FileStorage) Watch(ctx context.Context) (<-chan storage.ExternalChange, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(f.dir); err != nil {
		watcher.Close()
		return nil, err
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		watcher.Close()
		return nil, ErrClosed
	}
	f.watches = append(f.watches, watcher)
	f.mu.Unlock()

	// Buffered so a slow consumer does not stall the fsnotify loop at once.
	out := make(chan storage.ExternalChange, 16)
	go f.run(ctx, watcher, out)
	return out, nil
}

// run forwards fsnotify events for key files until ctx is done or the
// watcher is closed.
func (f *FileStorage) run(ctx context.Context, watcher *fsnotify.Watcher, out chan<- storage.ExternalChange) {
	defer close(out)
	defer watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			// Atomic writers show up as Create or Rename rather than Write.
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			key, ok := f.keyFor(ev.Name)
			if !ok || f.isOwnWrite(key) {
				continue
			}
			select {
			case out <- storage.ExternalChange{Key: key}:
			case <-ctx.Done():
				return
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			// Non-fatal; keep watching.
			f.log.Warnf("Watch error: %v", err)
		}
	}
}

// keyFor returns the key a file name stands for, if any.
func (f *FileStorage) keyFor(name string) (string, bool) {
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") || !strings.HasSuffix(base, fileSuffix) {
		return "", false
	}
	key := strings.TrimSuffix(base, fileSuffix)
	return key, validKey.MatchString(key)
}

// isOwnWrite reports whether the file still holds what this instance last
// wrote for key.
func (f *FileStorage) isOwnWrite(key string) bool {
	raw, err := os.ReadFile(filepath.Join(f.dir, key+fileSuffix))
	if err != nil {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	last, ok := f.written[key]
	return ok && last == string(raw)
}

func (f *FileStorage) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Close stops every watch. Further calls fail with ErrClosed.
func (f *FileStorage) Close() error {
	f.mu.Lock()
	watches := f.watches
	f.watches = nil
	f.closed = true
	f.mu.Unlock()

	var errs []error
	for _, w := range watches {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Compile-time checks
var (
	_ storage.Storage = (*FileStorage)(nil)
	_ storage.Watcher = (*FileStorage)(nil)
)
