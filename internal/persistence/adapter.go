// Package persistence writes the persistent part of a store's tree to a
// durable key-value backend, one JSON blob per namespace.
package persistence

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gxo-labs/chatstate/internal/logger"
	"github.com/gxo-labs/chatstate/internal/secrets"
	"github.com/gxo-labs/chatstate/internal/state"
	cserrors "github.com/gxo-labs/chatstate/pkg/chatstate/v1/errors"
	cslog "github.com/gxo-labs/chatstate/pkg/chatstate/v1/log"
	"github.com/gxo-labs/chatstate/pkg/chatstate/v1/storage"
)

// Observer receives persistence outcomes. Used for metrics.
type Observer interface {
	PersistenceSaved(namespace string)
	PersistenceFailed(namespace, op string)
}

// Adapter binds a namespace to a Storage backend. Load and Save never return
// errors: failures are logged, counted and swallowed, since losing a
// preference write must not break the application.
type Adapter struct {
	namespace string
	storage   storage.Storage
	log       cslog.Logger
	tracker   *secrets.SecretTracker
	observer  Observer

	mu sync.Mutex
}

// AdapterOption configures an Adapter.
type AdapterOption func(*Adapter)

// WithAdapterLogger sets the logger.
func WithAdapterLogger(log cslog.Logger) AdapterOption {
	return func(a *Adapter) {
		if log != nil {
			a.log = log
		}
	}
}

// WithSecretTracker redacts tracked secrets from saved blobs.
func WithSecretTracker(t *secrets.SecretTracker) AdapterOption {
	return func(a *Adapter) { a.tracker = t }
}

// WithObserver installs a persistence observer.
func WithObserver(o Observer) AdapterOption {
	return func(a *Adapter) { a.observer = o }
}

// NewAdapter creates an adapter writing under namespace.
func NewAdapter(namespace string, st storage.Storage, opts ...AdapterOption) *Adapter {
	if st == nil {
		panic("persistence.NewAdapter requires a non-nil storage")
	}
	a := &Adapter{namespace: namespace, storage: st}
	for _, opt := range opts {
		opt(a)
	}
	if a.log == nil {
		a.log = logger.NewNopLogger()
	}
	a.log = a.log.With("component", "PersistenceAdapter", "namespace", namespace)
	return a
}

// Namespace returns the storage key the adapter writes.
func (a *Adapter) Namespace() string { return a.namespace }

// Load returns the stored tree, or an empty tree when nothing is stored or
// the stored blob cannot be decoded.
func (a *Adapter) Load(ctx context.Context) map[string]interface{} {
	raw, ok, err := a.storage.GetItem(ctx, a.namespace)
	if err != nil {
		a.fail("load", err)
		return make(map[string]interface{})
	}
	if !ok || raw == "" {
		return make(map[string]interface{})
	}
	var tree map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &tree); err != nil || tree == nil {
		if err == nil {
			err = errNotObject
		}
		a.fail("decode", err)
		return make(map[string]interface{})
	}
	return tree
}

// Save projects tree down to persistentKeys and writes it. Missing paths are
// skipped; values containing tracked secrets are redacted first.
func (a *Adapter) Save(ctx context.Context, tree map[string]interface{}, persistentKeys []string) {
	projected := state.Project(tree, persistentKeys)
	var out interface{} = projected
	if a.tracker != nil {
		var redacted bool
		if out, redacted = a.tracker.Redact(projected); redacted {
			a.log.Debugf("Redacted tracked secrets before save")
		}
	}
	raw, err := json.Marshal(out)
	if err != nil {
		a.fail("encode", err)
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.storage.SetItem(ctx, a.namespace, string(raw)); err != nil {
		a.fail("save", err)
		return
	}
	if a.observer != nil {
		a.observer.PersistenceSaved(a.namespace)
	}
}

// Clear removes the namespace from storage.
func (a *Adapter) Clear(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.storage.RemoveItem(ctx, a.namespace); err != nil {
		a.fail("clear", err)
	}
}

// Watch calls fn with the reloaded tree whenever another process writes this
// namespace. It returns false if the backend cannot watch. The watch ends
// when ctx is done.
func (a *Adapter) Watch(ctx context.Context, fn func(map[string]interface{})) (bool, error) {
	w, ok := a.storage.(storage.Watcher)
	if !ok {
		return false, nil
	}
	changes, err := w.Watch(ctx)
	if err != nil {
		return true, cserrors.NewPersistenceError(a.namespace, "watch", err)
	}
	go func() {
		for change := range changes {
			if change.Key != a.namespace {
				continue
			}
			a.log.Debugf("External write detected, reloading")
			fn(a.Load(ctx))
		}
	}()
	return true, nil
}

func (a *Adapter) fail(op string, err error) {
	a.log.Warnf("Persistence %s failed: %v", op, cserrors.NewPersistenceError(a.namespace, op, err))
	if a.observer != nil {
		a.observer.PersistenceFailed(a.namespace, op)
	}
}

var _ state.Persister = (*Adapter)(nil)
