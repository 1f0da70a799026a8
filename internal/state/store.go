package state

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gxo-labs/chatstate/internal/events"
	"github.com/gxo-labs/chatstate/internal/logger"
	"github.com/gxo-labs/chatstate/internal/util"
	cserrors "github.com/gxo-labs/chatstate/pkg/chatstate/v1/errors"
	csevents "github.com/gxo-labs/chatstate/pkg/chatstate/v1/events"
	cslog "github.com/gxo-labs/chatstate/pkg/chatstate/v1/log"
	csstate "github.com/gxo-labs/chatstate/pkg/chatstate/v1/state"
)

// Persister loads and saves the persistent part of a store's tree.
// Implementations swallow and log their own failures.
type Persister interface {
	Load(ctx context.Context) map[string]interface{}
	Save(ctx context.Context, tree map[string]interface{}, persistentKeys []string)
}

// Observer receives dispatch statistics. Used for metrics.
type Observer interface {
	NotificationDelivered(store string)
	SubscriberPanicked(store string)
}

// subscriber is one Subscribe registration.
type subscriber struct {
	id     uint64             // Registration order, unique per store
	path   string             // As given, for log output
	segs   []string           // Parsed path; nil when global
	global bool               // "*" or ""
	fn     csstate.Subscriber // Callback

	// removed is set before the subscriber leaves s.subs, so a dispatch pass
	// that already copied the slice skips it.
	removed atomic.Bool
}

// batch is the change set of one mutation, queued for dispatch.
type batch struct {
	changes []csstate.Change
	segs    [][]string // Parsed change paths, index-aligned with changes
	silent  bool       // Skip subscribers and the state:changed event
	persist bool       // Save if a persistent path was touched
}

// Store is a hierarchical key-path state store. The tree is guarded by an
// RWMutex; notification runs outside it.
//
// Dispatch is serialized: mutations enqueue their change set while still
// holding the tree lock, and a single drainer delivers batches in order. A
// mutation made from inside a subscriber is delivered after the current pass.
// With concurrent writers, a Set may return before its notification has been
// delivered by the goroutine that is already draining.
type Store struct {
	name string

	// Guarded by mu. subs is copy-on-write so dispatch can iterate a
	// snapshot without holding the lock.
	mu             sync.RWMutex
	tree           map[string]interface{}
	subs           []*subscriber
	nextID         uint64
	persistentKeys []string

	// Collaborators, fixed after NewStore.
	persister Persister
	bus       *events.EventBus
	log       cslog.Logger
	observer  Observer

	// Dispatch queue. dispatching marks the goroutine currently draining.
	dispatchMu  sync.Mutex
	queue       []batch
	dispatching bool

	// Serializes Save calls so projections reach storage in order.
	saveMu sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(log cslog.Logger) Option {
	return func(s *Store) {
		if log != nil {
			s.log = log
		}
	}
}

// WithPersister sets the backend used by Init and by persisting mutations.
func WithPersister(p Persister) Option {
	return func(s *Store) { s.persister = p }
}

// WithPersistentKeys declares the key paths written to durable storage.
func WithPersistentKeys(keys ...string) Option {
	return func(s *Store) { s.persistentKeys = normalizeKeys(keys) }
}

// WithBus uses bus instead of a private one.
func WithBus(bus *events.EventBus) Option {
	return func(s *Store) { s.bus = bus }
}

// WithObserver installs a dispatch observer.
func WithObserver(o Observer) Option {
	return func(s *Store) { s.observer = o }
}

// NewStore creates an empty store named name. The name is used as the Source
// of emitted events and in log output.
func NewStore(name string, opts ...Option) *Store {
	s := &Store{
		name: name,
		tree: make(map[string]interface{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	// Fill in whatever the options left unset.
	if s.log == nil {
		s.log = logger.NewNopLogger()
	}
	s.log = s.log.With("store", name)
	if s.bus == nil {
		s.bus = events.NewEventBus(name, s.log)
	}
	return s
}

// Name returns the store name.
func (s *Store) Name() string { return s.name }

// Bus returns the store's event bus.
func (s *Store) Bus() *events.EventBus { return s.bus }

// Get returns a copy of the value at path, or (nil, false) if it is absent
// or the path is invalid.
func (s *Store) Get(path string) (interface{}, bool) {
	segs, err := ParsePath(path)
	if err != nil {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	val, ok := lookup(s.tree, segs)
	if !ok {
		return nil, false
	}
	return util.DeepCopy(val), true
}

// GetInto decodes the value at path into out through JSON. It reports false
// if the path is absent.
func (s *Store) GetInto(path string, out interface{}) (bool, error) {
	val, ok := s.Get(path)
	if !ok {
		return false, nil
	}
	if err := Decode(val, out); err != nil {
		return true, fmt.Errorf("decode '%s': %w", path, err)
	}
	return true, nil
}

// Snapshot returns an independent copy of the whole tree.
func (s *Store) Snapshot() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return util.CopyTree(s.tree)
}

// Set stores value at path, creating intermediate nodes. Setting a value
// deep-equal to the current one is a no-op.
func (s *Store) Set(path string, value interface{}, opts ...csstate.MutationOption) error {
	segs, err := ParsePath(path)
	if err != nil {
		return err
	}
	o := csstate.ResolveOptions(opts...)

	s.mu.Lock()
	change, changed := setChange(s.tree, segs, value)
	if !changed {
		// Deep-equal value: no change record, no notification.
		s.mu.Unlock()
		return nil
	}
	// Store a private copy so the caller can keep mutating value.
	assign(s.tree, segs, util.DeepCopy(value))
	s.enqueueLocked([]csstate.Change{change}, o)
	s.mu.Unlock()

	// Deliver outside the tree lock.
	s.drain()
	return nil
}

// Merge deep-merges partial into the tree. Every leaf written is a separate
// change, and the whole merge is one notification.
func (s *Store) Merge(partial map[string]interface{}, opts ...csstate.MutationOption) error {
	if err := validateKeys(partial, nil); err != nil {
		return err
	}
	o := csstate.ResolveOptions(opts...)

	s.mu.Lock()
	// One change per leaf written; equal leaves are skipped.
	var changes []csstate.Change
	mergeInto(s.tree, nil, partial, &changes)
	if len(changes) == 0 {
		s.mu.Unlock()
		return nil
	}
	s.enqueueLocked(changes, o)
	s.mu.Unlock()

	s.drain()
	return nil
}

// Delete removes path. Deleting an absent path is a no-op.
func (s *Store) Delete(path string, opts ...csstate.MutationOption) error {
	segs, err := ParsePath(path)
	if err != nil {
		return err
	}
	o := csstate.ResolveOptions(opts...)

	s.mu.Lock()
	old, existed := remove(s.tree, segs)
	if !existed {
		s.mu.Unlock()
		return nil
	}
	s.enqueueLocked([]csstate.Change{{Path: path, OldValue: old, Existed: true, Deleted: true}}, o)
	s.mu.Unlock()

	s.drain()
	return nil
}

// Replace swaps the whole tree for next. Each top-level key that differs is
// one change.
func (s *Store) Replace(next map[string]interface{}, opts ...csstate.MutationOption) error {
	if err := validateKeys(next, nil); err != nil {
		return err
	}
	o := csstate.ResolveOptions(opts...)
	next = util.CopyTree(next)

	s.mu.Lock()
	// Union of old and new top-level keys, sorted for a stable change list.
	keys := make([]string, 0, len(s.tree)+len(next))
	for k := range s.tree {
		keys = append(keys, k)
	}
	for k := range next {
		if _, ok := s.tree[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var changes []csstate.Change
	for _, k := range keys {
		old, existed := s.tree[k]
		val, present := next[k]
		switch {
		case !present:
			changes = append(changes, csstate.Change{Path: k, OldValue: old, Existed: true, Deleted: true})
		case existed && reflect.DeepEqual(old, val):
			// Unchanged
		default:
			changes = append(changes, csstate.Change{Path: k, OldValue: old, NewValue: util.DeepCopy(val), Existed: existed})
		}
	}
	if len(changes) == 0 {
		s.mu.Unlock()
		return nil
	}
	s.tree = next
	s.enqueueLocked(changes, o)
	s.mu.Unlock()

	s.drain()
	return nil
}

// Subscribe registers fn for changes related to path. "*" or "" subscribes
// to every change. An invalid path is logged and yields a no-op
// unsubscribe.
func (s *Store) Subscribe(path string, fn csstate.Subscriber) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	sub := &subscriber{path: path, fn: fn, global: IsGlobal(path)}
	if !sub.global {
		segs, err := ParsePath(path)
		if err != nil {
			s.log.Warnf("Ignoring subscription to invalid path '%s': %v", path, err)
			return func() {}
		}
		sub.segs = segs
	}

	s.mu.Lock()
	s.nextID++
	sub.id = s.nextID
	// Copy-on-write: a pass iterating the old slice is unaffected.
	subs := make([]*subscriber, 0, len(s.subs)+1)
	subs = append(subs, s.subs...)
	s.subs = append(subs, sub)
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { s.unsubscribe(sub) })
	}
}

// unsubscribe removes sub. It is reached at most once per registration.
func (s *Store) unsubscribe(sub *subscriber) {
	sub.removed.Store(true)
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.subs {
		if existing.id == sub.id {
			subs := make([]*subscriber, 0, len(s.subs)-1)
			subs = append(subs, s.subs[:i]...)
			s.subs = append(subs, s.subs[i+1:]...)
			return
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (s *Store) SubscriberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Reset clears the tree, every subscription, pending notifications and the
// store bus. Persistent keys are kept.
func (s *Store) Reset() {
	// Lock order is mu then dispatchMu, matching enqueueLocked.
	s.mu.Lock()
	for _, sub := range s.subs {
		sub.removed.Store(true)
	}
	s.tree = make(map[string]interface{})
	s.subs = nil
	s.dispatchMu.Lock()
	s.queue = nil
	s.dispatchMu.Unlock()
	s.mu.Unlock()

	s.bus.RemoveAllListeners()
}

// SetPersistentKeys replaces the persistent key list.
func (s *Store) SetPersistentKeys(keys ...string) {
	s.mu.Lock()
	s.persistentKeys = normalizeKeys(keys)
	s.mu.Unlock()
}

// AddPersistentKey declares one more persistent key path.
func (s *Store) AddPersistentKey(key string) {
	s.mu.Lock()
	s.persistentKeys = normalizeKeys(append(append([]string(nil), s.persistentKeys...), key))
	s.mu.Unlock()
}

// RemovePersistentKey stops persisting key. Stored data is rewritten on the
// next persisting mutation.
func (s *Store) RemovePersistentKey(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.persistentKeys[:0:0]
	for _, k := range s.persistentKeys {
		if k != key {
			out = append(out, k)
		}
	}
	s.persistentKeys = out
}

// PersistentKeys returns a copy of the persistent key list.
func (s *Store) PersistentKeys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.persistentKeys...)
}

// Init hydrates the tree from the persister. Only persistent key paths are
// taken from the loaded data, and the merge notifies nobody.
func (s *Store) Init(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}
	loaded := s.persister.Load(ctx)
	if len(loaded) == 0 {
		// Absent or malformed blobs load as empty.
		return nil
	}
	// Keys that are no longer declared persistent are dropped.
	filtered := Project(loaded, s.PersistentKeys())
	if len(filtered) == 0 {
		return nil
	}
	if err := s.Merge(filtered, csstate.WithSilent(), csstate.WithPersist(false)); err != nil {
		return cserrors.NewInitializationError(s.name, err)
	}
	s.log.Debugf("Hydrated %d persistent key(s)", len(filtered))
	return nil
}

// ApplyExternal merges state written by another process. Only persistent
// paths are taken, subscribers are notified, and nothing is written back.
func (s *Store) ApplyExternal(tree map[string]interface{}) error {
	filtered := Project(tree, s.PersistentKeys())
	if len(filtered) == 0 {
		return nil
	}
	return s.Merge(filtered, csstate.WithPersist(false))
}

// Persist writes the persistent projection of the tree immediately.
func (s *Store) Persist(ctx context.Context) {
	if s.persister == nil {
		return
	}
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	// Project under the read lock; storage I/O happens outside it.
	s.mu.RLock()
	keys := append([]string(nil), s.persistentKeys...)
	projected := Project(s.tree, keys)
	s.mu.RUnlock()

	s.persister.Save(ctx, projected, keys)
}

// enqueueLocked must be called with s.mu held for writing, so queue order
// matches the order mutations were applied.
func (s *Store) enqueueLocked(changes []csstate.Change, o csstate.MutationOptions) {
	b := batch{
		changes: changes,
		segs:    make([][]string, len(changes)),
		silent:  o.Silent,
		persist: o.Persist,
	}
	for i, c := range changes {
		b.segs[i] = strings.Split(c.Path, ".")
	}
	s.dispatchMu.Lock()
	s.queue = append(s.queue, b)
	s.dispatchMu.Unlock()
}

// drain delivers queued batches unless another call is already doing so.
func (s *Store) drain() {
	s.dispatchMu.Lock()
	if s.dispatching {
		s.dispatchMu.Unlock()
		return
	}
	s.dispatching = true
	// Batches enqueued by subscribers during dispatch are picked up here.
	for len(s.queue) > 0 {
		b := s.queue[0]
		s.queue = s.queue[1:]
		s.dispatchMu.Unlock()
		s.dispatch(b)
		s.dispatchMu.Lock()
	}
	s.dispatching = false
	s.dispatchMu.Unlock()
}

// dispatch delivers one batch: each subscriber gets the changes related to
// its path, then the bus gets one state:changed event, then the persistent
// projection is saved if needed.
func (s *Store) dispatch(b batch) {
	if !b.silent {
		s.mu.RLock()
		subs := s.subs
		s.mu.RUnlock()

		for _, sub := range subs {
			if sub.removed.Load() {
				continue
			}
			matched := sub.match(b)
			if len(matched) == 0 {
				continue
			}
			s.notify(sub, csstate.Notification{Changes: matched})
		}
		s.bus.Emit(csevents.New(csevents.StateChanged, s.name, copyChanges(b.changes)))
	}
	if b.persist && s.touchesPersistent(b) {
		s.Persist(context.Background())
	}
}

// notify calls one subscriber, recovering and counting a panic so siblings
// still run.
func (s *Store) notify(sub *subscriber, n csstate.Notification) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorf("Subscriber %d on '%s' panicked: %v\n%s", sub.id, sub.path, r, debug.Stack())
			if s.observer != nil {
				s.observer.SubscriberPanicked(s.name)
			}
		}
	}()
	sub.fn(n)
	if s.observer != nil {
		s.observer.NotificationDelivered(s.name)
	}
}

// touchesPersistent reports whether any change in b is related to a
// persistent key path.
func (s *Store) touchesPersistent(b batch) bool {
	if s.persister == nil {
		return false
	}
	s.mu.RLock()
	keys := s.persistentKeys
	s.mu.RUnlock()
	for _, key := range keys {
		keySegs := strings.Split(key, ".")
		for _, segs := range b.segs {
			if Related(keySegs, segs) {
				return true
			}
		}
	}
	return false
}

// match returns copies of the changes in b that concern sub. Every
// subscriber gets its own copies.
func (sub *subscriber) match(b batch) []csstate.Change {
	if sub.global {
		return copyChanges(b.changes)
	}
	var out []csstate.Change
	for i, segs := range b.segs {
		if Related(sub.segs, segs) {
			out = append(out, copyChange(b.changes[i]))
		}
	}
	return out
}

// copyChange deep-copies both values of c.
func copyChange(c csstate.Change) csstate.Change {
	c.OldValue = util.DeepCopy(c.OldValue)
	c.NewValue = util.DeepCopy(c.NewValue)
	return c
}

func copyChanges(changes []csstate.Change) []csstate.Change {
	out := make([]csstate.Change, len(changes))
	for i, c := range changes {
		out[i] = copyChange(c)
	}
	return out
}

// validateKeys rejects mapping keys that cannot be addressed by a key path.
func validateKeys(tree map[string]interface{}, prefix []string) error {
	for k, v := range tree {
		if k == "" || strings.Contains(k, ".") {
			return fmt.Errorf("%w: key '%s' under '%s'", cserrors.ErrInvalidPath, k, JoinPath(prefix...))
		}
		if sub, ok := v.(map[string]interface{}); ok {
			if err := validateKeys(sub, append(prefix, k)); err != nil {
				return err
			}
		}
	}
	return nil
}

// normalizeKeys drops invalid and duplicate key paths, keeping first-seen
// order.
func normalizeKeys(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, err := ParsePath(k); err != nil {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

// Normalize converts a typed value into the generic JSON form stored in the
// tree (maps, slices, float64, string, bool, nil).
func Normalize(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// NormalizeTree is Normalize for values that encode as JSON objects.
func NormalizeTree(v interface{}) (map[string]interface{}, error) {
	n, err := Normalize(v)
	if err != nil {
		return nil, err
	}
	tree, ok := n.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("value of type %T does not encode as an object", v)
	}
	return tree, nil
}

// Decode converts a generic tree value into out through JSON.
func Decode(v interface{}, out interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// Compile-time check against the public contract.
var _ csstate.Store = (*Store)(nil)
