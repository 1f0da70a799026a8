package state

// Change records one leaf-level update produced by a mutation.
type Change struct {
	Path     string      `json:"path"`
	OldValue interface{} `json:"oldValue,omitempty"`
	NewValue interface{} `json:"newValue,omitempty"`

	// Existed is false when the path was absent before the mutation.
	Existed bool `json:"existed"`

	// Deleted is true when the mutation removed the path.
	Deleted bool `json:"deleted,omitempty"`
}

// Notification is delivered to a subscriber once per mutation. Changes holds
// only the changes that match the subscriber's path.
type Notification struct {
	Changes []Change
}

// Subscriber receives notifications. A subscriber that panics is recovered.
type Subscriber func(Notification)

// Reader is the read-only view of a key-path store.
type Reader interface {
	// Get returns a copy of the value at path. A missing path returns (nil, false).
	Get(path string) (interface{}, bool)
	// Snapshot returns an independent copy of the whole tree.
	Snapshot() map[string]interface{}
}

// Store is the mutation and subscription surface of a key-path store.
type Store interface {
	Reader
	Set(path string, value interface{}, opts ...MutationOption) error
	Merge(partial map[string]interface{}, opts ...MutationOption) error
	Delete(path string, opts ...MutationOption) error
	Subscribe(path string, fn Subscriber) (unsubscribe func())
	Reset()
}

// MutationOptions control a single mutation.
type MutationOptions struct {
	// Persist writes persistent paths to durable storage after notification.
	Persist bool

	// Silent applies the change without notifying subscribers. Used when
	// hydrating from durable storage.
	Silent bool
}

// MutationOption configures MutationOptions.
type MutationOption func(*MutationOptions)

// WithPersist sets whether the mutation is written to durable storage.
func WithPersist(persist bool) MutationOption {
	return func(o *MutationOptions) { o.Persist = persist }
}

// WithSilent suppresses subscriber notification for the mutation.
func WithSilent() MutationOption {
	return func(o *MutationOptions) { o.Silent = true }
}

// ResolveOptions applies opts over the defaults (persist, notify).
func ResolveOptions(opts ...MutationOption) MutationOptions {
	o := MutationOptions{Persist: true}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}
