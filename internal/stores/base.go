// Package stores holds what every domain store shares: the dependency set,
// the namespaced persistence binding and the common lifecycle.
package stores

import (
	"context"
	"time"

	"github.com/gxo-labs/chatstate/internal/apiclient"
	"github.com/gxo-labs/chatstate/internal/events"
	"github.com/gxo-labs/chatstate/internal/logger"
	"github.com/gxo-labs/chatstate/internal/metrics"
	"github.com/gxo-labs/chatstate/internal/persistence"
	"github.com/gxo-labs/chatstate/internal/scheduler"
	"github.com/gxo-labs/chatstate/internal/secrets"
	"github.com/gxo-labs/chatstate/internal/state"
	"github.com/gxo-labs/chatstate/internal/tracing"
	cserrors "github.com/gxo-labs/chatstate/pkg/chatstate/v1/errors"
	csevents "github.com/gxo-labs/chatstate/pkg/chatstate/v1/events"
	cslog "github.com/gxo-labs/chatstate/pkg/chatstate/v1/log"
	cssecrets "github.com/gxo-labs/chatstate/pkg/chatstate/v1/secrets"
	csstate "github.com/gxo-labs/chatstate/pkg/chatstate/v1/state"
	"github.com/gxo-labs/chatstate/pkg/chatstate/v1/storage"
	cstracing "github.com/gxo-labs/chatstate/pkg/chatstate/v1/tracing"
	"go.opentelemetry.io/otel/attribute"
)

// NamespacePrefix prefixes every store's durable storage key.
const NamespacePrefix = "chatstate."

// DomainStore is the lifecycle every domain store implements.
type DomainStore interface {
	Name() string
	Init(ctx context.Context) error
	// Clear restores defaults and keeps subscribers.
	Clear()
	// Destroy cancels timers and drops every subscriber and listener.
	Destroy(ctx context.Context) error
	State() *state.Store
}

// Deps are the collaborators handed to domain stores. Every field is
// optional; missing ones fall back to in-process defaults.
type Deps struct {
	Logger    cslog.Logger
	Storage   storage.Storage
	API       apiclient.API
	Secrets   cssecrets.Provider
	Tracker   *secrets.SecretTracker
	Metrics   *metrics.Collectors
	Tracer    cstracing.TracerProvider
	Scheduler scheduler.Scheduler
}

// WithDefaults fills unset fields.
func (d Deps) WithDefaults() Deps {
	if d.Logger == nil {
		d.Logger = logger.NewNopLogger()
	}
	if d.Tracker == nil {
		d.Tracker = secrets.NewSecretTracker()
	}
	if d.Scheduler == nil {
		d.Scheduler = scheduler.Real()
	}
	if d.Secrets == nil {
		d.Secrets = secrets.NewEnvProvider()
	}
	return d
}

// Base is embedded by every domain store.
type Base struct {
	*state.Store

	Deps    Deps
	Log     cslog.Logger
	adapter *persistence.Adapter
}

// NewBase builds the key-path store for name with its defaults applied
// silently. persistentKeys are saved under NamespacePrefix+name when deps
// carry a Storage.
func NewBase(name string, deps Deps, defaults map[string]interface{}, persistentKeys ...string) *Base {
	deps = deps.WithDefaults()
	log := deps.Logger.With("component", "store")

	opts := []state.Option{
		state.WithLogger(log),
		state.WithPersistentKeys(persistentKeys...),
	}
	b := &Base{Deps: deps, Log: log.With("store", name)}
	if deps.Metrics != nil {
		opts = append(opts, state.WithObserver(deps.Metrics))
	}
	if deps.Storage != nil {
		adapterOpts := []persistence.AdapterOption{
			persistence.WithAdapterLogger(deps.Logger),
			persistence.WithSecretTracker(deps.Tracker),
		}
		if deps.Metrics != nil {
			adapterOpts = append(adapterOpts, persistence.WithObserver(deps.Metrics))
		}
		b.adapter = persistence.NewAdapter(NamespacePrefix+name, deps.Storage, adapterOpts...)
		opts = append(opts, state.WithPersister(b.adapter))
	}
	b.Store = state.NewStore(name, opts...)
	if err := b.Store.Replace(defaults, csstate.WithSilent(), csstate.WithPersist(false)); err != nil {
		panic("invalid default tree for store " + name + ": " + err.Error())
	}
	return b
}

// State returns the underlying key-path store.
func (b *Base) State() *state.Store { return b.Store }

// Adapter returns the persistence adapter, or nil without storage.
func (b *Base) Adapter() *persistence.Adapter { return b.adapter }

// Hydrate loads persisted keys into the tree inside a span and records the
// init duration.
func (b *Base) Hydrate(ctx context.Context) error {
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, b.Deps.Tracer, "chatstate.store.hydrate", tracing.AttrStore.String(b.Name()))
	defer span.End()

	err := b.Store.Init(ctx)
	if b.Deps.Metrics != nil {
		b.Deps.Metrics.ObserveInit(b.Name(), time.Since(start))
	}
	if err != nil {
		tracing.RecordError(span, err, b.Deps.Tracker)
		return err
	}
	return nil
}

// Restore replaces the tree with defaults and writes the persistent
// projection, keeping subscribers.
func (b *Base) Restore(defaults map[string]interface{}) {
	if err := b.Store.Replace(defaults); err != nil {
		b.Log.Errorf("Failed to restore defaults: %v", err)
	}
}

// Teardown drops every subscriber, queued notification and bus listener.
func (b *Base) Teardown() {
	b.Store.Reset()
}

// Emit publishes an event on the store bus.
func (b *Base) Emit(t csevents.EventType, payload interface{}) {
	b.Store.Bus().Emit(csevents.New(t, b.Name(), payload))
}

// EventBus returns the store bus.
func (b *Base) EventBus() *events.EventBus { return b.Store.Bus() }

// Fetch performs a traced GET. A missing API client is reported as a
// LoadError so callers can fall back to empty state.
func (b *Base) Fetch(ctx context.Context, op, path string, out interface{}) error {
	if b.Deps.API == nil {
		return cserrors.NewLoadError(b.Name(), op, errNoAPI)
	}
	ctx, span := tracing.StartSpan(ctx, b.Deps.Tracer, "chatstate.store."+op,
		tracing.AttrStore.String(b.Name()),
		tracing.AttrOperation.String(op),
		attribute.String("chatstate.path", path),
	)
	defer span.End()

	if err := b.Deps.API.Get(ctx, path, out); err != nil {
		tracing.RecordError(span, err, b.Deps.Tracker)
		return cserrors.NewLoadError(b.Name(), op, err)
	}
	return nil
}

// Normalize converts v to the tree value form. It panics on values that
// cannot be JSON encoded, which only happens with programming errors in
// domain types.
func Normalize(v interface{}) interface{} {
	n, err := state.Normalize(v)
	if err != nil {
		panic(err)
	}
	return n
}

// DefaultTree normalizes a typed default state into a tree.
func DefaultTree(v interface{}) map[string]interface{} {
	tree, err := state.NormalizeTree(v)
	if err != nil {
		panic(err)
	}
	return tree
}
