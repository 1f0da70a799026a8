// Package app composes the domain stores into one application facade. It
// owns the store registry, the cross-store wiring and the shared lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gxo-labs/chatstate/internal/apiclient"
	"github.com/gxo-labs/chatstate/internal/config"
	"github.com/gxo-labs/chatstate/internal/environment"
	intEvents "github.com/gxo-labs/chatstate/internal/events"
	intMetrics "github.com/gxo-labs/chatstate/internal/metrics"
	"github.com/gxo-labs/chatstate/internal/persistence"
	"github.com/gxo-labs/chatstate/internal/retry"
	"github.com/gxo-labs/chatstate/internal/scheduler"
	intSecrets "github.com/gxo-labs/chatstate/internal/secrets"
	"github.com/gxo-labs/chatstate/internal/state"
	"github.com/gxo-labs/chatstate/internal/stores"
	"github.com/gxo-labs/chatstate/internal/stores/call"
	"github.com/gxo-labs/chatstate/internal/stores/chat"
	"github.com/gxo-labs/chatstate/internal/stores/notification"
	"github.com/gxo-labs/chatstate/internal/stores/ui"
	"github.com/gxo-labs/chatstate/internal/stores/user"
	intTracing "github.com/gxo-labs/chatstate/internal/tracing"
	chatstate "github.com/gxo-labs/chatstate/pkg/chatstate/v1"
	cserrors "github.com/gxo-labs/chatstate/pkg/chatstate/v1/errors"
	csevents "github.com/gxo-labs/chatstate/pkg/chatstate/v1/events"
	cslog "github.com/gxo-labs/chatstate/pkg/chatstate/v1/log"
	"github.com/gxo-labs/chatstate/pkg/chatstate/v1/metrics"
	"github.com/gxo-labs/chatstate/pkg/chatstate/v1/secrets"
	csstate "github.com/gxo-labs/chatstate/pkg/chatstate/v1/state"
	"github.com/gxo-labs/chatstate/pkg/chatstate/v1/storage"
	cstracing "github.com/gxo-labs/chatstate/pkg/chatstate/v1/tracing"
	"golang.org/x/sync/errgroup"
)

// appStateName addresses the application's own tree in GetState paths.
const appStateName = "app"

// Application is the facade over every domain store.
type Application struct {
	// Collaborators set by options
	cfg             *config.Config
	storage         storage.Storage
	api             apiclient.API
	secretsProvider secrets.Provider
	metricsProvider metrics.RegistryProvider
	tracerProvider  cstracing.TracerProvider
	sched           scheduler.Scheduler
	env             environment.Environment
	extraReactions  []chatstate.Reaction
	log             cslog.Logger
	built           bool

	// Stores
	registry     *Registry
	ui           *ui.Store
	user         *user.Store
	chat         *chat.Store
	call         *call.Store
	notification *notification.Store

	bus       *intEvents.EventBus
	state     *state.Store
	collector *intMetrics.Collectors
	listener  *intEvents.MetricsEventListener
	tracker   *intSecrets.SecretTracker
	reactions []chatstate.Reaction
	subs      []csevents.Subscription

	// Lifecycle
	ctx       context.Context
	cancel    context.CancelFunc
	initMu    sync.Mutex
	ready     atomic.Bool
	destroyed atomic.Bool
	spawnMu   sync.Mutex
	closing   bool
	pending   sync.WaitGroup

	// Session scopes work started for the signed-in user. It is replaced on
	// every login and logout, which cancels whatever the previous one started.
	sessionMu     sync.Mutex
	sessionCtx    context.Context
	sessionCancel context.CancelFunc
}

var _ chatstate.ApplicationV1 = (*Application)(nil)

// NewApplication builds every domain store and validates the wiring. It does
// not touch storage or the network; call Init for that.
func NewApplication(log cslog.Logger, opts ...chatstate.AppOption) (*Application, error) {
	if log == nil {
		return nil, cserrors.NewConfigError("logger cannot be nil", nil)
	}
	a := &Application{log: log.With("component", "Application")}

	for _, opt := range opts {
		if err := opt(a); err != nil {
			return nil, cserrors.NewConfigError(fmt.Sprintf("failed to apply application option: %v", err), err)
		}
	}

	if a.cfg == nil {
		a.cfg = config.Default()
	}
	if a.storage == nil {
		a.log.Warnf("No storage provided, persisted state lives in memory only.")
	}
	if a.secretsProvider == nil {
		a.secretsProvider = intSecrets.NewEnvProvider()
	}
	if a.metricsProvider == nil {
		a.metricsProvider = intMetrics.NewPrometheusRegistryProvider()
	}
	if a.tracerProvider == nil {
		a.tracerProvider = intTracing.NewNoOpProvider()
	}
	if a.sched == nil {
		a.sched = scheduler.Real()
	}
	if a.env == nil {
		a.env = environment.FromEnv()
	}

	if err := a.build(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Application) build() error {
	a.tracker = intSecrets.NewSecretTracker()
	a.collector = intMetrics.NewCollectors(a.metricsProvider.Registry())
	if a.api == nil && a.cfg.GetAPIBaseURL() != "" {
		client, err := a.newAPIClient()
		if err != nil {
			return err
		}
		a.api = client
	}
	deps := stores.Deps{
		Logger:    a.log,
		Storage:   a.storage,
		API:       a.api,
		Secrets:   a.secretsProvider,
		Tracker:   a.tracker,
		Metrics:   a.collector,
		Tracer:    a.tracerProvider,
		Scheduler: a.sched,
	}

	uiOpts := ui.OptionsFromConfig(a.cfg)
	uiOpts.Environment = a.env
	a.ui = ui.New(deps, uiOpts)
	a.user = user.New(deps)
	a.chat = chat.New(deps)
	a.call = call.New(deps, call.OptionsFromConfig(a.cfg))
	a.notification = notification.New(deps)

	a.registry = NewRegistry()
	for _, s := range []stores.DomainStore{a.ui, a.user, a.chat, a.call, a.notification} {
		if err := a.registry.Register(s); err != nil {
			return err
		}
	}

	a.reactions = append(a.defaultReactions(), a.extraReactions...)
	if err := ValidateReactions(a.reactions); err != nil {
		return err
	}
	for _, r := range a.reactions {
		for _, name := range append([]string{r.From}, r.To...) {
			if _, err := a.registry.Get(name); err != nil {
				return cserrors.NewConfigError(fmt.Sprintf("reaction '%s' refers to unknown store '%s'", r.Name, name), err)
			}
		}
	}

	a.bus = intEvents.NewEventBus(appStateName, a.log)
	a.state = state.NewStore(appStateName, state.WithLogger(a.log), state.WithBus(a.bus), state.WithObserver(a.collector))
	if err := a.state.Replace(map[string]interface{}{
		"connectionStatus": string(chatstate.ConnectionDisconnected),
		"ready":            false,
	}, csstate.WithSilent(), csstate.WithPersist(false)); err != nil {
		return err
	}

	a.listener = intEvents.NewMetricsEventListener(a.collector.EventsEmitted, a.collector.ListenerPanics, a.log)
	a.listener.Attach(a.bus)
	for _, s := range a.registry.All() {
		a.listener.Attach(s.State().Bus())
	}

	a.ctx, a.cancel = context.WithCancel(context.Background())
	a.rotateSession()
	a.wire()
	a.built = true
	return nil
}

// newAPIClient builds the REST client described by the api config section.
func (a *Application) newAPIClient() (*apiclient.Client, error) {
	opts := []apiclient.Option{
		apiclient.WithTimeout(a.cfg.GetAPITimeout()),
		apiclient.WithLogger(a.log),
		apiclient.WithTracerProvider(a.tracerProvider),
		apiclient.WithObserver(a.collector),
		apiclient.WithSecretTracker(a.tracker),
		apiclient.WithRetry(retry.Config{
			Attempts:      a.cfg.GetRetryAttempts(),
			Delay:         a.cfg.GetRetryDelay(),
			MaxDelay:      a.cfg.GetRetryMaxDelay(),
			BackoffFactor: a.cfg.GetRetryBackoffFactor(),
			Jitter:        a.cfg.GetRetryJitter(),
		}),
	}
	if key := a.cfg.GetAPITokenSecret(); key != "" {
		opts = append(opts, apiclient.WithBearerToken(a.secretsProvider, key))
	}
	return apiclient.New(a.cfg.GetAPIBaseURL(), opts...)
}

// wire forwards every store event to the application bus and installs the
// reactions on their source buses.
func (a *Application) wire() {
	for _, s := range a.registry.All() {
		a.subs = append(a.subs, s.State().Bus().OnAny(a.bus.Emit))
	}
	// Registered ahead of the reactions so they see the new session.
	userBus := a.user.State().Bus()
	a.subs = append(a.subs,
		userBus.On(csevents.UserAuthenticated, func(csevents.Event) { a.rotateSession() }),
		userBus.On(csevents.UserLogout, func(csevents.Event) { a.rotateSession() }),
	)
	for _, r := range a.reactions {
		src, _ := a.registry.Get(r.From)
		r := r
		a.subs = append(a.subs, src.State().Bus().On(r.Event, func(e csevents.Event) {
			if r.Async {
				a.spawn(r, e)
				return
			}
			a.run(a.ctx, r, e)
		}))
	}
}

func (a *Application) run(ctx context.Context, r chatstate.Reaction, e csevents.Event) {
	ctx, span := intTracing.StartSpan(ctx, a.tracerProvider, "chatstate.app.reaction",
		intTracing.AttrStore.String(r.From),
		intTracing.AttrOperation.String(r.Name),
	)
	defer span.End()
	if err := r.Handle(ctx, e); err != nil {
		intTracing.RecordError(span, err, a.tracker)
		a.log.Warnf("Reaction '%s' to '%s' failed: %v", r.Name, e.Type, err)
	}
}

// spawn runs r on its own goroutine unless the application is shutting down.
// The reaction runs under the session current at emit time.
func (a *Application) spawn(r chatstate.Reaction, e csevents.Event) {
	ctx := a.session()
	a.spawnMu.Lock()
	defer a.spawnMu.Unlock()
	if a.closing {
		a.log.Debugf("Dropping reaction '%s' during shutdown", r.Name)
		return
	}
	a.pending.Add(1)
	go func() {
		defer a.pending.Done()
		a.run(ctx, r, e)
	}()
}

// rotateSession cancels the current session and starts a new one.
func (a *Application) rotateSession() {
	a.sessionMu.Lock()
	defer a.sessionMu.Unlock()
	if a.sessionCancel != nil {
		a.sessionCancel()
	}
	a.sessionCtx, a.sessionCancel = context.WithCancel(a.ctx)
}

func (a *Application) session() context.Context {
	a.sessionMu.Lock()
	defer a.sessionMu.Unlock()
	return a.sessionCtx
}

// WaitIdle blocks until every asynchronous reaction started so far has
// finished or ctx is done.
func (a *Application) WaitIdle(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Init initializes every store in parallel. The first failure cancels the
// remaining ones and is returned; the application stays not ready.
func (a *Application) Init(ctx context.Context) error {
	a.initMu.Lock()
	defer a.initMu.Unlock()
	if a.destroyed.Load() {
		return cserrors.NewConfigError("application already destroyed", nil)
	}
	if a.ready.Load() {
		return nil
	}

	start := time.Now()
	ctx, span := intTracing.StartSpan(ctx, a.tracerProvider, "chatstate.app.init")
	defer span.End()

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range a.registry.All() {
		s := s
		g.Go(func() error {
			sctx, sspan := intTracing.StartSpan(gctx, a.tracerProvider, "chatstate.app.init_store", intTracing.AttrStore.String(s.Name()))
			defer sspan.End()
			if err := s.Init(sctx); err != nil {
				intTracing.RecordError(sspan, err, a.tracker)
				var initErr *cserrors.InitializationError
				if !errors.As(err, &initErr) {
					err = cserrors.NewInitializationError(s.Name(), err)
				}
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		intTracing.RecordError(span, err, a.tracker)
		a.log.Errorf("Application init failed: %v", err)
		return err
	}

	if a.cfg.WatchStorage() {
		watched := WatchStores(a.ctx, a.log, a.registry.All())
		a.log.Debugf("Watching storage for stores %v", watched)
	}
	_ = a.state.Set("ready", true, csstate.WithPersist(false))
	a.ready.Store(true)
	a.log.Infof("Application ready with stores %s in %s", strings.Join(a.registry.List(), ", "), time.Since(start))
	a.bus.Emit(csevents.New(csevents.AppReady, appStateName, a.registry.List()))
	return nil
}

// WatchStores merges writes made by other processes into each store until
// ctx is done and returns the names of the stores being watched. Stores whose
// backend cannot watch are skipped; the others are still watched.
func WatchStores(ctx context.Context, log cslog.Logger, list []stores.DomainStore) []string {
	var watched []string
	for _, s := range list {
		base, ok := s.(interface{ Adapter() *persistence.Adapter })
		if !ok || base.Adapter() == nil {
			continue
		}
		st := s.State()
		name := s.Name()
		supported, err := base.Adapter().Watch(ctx, func(tree map[string]interface{}) {
			if err := st.ApplyExternal(tree); err != nil {
				log.Warnf("Failed to apply external change to '%s': %v", name, err)
			}
		})
		if err != nil {
			log.Warnf("Storage watch for '%s' failed: %v", name, err)
			continue
		}
		if !supported {
			log.Debugf("Storage backend cannot watch; external changes to '%s' are ignored", name)
			continue
		}
		watched = append(watched, name)
	}
	return watched
}

// Destroy stops reactions, tears every store down in parallel and clears
// the application's own bus and state. It is safe before Init and only the
// first call does anything.
func (a *Application) Destroy(ctx context.Context) error {
	if !a.destroyed.CompareAndSwap(false, true) {
		return nil
	}
	a.spawnMu.Lock()
	a.closing = true
	a.spawnMu.Unlock()
	a.cancel()

	for _, sub := range a.subs {
		sub.Unsubscribe()
	}
	a.subs = nil
	waitErr := a.WaitIdle(ctx)

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range a.registry.All() {
		s := s
		g.Go(func() error {
			if err := s.Destroy(gctx); err != nil {
				return fmt.Errorf("destroy store '%s': %w", s.Name(), err)
			}
			return nil
		})
	}
	err := g.Wait()

	a.ready.Store(false)
	a.bus.Emit(csevents.New(csevents.AppDestroyed, appStateName, nil))
	a.listener.Detach()
	a.bus.RemoveAllListeners()
	a.state.Reset()
	a.log.Infof("Application destroyed")

	if err != nil {
		return err
	}
	return waitErr
}

// Ready reports whether Init completed successfully and Destroy has not run.
func (a *Application) Ready() bool { return a.ready.Load() }

// GetState reads "<store>.<path>". An empty path returns a snapshot of
// every store keyed by name, plus the application's own tree under "app".
func (a *Application) GetState(path string) (interface{}, bool) {
	if state.IsGlobal(path) {
		out := make(map[string]interface{})
		for _, s := range a.registry.All() {
			out[s.Name()] = s.State().Snapshot()
		}
		out[appStateName] = a.state.Snapshot()
		return out, true
	}
	target, rest, err := a.resolve(path)
	if err != nil {
		return nil, false
	}
	if rest == "" {
		return target.Snapshot(), true
	}
	return target.Get(rest)
}

// SetState writes "<store>.<path>". The application tree is read-only.
func (a *Application) SetState(path string, value interface{}) error {
	target, rest, err := a.resolve(path)
	if err != nil {
		return err
	}
	if target == a.state {
		return cserrors.NewValidationError("application state is read-only", nil)
	}
	if rest == "" {
		return cserrors.NewValidationError(fmt.Sprintf("path '%s' must address a key inside the store", path), cserrors.ErrInvalidPath)
	}
	norm, err := state.Normalize(value)
	if err != nil {
		return cserrors.NewValidationError("value cannot be stored", err)
	}
	return target.Set(rest, norm)
}

// Subscribe watches "<store>.<path>". Change paths delivered to fn carry the
// store prefix. An empty or global path watches every store; an unknown
// store yields a no-op subscription.
func (a *Application) Subscribe(path string, fn csstate.Subscriber) (unsubscribe func()) {
	if fn == nil {
		panic("Subscribe requires a non-nil subscriber")
	}
	if state.IsGlobal(path) {
		var unsubs []func()
		for _, s := range a.registry.All() {
			unsubs = append(unsubs, s.State().Subscribe(state.GlobalPath, prefixed(s.Name(), fn)))
		}
		unsubs = append(unsubs, a.state.Subscribe(state.GlobalPath, prefixed(appStateName, fn)))
		return func() {
			for _, u := range unsubs {
				u()
			}
		}
	}
	target, rest, err := a.resolve(path)
	if err != nil {
		a.log.Warnf("Ignoring subscription to '%s': %v", path, err)
		return func() {}
	}
	if rest == "" {
		rest = state.GlobalPath
	}
	return target.Subscribe(rest, prefixed(target.Name(), fn))
}

func prefixed(name string, fn csstate.Subscriber) csstate.Subscriber {
	return func(n csstate.Notification) {
		changes := make([]csstate.Change, len(n.Changes))
		for i, c := range n.Changes {
			c.Path = name + "." + c.Path
			changes[i] = c
		}
		fn(csstate.Notification{Changes: changes})
	}
}

func (a *Application) resolve(path string) (*state.Store, string, error) {
	name, rest, _ := strings.Cut(path, ".")
	if name == appStateName {
		return a.state, rest, nil
	}
	s, err := a.registry.Get(name)
	if err != nil {
		return nil, "", err
	}
	return s.State(), rest, nil
}

// EventBus carries every store event plus the application lifecycle and
// connection events.
func (a *Application) EventBus() csevents.Bus { return a.bus }

// ConnectionStatus returns the current link state.
func (a *Application) ConnectionStatus() chatstate.ConnectionStatus {
	v, _ := a.state.Get("connectionStatus")
	s, _ := v.(string)
	return chatstate.ConnectionStatus(s)
}

// SetConnectionStatus records status. Only a real transition emits
// connection:status and updates the UI store's online flag.
func (a *Application) SetConnectionStatus(status chatstate.ConnectionStatus) (bool, error) {
	if !status.Valid() {
		return false, cserrors.NewValidationError(fmt.Sprintf("invalid connection status '%s'", status), nil)
	}
	var prev chatstate.ConnectionStatus
	changed := false
	err := a.state.Update(func(tx *state.Tx) error {
		if _, err := tx.GetInto("connectionStatus", &prev); err != nil {
			return err
		}
		if prev == status {
			return nil
		}
		changed = true
		return tx.Set("connectionStatus", status)
	}, csstate.WithPersist(false))
	if err != nil || !changed {
		return false, err
	}

	a.log.Debugf("Connection status %s -> %s", prev, status)
	a.bus.Emit(csevents.New(csevents.ConnectionStatusChanged, appStateName, chatstate.ConnectionTransition{From: prev, To: status}))
	switch status {
	case chatstate.ConnectionOnline, chatstate.ConnectionConnected:
		a.ui.SetOnline(true)
	case chatstate.ConnectionOffline, chatstate.ConnectionDisconnected:
		a.ui.SetOnline(false)
	}
	return true, nil
}

// HandleOnline feeds the host's online signal.
func (a *Application) HandleOnline() { _, _ = a.SetConnectionStatus(chatstate.ConnectionOnline) }

// HandleOffline feeds the host's offline signal.
func (a *Application) HandleOffline() { _, _ = a.SetConnectionStatus(chatstate.ConnectionOffline) }

// Store returns the domain store registered as name.
func (a *Application) Store(name string) (stores.DomainStore, error) { return a.registry.Get(name) }

// Stores lists the registered store names.
func (a *Application) Stores() []string { return a.registry.List() }

func (a *Application) UI() *ui.Store                      { return a.ui }
func (a *Application) User() *user.Store                  { return a.user }
func (a *Application) Chat() *chat.Store                  { return a.chat }
func (a *Application) Call() *call.Store                  { return a.call }
func (a *Application) Notifications() *notification.Store { return a.notification }

func (a *Application) MetricsRegistryProvider() metrics.RegistryProvider { return a.metricsProvider }
func (a *Application) TracerProvider() cstracing.TracerProvider          { return a.tracerProvider }

// Collectors returns the metric set registered for this application.
func (a *Application) Collectors() *intMetrics.Collectors { return a.collector }

func (a *Application) checkUnbuilt(what string) error {
	if a.built {
		return cserrors.NewConfigError(what+" cannot change after construction", nil)
	}
	return nil
}

func (a *Application) SetConfig(cfg *config.Config) error {
	if err := a.checkUnbuilt("config"); err != nil {
		return err
	}
	a.cfg = cfg
	return nil
}

func (a *Application) SetStorage(st storage.Storage) error {
	if err := a.checkUnbuilt("storage"); err != nil {
		return err
	}
	a.storage = st
	return nil
}

func (a *Application) SetAPIClient(api apiclient.API) error {
	if err := a.checkUnbuilt("api client"); err != nil {
		return err
	}
	a.api = api
	return nil
}

func (a *Application) SetSecretsProvider(provider secrets.Provider) error {
	if err := a.checkUnbuilt("secrets provider"); err != nil {
		return err
	}
	a.secretsProvider = provider
	return nil
}

func (a *Application) SetMetricsRegistryProvider(provider metrics.RegistryProvider) error {
	if err := a.checkUnbuilt("metrics provider"); err != nil {
		return err
	}
	a.metricsProvider = provider
	return nil
}

func (a *Application) SetTracerProvider(provider cstracing.TracerProvider) error {
	if err := a.checkUnbuilt("tracer provider"); err != nil {
		return err
	}
	a.tracerProvider = provider
	return nil
}

func (a *Application) SetScheduler(s scheduler.Scheduler) error {
	if err := a.checkUnbuilt("scheduler"); err != nil {
		return err
	}
	a.sched = s
	return nil
}

func (a *Application) SetEnvironment(env environment.Environment) error {
	if err := a.checkUnbuilt("environment"); err != nil {
		return err
	}
	a.env = env
	return nil
}

func (a *Application) AddReactions(reactions ...chatstate.Reaction) error {
	if err := a.checkUnbuilt("wiring"); err != nil {
		return err
	}
	a.extraReactions = append(a.extraReactions, reactions...)
	return nil
}
