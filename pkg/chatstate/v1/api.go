package v1

import (
	"context"

	"github.com/gxo-labs/chatstate/internal/apiclient"
	"github.com/gxo-labs/chatstate/internal/config"
	"github.com/gxo-labs/chatstate/internal/environment"
	"github.com/gxo-labs/chatstate/internal/scheduler"
	cserrors "github.com/gxo-labs/chatstate/pkg/chatstate/v1/errors"
	"github.com/gxo-labs/chatstate/pkg/chatstate/v1/events"
	"github.com/gxo-labs/chatstate/pkg/chatstate/v1/metrics"
	"github.com/gxo-labs/chatstate/pkg/chatstate/v1/secrets"
	"github.com/gxo-labs/chatstate/pkg/chatstate/v1/state"
	"github.com/gxo-labs/chatstate/pkg/chatstate/v1/storage"
	"github.com/gxo-labs/chatstate/pkg/chatstate/v1/tracing"
)

// ConnectionStatus is the application-wide link state.
type ConnectionStatus string

const (
	ConnectionDisconnected ConnectionStatus = "disconnected"
	ConnectionConnecting   ConnectionStatus = "connecting"
	ConnectionConnected    ConnectionStatus = "connected"
	ConnectionOnline       ConnectionStatus = "online"
	ConnectionOffline      ConnectionStatus = "offline"
)

// Valid reports whether s is a known status.
func (s ConnectionStatus) Valid() bool {
	switch s {
	case ConnectionDisconnected, ConnectionConnecting, ConnectionConnected, ConnectionOnline, ConnectionOffline:
		return true
	}
	return false
}

// ConnectionTransition is the payload of connection:status.
type ConnectionTransition struct {
	From ConnectionStatus `json:"from"`
	To   ConnectionStatus `json:"to"`
}

// Reaction is one cross-store wiring rule: when store From emits Event,
// Handle calls mutation methods on the stores listed in To. Async reactions
// run off the emitting goroutine and are awaited by Destroy.
type Reaction struct {
	Name   string
	Event  events.EventType
	From   string
	To     []string
	Async  bool
	Handle func(ctx context.Context, event events.Event) error
}

// ApplicationV1 is the facade over every domain store.
type ApplicationV1 interface {
	// Init initializes every domain store in parallel. The first failure is
	// returned and the application does not become ready.
	Init(ctx context.Context) error
	// Destroy tears every store down. It is safe before Init and idempotent.
	Destroy(ctx context.Context) error
	Ready() bool

	// GetState reads "<store>.<path>"; an empty path returns every store.
	GetState(path string) (interface{}, bool)
	SetState(path string, value interface{}) error
	Subscribe(path string, fn state.Subscriber) (unsubscribe func())
	EventBus() events.Bus

	ConnectionStatus() ConnectionStatus
	// SetConnectionStatus reports whether the status actually changed.
	SetConnectionStatus(status ConnectionStatus) (bool, error)

	MetricsRegistryProvider() metrics.RegistryProvider
	TracerProvider() tracing.TracerProvider

	// Setter methods used by the options below during construction.
	SetConfig(cfg *config.Config) error
	SetStorage(st storage.Storage) error
	SetAPIClient(api apiclient.API) error
	SetSecretsProvider(provider secrets.Provider) error
	SetMetricsRegistryProvider(provider metrics.RegistryProvider) error
	SetTracerProvider(provider tracing.TracerProvider) error
	SetScheduler(s scheduler.Scheduler) error
	SetEnvironment(env environment.Environment) error
	AddReactions(reactions ...Reaction) error
}

// AppOption configures the application at creation.
type AppOption func(ApplicationV1) error

// WithConfig supplies the loaded configuration.
func WithConfig(cfg *config.Config) AppOption {
	return func(a ApplicationV1) error {
		if cfg == nil {
			return cserrors.NewConfigError("config cannot be nil", nil)
		}
		return a.SetConfig(cfg)
	}
}

// WithStorage supplies the durable storage shared by all stores.
func WithStorage(st storage.Storage) AppOption {
	return func(a ApplicationV1) error {
		if st == nil {
			return cserrors.NewConfigError("storage cannot be nil", nil)
		}
		return a.SetStorage(st)
	}
}

// WithAPIClient supplies the REST client used by load methods.
func WithAPIClient(api apiclient.API) AppOption {
	return func(a ApplicationV1) error {
		if api == nil {
			return cserrors.NewConfigError("api client cannot be nil", nil)
		}
		return a.SetAPIClient(api)
	}
}

// WithSecretsProvider supplies the provider for the TURN shared secret.
func WithSecretsProvider(provider secrets.Provider) AppOption {
	return func(a ApplicationV1) error {
		if provider == nil {
			return cserrors.NewConfigError("secrets provider cannot be nil", nil)
		}
		return a.SetSecretsProvider(provider)
	}
}

// WithMetricsRegistryProvider supplies the Prometheus registry.
func WithMetricsRegistryProvider(provider metrics.RegistryProvider) AppOption {
	return func(a ApplicationV1) error {
		if provider == nil {
			return cserrors.NewConfigError("metrics registry provider cannot be nil", nil)
		}
		return a.SetMetricsRegistryProvider(provider)
	}
}

// WithTracerProvider supplies the tracing provider.
func WithTracerProvider(provider tracing.TracerProvider) AppOption {
	return func(a ApplicationV1) error {
		if provider == nil {
			return cserrors.NewConfigError("tracer provider cannot be nil", nil)
		}
		return a.SetTracerProvider(provider)
	}
}

// WithScheduler supplies the clock used for timers and timestamps.
func WithScheduler(s scheduler.Scheduler) AppOption {
	return func(a ApplicationV1) error {
		if s == nil {
			return cserrors.NewConfigError("scheduler cannot be nil", nil)
		}
		return a.SetScheduler(s)
	}
}

// WithEnvironment supplies the host environment signals.
func WithEnvironment(env environment.Environment) AppOption {
	return func(a ApplicationV1) error {
		if env == nil {
			return cserrors.NewConfigError("environment cannot be nil", nil)
		}
		return a.SetEnvironment(env)
	}
}

// WithReactions adds wiring rules on top of the built-in ones. The combined
// wiring must stay acyclic.
func WithReactions(reactions ...Reaction) AppOption {
	return func(a ApplicationV1) error {
		return a.AddReactions(reactions...)
	}
}
