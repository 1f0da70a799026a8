package secrets

import (
	"context"
	"os"
	"sync"

	cssecrets "github.com/gxo-labs/chatstate/pkg/chatstate/v1/secrets"
)

// TURNSharedSecretKey is the name of the secret used to mint TURN credentials.
const TURNSharedSecretKey = "TURN_SHARED_SECRET"

// EnvProvider reads secrets from environment variables.
type EnvProvider struct{}

// NewEnvProvider creates an environment variable secrets provider.
func NewEnvProvider() *EnvProvider {
	return &EnvProvider{}
}

// GetSecret returns the variable's value and whether it is set.
func (p *EnvProvider) GetSecret(_ context.Context, key string) (string, bool, error) {
	value, found := os.LookupEnv(key)
	return value, found, nil
}

// StaticProvider serves secrets from a fixed map. Used in tests and for
// embedding applications that resolve secrets themselves.
type StaticProvider struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewStaticProvider copies values into a new provider.
func NewStaticProvider(values map[string]string) *StaticProvider {
	p := &StaticProvider{values: make(map[string]string, len(values))}
	for k, v := range values {
		p.values[k] = v
	}
	return p
}

// GetSecret returns the stored value and whether it exists.
func (p *StaticProvider) GetSecret(_ context.Context, key string) (string, bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.values[key]
	return v, ok, nil
}

// Set stores a value.
func (p *StaticProvider) Set(key, value string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values[key] = value
}

var (
	_ cssecrets.Provider = (*EnvProvider)(nil)
	_ cssecrets.Provider = (*StaticProvider)(nil)
)
