package secrets

import "context"

// Provider resolves secrets such as the TURN shared secret.
type Provider interface {
	// GetSecret returns the value and true if found. An error is reserved for
	// backend failures, not for missing keys.
	GetSecret(ctx context.Context, key string) (string, bool, error)
}
