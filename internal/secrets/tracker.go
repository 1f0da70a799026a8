package secrets

import (
	"strings"
	"sync"
)

// RedactedValue replaces tracked secrets in data written to durable storage.
const RedactedValue = "[REDACTED_SECRET]"

// SecretTracker remembers secret values handed out during a session (TURN
// credentials, API tokens) so they can be stripped from persisted state.
// A single tracker is shared by the stores of one application.
type SecretTracker struct {
	mu      sync.RWMutex
	secrets map[string]struct{}
}

// NewSecretTracker creates an empty tracker.
func NewSecretTracker() *SecretTracker {
	return &SecretTracker{
		secrets: make(map[string]struct{}),
	}
}

// Add marks value as secret. Empty strings are ignored.
func (t *SecretTracker) Add(value string) {
	if value == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.secrets[value] = struct{}{}
}

// Forget stops tracking value, for credentials that have expired.
func (t *SecretTracker) Forget(value string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.secrets, value)
}

// Len returns the number of tracked values.
func (t *SecretTracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.secrets)
}

// IsTracked reports an exact match.
func (t *SecretTracker) IsTracked(value string) bool {
	if value == "" {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, found := t.secrets[value]
	return found
}

// ContainsTrackedSecret reports whether input contains any tracked value as a
// substring, which catches secrets embedded in URLs and headers.
func (t *SecretTracker) ContainsTrackedSecret(input string) bool {
	if input == "" {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	for secret := range t.secrets {
		if strings.Contains(input, secret) {
			return true
		}
	}
	return false
}

// Redact returns a copy of data with every string containing a tracked
// secret replaced by RedactedValue, and whether anything was replaced.
// data is never modified.
func (t *SecretTracker) Redact(data interface{}) (interface{}, bool) {
	if data == nil || t == nil {
		return data, false
	}
	return t.redact(data)
}

func (t *SecretTracker) redact(data interface{}) (interface{}, bool) {
	switch v := data.(type) {
	case string:
		if t.ContainsTrackedSecret(v) {
			return RedactedValue, true
		}
		return v, false

	case map[string]interface{}:
		if v == nil {
			return v, false
		}
		redacted := false
		out := make(map[string]interface{}, len(v))
		for key, val := range v {
			newVal, changed := t.redact(val)
			out[key] = newVal
			redacted = redacted || changed
		}
		return out, redacted

	case []interface{}:
		if v == nil {
			return v, false
		}
		redacted := false
		out := make([]interface{}, len(v))
		for i, val := range v {
			newVal, changed := t.redact(val)
			out[i] = newVal
			redacted = redacted || changed
		}
		return out, redacted

	default:
		return data, false
	}
}
