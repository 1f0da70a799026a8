package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	cserrors "github.com/gxo-labs/chatstate/pkg/chatstate/v1/errors"
)

// ValidateStructure checks rules the schema cannot express. It returns every
// problem found rather than stopping at the first.
func ValidateStructure(c *Config) []error {
	var errs []error
	add := func(format string, args ...interface{}) {
		errs = append(errs, cserrors.NewValidationError(fmt.Sprintf(format, args...), nil))
	}

	if s := c.Storage; s != nil {
		switch s.Backend {
		case "", BackendMemory:
			if s.Watch {
				add("storage.watch requires the 'file' backend")
			}
		case BackendFile:
			if s.Path == "" {
				add("storage.path is required for the 'file' backend")
			}
		case BackendSQLite:
			if s.Watch {
				add("storage.watch requires the 'file' backend")
			}
		default:
			add("storage.backend '%s' is not supported", s.Backend)
		}
	}

	if a := c.API; a != nil {
		u, err := url.Parse(a.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			add("api.baseURL '%s' must be an absolute http(s) URL", a.BaseURL)
		}
		checkDuration(&errs, "api.timeout", a.Timeout)
		if r := a.Retry; r != nil {
			if r.Attempts < 0 {
				add("api.retry.attempts cannot be negative")
			}
			delay := checkDuration(&errs, "api.retry.delay", r.Delay)
			maxDelay := checkDuration(&errs, "api.retry.maxDelay", r.MaxDelay)
			if delay > 0 && maxDelay > 0 && maxDelay < delay {
				add("api.retry.maxDelay (%v) must not be less than api.retry.delay (%v)", maxDelay, delay)
			}
			if r.BackoffFactor != nil && *r.BackoffFactor < 1.0 {
				add("api.retry.backoffFactor must be at least 1.0")
			}
			if r.Jitter != nil && (*r.Jitter < 0.0 || *r.Jitter > 1.0) {
				add("api.retry.jitter must be between 0.0 and 1.0")
			}
		}
	}

	if u := c.UI; u != nil {
		if u.MaxNotifications < 0 {
			add("ui.maxNotifications cannot be negative")
		}
		if u.ModalBaseZIndex < 0 {
			add("ui.modalBaseZIndex cannot be negative")
		}
		checkDuration(&errs, "ui.notificationDuration", u.NotificationDuration)
		checkDuration(&errs, "ui.resizeDebounce", u.ResizeDebounce)
	}

	if cc := c.Call; cc != nil {
		for _, s := range cc.STUNURLs {
			if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "stuns:") {
				add("call.stunURLs entry '%s' must start with stun: or stuns:", s)
			}
		}
		for _, s := range cc.TURNURLs {
			if !strings.HasPrefix(s, "turn:") && !strings.HasPrefix(s, "turns:") {
				add("call.turnURLs entry '%s' must start with turn: or turns:", s)
			}
		}
		checkDuration(&errs, "call.credentialTTL", cc.CredentialTTL)
	}

	return errs
}

// checkDuration appends an error for a malformed or negative duration and
// returns the parsed value (0 when unset or invalid).
func checkDuration(errs *[]error, field, value string) time.Duration {
	if value == "" {
		return 0
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		*errs = append(*errs, cserrors.NewValidationError(fmt.Sprintf("%s '%s' is not a valid duration", field, value), err))
		return 0
	}
	if d < 0 {
		*errs = append(*errs, cserrors.NewValidationError(fmt.Sprintf("%s cannot be negative", field), nil))
		return 0
	}
	return d
}
