package errors

import (
	"context"
	"errors"
	"fmt"
)

// ErrInvalidPath is returned when a key path is empty or contains an empty segment.
var ErrInvalidPath = errors.New("invalid key path")

// ErrInvalidTransition is returned when a state machine is asked to move to a
// state that is not reachable from its current one.
var ErrInvalidTransition = errors.New("invalid state transition")

// --- chatstate error types ---

// ConfigError represents a failure to load or parse configuration, or an
// invalid option passed while constructing a store.
type ConfigError struct {
	Message string
	Cause   error
}

func NewConfigError(message string, cause error) *ConfigError {
	return &ConfigError{Message: message, Cause: cause}
}
func (e *ConfigError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("configuration error: %s", e.Message)
}
func (e *ConfigError) Unwrap() error { return e.Cause }

// ValidationError indicates input (config document, theme name, status value)
// that failed validation.
type ValidationError struct {
	Message string
	Cause   error
}

func NewValidationError(message string, cause error) *ValidationError {
	return &ValidationError{Message: message, Cause: cause}
}
func (e *ValidationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("validation error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}
func (e *ValidationError) Unwrap() error { return e.Cause }

// StoreNotFoundError is returned when a domain store name is not registered
// with the application store.
type StoreNotFoundError struct {
	StoreName string
}

func NewStoreNotFoundError(name string) *StoreNotFoundError {
	return &StoreNotFoundError{StoreName: name}
}
func (e *StoreNotFoundError) Error() string {
	return fmt.Sprintf("domain store not found: %s", e.StoreName)
}

// InitializationError wraps a failure from a domain store's Init. It is the one
// error class the application store never swallows.
type InitializationError struct {
	Store string
	Cause error
}

func NewInitializationError(store string, cause error) *InitializationError {
	return &InitializationError{Store: store, Cause: cause}
}
func (e *InitializationError) Error() string {
	if e.Store == "" {
		return fmt.Sprintf("initialization failed: %v", e.Cause)
	}
	return fmt.Sprintf("store '%s' initialization failed: %v", e.Store, e.Cause)
}
func (e *InitializationError) Unwrap() error { return e.Cause }

// LoadError describes a failed collaborator call inside a store's load method.
// Stores log it and fall back to empty state; it is exposed for logging only.
type LoadError struct {
	Store string
	Op    string
	Cause error
}

func NewLoadError(store, op string, cause error) *LoadError {
	return &LoadError{Store: store, Op: op, Cause: cause}
}
func (e *LoadError) Error() string {
	return fmt.Sprintf("store '%s' %s failed: %v", e.Store, e.Op, e.Cause)
}
func (e *LoadError) Unwrap() error { return e.Cause }

// PersistenceError describes a durable storage read or write failure for one namespace.
type PersistenceError struct {
	Namespace string
	Op        string // "load" or "save"
	Cause     error
}

func NewPersistenceError(namespace, op string, cause error) *PersistenceError {
	return &PersistenceError{Namespace: namespace, Op: op, Cause: cause}
}
func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s for namespace '%s' failed: %v", e.Op, e.Namespace, e.Cause)
}
func (e *PersistenceError) Unwrap() error { return e.Cause }

// APIError is returned by the REST client for non-2xx responses.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func NewAPIError(method, path string, status int, body string) *APIError {
	return &APIError{Method: method, Path: path, StatusCode: status, Body: body}
}
func (e *APIError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s %s returned status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s %s returned status %d", e.Method, e.Path, e.StatusCode)
}

// IsRetryable reports whether the request may succeed if repeated.
func (e *APIError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}

// IsNotFound checks if an error is a StoreNotFoundError using errors.As.
func IsNotFound(err error) bool {
	var nf *StoreNotFoundError
	return errors.As(err, &nf)
}

// IsRetryable reports whether a failed API call is worth repeating. API errors
// defer to their status code, context errors never retry, and anything else
// is treated as a transport failure and retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.IsRetryable()
	}
	return true
}
