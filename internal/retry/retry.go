package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/gxo-labs/chatstate/internal/secrets"
	cslog "github.com/gxo-labs/chatstate/pkg/chatstate/v1/log"
)

// Operation is one attempt of a retried call.
type Operation func(ctx context.Context) error

// Config controls attempts and backoff. The zero value means one attempt.
type Config struct {
	Attempts      int
	Delay         time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Jitter        float64

	// Retryable decides whether an error is worth another attempt. Nil
	// retries every error.
	Retryable func(error) bool

	// Label prefixes log lines, usually "GET /api/chats".
	Label string
}

// Helper executes operations with retries and logs attempts with tracked
// secrets removed from error text.
type Helper struct {
	log     cslog.Logger
	tracker *secrets.SecretTracker

	randMu     sync.Mutex
	randSource *rand.Rand
}

// NewHelper creates a Helper. tracker may be nil.
func NewHelper(log cslog.Logger, tracker *secrets.SecretTracker) *Helper {
	if log == nil {
		panic("retry.NewHelper requires a non-nil logger")
	}
	return &Helper{
		log:        log,
		tracker:    tracker,
		randSource: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Do runs op until it succeeds, returns a non-retryable error, runs out of
// attempts, or ctx is cancelled.
func (h *Helper) Do(ctx context.Context, cfg Config, op Operation) error {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	if cfg.BackoffFactor < 1.0 {
		cfg.BackoffFactor = 1.0
	}
	if cfg.Jitter < 0.0 {
		cfg.Jitter = 0.0
	} else if cfg.Jitter > 1.0 {
		cfg.Jitter = 1.0
	}
	if cfg.Delay < 0 {
		cfg.Delay = 0
	}
	if cfg.MaxDelay < 0 {
		cfg.MaxDelay = 0
	}

	logPrefix := ""
	if cfg.Label != "" {
		logPrefix = cfg.Label + ": "
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				return err
			}
			return fmt.Errorf("retry cancelled after %d attempts with last error: %w (context: %w)", attempt-1, h.redactError(lastErr), err)
		}

		err := op(ctx)
		lastErr = err
		if err == nil {
			if attempt > 1 {
				h.log.Infof("%sSucceeded on attempt %d/%d", logPrefix, attempt, cfg.Attempts)
			}
			return nil
		}
		if attempt == cfg.Attempts || (cfg.Retryable != nil && !cfg.Retryable(err)) {
			break
		}

		wait := h.backoff(cfg, attempt)
		h.log.Warnf("%sAttempt %d/%d failed (retrying in %v): %v",
			logPrefix, attempt, cfg.Attempts, wait.Truncate(time.Millisecond), h.redactError(err))

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry delay cancelled after attempt %d with error: %w (context: %w)", attempt, h.redactError(lastErr), ctx.Err())
		}
	}

	return h.redactError(lastErr)
}

func (h *Helper) backoff(cfg Config, attempt int) time.Duration {
	base := float64(cfg.Delay)
	if cfg.BackoffFactor > 1.0 {
		base *= math.Pow(cfg.BackoffFactor, float64(attempt-1))
	}
	if base > float64(math.MaxInt64) {
		base = float64(math.MaxInt64)
	}
	wait := time.Duration(base)

	if cfg.Jitter > 0.0 {
		h.randMu.Lock()
		factor := cfg.Jitter * (h.randSource.Float64()*2.0 - 1.0)
		h.randMu.Unlock()
		wait += time.Duration(float64(wait) * factor)
		if wait < 0 {
			wait = 0
		}
	}
	if cfg.MaxDelay > 0 && wait > cfg.MaxDelay {
		wait = cfg.MaxDelay
	}
	return wait
}

// redactedError keeps the original error reachable through errors.Is/As
// while hiding tracked secrets from its text.
type redactedError struct {
	msg   string
	cause error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.cause }

func (h *Helper) redactError(err error) error {
	if err == nil || h.tracker == nil {
		return err
	}
	if !h.tracker.ContainsTrackedSecret(err.Error()) {
		return err
	}
	msg := err.Error()
	var re *redactedError
	if errors.As(err, &re) {
		return err
	}
	return &redactedError{msg: redactString(msg, h.tracker), cause: err}
}

// redactString replaces every whitespace-separated token holding a secret.
func redactString(s string, tracker *secrets.SecretTracker) string {
	fields := strings.Fields(s)
	for i, f := range fields {
		if tracker.ContainsTrackedSecret(f) {
			fields[i] = secrets.RedactedValue
		}
	}
	return strings.Join(fields, " ")
}
