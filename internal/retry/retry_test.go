package retry_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/gxo-labs/chatstate/internal/logger"
	"github.com/gxo-labs/chatstate/internal/retry"
	"github.com/gxo-labs/chatstate/internal/secrets"
	cserrors "github.com/gxo-labs/chatstate/pkg/chatstate/v1/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHelper(tracker *secrets.SecretTracker) *retry.Helper {
	return retry.NewHelper(logger.NewNopLogger(), tracker)
}

func TestDoSucceedsAfterRetries(t *testing.T) {
	calls := 0
	err := newHelper(nil).Do(context.Background(), retry.Config{Attempts: 3, Delay: time.Millisecond}, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	calls := 0
	apiErr := cserrors.NewAPIError("GET", "/api/chats", 404, "")
	err := newHelper(nil).Do(context.Background(), retry.Config{
		Attempts:  5,
		Retryable: func(err error) bool { return cserrors.IsRetryable(err) },
	}, func(context.Context) error {
		calls++
		return apiErr
	})
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, apiErr)
}

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	sentinel := errors.New("down")
	err := newHelper(nil).Do(context.Background(), retry.Config{Attempts: 2}, func(context.Context) error {
		calls++
		return sentinel
	})
	assert.Equal(t, 2, calls)
	assert.ErrorIs(t, err, sentinel)
}

func TestDoCancelledDuringDelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := newHelper(nil).Do(ctx, retry.Config{Attempts: 3, Delay: time.Hour}, func(context.Context) error {
		calls++
		cancel()
		return errors.New("fail")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

// TestDoCancelledKeepsBothCauses verifies a cancelled retry reports both the
// operation's error and the context error.
func TestDoCancelledKeepsBothCauses(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sentinel := errors.New("backend down")
	err := newHelper(nil).Do(ctx, retry.Config{Attempts: 3, Delay: time.Millisecond}, func(context.Context) error {
		cancel()
		return sentinel
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, sentinel)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDoCancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := newHelper(nil).Do(ctx, retry.Config{Attempts: 3}, func(context.Context) error {
		t.Fatal("operation must not run")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

// TestDoRedactsTrackedSecrets verifies returned errors hide secrets and keep
// their cause chain.
func TestDoRedactsTrackedSecrets(t *testing.T) {
	tracker := secrets.NewSecretTracker()
	tracker.Add("tok-999")
	sentinel := errors.New("auth failed for tok-999")

	err := newHelper(tracker).Do(context.Background(), retry.Config{}, func(context.Context) error {
		return sentinel
	})
	require.Error(t, err)
	assert.False(t, strings.Contains(err.Error(), "tok-999"))
	assert.Contains(t, err.Error(), secrets.RedactedValue)
	assert.ErrorIs(t, err, sentinel)
}
