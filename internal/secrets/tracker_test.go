package secrets_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/gxo-labs/chatstate/internal/secrets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestTrackAndForget covers exact tracking and expiry of a credential.
func TestTrackAndForget(t *testing.T) {
	tracker := secrets.NewSecretTracker()
	credential := "tY8m1kQk0b6yW7VJb3xg0s2oM7c="

	assert.False(t, tracker.IsTracked(credential))
	tracker.Add(credential)
	tracker.Add("")
	assert.True(t, tracker.IsTracked(credential))
	assert.False(t, tracker.IsTracked(""))
	assert.Equal(t, 1, tracker.Len())

	tracker.Forget(credential)
	assert.False(t, tracker.IsTracked(credential))
	assert.Zero(t, tracker.Len())
}

// TestContainsTrackedSecret verifies substring matching for secrets embedded
// in larger strings such as TURN URLs.
func TestContainsTrackedSecret(t *testing.T) {
	secret := "s3cr3t_t0k3n"
	testCases := []struct {
		name  string
		input string
		empty bool
		found bool
	}{
		{name: "Exact", input: secret, found: true},
		{name: "In URL", input: "turn:user:" + secret + "@turn.example.org:3478", found: true},
		{name: "In header", input: "Authorization: Bearer " + secret, found: true},
		{name: "Partial", input: "s3cr3t_t0k", found: false},
		{name: "Unrelated", input: "hello", found: false},
		{name: "Empty input", input: "", found: false},
		{name: "Empty tracker", input: secret, empty: true, found: false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			tracker := secrets.NewSecretTracker()
			if !tc.empty {
				tracker.Add(secret)
			}
			assert.Equal(t, tc.found, tracker.ContainsTrackedSecret(tc.input))
		})
	}
}

// TestRedact verifies nested trees are redacted into a copy.
func TestRedact(t *testing.T) {
	tracker := secrets.NewSecretTracker()
	tracker.Add("cred-123")

	input := map[string]interface{}{
		"status": "idle",
		"iceServers": []interface{}{
			map[string]interface{}{"urls": []interface{}{"turn:turn.example.org"}, "credential": "cred-123"},
		},
		"count": 2,
	}
	out, redacted := tracker.Redact(input)
	require.True(t, redacted)

	tree := out.(map[string]interface{})
	server := tree["iceServers"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, secrets.RedactedValue, server["credential"])
	assert.Equal(t, "idle", tree["status"])
	assert.Equal(t, 2, tree["count"])

	original := input["iceServers"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "cred-123", original["credential"], "input must not be modified")

	safe, redacted := tracker.Redact(map[string]interface{}{"a": "b"})
	assert.False(t, redacted)
	assert.Equal(t, map[string]interface{}{"a": "b"}, safe)
}

func TestRedactNil(t *testing.T) {
	var tracker *secrets.SecretTracker
	out, redacted := tracker.Redact("value")
	assert.False(t, redacted)
	assert.Equal(t, "value", out)

	out, redacted = secrets.NewSecretTracker().Redact(nil)
	assert.False(t, redacted)
	assert.Nil(t, out)
}

func TestProviders(t *testing.T) {
	t.Setenv("CHATSTATE_TEST_SECRET", "from-env")
	val, ok, err := secrets.NewEnvProvider().GetSecret(context.Background(), "CHATSTATE_TEST_SECRET")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "from-env", val)

	_, ok, err = secrets.NewEnvProvider().GetSecret(context.Background(), "CHATSTATE_TEST_SECRET_UNSET")
	require.NoError(t, err)
	assert.False(t, ok)

	sp := secrets.NewStaticProvider(map[string]string{secrets.TURNSharedSecretKey: "shh"})
	val, ok, _ = sp.GetSecret(context.Background(), secrets.TURNSharedSecretKey)
	assert.True(t, ok)
	assert.Equal(t, "shh", val)
	sp.Set("other", "x")
	_, ok, _ = sp.GetSecret(context.Background(), "other")
	assert.True(t, ok)
}

// TestConcurrency runs under -race to validate the tracker locking.
func TestConcurrency(t *testing.T) {
	tracker := secrets.NewSecretTracker()
	const routines = 50
	const perRoutine = 20

	var wg sync.WaitGroup
	wg.Add(routines)
	for i := 0; i < routines; i++ {
		go func(id int) {
			defer wg.Done()
			for j := 0; j < perRoutine; j++ {
				tracker.Add(fmt.Sprintf("cred_%d_%d", id, j))
				_ = tracker.ContainsTrackedSecret("cred_0_0")
				_, _ = tracker.Redact(map[string]interface{}{"v": "cred_0_0"})
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, routines*perRoutine, tracker.Len())
}
