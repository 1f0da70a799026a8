package persistence_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/gxo-labs/chatstate/internal/persistence"
	"github.com/gxo-labs/chatstate/internal/secrets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// countingObserver records persistence outcomes.
type countingObserver struct {
	saved  int
	failed map[string]int
}

func (o *countingObserver) PersistenceSaved(string) { o.saved++ }
func (o *countingObserver) PersistenceFailed(_, op string) {
	if o.failed == nil {
		o.failed = make(map[string]int)
	}
	o.failed[op]++
}

// failingStorage fails every call.
type failingStorage struct{}

func (failingStorage) GetItem(context.Context, string) (string, bool, error) {
	return "", false, errors.New("disk gone")
}
func (failingStorage) SetItem(context.Context, string, string) error { return errors.New("disk full") }
func (failingStorage) RemoveItem(context.Context, string) error      { return errors.New("disk gone") }
func (failingStorage) Close() error                                  { return nil }

func TestLoadAbsentAndMalformed(t *testing.T) {
	ctx := context.Background()
	mem := persistence.NewMemoryStorage()
	obs := &countingObserver{}
	a := persistence.NewAdapter("chatstate.ui", mem, persistence.WithObserver(obs))

	assert.Empty(t, a.Load(ctx))

	require.NoError(t, mem.SetItem(ctx, "chatstate.ui", "{not json"))
	assert.Empty(t, a.Load(ctx))

	require.NoError(t, mem.SetItem(ctx, "chatstate.ui", `[1,2]`))
	assert.Empty(t, a.Load(ctx))
	assert.Equal(t, 2, obs.failed["decode"])
}

// TestSaveProjection verifies only persistent paths are written, nesting is
// kept and missing paths are skipped.
func TestSaveProjection(t *testing.T) {
	ctx := context.Background()
	mem := persistence.NewMemoryStorage()
	a := persistence.NewAdapter("chatstate.ui", mem)

	tree := map[string]interface{}{
		"theme":         "dark",
		"modalStack":    []interface{}{"x"},
		"accessibility": map[string]interface{}{"fontScale": 1.2, "reducedMotion": false},
		"sidebar":       map[string]interface{}{"collapsed": true, "width": 200},
	}
	a.Save(ctx, tree, []string{"theme", "accessibility", "sidebar.collapsed", "missing.key"})
	a.Save(ctx, tree, []string{"theme", "accessibility", "sidebar.collapsed", "missing.key"})

	raw, ok, err := mem.GetItem(ctx, "chatstate.ui")
	require.NoError(t, err)
	require.True(t, ok)
	var stored map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(raw), &stored))
	assert.Equal(t, map[string]interface{}{
		"theme":         "dark",
		"accessibility": map[string]interface{}{"fontScale": 1.2, "reducedMotion": false},
		"sidebar":       map[string]interface{}{"collapsed": true},
	}, stored)
	assert.Equal(t, []string{"chatstate.ui"}, mem.Keys(), "writes only its own namespace")

	assert.Equal(t, stored, a.Load(ctx))
}

func TestSaveRedactsSecrets(t *testing.T) {
	ctx := context.Background()
	mem := persistence.NewMemoryStorage()
	tracker := secrets.NewSecretTracker()
	tracker.Add("turn-cred")
	a := persistence.NewAdapter("chatstate.call", mem, persistence.WithSecretTracker(tracker))

	a.Save(ctx, map[string]interface{}{"ice": map[string]interface{}{"credential": "turn-cred"}}, []string{"ice"})
	raw, _, _ := mem.GetItem(ctx, "chatstate.call")
	assert.NotContains(t, raw, "turn-cred")
	assert.Contains(t, raw, secrets.RedactedValue)
}

// TestFailuresSwallowed verifies backend failures never surface.
func TestFailuresSwallowed(t *testing.T) {
	ctx := context.Background()
	obs := &countingObserver{}
	a := persistence.NewAdapter("ns", failingStorage{}, persistence.WithObserver(obs))

	assert.NotPanics(t, func() {
		assert.Empty(t, a.Load(ctx))
		a.Save(ctx, map[string]interface{}{"a": 1}, []string{"a"})
		a.Clear(ctx)
	})
	assert.Equal(t, 1, obs.failed["load"])
	assert.Equal(t, 1, obs.failed["save"])
	assert.Equal(t, 1, obs.failed["clear"])
	assert.Zero(t, obs.saved)
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	mem := persistence.NewMemoryStorage()
	a := persistence.NewAdapter("ns", mem)
	a.Save(ctx, map[string]interface{}{"a": 1}, []string{"a"})
	a.Clear(ctx)
	_, ok, _ := mem.GetItem(ctx, "ns")
	assert.False(t, ok)
}

func TestWatchUnsupported(t *testing.T) {
	a := persistence.NewAdapter("ns", persistence.NewMemoryStorage())
	ok, err := a.Watch(context.Background(), func(map[string]interface{}) {})
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStorageClosed(t *testing.T) {
	ctx := context.Background()
	mem := persistence.NewMemoryStorage()
	require.NoError(t, mem.Close())
	assert.ErrorIs(t, mem.SetItem(ctx, "k", "v"), persistence.ErrClosed)
	_, _, err := mem.GetItem(ctx, "k")
	assert.ErrorIs(t, err, persistence.ErrClosed)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	st, err := persistence.Open(ctx, "", "", nil)
	require.NoError(t, err)
	assert.IsType(t, &persistence.MemoryStorage{}, st)

	st, err = persistence.Open(ctx, persistence.BackendFile, t.TempDir(), nil)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	st, err = persistence.Open(ctx, persistence.BackendSQLite, "", nil)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	_, err = persistence.Open(ctx, "redis", "", nil)
	assert.Error(t, err)
}
