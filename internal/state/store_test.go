package state_test

import (
	"context"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/gxo-labs/chatstate/internal/state"
	cserrors "github.com/gxo-labs/chatstate/pkg/chatstate/v1/errors"
	csevents "github.com/gxo-labs/chatstate/pkg/chatstate/v1/events"
	csstate "github.com/gxo-labs/chatstate/pkg/chatstate/v1/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memPersister records saves and serves a fixed blob on Load.
type memPersister struct {
	mu     sync.Mutex
	loaded map[string]interface{}
	saves  []map[string]interface{}
	keys   [][]string
}

func (p *memPersister) Load(context.Context) map[string]interface{} {
	return p.loaded
}

func (p *memPersister) Save(_ context.Context, tree map[string]interface{}, keys []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saves = append(p.saves, tree)
	p.keys = append(p.keys, keys)
}

func (p *memPersister) saveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.saves)
}

func (p *memPersister) lastSave() map[string]interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.saves) == 0 {
		return nil
	}
	return p.saves[len(p.saves)-1]
}

func TestParsePath(t *testing.T) {
	testCases := []struct {
		path    string
		want    []string
		invalid bool
	}{
		{path: "a", want: []string{"a"}},
		{path: "a.b.c", want: []string{"a", "b", "c"}},
		{path: "", invalid: true},
		{path: "a..b", invalid: true},
		{path: ".a", invalid: true},
		{path: "a.", invalid: true},
	}
	for _, tc := range testCases {
		t.Run(tc.path, func(t *testing.T) {
			segs, err := state.ParsePath(tc.path)
			if tc.invalid {
				assert.ErrorIs(t, err, cserrors.ErrInvalidPath)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, segs)
		})
	}
}

func TestRelatedPaths(t *testing.T) {
	assert.True(t, state.RelatedPaths("a.b", "a.b"))
	assert.True(t, state.RelatedPaths("a.b", "a.b.c"), "descendant change")
	assert.True(t, state.RelatedPaths("a.b", "a"), "ancestor rewrite")
	assert.False(t, state.RelatedPaths("a.b", "a.bc"), "segment prefix only")
	assert.False(t, state.RelatedPaths("a.b", "x"))
	assert.False(t, state.RelatedPaths("a..b", "a"))
}

// TestGetSet covers intermediate node creation and the "undefined" sentinel.
func TestGetSet(t *testing.T) {
	s := state.NewStore("test")

	val, ok := s.Get("missing.path")
	assert.False(t, ok)
	assert.Nil(t, val)

	require.NoError(t, s.Set("a.b.c", 1))
	val, ok = s.Get("a.b.c")
	require.True(t, ok)
	assert.Equal(t, 1, val)

	val, ok = s.Get("a")
	require.True(t, ok)
	assert.Equal(t, map[string]interface{}{"b": map[string]interface{}{"c": 1}}, val)

	// A leaf on the way is overwritten by a mapping node.
	require.NoError(t, s.Set("x", "leaf"))
	require.NoError(t, s.Set("x.y", true))
	val, _ = s.Get("x")
	assert.Equal(t, map[string]interface{}{"y": true}, val)

	// Descending through a leaf is absent, not a panic.
	_, ok = s.Get("x.y.z")
	assert.False(t, ok)

	assert.ErrorIs(t, s.Set("a..b", 1), cserrors.ErrInvalidPath)
	_, ok = s.Get("")
	assert.False(t, ok)
}

// TestGetReturnsCopies verifies that callers cannot mutate the tree through
// returned values.
func TestGetReturnsCopies(t *testing.T) {
	s := state.NewStore("test")
	input := map[string]interface{}{"list": []interface{}{"x"}}
	require.NoError(t, s.Set("node", input))

	input["list"] = "mutated"
	got, _ := s.Get("node")
	got.(map[string]interface{})["list"].([]interface{})[0] = "changed"

	snap := s.Snapshot()
	snap["node"] = nil

	val, _ := s.Get("node.list")
	assert.Equal(t, []interface{}{"x"}, val)
}

func TestSubscribeMatching(t *testing.T) {
	s := state.NewStore("test")
	var exact, parent, child, sibling, global []csstate.Notification
	s.Subscribe("user.profile", func(n csstate.Notification) { exact = append(exact, n) })
	s.Subscribe("user", func(n csstate.Notification) { parent = append(parent, n) })
	s.Subscribe("user.profile.name", func(n csstate.Notification) { child = append(child, n) })
	s.Subscribe("user.prof", func(n csstate.Notification) { sibling = append(sibling, n) })
	s.Subscribe("*", func(n csstate.Notification) { global = append(global, n) })

	require.NoError(t, s.Set("user.profile.name", "ada"))

	assert.Len(t, exact, 1)
	assert.Len(t, parent, 1)
	assert.Len(t, child, 1)
	assert.Empty(t, sibling)
	require.Len(t, global, 1)
	assert.Equal(t, "user.profile.name", global[0].Changes[0].Path)
	assert.False(t, global[0].Changes[0].Existed)

	// Rewriting an ancestor reaches descendant subscribers.
	require.NoError(t, s.Set("user", map[string]interface{}{}))
	assert.Len(t, child, 2)
}

// TestMergeSingleNotification verifies one notification per mutation with
// one change per leaf.
func TestMergeSingleNotification(t *testing.T) {
	s := state.NewStore("test")
	require.NoError(t, s.Set("ui.theme", "light"))

	var got []csstate.Notification
	s.Subscribe("ui", func(n csstate.Notification) { got = append(got, n) })

	require.NoError(t, s.Merge(map[string]interface{}{
		"ui": map[string]interface{}{
			"theme":   "dark",
			"sidebar": map[string]interface{}{"collapsed": true},
		},
	}))

	require.Len(t, got, 1)
	want := []csstate.Change{
		{Path: "ui.sidebar.collapsed", NewValue: true},
		{Path: "ui.theme", OldValue: "light", NewValue: "dark", Existed: true},
	}
	if diff := cmp.Diff(want, got[0].Changes); diff != "" {
		t.Errorf("changes mismatch (-want +got):\n%s", diff)
	}

	val, _ := s.Get("ui.theme")
	assert.Equal(t, "dark", val)
}

func TestMergeOnlyMatchingChanges(t *testing.T) {
	s := state.NewStore("test")
	var got []csstate.Notification
	s.Subscribe("a", func(n csstate.Notification) { got = append(got, n) })

	require.NoError(t, s.Merge(map[string]interface{}{"a": 1, "b": 2}))
	require.Len(t, got, 1)
	require.Len(t, got[0].Changes, 1)
	assert.Equal(t, "a", got[0].Changes[0].Path)
}

func TestMergeRejectsDottedKeys(t *testing.T) {
	s := state.NewStore("test")
	err := s.Merge(map[string]interface{}{"a.b": 1})
	assert.ErrorIs(t, err, cserrors.ErrInvalidPath)
	assert.Empty(t, s.Snapshot())
}

func TestEqualValuesDoNotNotify(t *testing.T) {
	s := state.NewStore("test")
	require.NoError(t, s.Set("a", map[string]interface{}{"b": []interface{}{1, 2}}))

	calls := 0
	s.Subscribe("*", func(csstate.Notification) { calls++ })

	require.NoError(t, s.Set("a", map[string]interface{}{"b": []interface{}{1, 2}}))
	require.NoError(t, s.Merge(map[string]interface{}{"a": map[string]interface{}{"b": []interface{}{1, 2}}}))
	require.NoError(t, s.Delete("never.there"))
	assert.Zero(t, calls)
}

func TestDelete(t *testing.T) {
	s := state.NewStore("test")
	require.NoError(t, s.Set("a.b", 1))

	var got []csstate.Change
	s.Subscribe("a.b", func(n csstate.Notification) { got = append(got, n.Changes...) })

	require.NoError(t, s.Delete("a.b"))
	_, ok := s.Get("a.b")
	assert.False(t, ok)
	require.Len(t, got, 1)
	assert.True(t, got[0].Deleted)
	assert.Equal(t, 1, got[0].OldValue)
}

func TestReplace(t *testing.T) {
	s := state.NewStore("test")
	require.NoError(t, s.Merge(map[string]interface{}{"keep": 1, "drop": 2, "change": 3}))

	var got []csstate.Change
	s.Subscribe("*", func(n csstate.Notification) { got = append(got, n.Changes...) })

	require.NoError(t, s.Replace(map[string]interface{}{"keep": 1, "change": 4, "add": 5}))
	assert.Equal(t, map[string]interface{}{"keep": 1, "change": 4, "add": 5}, s.Snapshot())

	paths := make([]string, 0, len(got))
	for _, c := range got {
		paths = append(paths, c.Path)
	}
	assert.Equal(t, []string{"add", "change", "drop"}, paths)
}

// TestSubscriberPanicIsolated verifies a panicking subscriber neither stops
// its siblings nor reaches the caller.
func TestSubscriberPanicIsolated(t *testing.T) {
	s := state.NewStore("test")
	called := false
	s.Subscribe("a", func(csstate.Notification) { panic("boom") })
	s.Subscribe("a", func(csstate.Notification) { called = true })

	assert.NotPanics(t, func() { require.NoError(t, s.Set("a", 1)) })
	assert.True(t, called)
}

func TestUnsubscribe(t *testing.T) {
	s := state.NewStore("test")
	calls := 0
	unsub := s.Subscribe("a", func(csstate.Notification) { calls++ })

	require.NoError(t, s.Set("a", 1))
	unsub()
	unsub()
	require.NoError(t, s.Set("a", 2))

	assert.Equal(t, 1, calls)
	assert.Zero(t, s.SubscriberCount())
}

func TestSubscribeInvalidPath(t *testing.T) {
	s := state.NewStore("test")
	unsub := s.Subscribe("a..b", func(csstate.Notification) {})
	require.NotNil(t, unsub)
	assert.Zero(t, s.SubscriberCount())
	assert.NotPanics(t, unsub)
}

// TestReentrantMutationQueued verifies a Set issued from a subscriber is
// delivered after the current pass, in order, to every subscriber.
func TestReentrantMutationQueued(t *testing.T) {
	s := state.NewStore("test")
	var order []string

	s.Subscribe("*", func(n csstate.Notification) {
		order = append(order, "first:"+n.Changes[0].Path)
		if n.Changes[0].Path == "a" {
			require.NoError(t, s.Set("b", 1))
		}
	})
	s.Subscribe("*", func(n csstate.Notification) {
		order = append(order, "second:"+n.Changes[0].Path)
	})

	require.NoError(t, s.Set("a", 1))
	assert.Equal(t, []string{"first:a", "second:a", "first:b", "second:b"}, order)
}

// TestStateChangedEvent verifies one state:changed event per mutation.
func TestStateChangedEvent(t *testing.T) {
	s := state.NewStore("test")
	var got []csevents.Event
	s.Bus().On(csevents.StateChanged, func(e csevents.Event) { got = append(got, e) })

	require.NoError(t, s.Merge(map[string]interface{}{"a": 1, "b": 2}))
	require.Len(t, got, 1)
	assert.Equal(t, "test", got[0].Source)
	changes, ok := got[0].Payload.([]csstate.Change)
	require.True(t, ok)
	assert.Len(t, changes, 2)
}

func TestSilentMutation(t *testing.T) {
	s := state.NewStore("test")
	calls := 0
	s.Subscribe("*", func(csstate.Notification) { calls++ })

	require.NoError(t, s.Set("a", 1, csstate.WithSilent()))
	assert.Zero(t, calls)
	val, _ := s.Get("a")
	assert.Equal(t, 1, val)
}

func TestReset(t *testing.T) {
	s := state.NewStore("test", state.WithPersistentKeys("a"))
	calls := 0
	s.Subscribe("*", func(csstate.Notification) { calls++ })
	s.Bus().On(csevents.StateChanged, func(csevents.Event) { calls++ })
	require.NoError(t, s.Set("a", 1))
	require.Equal(t, 2, calls)

	s.Reset()
	assert.Empty(t, s.Snapshot())
	assert.Zero(t, s.SubscriberCount())
	assert.Zero(t, s.Bus().ListenerCount(csevents.StateChanged))
	assert.Equal(t, []string{"a"}, s.PersistentKeys())

	require.NoError(t, s.Set("a", 2))
	assert.Equal(t, 2, calls)
}

// TestPersistence covers persist-on-touch, the persist opt-out and the
// persistent projection.
func TestPersistence(t *testing.T) {
	p := &memPersister{}
	s := state.NewStore("test", state.WithPersister(p), state.WithPersistentKeys("prefs", "ui.theme"))

	require.NoError(t, s.Set("volatile", 1))
	assert.Zero(t, p.saveCount(), "non-persistent path must not save")

	require.NoError(t, s.Merge(map[string]interface{}{
		"ui": map[string]interface{}{"theme": "dark", "modal": "x"},
	}))
	require.Equal(t, 1, p.saveCount())
	assert.Equal(t, map[string]interface{}{
		"ui": map[string]interface{}{"theme": "dark"},
	}, p.lastSave())

	require.NoError(t, s.Set("prefs.lang", "en", csstate.WithPersist(false)))
	assert.Equal(t, 1, p.saveCount())

	s.RemovePersistentKey("ui.theme")
	s.AddPersistentKey("volatile")
	require.NoError(t, s.Set("prefs.lang", "fr"))
	assert.Equal(t, map[string]interface{}{
		"prefs":    map[string]interface{}{"lang": "fr"},
		"volatile": 1,
	}, p.lastSave())
}

// TestInitHydratesSilently verifies only persistent paths are loaded and no
// subscriber fires.
func TestInitHydratesSilently(t *testing.T) {
	p := &memPersister{loaded: map[string]interface{}{
		"theme":  "dark",
		"stale":  "ignored",
		"prefs":  map[string]interface{}{"lang": "de"},
		"device": map[string]interface{}{"width": 10},
	}}
	s := state.NewStore("test", state.WithPersister(p), state.WithPersistentKeys("theme", "prefs"))
	calls := 0
	s.Subscribe("*", func(csstate.Notification) { calls++ })

	require.NoError(t, s.Init(context.Background()))
	assert.Zero(t, calls)
	assert.Zero(t, p.saveCount())
	assert.Equal(t, map[string]interface{}{
		"theme": "dark",
		"prefs": map[string]interface{}{"lang": "de"},
	}, s.Snapshot())
}

func TestGetInto(t *testing.T) {
	type prefs struct {
		Language string `json:"language"`
		Sound    bool   `json:"soundEnabled"`
	}
	s := state.NewStore("test")
	n, err := state.Normalize(prefs{Language: "en", Sound: true})
	require.NoError(t, err)
	require.NoError(t, s.Set("prefs", n))

	var out prefs
	ok, err := s.GetInto("prefs", &out)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, prefs{Language: "en", Sound: true}, out)

	ok, err = s.GetInto("missing", &out)
	assert.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set("bad", "not-an-object"))
	_, err = s.GetInto("bad", &out)
	assert.Error(t, err)
}

func TestNormalizeTree(t *testing.T) {
	_, err := state.NormalizeTree([]int{1})
	assert.Error(t, err)

	tree, err := state.NormalizeTree(struct {
		A int `json:"a"`
	}{A: 3})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"a": float64(3)}, tree)
}

// TestConcurrentMutations exercises the store under the race detector.
func TestConcurrentMutations(t *testing.T) {
	s := state.NewStore("test")
	var mu sync.Mutex
	seen := 0
	s.Subscribe("*", func(n csstate.Notification) {
		mu.Lock()
		seen += len(n.Changes)
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = s.Set("counter", i*100+j)
				_, _ = s.Get("counter")
			}
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Positive(t, seen)
}

func TestApplyExternal(t *testing.T) {
	p := &memPersister{}
	s := state.NewStore("test", state.WithPersister(p), state.WithPersistentKeys("theme"))
	var got []csstate.Change
	s.Subscribe("*", func(n csstate.Notification) { got = append(got, n.Changes...) })

	require.NoError(t, s.ApplyExternal(map[string]interface{}{"theme": "dark", "volatile": 1}))
	require.Len(t, got, 1)
	assert.Equal(t, "theme", got[0].Path)
	assert.Zero(t, p.saveCount(), "external state is not written back")
	_, ok := s.Get("volatile")
	assert.False(t, ok)
}

// TestSetSharedSubtreeStaysIndependent verifies a value holding the same map
// under two keys is stored as two separate subtrees.
func TestSetSharedSubtreeStaysIndependent(t *testing.T) {
	s := state.NewStore("t")
	shared := map[string]interface{}{"k": 1}
	require.NoError(t, s.Set("x", map[string]interface{}{"p": shared, "q": shared}))

	calls := 0
	s.Subscribe("x.q", func(csstate.Notification) { calls++ })
	require.NoError(t, s.Set("x.p.k", 2))

	q, ok := s.Get("x.q.k")
	require.True(t, ok)
	assert.Equal(t, 1, q)
	p, _ := s.Get("x.p.k")
	assert.Equal(t, 2, p)
	assert.Zero(t, calls, "x.q did not change")
	assert.Equal(t, 1, shared["k"])
}
