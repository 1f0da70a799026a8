package ui_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/gxo-labs/chatstate/internal/environment"
	"github.com/gxo-labs/chatstate/internal/persistence"
	"github.com/gxo-labs/chatstate/internal/scheduler"
	"github.com/gxo-labs/chatstate/internal/stores"
	"github.com/gxo-labs/chatstate/internal/stores/ui"
	csevents "github.com/gxo-labs/chatstate/pkg/chatstate/v1/events"
	csstate "github.com/gxo-labs/chatstate/pkg/chatstate/v1/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	store   *ui.Store
	clock   *scheduler.Fake
	env     *environment.Static
	storage *persistence.MemoryStorage
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		clock:   scheduler.NewFake(epoch),
		env:     environment.NewStatic(),
		storage: persistence.NewMemoryStorage(),
	}
	f.store = f.build()
	return f
}

func (f *fixture) build() *ui.Store {
	return ui.New(stores.Deps{Storage: f.storage, Scheduler: f.clock}, ui.Options{Environment: f.env})
}

// TestModalZIndexFollowsDepth verifies each modal sits one above the depth
// it was opened at, and a reopened modal takes the current depth.
func TestModalZIndexFollowsDepth(t *testing.T) {
	s := newFixture(t).store

	var got []int
	for _, id := range []string{"a", "b", "c"} {
		m, err := s.OpenModal(id, nil)
		require.NoError(t, err)
		got = append(got, m.ZIndex)
	}
	assert.Equal(t, []int{1000, 1001, 1002}, got)

	require.True(t, s.CloseModal("b"))
	d, err := s.OpenModal("d", nil)
	require.NoError(t, err)
	assert.Equal(t, 1002, d.ZIndex)
}

func TestModalStack(t *testing.T) {
	s := newFixture(t).store

	a, err := s.OpenModal("a", nil)
	require.NoError(t, err)
	b, err := s.OpenModal("b", map[string]interface{}{"title": "B"})
	require.NoError(t, err)
	assert.Equal(t, 1000, a.ZIndex)
	assert.Equal(t, 1001, b.ZIndex)
	assert.True(t, s.Current().BodyScrollLocked)

	assert.True(t, s.CloseModal("a"))
	assert.Equal(t, []string{"b"}, s.ModalStack())
	active := s.ActiveModals()
	require.Len(t, active, 1)
	assert.Equal(t, "B", active["b"].Config["title"])
	assert.True(t, s.Current().BodyScrollLocked)

	assert.False(t, s.CloseModal("a"))
	id, ok := s.CloseTopModal()
	assert.True(t, ok)
	assert.Equal(t, "b", id)
	assert.False(t, s.Current().BodyScrollLocked)

	_, ok = s.CloseTopModal()
	assert.False(t, ok)
}

func TestDuplicateModalPushesTwice(t *testing.T) {
	s := newFixture(t).store
	_, _ = s.OpenModal("a", nil)
	_, _ = s.OpenModal("b", nil)
	_, _ = s.OpenModal("a", nil)
	assert.Equal(t, []string{"a", "b", "a"}, s.ModalStack())

	s.CloseModal("a")
	assert.Equal(t, []string{"a", "b"}, s.ModalStack())
	assert.True(t, s.IsModalOpen("a"))

	top, ok := s.TopModal()
	require.True(t, ok)
	assert.Equal(t, "b", top.ID)

	s.CloseAllModals()
	assert.Empty(t, s.ModalStack())
	assert.Empty(t, s.ActiveModals())
	assert.False(t, s.Current().BodyScrollLocked)
}

func TestOpenModalRequiresID(t *testing.T) {
	_, err := newFixture(t).store.OpenModal("", nil)
	assert.Error(t, err)
}

func TestNotificationEviction(t *testing.T) {
	f := newFixture(t)
	s := f.store
	var evicted []interface{}
	s.EventBus().On(csevents.NotificationEvicted, func(e csevents.Event) { evicted = append(evicted, e.Payload) })

	var ids []string
	for i := 0; i < 6; i++ {
		ids = append(ids, s.AddNotification(ui.Notification{Message: fmt.Sprintf("n%d", i)}))
		f.clock.Advance(time.Millisecond)
	}

	list := s.Notifications()
	require.Len(t, list, 5)
	assert.Equal(t, ids[1], list[0].ID)
	assert.Equal(t, []interface{}{ids[0]}, evicted)
	assert.Equal(t, 5, s.PendingDismissals())
}

func TestPersistentNotificationsAreNeverEvicted(t *testing.T) {
	f := newFixture(t)
	s := f.store
	for i := 0; i < 5; i++ {
		s.AddNotification(ui.Notification{Message: "keep", Persistent: true})
	}
	s.AddNotification(ui.Notification{Message: "extra"})

	list := s.Notifications()
	assert.Len(t, list, 6)
	for _, n := range list[:5] {
		assert.True(t, n.Persistent)
	}
	assert.Equal(t, 1, s.PendingDismissals())
}

func TestEvictionSkipsPersistent(t *testing.T) {
	f := newFixture(t)
	s := f.store
	keep := s.AddNotification(ui.Notification{Message: "keep", Persistent: true})
	f.clock.Advance(time.Millisecond)
	first := s.AddNotification(ui.Notification{Message: "first"})
	for i := 0; i < 4; i++ {
		f.clock.Advance(time.Millisecond)
		s.AddNotification(ui.Notification{Message: "more"})
	}

	list := s.Notifications()
	require.Len(t, list, 5)
	assert.Equal(t, keep, list[0].ID)
	for _, n := range list {
		assert.NotEqual(t, first, n.ID)
	}
}

func TestAutoDismiss(t *testing.T) {
	f := newFixture(t)
	s := f.store
	id := s.AddNotification(ui.Notification{Message: "bye"})
	custom := s.AddNotification(ui.Notification{Message: "later", Duration: 10 * time.Second})
	sticky := s.AddNotification(ui.Notification{Message: "stay", Persistent: true})

	f.clock.Advance(5 * time.Second)
	list := s.Notifications()
	require.Len(t, list, 2)
	assert.Equal(t, custom, list[0].ID)
	assert.Equal(t, sticky, list[1].ID)

	f.clock.Advance(5 * time.Second)
	list = s.Notifications()
	require.Len(t, list, 1)
	assert.Equal(t, sticky, list[0].ID)
	assert.NotEqual(t, id, list[0].ID)
	assert.Zero(t, s.PendingDismissals())
}

// TestManualRemoveCancelsTimer verifies a dismissed toast does not fire its
// delayed removal later.
func TestManualRemoveCancelsTimer(t *testing.T) {
	f := newFixture(t)
	s := f.store
	id := s.AddNotification(ui.Notification{Message: "x"})

	var removals int
	s.Subscribe("notifications", func(csstate.Notification) { removals++ })

	assert.True(t, s.RemoveNotification(id))
	assert.False(t, s.RemoveNotification(id))
	assert.Zero(t, f.clock.Pending())

	f.clock.Advance(time.Minute)
	assert.Equal(t, 1, removals)
}

func TestClearNotifications(t *testing.T) {
	f := newFixture(t)
	s := f.store
	s.AddNotification(ui.Notification{Message: "a"})
	s.AddNotification(ui.Notification{Message: "b", Persistent: true})

	s.ClearNotifications()
	assert.Empty(t, s.Notifications())
	assert.Zero(t, s.PendingDismissals())
	assert.Zero(t, f.clock.Pending())
}

// TestSetThemeAutoResolvesAgainstSystem follows the theme toggle scenario:
// the subscriber sees actualTheme move from light to dark.
func TestSetThemeAutoResolvesAgainstSystem(t *testing.T) {
	f := newFixture(t)
	f.env.SetPrefersDark(true)
	s := f.build()
	require.Equal(t, ui.ThemeLight, s.ActualTheme())

	var changes []csstate.Change
	s.Subscribe("actualTheme", func(n csstate.Notification) { changes = append(changes, n.Changes...) })

	require.NoError(t, s.SetTheme(ui.ThemeAuto))
	require.Len(t, changes, 1)
	assert.Equal(t, "light", changes[0].OldValue)
	assert.Equal(t, "dark", changes[0].NewValue)
	assert.Equal(t, ui.ThemeDark, s.ActualTheme())
}

func TestSetTheme(t *testing.T) {
	s := newFixture(t).store
	var themes []interface{}
	s.EventBus().On(csevents.ThemeChanged, func(e csevents.Event) { themes = append(themes, e.Payload) })

	var notified int
	s.Subscribe("*", func(csstate.Notification) { notified++ })

	require.NoError(t, s.SetTheme(ui.ThemeDark))
	assert.Equal(t, ui.ThemeDark, s.Theme())
	assert.Equal(t, ui.ThemeDark, s.ActualTheme())
	assert.Equal(t, 1, notified, "theme and actualTheme change in one mutation")
	assert.Equal(t, []interface{}{ui.ThemeDark}, themes)

	assert.Error(t, s.SetTheme("purple"))
	assert.Equal(t, ui.ThemeDark, s.Theme())
}

func TestHandleSystemThemeChange(t *testing.T) {
	s := newFixture(t).store
	s.HandleSystemThemeChange(true)
	assert.Equal(t, ui.ThemeDark, s.ActualTheme())

	require.NoError(t, s.SetTheme(ui.ThemeLight))
	s.HandleSystemThemeChange(true)
	assert.Equal(t, ui.ThemeLight, s.ActualTheme(), "explicit theme ignores the system preference")
}

func TestResizeDebounced(t *testing.T) {
	f := newFixture(t)
	s := f.store
	var devices []interface{}
	s.EventBus().On(csevents.DeviceChanged, func(e csevents.Event) { devices = append(devices, e.Payload) })

	s.HandleResize(1200, 800)
	f.clock.Advance(100 * time.Millisecond)
	s.HandleResize(900, 800)
	f.clock.Advance(100 * time.Millisecond)
	s.HandleResize(500, 900)
	f.clock.Advance(149 * time.Millisecond)
	assert.True(t, s.Device().IsDesktop)

	f.clock.Advance(time.Millisecond)
	d := s.Device()
	assert.True(t, d.IsMobile)
	assert.Equal(t, 500, d.Width)
	assert.Len(t, devices, 1)
}

func TestDeviceFor(t *testing.T) {
	cases := []struct {
		width int
		want  string
	}{
		{320, "mobile"},
		{767, "mobile"},
		{768, "tablet"},
		{1023, "tablet"},
		{1024, "desktop"},
		{2560, "desktop"},
	}
	for _, tc := range cases {
		d := ui.DeviceFor(tc.width, 600)
		got := "desktop"
		if d.IsMobile {
			got = "mobile"
		} else if d.IsTablet {
			got = "tablet"
		}
		assert.Equal(t, tc.want, got, "width %d", tc.width)
	}
}

func TestInitDetectsEnvironment(t *testing.T) {
	f := newFixture(t)
	f.env.SetViewport(800, 1200).SetPrefersDark(true).SetReducedMotion(true).SetOnline(false)
	s := f.build()
	require.NoError(t, s.Init(context.Background()))

	cur := s.Current()
	assert.True(t, cur.Device.IsTablet)
	assert.Equal(t, ui.ThemeDark, cur.ActualTheme)
	assert.True(t, cur.Accessibility.ReducedMotion)
	assert.False(t, cur.Connection.Online)
	assert.True(t, epoch.Equal(cur.Connection.LastActivity))
}

func TestPreferencesPersisted(t *testing.T) {
	f := newFixture(t)
	s := f.store
	require.NoError(t, s.SetTheme(ui.ThemeDark))
	scale := 1.5
	require.NoError(t, s.SetAccessibility(ui.AccessibilityPatch{FontScale: &scale}))
	assert.True(t, s.ToggleSidebar())
	_, _ = s.OpenModal("a", nil)

	raw, ok, err := f.storage.GetItem(context.Background(), stores.NamespacePrefix+ui.Name)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, raw, `"theme":"dark"`)
	assert.NotContains(t, raw, "modalStack")

	reloaded := f.build()
	require.NoError(t, reloaded.Init(context.Background()))
	assert.Equal(t, ui.ThemeDark, reloaded.Theme())
	assert.Equal(t, 1.5, reloaded.Accessibility().FontScale)
	assert.True(t, reloaded.Current().Sidebar.Collapsed)
	assert.Empty(t, reloaded.ModalStack())
}

func TestMalformedPreferencesFallBack(t *testing.T) {
	f := newFixture(t)
	blob := `{"theme":"purple","accessibility":{"fontScale":99},"sidebar":"wide"}`
	require.NoError(t, f.storage.SetItem(context.Background(), stores.NamespacePrefix+ui.Name, blob))

	s := f.build()
	require.NoError(t, s.Init(context.Background()))
	cur := s.Current()
	assert.Equal(t, ui.ThemeAuto, cur.Theme)
	assert.Equal(t, 1.0, cur.Accessibility.FontScale)
	assert.False(t, cur.Sidebar.Collapsed)
}

func TestSetAccessibilityValidates(t *testing.T) {
	s := newFixture(t).store
	bad := 10.0
	assert.Error(t, s.SetAccessibility(ui.AccessibilityPatch{FontScale: &bad}))

	on := true
	require.NoError(t, s.SetAccessibility(ui.AccessibilityPatch{HighContrast: &on}))
	acc := s.Accessibility()
	assert.True(t, acc.HighContrast)
	assert.Equal(t, 1.0, acc.FontScale)
}

func TestLoading(t *testing.T) {
	s := newFixture(t).store
	require.NoError(t, s.SetLoading("chats", true))
	assert.True(t, s.IsLoading("chats"))
	require.NoError(t, s.SetLoading("chats", false))
	assert.False(t, s.IsLoading("chats"))
	assert.False(t, s.IsLoading("never"))
	assert.Error(t, s.SetLoading("a..b", true))
}

func TestConnectionAndActivity(t *testing.T) {
	f := newFixture(t)
	s := f.store
	s.HandleOffline()
	assert.False(t, s.Online())
	s.HandleOnline()
	assert.True(t, s.Online())

	f.clock.Advance(time.Minute)
	s.RecordActivity()
	assert.True(t, epoch.Add(time.Minute).Equal(s.Current().Connection.LastActivity))
}

// TestClearKeepsSubscribers verifies Clear restores defaults, cancels timers
// and leaves subscriptions in place.
func TestClearKeepsSubscribers(t *testing.T) {
	f := newFixture(t)
	s := f.store
	require.NoError(t, s.SetTheme(ui.ThemeDark))
	s.AddNotification(ui.Notification{Message: "x"})
	s.HandleResize(400, 400)

	calls := 0
	s.Subscribe("theme", func(csstate.Notification) { calls++ })

	s.Clear()
	assert.Equal(t, ui.ThemeAuto, s.Theme())
	assert.Empty(t, s.Notifications())
	assert.Zero(t, f.clock.Pending())
	assert.Equal(t, 1, calls)

	require.NoError(t, s.SetTheme(ui.ThemeLight))
	assert.Equal(t, 2, calls)
}

func TestDestroy(t *testing.T) {
	f := newFixture(t)
	s := f.store
	s.AddNotification(ui.Notification{Message: "x"})
	s.Subscribe("*", func(csstate.Notification) {})

	require.NoError(t, s.Destroy(context.Background()))
	assert.Zero(t, s.SubscriberCount())
	assert.Zero(t, f.clock.Pending())
}
