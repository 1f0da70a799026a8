package user_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gxo-labs/chatstate/internal/apiclient"
	"github.com/gxo-labs/chatstate/internal/persistence"
	"github.com/gxo-labs/chatstate/internal/stores"
	"github.com/gxo-labs/chatstate/internal/stores/user"
	csevents "github.com/gxo-labs/chatstate/pkg/chatstate/v1/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T, handler http.HandlerFunc) (*user.Store, *persistence.MemoryStorage) {
	t.Helper()
	mem := persistence.NewMemoryStorage()
	deps := stores.Deps{Storage: mem}
	if handler != nil {
		srv := httptest.NewServer(handler)
		t.Cleanup(srv.Close)
		client, err := apiclient.New(srv.URL)
		require.NoError(t, err)
		deps.API = client
	}
	return user.New(deps), mem
}

func TestSetCurrentUserEmits(t *testing.T) {
	s, _ := newStore(t, nil)
	var got []csevents.Event
	s.EventBus().OnAny(func(e csevents.Event) {
		if e.Type != csevents.StateChanged {
			got = append(got, e)
		}
	})

	s.Logout()
	assert.Empty(t, got, "signing out while signed out emits nothing")

	require.NoError(t, s.SetCurrentUser(&user.User{ID: "u1", Username: "ada"}))
	assert.True(t, s.IsAuthenticated())
	assert.Equal(t, user.StatusOnline, s.Status())
	assert.Equal(t, "ada", s.CurrentUser().Username)

	s.Logout()
	assert.False(t, s.IsAuthenticated())
	assert.Nil(t, s.CurrentUser())
	assert.Equal(t, user.StatusOffline, s.Status())

	require.Len(t, got, 2)
	assert.Equal(t, csevents.UserAuthenticated, got[0].Type)
	assert.Equal(t, user.User{ID: "u1", Username: "ada"}, got[0].Payload)
	assert.Equal(t, csevents.UserLogout, got[1].Type)
	assert.Equal(t, user.Name, got[1].Source)
}

func TestSetCurrentUserRequiresID(t *testing.T) {
	s, _ := newStore(t, nil)
	assert.Error(t, s.SetCurrentUser(&user.User{Username: "nobody"}))
	assert.False(t, s.IsAuthenticated())
}

func TestLoadCurrentUser(t *testing.T) {
	s, _ := newStore(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, user.CurrentUserPath, r.URL.Path)
		_ = json.NewEncoder(w).Encode(user.User{ID: "u7", Username: "grace"})
	})
	u := s.LoadCurrentUser(context.Background())
	require.NotNil(t, u)
	assert.Equal(t, "u7", u.ID)
	assert.Equal(t, "grace", s.CurrentUser().Username)
}

func TestLoadCurrentUserFailureStaysEmpty(t *testing.T) {
	s, _ := newStore(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	assert.Nil(t, s.LoadCurrentUser(context.Background()))
	assert.False(t, s.IsAuthenticated())

	offline, _ := newStore(t, nil)
	assert.Nil(t, offline.LoadCurrentUser(context.Background()))
}

func TestUpdatePreferencesPersisted(t *testing.T) {
	s, mem := newStore(t, nil)
	lang := "de"
	off := false
	require.NoError(t, s.UpdatePreferences(user.PreferencesPatch{Language: &lang, SoundEnabled: &off}))

	p := s.Preferences()
	assert.Equal(t, "de", p.Language)
	assert.False(t, p.SoundEnabled)
	assert.True(t, p.EnterToSend)

	empty := ""
	assert.Error(t, s.UpdatePreferences(user.PreferencesPatch{Language: &empty}))

	reloaded := user.New(stores.Deps{Storage: mem})
	require.NoError(t, reloaded.Init(context.Background()))
	assert.Equal(t, p, reloaded.Preferences())
	assert.False(t, reloaded.IsAuthenticated(), "only preferences are persisted")
}

func TestInitIgnoresMalformedPreferences(t *testing.T) {
	mem := persistence.NewMemoryStorage()
	require.NoError(t, mem.SetItem(context.Background(), stores.NamespacePrefix+user.Name,
		`{"preferences":{"language":42,"soundEnabled":false}}`))

	s := user.New(stores.Deps{Storage: mem})
	require.NoError(t, s.Init(context.Background()))
	assert.Equal(t, user.DefaultPreferences(), s.Preferences())
}

func TestStatusAndOnlineUsers(t *testing.T) {
	s, _ := newStore(t, nil)
	require.NoError(t, s.SetStatus(user.StatusBusy))
	assert.Equal(t, user.StatusBusy, s.Status())
	assert.Error(t, s.SetStatus("sleeping"))

	require.NoError(t, s.SetOnlineUsers([]string{"c", "a", "c", "", "b"}))
	assert.Equal(t, []string{"a", "b", "c"}, s.Current().OnlineUsers)
	assert.True(t, s.IsOnline("b"))
	assert.False(t, s.IsOnline("z"))
}

func TestClear(t *testing.T) {
	s, _ := newStore(t, nil)
	require.NoError(t, s.SetCurrentUser(&user.User{ID: "u1"}))
	s.Clear()
	assert.Equal(t, user.DefaultState(), s.Current())
}
