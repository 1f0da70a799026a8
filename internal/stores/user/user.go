// Package user is the domain store for the signed-in account, its
// preferences and presence.
package user

import (
	"context"
	"fmt"
	"sort"

	"github.com/gxo-labs/chatstate/internal/state"
	"github.com/gxo-labs/chatstate/internal/stores"
	cserrors "github.com/gxo-labs/chatstate/pkg/chatstate/v1/errors"
	csevents "github.com/gxo-labs/chatstate/pkg/chatstate/v1/events"
	csstate "github.com/gxo-labs/chatstate/pkg/chatstate/v1/state"
)

const (
	Name = "user"

	// CurrentUserPath is fetched by LoadCurrentUser.
	CurrentUserPath = "/api/users/me"
)

// Status is the presence a user advertises.
type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusAway, StatusBusy, StatusOffline:
		return true
	}
	return false
}

// User is an account as returned by the API.
type User struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
	Email       string `json:"email,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// Preferences are the persisted per-user settings.
type Preferences struct {
	Language             string `json:"language"`
	Timezone             string `json:"timezone"`
	NotificationsEnabled bool   `json:"notificationsEnabled"`
	SoundEnabled         bool   `json:"soundEnabled"`
	EnterToSend          bool   `json:"enterToSend"`
	ShowOnlineStatus     bool   `json:"showOnlineStatus"`
}

// PreferencesPatch updates the non-nil fields only.
type PreferencesPatch struct {
	Language             *string
	Timezone             *string
	NotificationsEnabled *bool
	SoundEnabled         *bool
	EnterToSend          *bool
	ShowOnlineStatus     *bool
}

// State is the typed view of the user tree.
type State struct {
	CurrentUser     *User       `json:"currentUser"`
	IsAuthenticated bool        `json:"isAuthenticated"`
	Preferences     Preferences `json:"preferences"`
	Status          Status      `json:"status"`
	OnlineUsers     []string    `json:"onlineUsers"`
}

// DefaultPreferences are used until the user changes something.
func DefaultPreferences() Preferences {
	return Preferences{
		Language:             "en",
		Timezone:             "UTC",
		NotificationsEnabled: true,
		SoundEnabled:         true,
		EnterToSend:          true,
		ShowOnlineStatus:     true,
	}
}

// DefaultState is the signed-out state.
func DefaultState() State {
	return State{
		Preferences: DefaultPreferences(),
		Status:      StatusOffline,
		OnlineUsers: []string{},
	}
}

// Store is the user domain store.
type Store struct {
	*stores.Base
}

// New creates the user store.
func New(deps stores.Deps) *Store {
	return &Store{Base: stores.NewBase(Name, deps, stores.DefaultTree(DefaultState()), "preferences")}
}

// Init loads persisted preferences. Fields that do not decode keep their
// defaults.
func (s *Store) Init(ctx context.Context) error {
	if err := s.Hydrate(ctx); err != nil {
		return err
	}
	err := s.Update(func(tx *state.Tx) error {
		prefs := DefaultPreferences()
		if _, err := tx.GetInto("preferences", &prefs); err != nil {
			s.Log.Warnf("Discarding unreadable preferences: %v", err)
			prefs = DefaultPreferences()
		}
		if prefs.Language == "" {
			prefs.Language = DefaultPreferences().Language
		}
		return tx.Set("preferences", prefs)
	}, csstate.WithPersist(false))
	if err != nil {
		return cserrors.NewInitializationError(Name, err)
	}
	return nil
}

// Clear signs out locally and restores default preferences.
func (s *Store) Clear() {
	s.Restore(stores.DefaultTree(DefaultState()))
}

// Destroy drops every subscriber.
func (s *Store) Destroy(context.Context) error {
	s.Teardown()
	return nil
}

// Current decodes the whole tree.
func (s *Store) Current() State {
	st := DefaultState()
	if err := state.Decode(s.Snapshot(), &st); err != nil {
		s.Log.Warnf("Failed to decode user state: %v", err)
	}
	return st
}

// SetCurrentUser records u as signed in and emits user:authenticated. A nil
// u signs out and emits user:logout if someone was signed in.
func (s *Store) SetCurrentUser(u *User) error {
	if u != nil && u.ID == "" {
		return cserrors.NewValidationError("user id cannot be empty", nil)
	}
	var wasAuthenticated bool
	err := s.Update(func(tx *state.Tx) error {
		_, _ = tx.GetInto("isAuthenticated", &wasAuthenticated)
		_ = tx.Set("currentUser", u)
		if u == nil {
			_ = tx.Set("status", StatusOffline)
			_ = tx.Set("onlineUsers", []string{})
		} else {
			_ = tx.Set("status", StatusOnline)
		}
		return tx.Set("isAuthenticated", u != nil)
	})
	if err != nil {
		return err
	}
	switch {
	case u != nil:
		copied := *u
		s.Emit(csevents.UserAuthenticated, copied)
	case wasAuthenticated:
		s.Emit(csevents.UserLogout, nil)
	}
	return nil
}

// CurrentUser returns the signed-in user, or nil.
func (s *Store) CurrentUser() *User {
	var u *User
	if _, err := s.GetInto("currentUser", &u); err != nil {
		return nil
	}
	return u
}

// IsAuthenticated reports whether a user is signed in.
func (s *Store) IsAuthenticated() bool {
	v, _ := s.Get("isAuthenticated")
	b, _ := v.(bool)
	return b
}

// LoadCurrentUser fetches the signed-in account and records it. A failed
// request is logged and leaves the store signed out.
func (s *Store) LoadCurrentUser(ctx context.Context) *User {
	var u User
	if err := s.Fetch(ctx, "loadCurrentUser", CurrentUserPath, &u); err != nil {
		s.Log.Warnf("Failed to load current user: %v", err)
		return nil
	}
	if err := s.SetCurrentUser(&u); err != nil {
		s.Log.Warnf("Discarding current user from API: %v", err)
		return nil
	}
	return &u
}

// Logout signs out and emits user:logout.
func (s *Store) Logout() {
	if err := s.SetCurrentUser(nil); err != nil {
		s.Log.Errorf("Logout failed: %v", err)
	}
}

// UpdatePreferences applies patch field by field.
func (s *Store) UpdatePreferences(patch PreferencesPatch) error {
	if patch.Language != nil && *patch.Language == "" {
		return cserrors.NewValidationError("language cannot be empty", nil)
	}
	if patch.Timezone != nil && *patch.Timezone == "" {
		return cserrors.NewValidationError("timezone cannot be empty", nil)
	}
	return s.Update(func(tx *state.Tx) error {
		p := DefaultPreferences()
		_, _ = tx.GetInto("preferences", &p)
		if patch.Language != nil {
			p.Language = *patch.Language
		}
		if patch.Timezone != nil {
			p.Timezone = *patch.Timezone
		}
		if patch.NotificationsEnabled != nil {
			p.NotificationsEnabled = *patch.NotificationsEnabled
		}
		if patch.SoundEnabled != nil {
			p.SoundEnabled = *patch.SoundEnabled
		}
		if patch.EnterToSend != nil {
			p.EnterToSend = *patch.EnterToSend
		}
		if patch.ShowOnlineStatus != nil {
			p.ShowOnlineStatus = *patch.ShowOnlineStatus
		}
		return tx.Set("preferences", p)
	})
}

// Preferences returns the current preferences.
func (s *Store) Preferences() Preferences {
	p := DefaultPreferences()
	_, _ = s.GetInto("preferences", &p)
	return p
}

// SetStatus sets the advertised presence.
func (s *Store) SetStatus(status Status) error {
	if !status.Valid() {
		return cserrors.NewValidationError(fmt.Sprintf("invalid status '%s'", status), nil)
	}
	return s.Set("status", string(status))
}

// Status returns the advertised presence.
func (s *Store) Status() Status {
	v, _ := s.Get("status")
	str, _ := v.(string)
	return Status(str)
}

// SetOnlineUsers replaces the online set. Ids are sorted and deduplicated.
func (s *Store) SetOnlineUsers(ids []string) error {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return s.Update(func(tx *state.Tx) error { return tx.Set("onlineUsers", out) })
}

// IsOnline reports whether id is in the online set.
func (s *Store) IsOnline(id string) bool {
	var ids []string
	_, _ = s.GetInto("onlineUsers", &ids)
	i := sort.SearchStrings(ids, id)
	return i < len(ids) && ids[i] == id
}
