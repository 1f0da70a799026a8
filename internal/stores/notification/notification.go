// Package notification is the domain store for the server-side notification
// inbox. It has no size limit; entries leave only when removed or cleared.
package notification

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gxo-labs/chatstate/internal/state"
	"github.com/gxo-labs/chatstate/internal/stores"
	cserrors "github.com/gxo-labs/chatstate/pkg/chatstate/v1/errors"
	csevents "github.com/gxo-labs/chatstate/pkg/chatstate/v1/events"
	csstate "github.com/gxo-labs/chatstate/pkg/chatstate/v1/state"
)

const (
	Name     = "notification"
	ListPath = "/api/notifications"
)

// Permission mirrors the host's notification permission.
type Permission string

const (
	PermissionDefault Permission = "default"
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

// Valid reports whether p is a known permission.
func (p Permission) Valid() bool {
	switch p {
	case PermissionDefault, PermissionGranted, PermissionDenied:
		return true
	}
	return false
}

// Item is one inbox entry.
type Item struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Title     string    `json:"title"`
	Body      string    `json:"body,omitempty"`
	ChatID    string    `json:"chatId,omitempty"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"createdAt"`
}

// State is the typed view of the notification tree.
type State struct {
	Items        map[string]Item `json:"items"`
	UnreadCount  int             `json:"unreadCount"`
	Permission   Permission      `json:"permission"`
	SoundEnabled bool            `json:"soundEnabled"`
}

// Inbox is the payload of notification:inbox.
type Inbox struct {
	Total  int `json:"total"`
	Unread int `json:"unread"`
}

// DefaultState is the empty inbox.
func DefaultState() State {
	return State{Items: map[string]Item{}, Permission: PermissionDefault, SoundEnabled: true}
}

// Store is the notification domain store.
type Store struct {
	*stores.Base
}

// New creates the notification store.
func New(deps stores.Deps) *Store {
	return &Store{Base: stores.NewBase(Name, deps, stores.DefaultTree(DefaultState()), "soundEnabled", "permission")}
}

// Init loads the persisted permission and sound setting.
func (s *Store) Init(ctx context.Context) error {
	if err := s.Hydrate(ctx); err != nil {
		return err
	}
	err := s.Update(func(tx *state.Tx) error {
		var p Permission
		if _, err := tx.GetInto("permission", &p); err != nil || !p.Valid() {
			_ = tx.Set("permission", PermissionDefault)
		}
		var sound bool
		if _, err := tx.GetInto("soundEnabled", &sound); err != nil {
			return tx.Set("soundEnabled", true)
		}
		return nil
	}, csstate.WithPersist(false))
	if err != nil {
		return cserrors.NewInitializationError(Name, err)
	}
	return nil
}

// Clear empties the inbox and restores defaults.
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
		s.Log.Warnf("Failed to decode notification state: %v", err)
	}
	return st
}

// Load fetches the inbox. A failed request leaves it empty; a response that
// arrives after ctx is done is discarded.
func (s *Store) Load(ctx context.Context) []Item {
	var list []Item
	if err := s.Fetch(ctx, "loadNotifications", ListPath, &list); err != nil {
		s.Log.Warnf("Failed to load notifications: %v", err)
		list = nil
	}
	items := make(map[string]Item, len(list))
	for _, it := range list {
		if validID(it.ID) != nil {
			continue
		}
		items[it.ID] = it
	}
	s.commit(func(current map[string]Item) map[string]Item {
		if ctx.Err() != nil {
			s.Log.Debugf("Dropping loaded notifications: %v", ctx.Err())
			return current
		}
		return items
	})
	return s.Items()
}

// Enqueue adds item to the inbox and returns its id. A missing id or
// timestamp is filled in; an existing id is replaced.
func (s *Store) Enqueue(item Item) (string, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if err := validID(item.ID); err != nil {
		return "", err
	}
	if item.Title == "" {
		return "", cserrors.NewValidationError("notification title cannot be empty", nil)
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = s.Deps.Scheduler.Now()
	}
	s.commit(func(items map[string]Item) map[string]Item {
		items[item.ID] = item
		return items
	})
	return item.ID, nil
}

// MarkRead flags id as read. It reports whether the entry exists.
func (s *Store) MarkRead(id string) bool {
	found := false
	s.commit(func(items map[string]Item) map[string]Item {
		if it, ok := items[id]; ok {
			found = true
			it.Read = true
			items[id] = it
		}
		return items
	})
	return found
}

// MarkAllRead flags every entry as read.
func (s *Store) MarkAllRead() {
	s.commit(func(items map[string]Item) map[string]Item {
		for id, it := range items {
			it.Read = true
			items[id] = it
		}
		return items
	})
}

// Remove deletes id. It reports whether the entry existed.
func (s *Store) Remove(id string) bool {
	found := false
	s.commit(func(items map[string]Item) map[string]Item {
		if _, ok := items[id]; ok {
			found = true
			delete(items, id)
		}
		return items
	})
	return found
}

// Items returns the inbox newest first.
func (s *Store) Items() []Item {
	items := map[string]Item{}
	if _, err := s.GetInto("items", &items); err != nil {
		s.Log.Warnf("Failed to decode notification items: %v", err)
	}
	out := make([]Item, 0, len(items))
	for _, it := range items {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// UnreadCount returns the number of unread entries.
func (s *Store) UnreadCount() int {
	var n int
	_, _ = s.GetInto("unreadCount", &n)
	return n
}

// SetPermission records the host permission.
func (s *Store) SetPermission(p Permission) error {
	if !p.Valid() {
		return cserrors.NewValidationError("invalid notification permission '"+string(p)+"'", nil)
	}
	return s.Update(func(tx *state.Tx) error { return tx.Set("permission", p) })
}

// Permission returns the stored permission.
func (s *Store) Permission() Permission {
	v, _ := s.Get("permission")
	p, _ := v.(string)
	return Permission(p)
}

// SetSoundEnabled toggles notification sounds.
func (s *Store) SetSoundEnabled(enabled bool) error {
	return s.Update(func(tx *state.Tx) error { return tx.Set("soundEnabled", enabled) })
}

// SoundEnabled reports whether notification sounds are on.
func (s *Store) SoundEnabled() bool {
	v, _ := s.Get("soundEnabled")
	b, _ := v.(bool)
	return b
}

// commit rewrites items and unreadCount in one mutation and emits
// notification:inbox when anything changed.
func (s *Store) commit(fn func(items map[string]Item) map[string]Item) {
	changed := false
	var inbox Inbox
	err := s.Update(func(tx *state.Tx) error {
		items := map[string]Item{}
		if _, err := tx.GetInto("items", &items); err != nil {
			items = map[string]Item{}
		}
		items = fn(items)
		inbox = Inbox{Total: len(items)}
		for _, it := range items {
			if !it.Read {
				inbox.Unread++
			}
		}
		_ = tx.Set("items", items)
		_ = tx.Set("unreadCount", inbox.Unread)
		changed = tx.Changed()
		return nil
	}, csstate.WithPersist(false))
	if err != nil {
		s.Log.Errorf("Failed to update notification inbox: %v", err)
		return
	}
	if changed {
		s.Emit(csevents.InboxUpdated, inbox)
	}
}

func validID(id string) error {
	if id == "" || strings.ContainsAny(id, ".") {
		return cserrors.NewValidationError("invalid notification id '"+id+"'", cserrors.ErrInvalidPath)
	}
	return nil
}
