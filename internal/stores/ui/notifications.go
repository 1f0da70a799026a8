package ui

import (
	"time"

	"github.com/gxo-labs/chatstate/internal/scheduler"
	"github.com/gxo-labs/chatstate/internal/state"
	csevents "github.com/gxo-labs/chatstate/pkg/chatstate/v1/events"
	csstate "github.com/gxo-labs/chatstate/pkg/chatstate/v1/state"
)

// AddNotification appends n to the queue and returns its id. When the queue
// exceeds MaxNotifications the oldest non-persistent entry is evicted; if
// every older entry is persistent nothing is evicted and the queue grows
// past the limit. Non-persistent entries are dismissed after their
// duration.
func (s *Store) AddNotification(n Notification) string {
	if n.ID == "" {
		n.ID = newID()
	}
	if n.Type == "" {
		n.Type = NotificationInfo
	}
	if n.Duration <= 0 {
		n.Duration = s.opts.NotificationDuration
	}
	n.CreatedAt = s.Deps.Scheduler.Now()

	var evicted []string
	err := s.Update(func(tx *state.Tx) error {
		list := readNotifications(tx)
		if i := indexOf(list, n.ID); i >= 0 {
			list = append(list[:i], list[i+1:]...)
		}
		list = append(list, n)
		for len(list) > s.opts.MaxNotifications {
			i := oldestEvictable(list[:len(list)-1])
			if i < 0 {
				break
			}
			evicted = append(evicted, list[i].ID)
			list = append(list[:i], list[i+1:]...)
		}
		return tx.Set("notifications", list)
	}, csstate.WithPersist(false))
	if err != nil {
		s.Log.Errorf("Failed to add notification: %v", err)
		return ""
	}

	for _, id := range evicted {
		s.cancelTimer(id)
		if s.Deps.Metrics != nil {
			s.Deps.Metrics.NotificationEvicted()
		}
		s.Emit(csevents.NotificationEvicted, id)
	}
	s.cancelTimer(n.ID)
	if !n.Persistent {
		s.scheduleDismiss(n.ID, n.Duration)
	}
	s.Emit(csevents.NotificationAdded, n)
	return n.ID
}

// RemoveNotification dismisses id and cancels its pending auto-dismiss.
func (s *Store) RemoveNotification(id string) bool {
	s.cancelTimer(id)
	return s.removeNotification(id)
}

// ClearNotifications empties the queue and cancels every auto-dismiss.
func (s *Store) ClearNotifications() {
	s.cancelTimers()
	if err := s.Set("notifications", []interface{}{}, csstate.WithPersist(false)); err != nil {
		s.Log.Errorf("Failed to clear notifications: %v", err)
	}
}

// Notifications returns the queue, oldest first.
func (s *Store) Notifications() []Notification {
	var list []Notification
	_, _ = s.GetInto("notifications", &list)
	return list
}

// PendingDismissals returns the number of scheduled auto-dismissals.
func (s *Store) PendingDismissals() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func (s *Store) removeNotification(id string) bool {
	removed := false
	err := s.Update(func(tx *state.Tx) error {
		list := readNotifications(tx)
		i := indexOf(list, id)
		if i < 0 {
			return nil
		}
		removed = true
		return tx.Set("notifications", append(list[:i], list[i+1:]...))
	}, csstate.WithPersist(false))
	if err != nil {
		s.Log.Errorf("Failed to remove notification '%s': %v", id, err)
		return false
	}
	return removed
}

func (s *Store) scheduleDismiss(id string, after time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var t scheduler.Timer
	t = s.Deps.Scheduler.AfterFunc(after, func() {
		s.mu.Lock()
		if s.timers[id] != t {
			s.mu.Unlock()
			return
		}
		delete(s.timers, id)
		s.mu.Unlock()
		s.removeNotification(id)
	})
	s.timers[id] = t
}

func (s *Store) cancelTimer(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
}

func (s *Store) cancelTimers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

func readNotifications(tx *state.Tx) []Notification {
	var list []Notification
	_, _ = tx.GetInto("notifications", &list)
	return list
}

func indexOf(list []Notification, id string) int {
	for i, n := range list {
		if n.ID == id {
			return i
		}
	}
	return -1
}

// oldestEvictable returns the index of the earliest created non-persistent
// entry, or -1.
func oldestEvictable(list []Notification) int {
	best := -1
	for i, n := range list {
		if n.Persistent {
			continue
		}
		if best < 0 || n.CreatedAt.Before(list[best].CreatedAt) {
			best = i
		}
	}
	return best
}
