package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/gxo-labs/chatstate/internal/stores/call"
	"github.com/gxo-labs/chatstate/internal/stores/chat"
	"github.com/gxo-labs/chatstate/internal/stores/notification"
	"github.com/gxo-labs/chatstate/internal/stores/ui"
	"github.com/gxo-labs/chatstate/internal/stores/user"
	chatstate "github.com/gxo-labs/chatstate/pkg/chatstate/v1"
	cserrors "github.com/gxo-labs/chatstate/pkg/chatstate/v1/errors"
	csevents "github.com/gxo-labs/chatstate/pkg/chatstate/v1/events"
)

// CallModalID is the modal opened for an incoming call.
const CallModalID = "call"

// ReasonLogout ends a call when the user signs out.
const ReasonLogout = "logout"

// defaultReactions is the built-in cross-store wiring.
func (a *Application) defaultReactions() []chatstate.Reaction {
	return []chatstate.Reaction{
		{
			Name:   "load-on-login",
			Event:  csevents.UserAuthenticated,
			From:   user.Name,
			To:     []string{chat.Name, notification.Name},
			Async:  true,
			Handle: a.onAuthenticated,
		},
		{
			Name:   "clear-on-logout",
			Event:  csevents.UserLogout,
			From:   user.Name,
			To:     []string{chat.Name, notification.Name, call.Name},
			Handle: a.onLogout,
		},
		{
			Name:   "notify-on-message",
			Event:  csevents.MessageReceived,
			From:   chat.Name,
			To:     []string{notification.Name, ui.Name},
			Handle: a.onMessage,
		},
		{
			Name:   "ring-on-incoming-call",
			Event:  csevents.CallIncoming,
			From:   call.Name,
			To:     []string{ui.Name},
			Handle: a.onIncomingCall,
		},
		{
			Name:   "close-on-call-ended",
			Event:  csevents.CallEnded,
			From:   call.Name,
			To:     []string{ui.Name},
			Handle: a.onCallEnded,
		},
	}
}

// onAuthenticated loads chats then notifications for the new user. ctx is
// the session it was emitted in; a logout or a second login cancels it.
func (a *Application) onAuthenticated(ctx context.Context, e csevents.Event) error {
	u, ok := e.Payload.(user.User)
	if !ok {
		return fmt.Errorf("unexpected payload %T", e.Payload)
	}
	// Someone else signed in before this ran.
	if me := a.user.CurrentUser(); me == nil || me.ID != u.ID {
		return nil
	}
	a.chat.LoadChats(ctx, u.ID)
	if ctx.Err() != nil {
		return nil
	}
	a.notification.Load(ctx)
	return nil
}

// onLogout clears user data and ends any live call.
func (a *Application) onLogout(context.Context, csevents.Event) error {
	a.chat.Clear()
	a.notification.Clear()
	switch a.call.Status() {
	case call.StatusIdle, call.StatusEnded:
		return nil
	}
	// The call may have ended on its own between Status and End.
	if err := a.call.End(ReasonLogout); err != nil && !errors.Is(err, cserrors.ErrInvalidTransition) {
		return err
	}
	return nil
}

// onMessage raises a notification for messages from other users.
func (a *Application) onMessage(_ context.Context, e csevents.Event) error {
	m, ok := e.Payload.(chat.Message)
	if !ok {
		return fmt.Errorf("unexpected payload %T", e.Payload)
	}
	if me := a.user.CurrentUser(); me != nil && me.ID == m.SenderID {
		return nil
	}
	if !a.user.Preferences().NotificationsEnabled {
		return nil
	}
	// Prefer the chat name; fall back to the sender.
	title := m.SenderID
	if c, ok := a.chat.Chats()[m.ChatID]; ok && c.Name != "" {
		title = c.Name
	}
	if _, err := a.notification.Enqueue(notification.Item{
		Kind:   "message",
		Title:  title,
		Body:   m.Text,
		ChatID: m.ChatID,
	}); err != nil {
		return err
	}
	a.ui.AddNotification(ui.Notification{Type: ui.NotificationInfo, Title: title, Message: m.Text})
	return nil
}

func (a *Application) onIncomingCall(_ context.Context, e csevents.Event) error {
	st, ok := e.Payload.(call.State)
	if !ok {
		return fmt.Errorf("unexpected payload %T", e.Payload)
	}
	a.ui.AddNotification(ui.Notification{
		ID:         callNotificationID(st.CallID),
		Type:       ui.NotificationInfo,
		Title:      "Incoming call",
		Message:    st.PeerID,
		Persistent: true,
	})
	// One call modal at a time.
	if a.ui.IsModalOpen(CallModalID) {
		return nil
	}
	_, err := a.ui.OpenModal(CallModalID, map[string]interface{}{
		"callId": st.CallID,
		"peerId": st.PeerID,
		"video":  st.Video,
	})
	return err
}

func (a *Application) onCallEnded(_ context.Context, e csevents.Event) error {
	if ended, ok := e.Payload.(call.Ended); ok {
		a.ui.RemoveNotification(callNotificationID(ended.CallID))
	}
	a.ui.CloseModal(CallModalID)
	return nil
}

func callNotificationID(callID string) string { return "call-" + callID }

// ValidateReactions checks that every reaction names its source and targets
// and that the store graph they form has no cycle.
func ValidateReactions(reactions []chatstate.Reaction) error {
	edges := make(map[string]map[string]bool)
	for _, r := range reactions {
		if r.Name == "" || r.Event == "" || r.From == "" || r.Handle == nil {
			return cserrors.NewConfigError(fmt.Sprintf("reaction '%s' needs a name, event, source store and handler", r.Name), nil)
		}
		if edges[r.From] == nil {
			edges[r.From] = make(map[string]bool)
		}
		for _, to := range r.To {
			edges[r.From][to] = true
			if edges[to] == nil {
				edges[to] = make(map[string]bool)
			}
		}
	}
	return detectCycle(edges)
}

// detectCycle walks edges depth-first in sorted order and reports the first
// cycle found with its trail.
func detectCycle(edges map[string]map[string]bool) error {
	path := make(map[string]bool)
	visited := make(map[string]bool)
	var trail []string

	for _, id := range sortedKeys(edges) {
		if !visited[id] {
			if hasCycleDFS(edges, id, path, visited, &trail) {
				return cserrors.NewConfigError("cycle detected in store wiring: "+strings.Join(trail, " -> "), nil)
			}
		}
	}
	return nil
}

func hasCycleDFS(edges map[string]map[string]bool, id string, path, visited map[string]bool, trail *[]string) bool {
	path[id] = true
	visited[id] = true
	*trail = append(*trail, id)

	for _, next := range sortedKeys(edges[id]) {
		if path[next] {
			*trail = append(*trail, next)
			return true
		}
		if !visited[next] {
			if hasCycleDFS(edges, next, path, visited, trail) {
				return true
			}
		}
	}

	// Backtrack
	path[id] = false
	*trail = (*trail)[:len(*trail)-1]
	return false
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
