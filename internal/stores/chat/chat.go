// Package chat is the domain store for conversations, messages, unread
// counters, typing indicators and drafts.
package chat

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/gxo-labs/chatstate/internal/state"
	"github.com/gxo-labs/chatstate/internal/stores"
	cserrors "github.com/gxo-labs/chatstate/pkg/chatstate/v1/errors"
	csevents "github.com/gxo-labs/chatstate/pkg/chatstate/v1/events"
	csstate "github.com/gxo-labs/chatstate/pkg/chatstate/v1/state"
)

const Name = "chat"

// Store is the chat domain store.
type Store struct {
	*stores.Base
}

// New creates the chat store.
func New(deps stores.Deps) *Store {
	return &Store{Base: stores.NewBase(Name, deps, stores.DefaultTree(DefaultState()), "activeChatId", "drafts")}
}

// Init loads the persisted active chat and drafts.
func (s *Store) Init(ctx context.Context) error {
	if err := s.Hydrate(ctx); err != nil {
		return err
	}
	err := s.Update(func(tx *state.Tx) error {
		var active string
		if _, err := tx.GetInto("activeChatId", &active); err != nil || (active != "" && validID(active) != nil) {
			_ = tx.Set("activeChatId", "")
		}
		drafts := map[string]string{}
		if _, err := tx.GetInto("drafts", &drafts); err != nil {
			s.Log.Warnf("Discarding unreadable drafts: %v", err)
			return tx.Set("drafts", map[string]string{})
		}
		return nil
	}, csstate.WithPersist(false))
	if err != nil {
		return cserrors.NewInitializationError(Name, err)
	}
	return nil
}

// Clear drops every conversation and draft.
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
		s.Log.Warnf("Failed to decode chat state: %v", err)
	}
	return st
}

// LoadChats fetches the conversations of userID. A failed request leaves an
// empty chat map. If ctx is done by the time the response arrives, nothing
// is stored and nil is returned.
func (s *Store) LoadChats(ctx context.Context, userID string) map[string]Chat {
	var list []Chat
	path := "/api/chats?user_id=" + url.QueryEscape(userID)
	if err := s.Fetch(ctx, "loadChats", path, &list); err != nil {
		s.Log.Warnf("Failed to load chats for '%s': %v", userID, err)
		list = nil
	}
	chats := make(map[string]Chat, len(list))
	for _, c := range list {
		if err := validID(c.ID); err != nil {
			s.Log.Warnf("Skipping chat with unusable id: %v", err)
			continue
		}
		chats[c.ID] = c
	}
	// Checked under the store lock, so a Clear that follows the
	// cancellation is never overwritten.
	stale := false
	err := s.Update(func(tx *state.Tx) error {
		if ctx.Err() != nil {
			stale = true
			return nil
		}
		return tx.Set("chats", chats)
	})
	if err != nil {
		s.Log.Errorf("Failed to store chats: %v", err)
	}
	if stale {
		s.Log.Debugf("Dropping chats for '%s': %v", userID, ctx.Err())
		return nil
	}
	s.Emit(csevents.ChatsLoaded, len(chats))
	return chats
}

// LoadMessages fetches the history of chatID. A failed request leaves an
// empty history.
func (s *Store) LoadMessages(ctx context.Context, chatID string) ([]Message, error) {
	if err := validID(chatID); err != nil {
		return nil, err
	}
	var list []Message
	if err := s.Fetch(ctx, "loadMessages", "/api/chats/"+url.PathEscape(chatID)+"/messages", &list); err != nil {
		s.Log.Warnf("Failed to load messages for '%s': %v", chatID, err)
		list = []Message{}
	}
	if err := s.Update(func(tx *state.Tx) error { return tx.Set("messages."+chatID, list) }); err != nil {
		return nil, err
	}
	return list, nil
}

// SetActiveChat selects chatID and resets its unread counter. An empty id
// deselects.
func (s *Store) SetActiveChat(chatID string) error {
	if chatID != "" {
		if err := validID(chatID); err != nil {
			return err
		}
	}
	return s.Update(func(tx *state.Tx) error {
		_ = tx.Set("activeChatId", chatID)
		if chatID == "" {
			return nil
		}
		return tx.Delete("unread." + chatID)
	})
}

// ActiveChatID returns the selected chat or "".
func (s *Store) ActiveChatID() string {
	v, _ := s.Get("activeChatId")
	id, _ := v.(string)
	return id
}

// ReceiveMessage appends m to its chat. The unread counter grows unless the
// chat is active. A message id already present is ignored. It emits
// message:received.
func (s *Store) ReceiveMessage(m Message) error {
	if err := validID(m.ChatID); err != nil {
		return err
	}
	if m.ID == "" {
		return cserrors.NewValidationError("message id cannot be empty", nil)
	}
	if m.Status == "" {
		m.Status = StatusReceived
	}
	duplicate := false
	err := s.Update(func(tx *state.Tx) error {
		list := readMessages(tx, m.ChatID)
		for _, existing := range list {
			if existing.ID == m.ID {
				duplicate = true
				return nil
			}
		}
		_ = tx.Set("messages."+m.ChatID, append(list, m))
		touchChat(tx, m)

		var active string
		_, _ = tx.GetInto("activeChatId", &active)
		if active == m.ChatID {
			return nil
		}
		var unread int
		_, _ = tx.GetInto("unread."+m.ChatID, &unread)
		return tx.Set("unread."+m.ChatID, unread+1)
	})
	if err != nil || duplicate {
		return err
	}
	s.Emit(csevents.MessageReceived, m)
	return nil
}

// SendMessage appends an optimistic pending message, posts it, and replaces
// it with the server copy. On failure the optimistic message is marked
// failed and the error is returned.
func (s *Store) SendMessage(ctx context.Context, chatID, senderID, text string) (Message, error) {
	if err := validID(chatID); err != nil {
		return Message{}, err
	}
	if strings.TrimSpace(text) == "" {
		return Message{}, cserrors.NewValidationError("message text cannot be empty", nil)
	}
	clientID := uuid.NewString()
	pending := Message{
		ID:       clientID,
		ChatID:   chatID,
		SenderID: senderID,
		Text:     text,
		SentAt:   s.Deps.Scheduler.Now(),
		Status:   StatusPending,
		ClientID: clientID,
	}
	if err := s.Update(func(tx *state.Tx) error {
		return tx.Set("messages."+chatID, append(readMessages(tx, chatID), pending))
	}); err != nil {
		return Message{}, err
	}

	sent, err := s.post(ctx, chatID, sendRequest{Text: text, ClientID: clientID})
	if err != nil {
		s.replace(chatID, clientID, func(m Message) Message {
			m.Status = StatusFailed
			return m
		})
		pending.Status = StatusFailed
		return pending, fmt.Errorf("send message to chat '%s': %w", chatID, err)
	}
	if sent.ID == "" {
		sent.ID = clientID
	}
	sent.ChatID = chatID
	sent.ClientID = clientID
	sent.Status = StatusSent
	if sent.SenderID == "" {
		sent.SenderID = senderID
	}
	if sent.SentAt.IsZero() {
		sent.SentAt = pending.SentAt
	}
	s.replace(chatID, clientID, func(Message) Message { return sent })
	s.Emit(csevents.MessageSent, sent)
	return sent, nil
}

func (s *Store) post(ctx context.Context, chatID string, body sendRequest) (Message, error) {
	var sent Message
	if s.Deps.API == nil {
		return sent, cserrors.NewLoadError(Name, "sendMessage", fmt.Errorf("no API client configured"))
	}
	err := s.Deps.API.Post(ctx, "/api/chats/"+url.PathEscape(chatID)+"/messages", body, &sent)
	return sent, err
}

// replace rewrites the message carrying clientID.
func (s *Store) replace(chatID, clientID string, fn func(Message) Message) {
	err := s.Update(func(tx *state.Tx) error {
		list := readMessages(tx, chatID)
		for i, m := range list {
			if m.ClientID == clientID {
				list[i] = fn(m)
				_ = tx.Set("messages."+chatID, list)
				touchChat(tx, list[i])
				return nil
			}
		}
		return nil
	})
	if err != nil {
		s.Log.Errorf("Failed to update message '%s': %v", clientID, err)
	}
}

// Messages returns the history of chatID, oldest first.
func (s *Store) Messages(chatID string) []Message {
	var list []Message
	_, _ = s.GetInto("messages."+chatID, &list)
	return list
}

// Chats returns the loaded conversations.
func (s *Store) Chats() map[string]Chat {
	chats := map[string]Chat{}
	_, _ = s.GetInto("chats", &chats)
	return chats
}

// MarkRead resets the unread counter of chatID.
func (s *Store) MarkRead(chatID string) error {
	if err := validID(chatID); err != nil {
		return err
	}
	return s.Delete("unread." + chatID)
}

// UnreadCount returns the unread counter of chatID.
func (s *Store) UnreadCount(chatID string) int {
	var n int
	_, _ = s.GetInto("unread."+chatID, &n)
	return n
}

// TotalUnread sums every unread counter.
func (s *Store) TotalUnread() int {
	counts := map[string]int{}
	_, _ = s.GetInto("unread", &counts)
	total := 0
	for _, n := range counts {
		total += n
	}
	return total
}

// SetTyping adds or removes userID from the typing set of chatID.
func (s *Store) SetTyping(chatID, userID string, typing bool) error {
	if err := validID(chatID); err != nil {
		return err
	}
	return s.Update(func(tx *state.Tx) error {
		var users []string
		_, _ = tx.GetInto("typing."+chatID, &users)
		users = setMember(users, userID, typing)
		if len(users) == 0 {
			return tx.Delete("typing." + chatID)
		}
		return tx.Set("typing."+chatID, users)
	}, csstate.WithPersist(false))
}

// Typing returns the users typing in chatID, sorted.
func (s *Store) Typing(chatID string) []string {
	var users []string
	_, _ = s.GetInto("typing."+chatID, &users)
	return users
}

// SaveDraft stores the unsent text of chatID. Empty text removes the draft.
func (s *Store) SaveDraft(chatID, text string) error {
	if err := validID(chatID); err != nil {
		return err
	}
	if text == "" {
		return s.Delete("drafts." + chatID)
	}
	return s.Set("drafts."+chatID, text)
}

// Draft returns the unsent text of chatID.
func (s *Store) Draft(chatID string) string {
	v, _ := s.Get("drafts." + chatID)
	text, _ := v.(string)
	return text
}

func readMessages(tx *state.Tx, chatID string) []Message {
	var list []Message
	_, _ = tx.GetInto("messages."+chatID, &list)
	return list
}

// touchChat records m as the last message of its chat if the chat is known.
func touchChat(tx *state.Tx, m Message) {
	var c Chat
	if ok, err := tx.GetInto("chats."+m.ChatID, &c); !ok || err != nil {
		return
	}
	c.LastMessage = &m
	if m.SentAt.After(c.UpdatedAt) {
		c.UpdatedAt = m.SentAt
	}
	_ = tx.Set("chats."+m.ChatID, c)
}

func setMember(set []string, id string, present bool) []string {
	i := sort.SearchStrings(set, id)
	found := i < len(set) && set[i] == id
	switch {
	case present && !found:
		set = append(set, "")
		copy(set[i+1:], set[i:])
		set[i] = id
	case !present && found:
		set = append(set[:i], set[i+1:]...)
	}
	return set
}

// validID rejects ids that cannot be used as a key path segment.
func validID(id string) error {
	if id == "" || strings.Contains(id, ".") {
		return cserrors.NewValidationError(fmt.Sprintf("invalid chat id '%s'", id), cserrors.ErrInvalidPath)
	}
	return nil
}
