package chat

import "time"

// ChatType distinguishes direct conversations from groups.
type ChatType string

const (
	ChatPrivate ChatType = "private"
	ChatGroup   ChatType = "group"
)

// MessageStatus tracks delivery of a message.
type MessageStatus string

const (
	// StatusPending marks an optimistic message not yet acknowledged.
	StatusPending  MessageStatus = "pending"
	StatusSent     MessageStatus = "sent"
	StatusFailed   MessageStatus = "failed"
	StatusReceived MessageStatus = "received"
)

// Chat is one conversation.
type Chat struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Type        ChatType  `json:"type"`
	Members     []string  `json:"members,omitempty"`
	LastMessage *Message  `json:"lastMessage,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Message is one chat message.
type Message struct {
	ID       string        `json:"id"`
	ChatID   string        `json:"chatId"`
	SenderID string        `json:"senderId"`
	Text     string        `json:"text"`
	SentAt   time.Time     `json:"sentAt"`
	Status   MessageStatus `json:"status"`

	// ClientID correlates an optimistic message with the server copy.
	ClientID string `json:"clientId,omitempty"`
}

// State is the typed view of the chat tree. Maps are keyed by chat id.
type State struct {
	Chats        map[string]Chat      `json:"chats"`
	ActiveChatID string               `json:"activeChatId"`
	Messages     map[string][]Message `json:"messages"`
	Unread       map[string]int       `json:"unread"`
	Typing       map[string][]string  `json:"typing"`
	Drafts       map[string]string    `json:"drafts"`
}

// DefaultState is the empty, signed-out state.
func DefaultState() State {
	return State{
		Chats:    map[string]Chat{},
		Messages: map[string][]Message{},
		Unread:   map[string]int{},
		Typing:   map[string][]string{},
		Drafts:   map[string]string{},
	}
}

// sendRequest is the POST body of SendMessage.
type sendRequest struct {
	Text     string `json:"text"`
	ClientID string `json:"clientId"`
}
