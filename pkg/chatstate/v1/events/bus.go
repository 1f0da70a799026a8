package events

import "time"

// EventType names an event on a bus.
type EventType string

// Standard event types emitted by the store layer.
const (
	StateChanged EventType = "state:changed" // One per mutation, payload []state.Change

	UserAuthenticated EventType = "user:authenticated"
	UserLogout        EventType = "user:logout"

	ChatsLoaded     EventType = "chat:loaded"
	MessageReceived EventType = "message:received"
	MessageSent     EventType = "message:sent"

	ThemeChanged        EventType = "ui:theme"
	ModalOpened         EventType = "ui:modal:opened"
	ModalClosed         EventType = "ui:modal:closed"
	NotificationAdded   EventType = "ui:notification:added"
	NotificationEvicted EventType = "ui:notification:evicted"
	DeviceChanged       EventType = "ui:device"

	CallIncoming EventType = "call:incoming"
	CallStarted  EventType = "call:started"
	CallEnded    EventType = "call:ended"

	InboxUpdated EventType = "notification:inbox"

	ConnectionStatusChanged EventType = "connection:status"
	AppReady                EventType = "app:ready"
	AppDestroyed            EventType = "app:destroyed"
)

// Event is a single occurrence published on a bus.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// Source is the name of the store or component that emitted the event.
	Source  string      `json:"source,omitempty"`
	Payload interface{} `json:"payload,omitempty"`
}

// New builds an event stamped with the current time.
func New(t EventType, source string, payload interface{}) Event {
	return Event{Type: t, Timestamp: time.Now(), Source: source, Payload: payload}
}

// Listener receives events. A listener that panics is recovered by the bus.
type Listener func(Event)

// Subscription identifies one listener registration.
type Subscription interface {
	ID() uint64
	Unsubscribe()
}

// Bus is the publish/subscribe contract used by stores and feature modules.
type Bus interface {
	Emit(event Event)
	On(eventType EventType, listener Listener) Subscription
	Once(eventType EventType, listener Listener) Subscription
	OnAny(listener Listener) Subscription
	Off(eventType EventType, id uint64)
	RemoveAllListeners()
}
