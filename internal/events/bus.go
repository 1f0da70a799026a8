package events

import (
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/gxo-labs/chatstate/pkg/chatstate/v1/events"
	cslog "github.com/gxo-labs/chatstate/pkg/chatstate/v1/log"
)

// PanicHook is called after a listener panic has been recovered and logged.
type PanicHook func(eventType events.EventType, recovered interface{})

// listener is one registration. The same function may back several
// registrations; each fires independently.
type listener struct {
	id   uint64
	fn   events.Listener
	once bool

	// fired guards once-listeners against concurrent emits.
	fired atomic.Bool
}

// EventBus is a synchronous, in-process publish/subscribe channel owned by a
// single store or component. Listeners run on the emitting goroutine, in
// registration order, outside the bus lock, so they may register, remove or
// emit re-entrantly.
type EventBus struct {
	mu        sync.RWMutex
	listeners map[events.EventType][]*listener
	wildcard  []*listener
	nextID    uint64

	owner   string
	log     cslog.Logger
	onPanic PanicHook
}

// NewEventBus creates a bus for owner. A nil logger panics: a bus that cannot
// report listener failures would hide them.
func NewEventBus(owner string, log cslog.Logger) *EventBus {
	if log == nil {
		panic("EventBus requires a non-nil logger")
	}
	return &EventBus{
		listeners: make(map[events.EventType][]*listener),
		owner:     owner,
		log:       log.With("component", "EventBus", "owner", owner),
	}
}

// SetPanicHook installs a callback used for metrics on recovered panics.
func (b *EventBus) SetPanicHook(hook PanicHook) {
	b.mu.Lock()
	b.onPanic = hook
	b.mu.Unlock()
}

// Owner returns the name the bus was created for.
func (b *EventBus) Owner() string { return b.owner }

// On registers fn for eventType.
func (b *EventBus) On(eventType events.EventType, fn events.Listener) events.Subscription {
	return b.add(eventType, fn, false, false)
}

// Once registers fn for a single delivery of eventType. The registration is
// removed before fn runs, so a panicking fn is still removed.
func (b *EventBus) Once(eventType events.EventType, fn events.Listener) events.Subscription {
	return b.add(eventType, fn, true, false)
}

// OnAny registers fn for every event emitted on the bus.
func (b *EventBus) OnAny(fn events.Listener) events.Subscription {
	return b.add("", fn, false, true)
}

func (b *EventBus) add(eventType events.EventType, fn events.Listener, once, wildcard bool) events.Subscription {
	if fn == nil {
		panic("EventBus: listener cannot be nil")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	l := &listener{id: b.nextID, fn: fn, once: once}
	if wildcard {
		b.wildcard = append(b.wildcard, l)
	} else {
		b.listeners[eventType] = append(b.listeners[eventType], l)
	}
	return &subscription{bus: b, eventType: eventType, id: l.id, wildcard: wildcard}
}

// Off removes the registration with id for eventType. Unknown ids are ignored.
func (b *EventBus) Off(eventType events.EventType, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(eventType, id)
}

// OffAny removes a wildcard registration.
func (b *EventBus) OffAny(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.wildcard = removeByID(b.wildcard, id)
}

func (b *EventBus) removeLocked(eventType events.EventType, id uint64) {
	list, ok := b.listeners[eventType]
	if !ok {
		return
	}
	list = removeByID(list, id)
	if len(list) == 0 {
		delete(b.listeners, eventType)
		return
	}
	b.listeners[eventType] = list
}

// removeByID returns a new slice so snapshots held by in-flight emits stay intact.
func removeByID(list []*listener, id uint64) []*listener {
	for i, l := range list {
		if l.id == id {
			out := make([]*listener, 0, len(list)-1)
			out = append(out, list[:i]...)
			return append(out, list[i+1:]...)
		}
	}
	return list
}

// Emit delivers event to the listeners of its type, then to wildcard
// listeners. Panics are recovered and logged; they never reach the caller.
func (b *EventBus) Emit(event events.Event) {
	b.mu.RLock()
	typed := b.listeners[event.Type]
	wild := b.wildcard
	hook := b.onPanic
	b.mu.RUnlock()

	if len(typed) == 0 && len(wild) == 0 {
		return
	}
	if event.Source == "" {
		event.Source = b.owner
	}
	for _, l := range typed {
		b.deliver(l, event, hook, false)
	}
	for _, l := range wild {
		b.deliver(l, event, hook, true)
	}
}

func (b *EventBus) deliver(l *listener, event events.Event, hook PanicHook, wildcard bool) {
	if l.once {
		if !l.fired.CompareAndSwap(false, true) {
			return
		}
		b.mu.Lock()
		if wildcard {
			b.wildcard = removeByID(b.wildcard, l.id)
		} else {
			b.removeLocked(event.Type, l.id)
		}
		b.mu.Unlock()
	}
	defer func() {
		if r := recover(); r != nil {
			b.log.Errorf("Listener %d for event '%s' panicked: %v\n%s", l.id, event.Type, r, debug.Stack())
			if hook != nil {
				hook(event.Type, r)
			}
		}
	}()
	l.fn(event)
}

// RemoveAllListeners drops every registration. Safe to call repeatedly.
func (b *EventBus) RemoveAllListeners() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = make(map[events.EventType][]*listener)
	b.wildcard = nil
}

// ListenerCount returns how many registrations exist for eventType.
// An empty eventType counts wildcard listeners.
func (b *EventBus) ListenerCount(eventType events.EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if eventType == "" {
		return len(b.wildcard)
	}
	return len(b.listeners[eventType])
}

type subscription struct {
	bus       *EventBus
	eventType events.EventType
	id        uint64
	wildcard  bool
}

func (s *subscription) ID() uint64 { return s.id }

func (s *subscription) Unsubscribe() {
	if s.wildcard {
		s.bus.OffAny(s.id)
		return
	}
	s.bus.Off(s.eventType, s.id)
}

func (s *subscription) String() string {
	return fmt.Sprintf("%s#%d", s.eventType, s.id)
}

var _ events.Bus = (*EventBus)(nil)
