package ui

import (
	"fmt"

	"github.com/gxo-labs/chatstate/internal/state"
	cserrors "github.com/gxo-labs/chatstate/pkg/chatstate/v1/errors"
	csevents "github.com/gxo-labs/chatstate/pkg/chatstate/v1/events"
	csstate "github.com/gxo-labs/chatstate/pkg/chatstate/v1/state"
)

// OpenModal pushes a modal entry. Opening an id that is already open pushes
// a second entry; callers that want one instance check IsModalOpen first.
// The first modal on an empty stack locks body scroll.
func (s *Store) OpenModal(id string, cfg map[string]interface{}) (ModalEntry, error) {
	if id == "" {
		return ModalEntry{}, cserrors.NewValidationError("modal id cannot be empty", nil)
	}
	var entry ModalEntry
	err := s.Update(func(tx *state.Tx) error {
		stack := readStack(tx)
		entry = ModalEntry{
			ID:       id,
			Config:   cfg,
			ZIndex:   s.opts.ModalBaseZIndex + len(stack),
			OpenedAt: s.Deps.Scheduler.Now(),
		}
		stack = append(stack, entry)
		return writeStack(tx, stack)
	}, csstate.WithPersist(false))
	if err != nil {
		return ModalEntry{}, fmt.Errorf("open modal '%s': %w", id, err)
	}
	s.Emit(csevents.ModalOpened, entry)
	return entry, nil
}

// CloseModal removes the topmost entry for id wherever it sits in the stack.
// It reports whether an entry was removed.
func (s *Store) CloseModal(id string) bool {
	return s.closeWhere(func(stack []ModalEntry) int {
		for i := len(stack) - 1; i >= 0; i-- {
			if stack[i].ID == id {
				return i
			}
		}
		return -1
	})
}

// CloseTopModal pops the top of the stack and returns its id.
func (s *Store) CloseTopModal() (string, bool) {
	var id string
	closed := s.closeWhere(func(stack []ModalEntry) int {
		if len(stack) == 0 {
			return -1
		}
		id = stack[len(stack)-1].ID
		return len(stack) - 1
	})
	return id, closed
}

// CloseAllModals empties the stack and releases the scroll lock.
func (s *Store) CloseAllModals() {
	var closed []ModalEntry
	err := s.Update(func(tx *state.Tx) error {
		closed = readStack(tx)
		if len(closed) == 0 {
			return nil
		}
		return writeStack(tx, nil)
	}, csstate.WithPersist(false))
	if err != nil {
		s.Log.Errorf("Failed to close modals: %v", err)
		return
	}
	for i := len(closed) - 1; i >= 0; i-- {
		s.Emit(csevents.ModalClosed, closed[i].ID)
	}
}

func (s *Store) closeWhere(pick func([]ModalEntry) int) bool {
	var removed *ModalEntry
	err := s.Update(func(tx *state.Tx) error {
		stack := readStack(tx)
		i := pick(stack)
		if i < 0 {
			return nil
		}
		e := stack[i]
		removed = &e
		stack = append(stack[:i], stack[i+1:]...)
		return writeStack(tx, stack)
	}, csstate.WithPersist(false))
	if err != nil {
		s.Log.Errorf("Failed to close modal: %v", err)
		return false
	}
	if removed == nil {
		return false
	}
	s.Emit(csevents.ModalClosed, removed.ID)
	return true
}

// IsModalOpen reports whether id has an entry on the stack.
func (s *Store) IsModalOpen(id string) bool {
	_, ok := s.Get("activeModals." + id)
	return ok
}

// ModalStack returns the stacked modal ids, bottom first.
func (s *Store) ModalStack() []string {
	var stack []ModalEntry
	_, _ = s.GetInto("modalStack", &stack)
	ids := make([]string, len(stack))
	for i, e := range stack {
		ids[i] = e.ID
	}
	return ids
}

// TopModal returns the entry on top of the stack.
func (s *Store) TopModal() (ModalEntry, bool) {
	var stack []ModalEntry
	_, _ = s.GetInto("modalStack", &stack)
	if len(stack) == 0 {
		return ModalEntry{}, false
	}
	return stack[len(stack)-1], true
}

// ActiveModals returns the topmost entry per open modal id.
func (s *Store) ActiveModals() map[string]ModalEntry {
	out := map[string]ModalEntry{}
	_, _ = s.GetInto("activeModals", &out)
	return out
}

func readStack(tx *state.Tx) []ModalEntry {
	var stack []ModalEntry
	_, _ = tx.GetInto("modalStack", &stack)
	return stack
}

// writeStack stores stack and the activeModals index derived from it, and
// keeps the scroll lock in step with stack emptiness.
func writeStack(tx *state.Tx, stack []ModalEntry) error {
	if stack == nil {
		stack = []ModalEntry{}
	}
	active := make(map[string]ModalEntry, len(stack))
	for _, e := range stack {
		active[e.ID] = e
	}
	_ = tx.Set("modalStack", stack)
	_ = tx.Set("activeModals", active)
	return tx.Set("bodyScrollLocked", len(stack) > 0)
}
