package state

import (
	"fmt"

	"github.com/gxo-labs/chatstate/internal/util"
	csstate "github.com/gxo-labs/chatstate/pkg/chatstate/v1/state"
)

// Tx is a working copy of the tree handed to an Update function. Writes are
// normalized to the JSON value form and recorded as changes in call order.
// The first failed write is kept and returned by Update, so callers may
// chain writes and check once.
type Tx struct {
	tree    map[string]interface{}
	changes []csstate.Change
	err     error
}

// Get returns a copy of the value at path as seen by this transaction.
func (tx *Tx) Get(path string) (interface{}, bool) {
	segs, err := ParsePath(path)
	if err != nil {
		return nil, false
	}
	val, ok := lookup(tx.tree, segs)
	if !ok {
		return nil, false
	}
	return util.DeepCopy(val), true
}

// GetInto decodes the value at path into out. It reports false if absent.
func (tx *Tx) GetInto(path string, out interface{}) (bool, error) {
	val, ok := tx.Get(path)
	if !ok {
		return false, nil
	}
	if err := Decode(val, out); err != nil {
		return true, fmt.Errorf("decode '%s': %w", path, err)
	}
	return true, nil
}

// Set normalizes value and stores it at path. Equal values record nothing.
func (tx *Tx) Set(path string, value interface{}) error {
	if tx.err != nil {
		return tx.err
	}
	segs, err := ParsePath(path)
	if err != nil {
		return tx.fail(err)
	}
	norm, err := Normalize(value)
	if err != nil {
		return tx.fail(fmt.Errorf("normalize '%s': %w", path, err))
	}
	change, changed := setChange(tx.tree, segs, norm)
	if !changed {
		return nil
	}
	assign(tx.tree, segs, norm)
	tx.changes = append(tx.changes, change)
	return nil
}

// Delete removes path. Deleting an absent path records nothing.
func (tx *Tx) Delete(path string) error {
	if tx.err != nil {
		return tx.err
	}
	segs, err := ParsePath(path)
	if err != nil {
		return tx.fail(err)
	}
	old, existed := remove(tx.tree, segs)
	if existed {
		tx.changes = append(tx.changes, csstate.Change{Path: JoinPath(segs...), OldValue: old, Existed: true, Deleted: true})
	}
	return nil
}

// Changed reports whether any write recorded a change.
func (tx *Tx) Changed() bool { return len(tx.changes) > 0 }

// Err returns the first failed write.
func (tx *Tx) Err() error { return tx.err }

func (tx *Tx) fail(err error) error {
	tx.err = err
	return err
}

// Update runs fn against a copy of the tree under the store's write lock and
// commits every write it made as one notification. If fn returns an error
// nothing is committed. fn must not call methods on the Store itself.
func (s *Store) Update(fn func(tx *Tx) error, opts ...csstate.MutationOption) error {
	o := csstate.ResolveOptions(opts...)

	s.mu.Lock()
	tx := &Tx{tree: util.CopyTree(s.tree)}
	err := fn(tx)
	if err == nil {
		err = tx.err
	}
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if len(tx.changes) == 0 {
		s.mu.Unlock()
		return nil
	}
	s.tree = tx.tree
	s.enqueueLocked(tx.changes, o)
	s.mu.Unlock()

	s.drain()
	return nil
}
