package state

import (
	"reflect"
	"sort"

	"github.com/gxo-labs/chatstate/internal/util"
	csstate "github.com/gxo-labs/chatstate/pkg/chatstate/v1/state"
)

// The tree is a map[string]interface{}. A map[string]interface{} value is a
// mapping node; every other value is a leaf. The functions below walk it by
// explicit descent and never panic on a shape mismatch.

// lookup returns the value at segs. The returned value is not copied.
func lookup(tree map[string]interface{}, segs []string) (interface{}, bool) {
	node := tree
	for i, seg := range segs {
		val, ok := node[seg]
		if !ok {
			return nil, false
		}
		if i == len(segs)-1 {
			return val, true
		}
		next, isMap := val.(map[string]interface{})
		if !isMap {
			return nil, false
		}
		node = next
	}
	return nil, false
}

// assign stores value at segs, creating intermediate mapping nodes and
// replacing any leaf found on the way. It returns the previous value.
func assign(tree map[string]interface{}, segs []string, value interface{}) (interface{}, bool) {
	node := tree
	for _, seg := range segs[:len(segs)-1] {
		next, isMap := node[seg].(map[string]interface{})
		if !isMap {
			next = make(map[string]interface{})
			node[seg] = next
		}
		node = next
	}
	last := segs[len(segs)-1]
	old, existed := node[last]
	node[last] = value
	return old, existed
}

// remove deletes the value at segs and returns it.
func remove(tree map[string]interface{}, segs []string) (interface{}, bool) {
	node := tree
	for _, seg := range segs[:len(segs)-1] {
		next, isMap := node[seg].(map[string]interface{})
		if !isMap {
			return nil, false
		}
		node = next
	}
	last := segs[len(segs)-1]
	old, existed := node[last]
	if existed {
		delete(node, last)
	}
	return old, existed
}

// setChange computes the change a Set would produce, or false if value is
// deep-equal to what is already stored.
func setChange(tree map[string]interface{}, segs []string, value interface{}) (csstate.Change, bool) {
	old, existed := lookup(tree, segs)
	if existed && reflect.DeepEqual(old, value) {
		return csstate.Change{}, false
	}
	return csstate.Change{
		Path:     JoinPath(segs...),
		OldValue: util.DeepCopy(old),
		NewValue: util.DeepCopy(value),
		Existed:  existed,
	}, true
}

// mergeInto deep-merges partial into node, appending one change per leaf it
// writes. Keys are visited in sorted order so change lists are stable.
// A mapping value merged over a leaf replaces the leaf as a single change.
func mergeInto(node map[string]interface{}, prefix []string, partial map[string]interface{}, changes *[]csstate.Change) {
	keys := make([]string, 0, len(partial))
	for k := range partial {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if key == "" {
			continue
		}
		value := partial[key]
		segs := append(append([]string(nil), prefix...), key)
		existing, existed := node[key]

		if sub, isMap := value.(map[string]interface{}); isMap {
			if existingMap, ok := existing.(map[string]interface{}); ok {
				mergeInto(existingMap, segs, sub, changes)
				continue
			}
			if !existed && len(sub) > 0 {
				child := make(map[string]interface{}, len(sub))
				node[key] = child
				mergeInto(child, segs, sub, changes)
				continue
			}
		}

		if existed && reflect.DeepEqual(existing, value) {
			continue
		}
		copied := util.DeepCopy(value)
		*changes = append(*changes, csstate.Change{
			Path:     JoinPath(segs...),
			OldValue: util.DeepCopy(existing),
			NewValue: util.DeepCopy(copied),
			Existed:  existed,
		})
		node[key] = copied
	}
}

// Project copies the values at paths out of tree into a new tree with the
// same nesting. Missing paths are skipped; invalid paths are ignored.
func Project(tree map[string]interface{}, paths []string) map[string]interface{} {
	out := make(map[string]interface{})
	for _, p := range paths {
		segs, err := ParsePath(p)
		if err != nil {
			continue
		}
		if val, ok := lookup(tree, segs); ok {
			assign(out, segs, util.DeepCopy(val))
		}
	}
	return out
}
