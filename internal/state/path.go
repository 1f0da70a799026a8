package state

import (
	"fmt"
	"strings"

	cserrors "github.com/gxo-labs/chatstate/pkg/chatstate/v1/errors"
)

// GlobalPath is the subscription path that matches every change.
const GlobalPath = "*"

// ParsePath splits a dot-delimited key path into its segments. Empty paths
// and empty segments ("a..b", ".a", "a.") are rejected.
func ParsePath(path string) ([]string, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", cserrors.ErrInvalidPath)
	}
	segs := strings.Split(path, ".")
	for i, seg := range segs {
		if seg == "" {
			return nil, fmt.Errorf("%w: empty segment %d in '%s'", cserrors.ErrInvalidPath, i, path)
		}
	}
	return segs, nil
}

// JoinPath is the inverse of ParsePath.
func JoinPath(segs ...string) string {
	return strings.Join(segs, ".")
}

// IsGlobal reports whether a subscription path matches everything.
func IsGlobal(path string) bool {
	return path == GlobalPath || path == ""
}

// hasPrefix reports whether prefix is a segment-wise prefix of segs.
func hasPrefix(segs, prefix []string) bool {
	if len(prefix) > len(segs) {
		return false
	}
	for i := range prefix {
		if segs[i] != prefix[i] {
			return false
		}
	}
	return true
}

// Related reports whether a change at changed can affect the value at
// watched: the paths are equal, changed is below watched, or changed is an
// ancestor whose rewrite replaces watched. "a.bc" is not related to "a.b".
func Related(watched, changed []string) bool {
	return hasPrefix(changed, watched) || hasPrefix(watched, changed)
}

// RelatedPaths is Related on unparsed paths. Invalid paths are never related.
func RelatedPaths(watched, changed string) bool {
	w, err := ParsePath(watched)
	if err != nil {
		return false
	}
	c, err := ParsePath(changed)
	if err != nil {
		return false
	}
	return Related(w, c)
}
