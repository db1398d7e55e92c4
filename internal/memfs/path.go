package memfs

import (
	"fmt"
	"path"
	"strings"
)

// normalizePath validates and lexically normalizes p per spec.md §3:
// absolute, '/'-rooted, no '.' or '..' segments, case-sensitive, not
// empty. Normalization always uses the posix "path" package (not
// "path/filepath") so behavior is identical regardless of the host OS —
// MemFS paths are archive paths, not host paths.
func normalizePath(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("memfs: empty path")
	}
	if !strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("memfs: path %q is not absolute", p)
	}
	clean := path.Clean(p)
	if clean == "." {
		clean = "/"
	}
	return clean, nil
}

// splitPath returns the ordered path segments of a normalized path,
// excluding the root. "/" returns an empty slice.
func splitPath(p string) []string {
	if p == "/" {
		return nil
	}
	trimmed := strings.TrimPrefix(p, "/")
	return strings.Split(trimmed, "/")
}

// isUnder reports whether candidate is base or a descendant of base.
// Used by Rename to reject src ⊆ dest per spec.md §4.1.
func isUnder(base, candidate string) bool {
	if base == candidate {
		return true
	}
	if base == "/" {
		return true
	}
	return strings.HasPrefix(candidate, base+"/")
}
