//go:build unix

package testfs

import (
	"testing"
)

// Harness builds a Tree fixture under t.TempDir() and later asserts the
// host filesystem state against an expected Tree — the integration-test
// half of the teacher's Harness, repointed at codec round-trips (e.g.
// file-tree decode -> encode) instead of dupedog's dedup assertions.
type Harness struct {
	t    *testing.T
	root string
}

// New creates a Harness and sows given onto a fresh temp directory.
func New(t *testing.T, given Tree) *Harness {
	t.Helper()

	root := t.TempDir()
	if err := SowTree(root, given); err != nil {
		t.Fatalf("sow tree: %v", err)
	}
	return &Harness{t: t, root: root}
}

// Root returns the temp directory root a codec should be pointed at.
func (h *Harness) Root() string {
	return h.root
}

// Assert reaps the host directory tree and checks it against expected.
func (h *Harness) Assert(expected Tree) {
	h.t.Helper()

	files, symlinks, err := reapTree(h.root)
	if err != nil {
		h.t.Fatalf("reap %s: %v", h.root, err)
	}

	pathToIdentity := map[string]any{}
	contentByPath := map[string][]byte{}
	for _, rf := range files {
		for _, p := range rf.Path {
			pathToIdentity[p] = rf.Inode
			contentByPath[p] = rf.Data
		}
	}
	pathToTarget := map[string]string{}
	for _, rs := range symlinks {
		pathToTarget[rs.Path] = rs.Target
	}

	assertFiles(h.t, expected.Files, pathToIdentity, func(path string) ([]byte, bool) {
		data, ok := contentByPath[path]
		return data, ok
	})
	assertSymlinks(h.t, expected.Symlinks, pathToTarget)
}

// AssertDir is like Assert but reaps an arbitrary directory instead of
// h.Root() — used when a codec has written its own output elsewhere
// (e.g. a producer's destination directory) and the caller still wants
// the teacher-style identity/content checks.
func AssertDir(t *testing.T, dir string, expected Tree) {
	t.Helper()

	files, symlinks, err := reapTree(dir)
	if err != nil {
		t.Fatalf("reap %s: %v", dir, err)
	}
	pathToIdentity := map[string]any{}
	contentByPath := map[string][]byte{}
	for _, rf := range files {
		for _, p := range rf.Path {
			pathToIdentity[p] = rf.Inode
			contentByPath[p] = rf.Data
		}
	}
	pathToTarget := map[string]string{}
	for _, rs := range symlinks {
		pathToTarget[rs.Path] = rs.Target
	}

	assertFiles(t, expected.Files, pathToIdentity, func(path string) ([]byte, bool) {
		data, ok := contentByPath[path]
		return data, ok
	})
	assertSymlinks(t, expected.Symlinks, pathToTarget)
}
