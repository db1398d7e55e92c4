package testfs

import (
	"bytes"
	"strings"
	"testing"

	"github.com/queer/peckish/internal/memfs"
)

// diffFiles checks that every expected File entry's paths exist, share
// one identity (a host inode or a resolved MemFS node), carry the
// expected content when Chunks is set, and that distinct entries don't
// collide on identity — the same three checks the teacher's AssertFiles
// made for hardlink groups, generalized from "inode" to an identityOf
// map so the same logic serves both a host dir and a MemFS. Returns one
// message per mismatch rather than calling testing.T directly, so the
// check itself stays unit-testable.
func diffFiles(expected []File, pathToIdentity map[string]any, contentOf func(path string) ([]byte, bool)) []string {
	var diffs []string
	entryIdentity := make(map[int]any)

	for i, ef := range expected {
		if len(ef.Path) == 0 {
			continue
		}
		first := ef.Path[0]
		firstID, ok := pathToIdentity[first]
		if !ok {
			diffs = append(diffs, "expected file not found: "+first)
			continue
		}
		for _, p := range ef.Path[1:] {
			id, ok := pathToIdentity[p]
			if !ok {
				diffs = append(diffs, "expected file not found: "+p)
				continue
			}
			if id != firstID {
				diffs = append(diffs, "hardlink mismatch: "+first+" and "+p+" don't share identity")
			}
		}
		entryIdentity[i] = firstID

		if len(ef.Chunks) == 0 {
			continue
		}
		want, err := chunkBytes(ef.Chunks)
		if err != nil {
			diffs = append(diffs, "chunkBytes: "+err.Error())
			continue
		}
		for _, p := range ef.Path {
			got, ok := contentOf(p)
			if !ok {
				continue
			}
			if !bytes.Equal(got, want) {
				diffs = append(diffs, "content mismatch for "+p)
			}
		}
	}

	for i, id1 := range entryIdentity {
		for j, id2 := range entryIdentity {
			if i < j && id1 == id2 {
				diffs = append(diffs, "files from different entries share identity")
			}
		}
	}
	return diffs
}

func diffSymlinks(expected []Symlink, pathToTarget map[string]string) []string {
	var diffs []string
	for _, sym := range expected {
		target, ok := pathToTarget[sym.Path]
		if !ok {
			diffs = append(diffs, "expected symlink not found: "+sym.Path)
			continue
		}
		if target != sym.Target {
			diffs = append(diffs, "symlink "+sym.Path+": got target "+target+", want "+sym.Target)
		}
	}
	return diffs
}

func assertFiles(t *testing.T, expected []File, pathToIdentity map[string]any, contentOf func(path string) ([]byte, bool)) {
	t.Helper()
	for _, d := range diffFiles(expected, pathToIdentity, contentOf) {
		t.Error(d)
	}
}

func assertSymlinks(t *testing.T, expected []Symlink, pathToTarget map[string]string) {
	t.Helper()
	for _, d := range diffSymlinks(expected, pathToTarget) {
		t.Error(d)
	}
}

// memfsIdentities walks fs and returns the path->identity and
// path->symlink-target maps AssertMemFS/diffFiles need.
func memfsIdentities(fs *memfs.MemFS) (map[string]any, map[string]string, error) {
	pathToIdentity := map[string]any{}
	pathToTarget := map[string]string{}

	entries, err := fs.Walk("/")
	if err != nil {
		return nil, nil, err
	}
	for _, e := range entries {
		path := strings.TrimPrefix(e.Path, "/")
		switch e.Node.Kind {
		case memfs.KindFile:
			pathToIdentity[path] = e.Node
		case memfs.KindHardlink:
			target, err := fs.ResolveHardlink(e.Node)
			if err == nil {
				pathToIdentity[path] = target
			}
		case memfs.KindSymlink:
			pathToTarget[path] = e.Node.LinkTarget
		}
	}
	return pathToIdentity, pathToTarget, nil
}

func memfsContentOf(fs *memfs.MemFS) func(path string) ([]byte, bool) {
	return func(path string) ([]byte, bool) {
		n, err := fs.Lookup("/" + path)
		if err != nil {
			return nil, false
		}
		if n.Kind == memfs.KindHardlink {
			n, err = fs.ResolveHardlink(n)
			if err != nil {
				return nil, false
			}
		}
		if n.Kind != memfs.KindFile || n.Content == nil {
			return nil, false
		}
		rc, err := n.Content.Open()
		if err != nil {
			return nil, false
		}
		defer rc.Close()
		var buf bytes.Buffer
		if _, err := buf.ReadFrom(rc); err != nil {
			return nil, false
		}
		return buf.Bytes(), true
	}
}

// AssertMemFS checks expected against a decoded MemFS directly, without
// a round trip through the host filesystem — the fast path for codec
// unit tests.
func AssertMemFS(t *testing.T, fs *memfs.MemFS, expected Tree) {
	t.Helper()

	pathToIdentity, pathToTarget, err := memfsIdentities(fs)
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	assertFiles(t, expected.Files, pathToIdentity, memfsContentOf(fs))
	assertSymlinks(t, expected.Symlinks, pathToTarget)
}
