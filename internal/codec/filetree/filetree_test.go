package filetree

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/queer/peckish/internal/artifact"
	"github.com/queer/peckish/internal/memfs"
	"github.com/queer/peckish/internal/types"
)

func newTestStore(t *testing.T) *memfs.Store {
	t.Helper()
	store, err := memfs.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func writeHostFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll = %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile = %v", err)
	}
}

func TestDecodeMirrorsHostTree(t *testing.T) {
	store := newTestStore(t)
	src := t.TempDir()
	writeHostFile(t, filepath.Join(src, "etc", "a"), "A")
	writeHostFile(t, filepath.Join(src, "etc", "b"), "B")

	fs, _, err := artifact.Decode(types.FormatFileTree, store, artifact.Locator{Path: src}, artifact.Options{})
	if err != nil {
		t.Fatalf("Decode = %v", err)
	}

	n, err := fs.Lookup("/etc/a")
	if err != nil {
		t.Fatalf("Lookup(/etc/a) = %v", err)
	}
	r, _ := n.Content.Open()
	b := make([]byte, 1)
	r.Read(b)
	r.Close()
	if string(b) != "A" {
		t.Errorf("content = %q, want %q", b, "A")
	}
}

func TestRoundTrip(t *testing.T) {
	store := newTestStore(t)
	src := t.TempDir()
	writeHostFile(t, filepath.Join(src, "etc", "a"), "A")
	writeHostFile(t, filepath.Join(src, "etc", "b"), "B")

	fs, _, err := artifact.Decode(types.FormatFileTree, store, artifact.Locator{Path: src}, artifact.Options{})
	if err != nil {
		t.Fatalf("Decode = %v", err)
	}

	dest := t.TempDir()
	if _, err := artifact.Encode(types.FormatFileTree, store, fs, artifact.Locator{Path: dest}, types.Metadata{Name: "test"}, artifact.Options{}); err != nil {
		t.Fatalf("Encode = %v", err)
	}

	b, err := os.ReadFile(filepath.Join(dest, "etc", "a"))
	if err != nil {
		t.Fatalf("ReadFile = %v", err)
	}
	if string(b) != "A" {
		t.Errorf("round-tripped content = %q, want %q", b, "A")
	}
}

func TestStripPathPrefixes(t *testing.T) {
	dest := stripPrefixes("/home/build/target/release/peckish", []string{"/home/build/target/release"})
	if dest != "/peckish" {
		t.Errorf("stripPrefixes = %q, want %q", dest, "/peckish")
	}
}

func TestEncodePreservesSymlink(t *testing.T) {
	store := newTestStore(t)
	src := t.TempDir()
	writeHostFile(t, filepath.Join(src, "real"), "R")
	if err := os.Symlink("real", filepath.Join(src, "link")); err != nil {
		t.Fatalf("Symlink = %v", err)
	}

	fs, _, err := artifact.Decode(types.FormatFileTree, store, artifact.Locator{Path: src}, artifact.Options{})
	if err != nil {
		t.Fatalf("Decode = %v", err)
	}

	dest := t.TempDir()
	if _, err := artifact.Encode(types.FormatFileTree, store, fs, artifact.Locator{Path: dest}, types.Metadata{}, artifact.Options{}); err != nil {
		t.Fatalf("Encode = %v", err)
	}

	target, err := os.Readlink(filepath.Join(dest, "link"))
	if err != nil {
		t.Fatalf("Readlink = %v", err)
	}
	if target != "real" {
		t.Errorf("symlink target = %q, want %q", target, "real")
	}
}

func TestEncodeSkipsEmptyDirectoriesByDefault(t *testing.T) {
	store := newTestStore(t)
	src := t.TempDir()
	if err := os.MkdirAll(filepath.Join(src, "empty"), 0o755); err != nil {
		t.Fatalf("MkdirAll = %v", err)
	}
	writeHostFile(t, filepath.Join(src, "nonempty", "f"), "F")

	fs, _, err := artifact.Decode(types.FormatFileTree, store, artifact.Locator{Path: src}, artifact.Options{})
	if err != nil {
		t.Fatalf("Decode = %v", err)
	}

	dest := t.TempDir()
	if _, err := artifact.Encode(types.FormatFileTree, store, fs, artifact.Locator{Path: dest}, types.Metadata{}, artifact.Options{PreserveEmptyDirectories: false}); err != nil {
		t.Fatalf("Encode = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, "empty")); !os.IsNotExist(err) {
		t.Errorf("empty directory should not be materialized, stat err = %v", err)
	}
}

func TestEncodePreservesEmptyDirectoriesWhenRequested(t *testing.T) {
	store := newTestStore(t)
	src := t.TempDir()
	if err := os.MkdirAll(filepath.Join(src, "empty"), 0o755); err != nil {
		t.Fatalf("MkdirAll = %v", err)
	}

	fs, _, err := artifact.Decode(types.FormatFileTree, store, artifact.Locator{Path: src}, artifact.Options{})
	if err != nil {
		t.Fatalf("Decode = %v", err)
	}

	dest := t.TempDir()
	if _, err := artifact.Encode(types.FormatFileTree, store, fs, artifact.Locator{Path: dest}, types.Metadata{}, artifact.Options{PreserveEmptyDirectories: true}); err != nil {
		t.Fatalf("Encode = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, "empty")); err != nil {
		t.Errorf("empty directory should be materialized: %v", err)
	}
}
