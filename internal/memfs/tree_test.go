package memfs

import (
	"io"
	"testing"
	"time"
)

func mustInsertFile(t *testing.T, m *MemFS, path, content string) {
	t.Helper()
	if err := m.Insert(path, NewFile(NewBytesContent([]byte(content)), 0o644, 0, 0, time.Time{})); err != nil {
		t.Fatalf("Insert(%q) = %v", path, err)
	}
}

func readContent(t *testing.T, n *Node) string {
	t.Helper()
	r, err := n.Content.Open()
	if err != nil {
		t.Fatalf("Open content: %v", err)
	}
	defer r.Close()
	b, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	return string(b)
}

func TestInsertCreatesIntermediateDirs(t *testing.T) {
	m := New()
	mustInsertFile(t, m, "/etc/a", "A")

	etc, err := m.Lookup("/etc")
	if err != nil {
		t.Fatalf("Lookup(/etc) = %v", err)
	}
	if !etc.IsDir() {
		t.Fatalf("/etc is not a directory")
	}
	if etc.Mode != defaultDirMode {
		t.Errorf("intermediate dir mode = %o, want %o", etc.Mode, defaultDirMode)
	}

	a, err := m.Lookup("/etc/a")
	if err != nil {
		t.Fatalf("Lookup(/etc/a) = %v", err)
	}
	if readContent(t, a) != "A" {
		t.Errorf("content = %q, want %q", readContent(t, a), "A")
	}
}

func TestInsertFailsIfExists(t *testing.T) {
	m := New()
	mustInsertFile(t, m, "/a", "1")
	if err := m.Insert("/a", NewFile(NewBytesContent([]byte("2")), 0o644, 0, 0, time.Time{})); err == nil {
		t.Fatal("Insert over existing path should fail")
	}
}

func TestReplaceOverwrites(t *testing.T) {
	m := New()
	mustInsertFile(t, m, "/a", "1")
	if err := m.Replace("/a", NewFile(NewBytesContent([]byte("2")), 0o644, 0, 0, time.Time{})); err != nil {
		t.Fatalf("Replace = %v", err)
	}
	n, _ := m.Lookup("/a")
	if readContent(t, n) != "2" {
		t.Errorf("content after replace = %q, want %q", readContent(t, n), "2")
	}
}

func TestLookupNotFound(t *testing.T) {
	m := New()
	if _, err := m.Lookup("/missing"); err == nil {
		t.Fatal("Lookup(/missing) should fail")
	}
}

func TestRemoveNonEmptyDirRequiresRecursive(t *testing.T) {
	m := New()
	mustInsertFile(t, m, "/dir/a", "A")

	if err := m.Remove("/dir", false); err == nil {
		t.Fatal("Remove non-empty dir without recursive should fail")
	}
	if err := m.Remove("/dir", true); err != nil {
		t.Fatalf("Remove recursive = %v", err)
	}
	if _, err := m.Lookup("/dir"); err == nil {
		t.Fatal("/dir should be gone")
	}
}

func TestRenameFailsIfDestExists(t *testing.T) {
	m := New()
	mustInsertFile(t, m, "/a", "1")
	mustInsertFile(t, m, "/b", "2")
	if err := m.Rename("/a", "/b"); err == nil {
		t.Fatal("Rename over existing dest should fail")
	}
}

func TestRenameFailsIfSrcUnderDest(t *testing.T) {
	m := New()
	mustInsertFile(t, m, "/dir/a", "A")
	if err := m.Rename("/dir", "/dir/a/sub"); err == nil {
		t.Fatal("Rename src into its own subtree should fail")
	}
}

func TestRenameDoesNotPruneEmptyParent(t *testing.T) {
	m := New()
	mustInsertFile(t, m, "/dir/a", "A")
	if err := m.Rename("/dir/a", "/other/a"); err != nil {
		t.Fatalf("Rename = %v", err)
	}
	// /dir should still exist, empty, per spec.md's documented
	// no-pruning behavior.
	dir, err := m.Lookup("/dir")
	if err != nil {
		t.Fatalf("/dir should still exist: %v", err)
	}
	if !dir.IsDir() || len(dir.children) != 0 {
		t.Errorf("/dir should be an empty directory")
	}
}

func TestCopyIsDeep(t *testing.T) {
	m := New()
	mustInsertFile(t, m, "/src/a", "A")
	if err := m.Copy("/src", "/dst"); err != nil {
		t.Fatalf("Copy = %v", err)
	}
	// Mutating the copy must not affect the original.
	if err := m.Remove("/dst/a", false); err != nil {
		t.Fatalf("Remove = %v", err)
	}
	if _, err := m.Lookup("/src/a"); err != nil {
		t.Fatalf("/src/a should be untouched: %v", err)
	}
}

func TestWalkIsSortedDepthFirst(t *testing.T) {
	m := New()
	mustInsertFile(t, m, "/etc/b", "B")
	mustInsertFile(t, m, "/etc/a", "A")
	mustInsertFile(t, m, "/bin/x", "X")

	entries, err := m.Walk("/")
	if err != nil {
		t.Fatalf("Walk = %v", err)
	}

	var paths []string
	for _, e := range entries {
		paths = append(paths, e.Path)
	}
	want := []string{"/", "/bin", "/bin/x", "/etc", "/etc/a", "/etc/b"}
	if len(paths) != len(want) {
		t.Fatalf("Walk paths = %v, want %v", paths, want)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Errorf("Walk paths[%d] = %q, want %q", i, paths[i], want[i])
		}
	}
}

func TestChrootPropagatesWrites(t *testing.T) {
	m := New()
	mustInsertFile(t, m, "/a/b", "B")

	view, err := m.Chroot("/a")
	if err != nil {
		t.Fatalf("Chroot = %v", err)
	}
	if err := view.Insert("/c", NewFile(NewBytesContent([]byte("C")), 0o644, 0, 0, time.Time{})); err != nil {
		t.Fatalf("Insert through view = %v", err)
	}

	if _, err := m.Lookup("/a/c"); err != nil {
		t.Fatalf("write through chroot view should propagate: %v", err)
	}
}

func TestCloneIndependence(t *testing.T) {
	m := New()
	mustInsertFile(t, m, "/a", "1")

	clone := m.Clone()
	if err := clone.Remove("/a", false); err != nil {
		t.Fatalf("Remove on clone = %v", err)
	}
	if _, err := m.Lookup("/a"); err != nil {
		t.Fatalf("original should be unaffected by clone mutation: %v", err)
	}
}

func TestHardlinkResolution(t *testing.T) {
	m := New()
	mustInsertFile(t, m, "/a", "A")
	if err := m.Insert("/b", NewHardlink("/a", time.Time{})); err != nil {
		t.Fatalf("Insert hardlink = %v", err)
	}

	hlNode, err := m.Lookup("/b")
	if err != nil {
		t.Fatalf("Lookup(/b) = %v", err)
	}
	target, err := m.ResolveHardlink(hlNode)
	if err != nil {
		t.Fatalf("ResolveHardlink = %v", err)
	}
	if readContent(t, target) != "A" {
		t.Errorf("hardlink content = %q, want %q", readContent(t, target), "A")
	}
}

func TestHardlinkMissingTargetErrors(t *testing.T) {
	m := New()
	if err := m.Insert("/b", NewHardlink("/missing", time.Time{})); err != nil {
		t.Fatalf("Insert hardlink = %v", err)
	}
	hlNode, _ := m.Lookup("/b")
	if _, err := m.ResolveHardlink(hlNode); err == nil {
		t.Fatal("ResolveHardlink to missing target should error")
	}
}

func TestNormalizePathRejectsRelative(t *testing.T) {
	m := New()
	if err := m.Insert("relative", NewFile(NewBytesContent(nil), 0o644, 0, 0, time.Time{})); err == nil {
		t.Fatal("Insert with relative path should fail")
	}
}

func TestNormalizePathCleansDotSegments(t *testing.T) {
	m := New()
	mustInsertFile(t, m, "/a/./b/../c", "C")
	if _, err := m.Lookup("/a/c"); err != nil {
		t.Fatalf("path should have been normalized: %v", err)
	}
}
