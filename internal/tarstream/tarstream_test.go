package tarstream

import (
	"archive/tar"
	"bytes"
	"testing"
	"time"

	"github.com/queer/peckish/internal/memfs"
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

func TestPackUnpackRoundTrip(t *testing.T) {
	store := newTestStore(t)
	fs := memfs.New()
	n := memfs.NewFile(memfs.NewBytesContent([]byte("A")), 0o644, 0, 0, time.Time{})
	if err := fs.Insert("/etc/a", n); err != nil {
		t.Fatalf("Insert = %v", err)
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := Pack(fs, "/", tw); err != nil {
		t.Fatalf("Pack = %v", err)
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tw.Close = %v", err)
	}

	decoded := memfs.New()
	if err := Unpack(store, decoded, tar.NewReader(&buf)); err != nil {
		t.Fatalf("Unpack = %v", err)
	}

	got, err := decoded.Lookup("/etc/a")
	if err != nil {
		t.Fatalf("Lookup = %v", err)
	}
	r, _ := got.Content.Open()
	b := make([]byte, 1)
	r.Read(b)
	r.Close()
	if string(b) != "A" {
		t.Errorf("content = %q, want %q", b, "A")
	}
}

func TestPackFilteredSkipsPredicate(t *testing.T) {
	fs := memfs.New()
	mustFile(t, fs, "/etc/a", "A")
	mustFile(t, fs, "/DEBIAN/postinst", "#!/bin/sh")

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	err := PackFiltered(fs, "/", tw, func(p string) bool {
		return p == "/DEBIAN" || len(p) > 8 && p[:8] == "/DEBIAN/"
	})
	if err != nil {
		t.Fatalf("PackFiltered = %v", err)
	}
	tw.Close()

	tr := tar.NewReader(&buf)
	var names []string
	for {
		hdr, err := tr.Next()
		if err != nil {
			break
		}
		names = append(names, hdr.Name)
	}
	for _, name := range names {
		if name == "DEBIAN/postinst" {
			t.Errorf("PackFiltered should have skipped DEBIAN/postinst, got names %v", names)
		}
	}
}

func mustFile(t *testing.T, fs *memfs.MemFS, p, content string) {
	t.Helper()
	n := memfs.NewFile(memfs.NewBytesContent([]byte(content)), 0o644, 0, 0, time.Time{})
	if err := fs.Insert(p, n); err != nil {
		t.Fatalf("Insert(%q) = %v", p, err)
	}
}
