package cache

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestCacheDisabled(t *testing.T) {
	c, err := Open("")
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer func() { _ = c.Close() }()

	if err := c.Store("sha256:abc", []byte("blob")); err != nil {
		t.Errorf("Store() on disabled cache = %v, want nil", err)
	}

	data, hit, err := c.Lookup("sha256:abc")
	if err != nil || hit || data != nil {
		t.Errorf("Lookup() on disabled cache = (%v, %v, %v), want (nil, false, nil)", data, hit, err)
	}
}

func TestCacheRoundTrip(t *testing.T) {
	cachePath := filepath.Join(t.TempDir(), "blobs.db")

	c1, err := Open(cachePath)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	digest := "sha256:" + string(bytes.Repeat([]byte{'a'}, 64))
	blob := []byte("layer contents")
	if err := c1.Store(digest, blob); err != nil {
		t.Fatalf("Store() failed: %v", err)
	}
	if err := c1.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	c2, err := Open(cachePath)
	if err != nil {
		t.Fatalf("Open() second time failed: %v", err)
	}
	defer func() { _ = c2.Close() }()

	got, hit, err := c2.Lookup(digest)
	if err != nil {
		t.Fatalf("Lookup() failed: %v", err)
	}
	if !hit {
		t.Fatal("Lookup() missed, want hit")
	}
	if !bytes.Equal(got, blob) {
		t.Errorf("Lookup() = %q, want %q", got, blob)
	}
}

func TestCacheMissOnUnknownDigest(t *testing.T) {
	cachePath := filepath.Join(t.TempDir(), "blobs.db")
	c, err := Open(cachePath)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer func() { _ = c.Close() }()

	_, hit, err := c.Lookup("sha256:doesnotexist")
	if err != nil {
		t.Fatalf("Lookup() failed: %v", err)
	}
	if hit {
		t.Error("Lookup() hit on a digest never stored")
	}
}

func TestSelfCleaning(t *testing.T) {
	cachePath := filepath.Join(t.TempDir(), "blobs.db")

	c1, err := Open(cachePath)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := c1.Store("sha256:a", []byte("A")); err != nil {
		t.Fatalf("Store(a) failed: %v", err)
	}
	if err := c1.Store("sha256:b", []byte("B")); err != nil {
		t.Fatalf("Store(b) failed: %v", err)
	}
	if err := c1.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	c2, err := Open(cachePath)
	if err != nil {
		t.Fatalf("Open() second time failed: %v", err)
	}
	if _, hit, _ := c2.Lookup("sha256:a"); !hit {
		t.Fatal("expected sha256:a to hit")
	}
	// sha256:b is never looked up, so it's orphaned out of the new database.
	if err := c2.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	c3, err := Open(cachePath)
	if err != nil {
		t.Fatalf("Open() third time failed: %v", err)
	}
	defer func() { _ = c3.Close() }()

	if _, hit, _ := c3.Lookup("sha256:a"); !hit {
		t.Error("sha256:a should survive self-cleaning")
	}
	if _, hit, _ := c3.Lookup("sha256:b"); hit {
		t.Error("sha256:b should have been cleaned")
	}
}

func TestCacheDirCreation(t *testing.T) {
	tmpDir := t.TempDir()
	nestedPath := filepath.Join(tmpDir, "a", "b", "c", "blobs.db")

	c, err := Open(nestedPath)
	if err != nil {
		t.Fatalf("Open() failed with nested path: %v", err)
	}
	_ = c.Close()

	if _, err := os.Stat(filepath.Dir(nestedPath)); os.IsNotExist(err) {
		t.Error("cache directory was not created")
	}
}
