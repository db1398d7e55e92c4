package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/queer/peckish/internal/artifact"
	_ "github.com/queer/peckish/internal/codec/filetree"
	_ "github.com/queer/peckish/internal/codec/tarfmt"
	"github.com/queer/peckish/internal/injection"
	"github.com/queer/peckish/internal/memfs"
	"github.com/queer/peckish/internal/types"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	store, err := memfs.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	injEngine := injection.New(store, true)
	errCh := make(chan error, 100)
	go func() {
		for range errCh {
		}
	}()
	return New(store, injEngine, 4, false, errCh, nil)
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

func TestRunFanOutTwoProducers(t *testing.T) {
	e := newTestEngine(t)

	src := t.TempDir()
	writeHostFile(t, filepath.Join(src, "etc", "a"), "A")

	input := Input{Format: types.FormatFileTree, Locator: artifact.Locator{Path: src}}

	destTar := filepath.Join(t.TempDir(), "out.tar")
	destDir := t.TempDir()
	producers := []artifact.Producer{
		{Name: "tar-out", Format: types.FormatTar, Locator: artifact.Locator{Path: destTar}, Metadata: types.Metadata{Name: "p"}},
		{Name: "tree-out", Format: types.FormatFileTree, Locator: artifact.Locator{Path: destDir}, Metadata: types.Metadata{Name: "p"}},
	}

	results, err := e.Run(false, input, producers)
	if err != nil {
		t.Fatalf("Run = %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(results))
	}
	if _, err := os.Stat(destTar); err != nil {
		t.Errorf("tar output missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(destDir, "etc", "a")); err != nil {
		t.Errorf("file-tree output missing: %v", err)
	}
}

func TestRunWithInjection(t *testing.T) {
	e := newTestEngine(t)

	src := t.TempDir()
	writeHostFile(t, filepath.Join(src, "target", "release", "peckish"), "ELF")

	input := Input{Format: types.FormatFileTree, Locator: artifact.Locator{Path: src}}
	dest := t.TempDir()
	producers := []artifact.Producer{{
		Name:     "moved",
		Format:   types.FormatFileTree,
		Locator:  artifact.Locator{Path: dest},
		Metadata: types.Metadata{Name: "p"},
		Injections: []injection.Injection{
			{Kind: injection.KindMove, Src: "/target/release/peckish", Dest: "/usr/bin/peckish"},
			{Kind: injection.KindDelete, Path: "/target"},
		},
	}}

	if _, err := e.Run(false, input, producers); err != nil {
		t.Fatalf("Run = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, "usr", "bin", "peckish")); err != nil {
		t.Errorf("moved file missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, "target")); !os.IsNotExist(err) {
		t.Errorf("/target should have been deleted, stat err = %v", err)
	}
}

func TestRunChainReDecodes(t *testing.T) {
	e := newTestEngine(t)

	src := t.TempDir()
	writeHostFile(t, filepath.Join(src, "a"), "A")

	input := Input{Format: types.FormatFileTree, Locator: artifact.Locator{Path: src}}
	mid := filepath.Join(t.TempDir(), "mid.tar")
	final := t.TempDir()
	producers := []artifact.Producer{
		{Name: "to-tar", Format: types.FormatTar, Locator: artifact.Locator{Path: mid}, Metadata: types.Metadata{Name: "p"}},
		{Name: "to-tree", Format: types.FormatFileTree, Locator: artifact.Locator{Path: final}, Metadata: types.Metadata{Name: "p"}},
	}

	if _, err := e.Run(true, input, producers); err != nil {
		t.Fatalf("Run = %v", err)
	}
	if _, err := os.Stat(filepath.Join(final, "a")); err != nil {
		t.Errorf("chained output missing: %v", err)
	}
}

func TestRunAbortsOnProducerError(t *testing.T) {
	e := newTestEngine(t)

	src := t.TempDir()
	writeHostFile(t, filepath.Join(src, "a"), "A")

	input := Input{Format: types.FormatFileTree, Locator: artifact.Locator{Path: src}}
	producers := []artifact.Producer{{
		Name:       "bad-move",
		Format:     types.FormatFileTree,
		Locator:    artifact.Locator{Path: t.TempDir()},
		Metadata:   types.Metadata{Name: "p"},
		Injections: []injection.Injection{{Kind: injection.KindMove, Src: "/missing", Dest: "/x"}},
	}}

	if _, err := e.Run(false, input, producers); err == nil {
		t.Fatal("Run should fail when a producer's injection fails")
	}
}
