package archpkg

import (
	"bytes"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"

	"github.com/vbatts/go-mtree"

	"github.com/queer/peckish/internal/memfs"
)

// buildMTREE materializes fs onto disk under a scratch directory and
// runs go-mtree's own walker over it, then gzip-compresses the listing
// (spec.md §4.2, "Synthesize .MTREE as a gzip'd mtree listing with
// sha256 digests per file"). Materializing is the only way to drive
// go-mtree's on-disk Walk; the scratch directory is removed before
// returning.
func buildMTREE(store *memfs.Store, fs *memfs.MemFS) ([]byte, error) {
	root, err := os.MkdirTemp(store.Dir(), "mtree-src-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(root)

	if err := materialize(fs, "/", root); err != nil {
		return nil, err
	}

	dh, err := mtree.Walk(root, nil, mtree.DefaultKeywords, nil)
	if err != nil {
		return nil, err
	}

	var plain bytes.Buffer
	if _, err := dh.WriteTo(&plain); err != nil {
		return nil, err
	}

	var gz bytes.Buffer
	gw := gzip.NewWriter(&gz)
	if _, err := io.Copy(gw, &plain); err != nil {
		return nil, err
	}
	if err := gw.Close(); err != nil {
		return nil, err
	}
	return gz.Bytes(), nil
}

// materialize writes every entry under root to destDir, reusing the
// same mapping the file-tree codec's encoder uses. Device nodes are
// skipped: mtree only needs a representative walk of regular content,
// and materializing a device node requires privileges this codec
// cannot assume.
func materialize(fs *memfs.MemFS, root, destDir string) error {
	entries, err := fs.Walk(root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Path == root {
			continue
		}
		rel := e.Path[len(root):]
		dest := filepath.Join(destDir, rel)

		switch e.Node.Kind {
		case memfs.KindDir:
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return err
			}
		case memfs.KindFile:
			if err := materializeFile(fs, e.Node, dest); err != nil {
				return err
			}
		case memfs.KindHardlink:
			target, err := fs.ResolveHardlink(e.Node)
			if err != nil {
				return err
			}
			if err := materializeFile(fs, target, dest); err != nil {
				return err
			}
		case memfs.KindSymlink:
			if err := os.Symlink(e.Node.LinkTarget, dest); err != nil {
				return err
			}
		case memfs.KindDevice:
			// skipped; see doc comment.
		}
	}
	return nil
}

func materializeFile(fs *memfs.MemFS, n *memfs.Node, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	r, err := n.Content.Open()
	if err != nil {
		return err
	}
	defer r.Close()

	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(n.Mode)|0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(f, r)
	return err
}
