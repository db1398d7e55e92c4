// Package filetree implements the file-tree codec: decoding mirrors host
// paths into a MemFS, encoding writes a MemFS back out under a
// destination directory (spec.md §4.2, "file-tree codec").
package filetree

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/queer/peckish/internal/artifact"
	"github.com/queer/peckish/internal/memfs"
	"github.com/queer/peckish/internal/types"
)

func init() {
	artifact.Register(types.FormatFileTree, decode, encode, artifact.Capabilities{
		SupportsOwnership:   true,
		SupportsXattrs:      true,
		SupportsHardlinks:   true,
		SupportsDeviceNodes: false, // decoded, but skipped on encode
	})
}

// decode mirrors loc.Path into a fresh MemFS, stripping
// opts.StripPathPrefixes from each destination path. Directories
// recurse; symlinks are preserved, never followed. Staged file content
// lives under store, owned by the pipeline run, not this call.
func decode(store *memfs.Store, loc artifact.Locator, opts artifact.Options) (*memfs.MemFS, types.Metadata, error) {
	if loc.Path == "" {
		return nil, types.Metadata{}, fmt.Errorf("filetree: decode requires a path")
	}

	fs := memfs.New()
	dest := stripPrefixes(loc.Path, opts.StripPathPrefixes)
	if dest == "" {
		dest = "/"
	}
	if err := memfs.ImportHostTree(store, loc.Path, fs, dest); err != nil {
		return nil, types.Metadata{}, err
	}
	return fs, types.Metadata{}, nil
}

// stripPrefixes removes the first matching prefix from prefixes off p,
// returning a `/`-rooted path. If none match, p's basename is kept
// rooted at "/".
func stripPrefixes(p string, prefixes []string) string {
	for _, prefix := range prefixes {
		if strings.HasPrefix(p, prefix) {
			rest := strings.TrimPrefix(p, prefix)
			return path.Clean("/" + rest)
		}
	}
	return "/" + filepath.Base(p)
}

// encode writes fs out under loc.Path. opts.PreserveEmptyDirectories
// controls whether directories with no descendants are materialized on
// disk (spec.md §4.2).
func encode(store *memfs.Store, fs *memfs.MemFS, loc artifact.Locator, meta types.Metadata, opts artifact.Options) (*artifact.Artifact, error) {
	if loc.Path == "" {
		return nil, fmt.Errorf("filetree: encode requires a path")
	}

	entries, err := fs.Walk("/")
	if err != nil {
		return nil, err
	}

	for _, e := range entries {
		hostPath := filepath.Join(loc.Path, filepath.FromSlash(e.Path))
		if err := writeEntry(fs, hostPath, e, opts); err != nil {
			return nil, fmt.Errorf("filetree: %s: %w", e.Path, err)
		}
	}

	return &artifact.Artifact{Name: meta.Name, Format: types.FormatFileTree, Locator: loc}, nil
}

func writeEntry(fs *memfs.MemFS, hostPath string, e memfs.Entry, opts artifact.Options) error {
	n := e.Node
	switch n.Kind {
	case memfs.KindDir:
		if e.Path == "/" {
			return os.MkdirAll(hostPath, os.FileMode(n.Mode))
		}
		hasChildren, err := dirHasChildren(fs, e.Path)
		if err != nil {
			return err
		}
		if !hasChildren && !opts.PreserveEmptyDirectories {
			return nil
		}
		return os.MkdirAll(hostPath, os.FileMode(n.Mode))

	case memfs.KindFile, memfs.KindHardlink:
		target := n
		if n.Kind == memfs.KindHardlink {
			resolved, err := fs.ResolveHardlink(n)
			if err != nil {
				return err
			}
			target = resolved
		}
		if err := os.MkdirAll(filepath.Dir(hostPath), 0o755); err != nil {
			return err
		}
		r, err := target.Content.Open()
		if err != nil {
			return err
		}
		defer r.Close()
		f, err := os.OpenFile(hostPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(target.Mode))
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(f, r)
		return err

	case memfs.KindSymlink:
		if err := os.MkdirAll(filepath.Dir(hostPath), 0o755); err != nil {
			return err
		}
		_ = os.Remove(hostPath)
		return os.Symlink(n.LinkTarget, hostPath)

	case memfs.KindDevice:
		// Creating device nodes requires mknod privileges the codec
		// cannot assume; device nodes are recorded in the MemFS but
		// skipped on file-tree encode. Capabilities declares no
		// device-node support, so the pipeline warns before encoding.
		return nil

	default:
		return fmt.Errorf("unhandled node kind %v", n.Kind)
	}
}

func dirHasChildren(fs *memfs.MemFS, dirPath string) (bool, error) {
	entries, err := fs.Walk(dirPath)
	if err != nil {
		return false, err
	}
	return len(entries) > 1, nil
}
