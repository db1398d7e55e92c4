// Package ext4img implements the ext4 codec: encode formats a
// fixed-size image file with an ext4 layout and writes the MemFS tree
// into it, decode reads an existing ext4 image back into a MemFS
// (spec.md §4.2, "ext4 codec").
package ext4img

import (
	"fmt"
	"io"
	"os"

	"github.com/diskfs/go-diskfs"
	diskpkg "github.com/diskfs/go-diskfs/disk"
	"github.com/diskfs/go-diskfs/filesystem"

	"github.com/queer/peckish/internal/artifact"
	"github.com/queer/peckish/internal/memfs"
	"github.com/queer/peckish/internal/types"
)

func init() {
	artifact.Register(types.FormatExt4, decode, encode, artifact.Capabilities{
		SupportsOwnership:   false, // go-diskfs's ext4 filesystem.File has no chown surface
		SupportsXattrs:      false,
		SupportsHardlinks:   false,
		SupportsDeviceNodes: false,
	})
}

// decode reads an existing ext4 image at loc.Path and walks its root
// directory into a fresh MemFS, staging regular-file content through
// store the way every other codec does.
func decode(store *memfs.Store, loc artifact.Locator, opts artifact.Options) (*memfs.MemFS, types.Metadata, error) {
	if loc.Path == "" {
		return nil, types.Metadata{}, fmt.Errorf("ext4: decode requires an image path")
	}

	d, err := diskfs.Open(loc.Path)
	if err != nil {
		return nil, types.Metadata{}, fmt.Errorf("ext4: open: %w", err)
	}
	defer d.File.Close()

	fsys, err := d.GetFilesystem(0)
	if err != nil {
		return nil, types.Metadata{}, fmt.Errorf("ext4: get filesystem: %w", err)
	}

	fs := memfs.New()
	if err := walkInto(store, fs, fsys, "/"); err != nil {
		return nil, types.Metadata{}, fmt.Errorf("ext4: %w", err)
	}

	return fs, types.Metadata{Name: fsys.Label()}, nil
}

// encode creates a loc.Path file of opts.Size bytes, formats it with an
// ext4 layout labeled meta.Name, and copies every fs node into it in
// MemFS walk order.
func encode(store *memfs.Store, fs *memfs.MemFS, loc artifact.Locator, meta types.Metadata, opts artifact.Options) (*artifact.Artifact, error) {
	if loc.Path == "" {
		return nil, fmt.Errorf("ext4: encode requires an image path")
	}
	if opts.Size <= 0 {
		return nil, fmt.Errorf("ext4: encode requires a positive image size")
	}

	d, err := diskfs.Create(loc.Path, opts.Size, diskfs.Raw, diskfs.SectorSizeDefault)
	if err != nil {
		return nil, fmt.Errorf("ext4: create: %w", err)
	}
	defer d.File.Close()

	fsys, err := d.CreateFilesystem(diskpkg.FilesystemSpec{
		Partition:   0,
		FSType:      filesystem.TypeExt4,
		VolumeLabel: meta.Name,
	})
	if err != nil {
		return nil, fmt.Errorf("ext4: create filesystem: %w", err)
	}

	if err := writeFrom(fs, fsys); err != nil {
		return nil, fmt.Errorf("ext4: %w", err)
	}

	return &artifact.Artifact{Name: meta.Name, Format: types.FormatExt4, Locator: artifact.Locator{Path: loc.Path}}, nil
}

// writeFrom copies every node in fs, in MemFS walk order, into fsys.
// Symlinks and device nodes have no representation in go-diskfs's ext4
// filesystem.File surface and are skipped without a log line of their
// own; Capabilities declares neither supported, so the pipeline sends
// its lossy-encode warning before the encode starts.
func writeFrom(fs *memfs.MemFS, fsys filesystem.FileSystem) error {
	entries, err := fs.Walk("/")
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Path == "/" {
			continue
		}
		n := e.Node
		switch n.Kind {
		case memfs.KindDir:
			if err := fsys.Mkdir(e.Path); err != nil {
				return fmt.Errorf("%s: mkdir: %w", e.Path, err)
			}
		case memfs.KindFile:
			if err := writeRegularFile(fsys, e.Path, n); err != nil {
				return fmt.Errorf("%s: %w", e.Path, err)
			}
		case memfs.KindHardlink:
			target, err := fs.ResolveHardlink(n)
			if err != nil {
				return err
			}
			if err := writeRegularFile(fsys, e.Path, target); err != nil {
				return fmt.Errorf("%s: %w", e.Path, err)
			}
		default:
			// symlinks and device nodes: no filesystem.File surface for
			// either in go-diskfs's ext4 implementation.
		}
	}
	return nil
}

func writeRegularFile(fsys filesystem.FileSystem, path string, n *memfs.Node) error {
	r, err := n.Content.Open()
	if err != nil {
		return err
	}
	defer r.Close()

	w, err := fsys.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC)
	if err != nil {
		return err
	}
	defer w.Close()

	_, err = io.Copy(w, r)
	return err
}

// walkInto recursively reads dir from fsys into fs, staging regular
// file content through store.
func walkInto(store *memfs.Store, fs *memfs.MemFS, fsys filesystem.FileSystem, dir string) error {
	infos, err := fsys.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("%s: readdir: %w", dir, err)
	}
	for _, info := range infos {
		p := joinPath(dir, info.Name())
		if info.IsDir() {
			if err := fs.Insert(p, memfs.NewDir(uint32(info.Mode().Perm()), 0, 0, info.ModTime())); err != nil {
				return err
			}
			if err := walkInto(store, fs, fsys, p); err != nil {
				return err
			}
			continue
		}

		rf, err := fsys.OpenFile(p, os.O_RDONLY)
		if err != nil {
			return fmt.Errorf("%s: open: %w", p, err)
		}
		content, err := store.StageReader(rf)
		rf.Close()
		if err != nil {
			return fmt.Errorf("%s: stage: %w", p, err)
		}
		if err := fs.Insert(p, memfs.NewFile(content, uint32(info.Mode().Perm()), 0, 0, info.ModTime())); err != nil {
			return err
		}
	}
	return nil
}

func joinPath(dir, name string) string {
	if dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}
