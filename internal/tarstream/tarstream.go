// Package tarstream converts between a MemFS and an archive/tar stream.
// It is shared by every codec whose on-disk format is "a tar with some
// wrapper around it" (tar proper, deb's data.tar/control.tar, arch's
// zstd tar) so the entry-mapping rules live in exactly one place instead
// of being re-derived per codec.
package tarstream

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/queer/peckish/internal/memfs"
)

// Unpack reads every entry from tr into fs, staging regular-file content
// through store. Fifos and other types MemFS has no node for are
// silently skipped (spec.md §3's closed node set).
func Unpack(store *memfs.Store, fs *memfs.MemFS, tr *tar.Reader) error {
	for {
		hdr, err := tr.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := UnpackEntry(store, fs, hdr, tr); err != nil {
			return fmt.Errorf("%s: %w", hdr.Name, err)
		}
	}
}

// UnpackEntry inserts one already-read tar header/body pair into fs.
// Exported so codecs that need to special-case certain entries (deb's
// control members, arch's .PKGINFO/.MTREE) can drive the tar.Reader loop
// themselves and fall back to this for ordinary file-tree entries.
func UnpackEntry(store *memfs.Store, fs *memfs.MemFS, hdr *tar.Header, r *tar.Reader) error {
	p := "/" + hdr.Name
	mode := uint32(hdr.Mode) & 0o7777
	uid, gid := uint32(hdr.Uid), uint32(hdr.Gid)

	switch hdr.Typeflag {
	case tar.TypeDir:
		return fs.Replace(p, memfs.NewDir(mode, uid, gid, hdr.ModTime))

	case tar.TypeReg, tar.TypeRegA:
		content, err := store.StageReader(r)
		if err != nil {
			return err
		}
		return fs.Replace(p, memfs.NewFile(content, mode, uid, gid, hdr.ModTime))

	case tar.TypeSymlink:
		return fs.Replace(p, memfs.NewSymlink(hdr.Linkname, uid, gid, hdr.ModTime))

	case tar.TypeLink:
		return fs.Replace(p, memfs.NewHardlink("/"+hdr.Linkname, hdr.ModTime))

	case tar.TypeChar, tar.TypeBlock:
		kind := memfs.DeviceChar
		if hdr.Typeflag == tar.TypeBlock {
			kind = memfs.DeviceBlock
		}
		return fs.Replace(p, memfs.NewDevice(kind, uint32(hdr.Devmajor), uint32(hdr.Devminor), mode, uid, gid, hdr.ModTime))

	default:
		return nil
	}
}

// Pack walks fs from root and writes every entry to tw in MemFS order
// (depth-first, basename-sorted), the same order every codec relies on
// for deterministic output (spec.md §4.1, §8 property 5).
func Pack(fs *memfs.MemFS, root string, tw *tar.Writer) error {
	return PackFiltered(fs, root, tw, nil)
}

// PackFiltered is Pack with an optional skip predicate, used by codecs
// that keep out-of-band bookkeeping nodes under the same MemFS (e.g.
// deb's "/DEBIAN" maintainer-script convention) which must not appear in
// the emitted tar stream.
func PackFiltered(fs *memfs.MemFS, root string, tw *tar.Writer, skip func(path string) bool) error {
	entries, err := fs.Walk(root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Path == root {
			continue
		}
		if skip != nil && skip(e.Path) {
			continue
		}
		if err := packEntry(fs, tw, e, len(root)); err != nil {
			return fmt.Errorf("%s: %w", e.Path, err)
		}
	}
	return nil
}

func packEntry(fs *memfs.MemFS, tw *tar.Writer, e memfs.Entry, rootLen int) error {
	name := EntryName(e.Path[rootLen:], e.Node.Kind == memfs.KindDir)
	n := e.Node

	switch n.Kind {
	case memfs.KindDir:
		return tw.WriteHeader(&tar.Header{
			Name: name, Typeflag: tar.TypeDir,
			Mode: int64(n.Mode), Uid: int(n.UID), Gid: int(n.GID), ModTime: n.MTime,
		})

	case memfs.KindFile:
		hdr := &tar.Header{
			Name: name, Typeflag: tar.TypeReg,
			Mode: int64(n.Mode), Uid: int(n.UID), Gid: int(n.GID),
			ModTime: n.MTime, Size: n.Content.Size(),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		r, err := n.Content.Open()
		if err != nil {
			return err
		}
		defer r.Close()
		_, err = io.Copy(tw, r)
		return err

	case memfs.KindHardlink:
		target, err := fs.ResolveHardlink(n)
		if err != nil {
			return err
		}
		return tw.WriteHeader(&tar.Header{
			Name: name, Typeflag: tar.TypeLink,
			Linkname: EntryName(n.HardlinkTo[rootLen:], false),
			Mode:     int64(target.Mode), ModTime: n.MTime,
		})

	case memfs.KindSymlink:
		return tw.WriteHeader(&tar.Header{
			Name: name, Typeflag: tar.TypeSymlink,
			Linkname: n.LinkTarget,
			Mode:     int64(n.Mode), Uid: int(n.UID), Gid: int(n.GID), ModTime: n.MTime,
		})

	case memfs.KindDevice:
		typeflag := byte(tar.TypeChar)
		if n.DeviceKind == memfs.DeviceBlock {
			typeflag = tar.TypeBlock
		}
		return tw.WriteHeader(&tar.Header{
			Name: name, Typeflag: typeflag,
			Mode: int64(n.Mode), Uid: int(n.UID), Gid: int(n.GID), ModTime: n.MTime,
			Devmajor: int64(n.Major), Devminor: int64(n.Minor),
		})

	default:
		return fmt.Errorf("unhandled node kind %v", n.Kind)
	}
}

// whiteoutPrefix and opaqueWhiteout are the overlay filesystem
// conventions both the docker and OCI layer formats use (spec.md §4.2,
// "honoring whiteout files").
const (
	whiteoutPrefix = ".wh."
	opaqueWhiteout = ".wh..wh..opq"
)

// MergeLayer merges one image layer's tar stream into fs in place,
// applying whiteout semantics before falling through to UnpackEntry for
// ordinary entries. Shared by the docker and OCI codecs, whose layer
// format is otherwise identical.
func MergeLayer(store *memfs.Store, fs *memfs.MemFS, tr *tar.Reader) error {
	for {
		hdr, err := tr.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		name := strings.TrimPrefix(hdr.Name, "./")
		dir, base := path.Split(name)
		p := "/" + name

		switch {
		case base == opaqueWhiteout:
			if err := clearDir(fs, "/"+strings.TrimSuffix(dir, "/")); err != nil {
				return fmt.Errorf("opaque whiteout %s: %w", p, err)
			}
		case strings.HasPrefix(base, whiteoutPrefix):
			victim := "/" + dir + strings.TrimPrefix(base, whiteoutPrefix)
			if err := fs.Remove(victim, true); err != nil && !errors.Is(err, memfs.ErrNotFound) {
				return fmt.Errorf("whiteout %s: %w", victim, err)
			}
		default:
			if err := UnpackEntry(store, fs, hdr, tr); err != nil {
				return fmt.Errorf("%s: %w", p, err)
			}
		}
	}
}

// clearDir removes every direct child of dir without removing dir
// itself, modeling an opaque whiteout's "everything beneath here in
// lower layers is hidden" semantics.
func clearDir(fs *memfs.MemFS, dir string) error {
	entries, err := fs.Walk(dir)
	if err != nil {
		if errors.Is(err, memfs.ErrNotFound) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if e.Path == dir || path.Dir(e.Path) != dir {
			continue // only direct children; removing one prunes its subtree too
		}
		if err := fs.Remove(e.Path, true); err != nil {
			return err
		}
	}
	return nil
}

// EntryName strips the leading "/" tar entries don't carry, appending a
// trailing "/" for directories to match conventional tar listings.
func EntryName(p string, isDir bool) string {
	name := p
	if len(name) > 0 && name[0] == '/' {
		name = name[1:]
	}
	if isDir && name != "" {
		name += "/"
	}
	return name
}
