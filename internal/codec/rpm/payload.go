package rpm

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/cavaliercoder/go-cpio"

	"github.com/queer/peckish/internal/memfs"
)

// cpio newc file-type bits, or'd into st_mode in the header.
const (
	modeFileTypeMask = 0o170000
	modeDir          = 0o040000
	modeReg          = 0o100000
	modeSymlink      = 0o120000
	modeChar         = 0o020000
	modeBlock        = 0o060000
)

// fileRecord is one payload entry's contribution to RPM's parallel
// per-file header arrays (BASENAMES/DIRNAMES/DIRINDEXES/FILESIZES/...).
type fileRecord struct {
	baseName, dirName string
	dirIndex          int32
	size              int32
	mode              int16
	md5sum            string
	linkTo            string
	username, group   string
	mtime             int32
}

// packPayload walks fs in MemFS order and writes a cpio newc stream,
// returning the per-file metadata encode needs for the header's file
// arrays. True cpio hardlink dedup (same inode, multiple names) is not
// modeled: an RPM hardlink node is unpacked as an independent copy of
// its target's bytes, which round-trips the content but not the link
// identity.
func packPayload(fs *memfs.MemFS, cw *cpio.Writer) ([]fileRecord, error) {
	entries, err := fs.Walk("/")
	if err != nil {
		return nil, err
	}

	dirIndexes := map[string]int32{}
	var dirNames []string
	dirIndexFor := func(dir string) int32 {
		if idx, ok := dirIndexes[dir]; ok {
			return idx
		}
		idx := int32(len(dirNames))
		dirNames = append(dirNames, dir)
		dirIndexes[dir] = idx
		return idx
	}

	var records []fileRecord
	for _, e := range entries {
		if e.Path == "/" {
			continue
		}
		name := strings.TrimPrefix(e.Path, "/")
		dir := path.Dir(e.Path) + "/"
		base := path.Base(e.Path)
		n := e.Node

		rec := fileRecord{
			baseName: base,
			dirName:  dir,
			dirIndex: dirIndexFor(dir),
			mtime:    int32(n.MTime.Unix()),
			username: "root",
			group:    "root",
		}

		switch n.Kind {
		case memfs.KindDir:
			rec.mode = int16(modeDir | n.Mode)
			if err := cw.WriteHeader(&cpio.Header{Name: name, Mode: cpio.FileMode(rec.mode)}); err != nil {
				return nil, err
			}

		case memfs.KindFile, memfs.KindHardlink:
			target := n
			if n.Kind == memfs.KindHardlink {
				target, err = fs.ResolveHardlink(n)
				if err != nil {
					return nil, err
				}
			}
			sum, err := writeFileEntry(cw, name, target)
			if err != nil {
				return nil, err
			}
			rec.mode = int16(modeReg | target.Mode)
			rec.size = int32(target.Content.Size())
			rec.md5sum = sum

		case memfs.KindSymlink:
			rec.mode = int16(modeSymlink | 0o777)
			rec.size = int32(len(n.LinkTarget))
			rec.linkTo = n.LinkTarget
			if err := cw.WriteHeader(&cpio.Header{Name: name, Mode: cpio.FileMode(rec.mode), Size: int64(rec.size)}); err != nil {
				return nil, err
			}
			if _, err := cw.Write([]byte(n.LinkTarget)); err != nil {
				return nil, err
			}

		case memfs.KindDevice:
			typeBits := modeChar
			if n.DeviceKind == memfs.DeviceBlock {
				typeBits = modeBlock
			}
			rec.mode = int16(typeBits | n.Mode)
			if err := cw.WriteHeader(&cpio.Header{
				Name: name, Mode: cpio.FileMode(rec.mode),
				Devmajor: int64(n.Major), Devminor: int64(n.Minor),
			}); err != nil {
				return nil, err
			}
		}

		records = append(records, rec)
	}
	return records, nil
}

func writeFileEntry(cw *cpio.Writer, name string, n *memfs.Node) (string, error) {
	if err := cw.WriteHeader(&cpio.Header{
		Name: name, Mode: cpio.FileMode(modeReg | n.Mode), Size: n.Content.Size(),
	}); err != nil {
		return "", err
	}
	r, err := n.Content.Open()
	if err != nil {
		return "", err
	}
	defer r.Close()

	h := md5.New()
	if _, err := io.Copy(io.MultiWriter(cw, h), r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// unpackPayload reads a cpio newc stream into fs, mapping each entry's
// mode bits back to a MemFS node kind.
func unpackPayload(store *memfs.Store, fs *memfs.MemFS, cr *cpio.Reader) error {
	for {
		hdr, err := cr.Next()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if hdr.Name == "TRAILER!!!" {
			continue
		}
		p := "/" + strings.TrimPrefix(hdr.Name, "./")
		mode := uint32(hdr.Mode) & 0o7777
		typeBits := uint32(hdr.Mode) & modeFileTypeMask

		var node *memfs.Node
		switch typeBits {
		case modeDir:
			node = memfs.NewDir(mode, 0, 0, hdr.ModTime)
		case modeSymlink:
			target := make([]byte, hdr.Size)
			if _, err := io.ReadFull(cr, target); err != nil {
				return err
			}
			node = memfs.NewSymlink(string(target), 0, 0, hdr.ModTime)
		case modeChar, modeBlock:
			kind := memfs.DeviceChar
			if typeBits == modeBlock {
				kind = memfs.DeviceBlock
			}
			node = memfs.NewDevice(kind, uint32(hdr.Devmajor), uint32(hdr.Devminor), mode, 0, 0, hdr.ModTime)
		default:
			content, err := store.StageReader(cr)
			if err != nil {
				return err
			}
			node = memfs.NewFile(content, mode, 0, 0, hdr.ModTime)
		}

		if err := fs.Replace(p, node); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
}
