// Package archpkg implements the Arch Linux package codec: a zstd tar
// containing .PKGINFO, an optional .BUILDINFO, a gzip'd .MTREE listing,
// and the file tree itself (spec.md §4.2, "arch codec").
package archpkg

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/queer/peckish/internal/artifact"
	"github.com/queer/peckish/internal/compression"
	"github.com/queer/peckish/internal/memfs"
	"github.com/queer/peckish/internal/tarstream"
	"github.com/queer/peckish/internal/types"
)

func init() {
	artifact.Register(types.FormatArch, decode, encode, artifact.Capabilities{
		SupportsOwnership:   true,
		SupportsXattrs:      false,
		SupportsHardlinks:   true,
		SupportsDeviceNodes: true,
	})
}

func decode(store *memfs.Store, loc artifact.Locator, opts artifact.Options) (*memfs.MemFS, types.Metadata, error) {
	if loc.Path == "" {
		return nil, types.Metadata{}, fmt.Errorf("arch: decode requires a path")
	}
	f, err := os.Open(loc.Path)
	if err != nil {
		return nil, types.Metadata{}, fmt.Errorf("arch: %w", err)
	}
	defer f.Close()

	dr, err := compression.DecompressingReader(f)
	if err != nil {
		return nil, types.Metadata{}, fmt.Errorf("arch: %w", err)
	}

	fs := memfs.New()
	var meta types.Metadata

	tr := tar.NewReader(dr)
	for {
		hdr, err := tr.Next()
		if err != nil {
			if err == io.EOF {
				return fs, meta, nil
			}
			return nil, types.Metadata{}, fmt.Errorf("arch: %w", err)
		}

		switch hdr.Name {
		case ".PKGINFO":
			var buf bytes.Buffer
			if _, err := io.Copy(&buf, tr); err != nil {
				return nil, types.Metadata{}, fmt.Errorf("arch: .PKGINFO: %w", err)
			}
			meta = metadataFromPkginfo(parsePkginfo(buf.String()))
		case ".BUILDINFO", ".MTREE":
			// not modeled as MemFS content; regenerated on encode.
		default:
			if err := tarstream.UnpackEntry(store, fs, hdr, tr); err != nil {
				return nil, types.Metadata{}, fmt.Errorf("arch: %s: %w", hdr.Name, err)
			}
		}
	}
}

func encode(store *memfs.Store, fs *memfs.MemFS, loc artifact.Locator, meta types.Metadata, opts artifact.Options) (*artifact.Artifact, error) {
	if loc.Path == "" {
		return nil, fmt.Errorf("arch: encode requires a path")
	}

	size, err := totalSize(fs)
	if err != nil {
		return nil, fmt.Errorf("arch: %w", err)
	}

	mtree, err := buildMTREE(store, fs)
	if err != nil {
		return nil, fmt.Errorf("arch: .MTREE: %w", err)
	}

	out, err := os.Create(loc.Path)
	if err != nil {
		return nil, fmt.Errorf("arch: %w", err)
	}
	defer out.Close()

	// Arch packages are conventionally zstd tars regardless of the
	// destination file's own suffix (spec.md §4.2, "Emit as a zstd
	// tar"), so compression is chosen by format name rather than loc.Path.
	cw, closer, err := compression.ForFormat(out, "zstd")
	if err != nil {
		return nil, fmt.Errorf("arch: %w", err)
	}
	tw := tar.NewWriter(cw)

	pkginfo := []byte(generatePkginfo(meta, size))
	if err := writeTarMember(tw, ".PKGINFO", pkginfo, 0o644); err != nil {
		return nil, fmt.Errorf("arch: %w", err)
	}
	if err := writeTarMember(tw, ".MTREE", mtree, 0o644); err != nil {
		return nil, fmt.Errorf("arch: %w", err)
	}
	if err := tarstream.PackFiltered(fs, "/", tw, nil); err != nil {
		return nil, fmt.Errorf("arch: %w", err)
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("arch: %w", err)
	}
	if err := closer.Close(); err != nil {
		return nil, fmt.Errorf("arch: %w", err)
	}

	return &artifact.Artifact{Name: meta.Name, Format: types.FormatArch, Locator: loc}, nil
}

func writeTarMember(tw *tar.Writer, name string, content []byte, mode int64) error {
	if err := tw.WriteHeader(&tar.Header{Name: name, Size: int64(len(content)), Mode: mode}); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	_, err := tw.Write(content)
	return err
}

// totalSize sums the byte size of every regular file in fs, for
// .PKGINFO's "size" field.
func totalSize(fs *memfs.MemFS) (int64, error) {
	entries, err := fs.Walk("/")
	if err != nil {
		return 0, err
	}
	var total int64
	for _, e := range entries {
		if e.Node.Kind == memfs.KindFile {
			total += e.Node.Content.Size()
		}
	}
	return total, nil
}
