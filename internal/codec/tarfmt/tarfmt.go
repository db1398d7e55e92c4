// Package tarfmt implements the tar codec: decode auto-detects
// compression by magic bytes and unpacks entries into a MemFS; encode
// walks a MemFS in deterministic order and emits ustar/pax entries,
// compressing by destination suffix (spec.md §4.2, "tar codec").
package tarfmt

import (
	"archive/tar"
	"fmt"
	"os"

	"github.com/queer/peckish/internal/artifact"
	"github.com/queer/peckish/internal/compression"
	"github.com/queer/peckish/internal/memfs"
	"github.com/queer/peckish/internal/tarstream"
	"github.com/queer/peckish/internal/types"
)

func init() {
	artifact.Register(types.FormatTar, decode, encode, artifact.Capabilities{
		SupportsOwnership:   true,
		SupportsXattrs:      false,
		SupportsHardlinks:   true,
		SupportsDeviceNodes: true,
	})
}

func decode(store *memfs.Store, loc artifact.Locator, opts artifact.Options) (*memfs.MemFS, types.Metadata, error) {
	if loc.Path == "" {
		return nil, types.Metadata{}, fmt.Errorf("tarfmt: decode requires a path")
	}
	f, err := os.Open(loc.Path)
	if err != nil {
		return nil, types.Metadata{}, fmt.Errorf("tarfmt: %w", err)
	}
	defer f.Close()

	r, err := compression.DecompressingReader(f)
	if err != nil {
		return nil, types.Metadata{}, fmt.Errorf("tarfmt: %w", err)
	}

	fs := memfs.New()
	if err := tarstream.Unpack(store, fs, tar.NewReader(r)); err != nil {
		return nil, types.Metadata{}, fmt.Errorf("tarfmt: %w", err)
	}
	return fs, types.Metadata{}, nil
}

func encode(store *memfs.Store, fs *memfs.MemFS, loc artifact.Locator, meta types.Metadata, opts artifact.Options) (*artifact.Artifact, error) {
	if loc.Path == "" {
		return nil, fmt.Errorf("tarfmt: encode requires a path")
	}
	f, err := os.Create(loc.Path)
	if err != nil {
		return nil, fmt.Errorf("tarfmt: %w", err)
	}
	defer f.Close()

	w, closer, err := compression.CompressingWriter(f, loc.Path)
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	tw := tar.NewWriter(w)
	defer tw.Close()

	if err := tarstream.Pack(fs, "/", tw); err != nil {
		return nil, fmt.Errorf("tarfmt: %w", err)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("tarfmt: %w", err)
	}
	if err := closer.Close(); err != nil {
		return nil, fmt.Errorf("tarfmt: %w", err)
	}

	return &artifact.Artifact{Name: meta.Name, Format: types.FormatTar, Locator: loc}, nil
}
