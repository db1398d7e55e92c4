// Package oci implements the OCI image layout codec: an on-disk
// blobs/sha256/ + index.json + oci-layout directory, differing from the
// docker codec only in manifest media types and directory layout
// (spec.md §4.2, "OCI output differs only in manifest media types and
// directory layout").
package oci

import (
	"context"
	"encoding/json"
	"fmt"

	ispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/queer/peckish/internal/artifact"
	"github.com/queer/peckish/internal/memfs"
	"github.com/queer/peckish/internal/types"
)

func init() {
	artifact.Register(types.FormatOCI, decode, encode, artifact.Capabilities{
		SupportsOwnership:   false, // layer tars carry numeric uid/gid but no names
		SupportsXattrs:      false,
		SupportsHardlinks:   true,
		SupportsDeviceNodes: false,
	})
}

// decode reads an OCI image layout directory at loc.Path: the index
// names a manifest blob, the manifest names a config blob and an
// ordered list of layer blobs, each merged into fs in turn (identical
// whiteout handling to the docker codec, via tarstream.MergeLayer).
func decode(store *memfs.Store, loc artifact.Locator, opts artifact.Options) (*memfs.MemFS, types.Metadata, error) {
	if loc.Path == "" {
		return nil, types.Metadata{}, fmt.Errorf("oci: decode requires a layout directory path")
	}

	manifestDesc, err := readIndex(loc.Path)
	if err != nil {
		return nil, types.Metadata{}, fmt.Errorf("oci: %w", err)
	}

	manifestBytes, err := readBlob(loc.Path, manifestDesc)
	if err != nil {
		return nil, types.Metadata{}, fmt.Errorf("oci: manifest: %w", err)
	}
	var manifest ispec.Manifest
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		return nil, types.Metadata{}, fmt.Errorf("oci: manifest: %w", err)
	}

	var cfg ispec.Image
	if configBytes, err := readBlob(loc.Path, manifest.Config); err == nil {
		if err := json.Unmarshal(configBytes, &cfg); err != nil {
			return nil, types.Metadata{}, fmt.Errorf("oci: config: %w", err)
		}
	}

	fs := memfs.New()
	for _, layerDesc := range manifest.Layers {
		raw, err := readBlob(loc.Path, layerDesc)
		if err != nil {
			return nil, types.Metadata{}, fmt.Errorf("oci: layer %s: %w", layerDesc.Digest, err)
		}
		if err := mergeLayerBlob(store, fs, raw); err != nil {
			return nil, types.Metadata{}, fmt.Errorf("oci: layer %s: %w", layerDesc.Digest, err)
		}
	}

	meta := types.Metadata{
		Name:        manifestDesc.Annotations[ispec.AnnotationRefName],
		Arch:        cfg.Architecture,
		Description: cfg.Config.WorkingDir,
	}
	return fs, meta, nil
}

// encode packages fs as a single new layer on top of opts.BaseImage's
// existing layers and config (if set), synthesizes the merged image
// config and a manifest referencing every layer, and writes the result
// as an OCI image layout directory to loc.Path.
func encode(store *memfs.Store, fs *memfs.MemFS, loc artifact.Locator, meta types.Metadata, opts artifact.Options) (*artifact.Artifact, error) {
	if loc.Path == "" {
		return nil, fmt.Errorf("oci: encode requires a layout directory path")
	}
	tag := opts.Image
	if tag == "" {
		tag = loc.Image
	}

	var baseLayers []blob
	var baseCfg ispec.Image
	if opts.BaseImage != "" {
		var err error
		baseLayers, baseCfg, err = fetchBaseImage(context.Background(), opts.BaseImage, opts)
		if err != nil {
			return nil, fmt.Errorf("oci: base image %s: %w", opts.BaseImage, err)
		}
	}

	layerBlob, diffID, err := buildLayerBlob(fs)
	if err != nil {
		return nil, fmt.Errorf("oci: %w", err)
	}

	cfg := baseCfg
	if cfg.OS == "" {
		cfg.OS = "linux"
	}
	if meta.Arch != "" {
		cfg.Architecture = meta.Arch
	}
	cfg.RootFS = ispec.RootFS{Type: "layers", DiffIDs: append(cfg.RootFS.DiffIDs, diffID)}
	if len(opts.Env) > 0 {
		cfg.Config.Env = envSlice(opts.Env)
	}
	if len(opts.Cmd) > 0 {
		cfg.Config.Cmd = opts.Cmd
	}
	if len(opts.Entrypoint) > 0 {
		cfg.Config.Entrypoint = opts.Entrypoint
	}
	if opts.WorkingDir != "" {
		cfg.Config.WorkingDir = opts.WorkingDir
	}
	if len(opts.ExposedPorts) > 0 {
		cfg.Config.ExposedPorts = map[string]struct{}{}
		for _, p := range opts.ExposedPorts {
			cfg.Config.ExposedPorts[p] = struct{}{}
		}
	}

	configBlob, err := marshalJSONBlob(ispec.MediaTypeImageConfig, cfg)
	if err != nil {
		return nil, fmt.Errorf("oci: config: %w", err)
	}

	layers := make([]ispec.Descriptor, 0, len(baseLayers)+1)
	blobs := make([]blob, 0, len(baseLayers)+2)
	for _, b := range baseLayers {
		layers = append(layers, b.desc)
		blobs = append(blobs, b)
	}
	layers = append(layers, layerBlob.desc)
	blobs = append(blobs, layerBlob, configBlob)

	manifest := ispec.Manifest{
		Versioned: specsVersioned(),
		MediaType: ispec.MediaTypeImageManifest,
		Config:    configBlob.desc,
		Layers:    layers,
	}
	manifestBlob, err := marshalJSONBlob(ispec.MediaTypeImageManifest, manifest)
	if err != nil {
		return nil, fmt.Errorf("oci: manifest: %w", err)
	}
	blobs = append(blobs, manifestBlob)

	if err := writeLayout(loc.Path, blobs, manifestBlob.desc, tag); err != nil {
		return nil, fmt.Errorf("oci: %w", err)
	}

	return &artifact.Artifact{Name: meta.Name, Format: types.FormatOCI, Locator: artifact.Locator{Path: loc.Path, Image: tag}}, nil
}

func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
