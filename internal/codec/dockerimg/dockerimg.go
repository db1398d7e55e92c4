// Package dockerimg implements the docker codec: decode pulls and reads
// an image through the local daemon, encode builds a new layer and
// loads it back into the daemon's image store (spec.md §4.2,
// "docker/oci codec").
package dockerimg

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	dockerimage "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"

	"github.com/queer/peckish/internal/artifact"
	"github.com/queer/peckish/internal/memfs"
	"github.com/queer/peckish/internal/tarstream"
	"github.com/queer/peckish/internal/types"
)

func init() {
	artifact.Register(types.FormatDocker, decode, encode, artifact.Capabilities{
		SupportsOwnership:   false, // layer tars carry numeric uid/gid but no names
		SupportsXattrs:      false,
		SupportsHardlinks:   true,
		SupportsDeviceNodes: false,
	})
}

func decode(store *memfs.Store, loc artifact.Locator, opts artifact.Options) (*memfs.MemFS, types.Metadata, error) {
	if loc.Image == "" {
		return nil, types.Metadata{}, fmt.Errorf("docker: decode requires an image reference")
	}

	saveBytes, cacheHit, err := lookupSaveTar(opts, loc.Image)
	if err != nil {
		return nil, types.Metadata{}, fmt.Errorf("docker: %w", err)
	}
	if !cacheHit {
		ctx := context.Background()

		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return nil, types.Metadata{}, fmt.Errorf("docker: %w", err)
		}
		defer cli.Close()

		if err := pullImage(ctx, cli, loc.Image); err != nil {
			return nil, types.Metadata{}, fmt.Errorf("docker: %w", err)
		}

		saveStream, err := cli.ImageSave(ctx, []string{loc.Image})
		if err != nil {
			return nil, types.Metadata{}, fmt.Errorf("docker: image save: %w", err)
		}
		saveBytes, err = io.ReadAll(saveStream)
		saveStream.Close()
		if err != nil {
			return nil, types.Metadata{}, fmt.Errorf("docker: read save stream: %w", err)
		}
		storeSaveTar(opts, loc.Image, saveBytes)
	}

	fs := memfs.New()
	meta := types.Metadata{Name: loc.Image}

	if err := readSaveTar(store, fs, &meta, bytes.NewReader(saveBytes)); err != nil {
		return nil, types.Metadata{}, fmt.Errorf("docker: %w", err)
	}
	return fs, meta, nil
}

// lookupSaveTar consults opts.Cache for a previously pulled+exported
// "docker save" tar for ref, keyed by the image reference itself (the
// unit the daemon pull/save dance is expensive for, not any one blob
// inside it).
func lookupSaveTar(opts artifact.Options, ref string) ([]byte, bool, error) {
	if opts.Cache == nil {
		return nil, false, nil
	}
	data, hit, err := opts.Cache.Lookup("docker-save:" + ref)
	if err != nil {
		return nil, false, err
	}
	return data, hit, nil
}

func storeSaveTar(opts artifact.Options, ref string, data []byte) {
	if opts.Cache == nil {
		return
	}
	_ = opts.Cache.Store("docker-save:"+ref, data)
}

// parseSaveTar walks the outer tar produced by ImageSave (one entry per
// manifest.json/config JSON/layer directory), returning its raw members
// alongside the first manifest entry and parsed config — shared by
// decode (which merges every named layer into a MemFS) and encode's
// base-image fetch (which keeps the raw layer bytes to prepend to a new
// one).
func parseSaveTar(r io.Reader) (members map[string][]byte, entry manifestEntry, cfg imageConfig, err error) {
	members = map[string][]byte{}
	tr := tar.NewReader(r)
	for {
		hdr, terr := tr.Next()
		if terr != nil {
			if terr == io.EOF {
				break
			}
			return nil, manifestEntry{}, imageConfig{}, terr
		}
		if hdr.Typeflag != tar.TypeReg && hdr.Typeflag != tar.TypeRegA {
			continue
		}
		var buf bytes.Buffer
		if _, cerr := io.Copy(&buf, tr); cerr != nil {
			return nil, manifestEntry{}, imageConfig{}, cerr
		}
		members[hdr.Name] = buf.Bytes()
	}

	var manifest []manifestEntry
	if uerr := json.Unmarshal(members["manifest.json"], &manifest); uerr != nil {
		return nil, manifestEntry{}, imageConfig{}, fmt.Errorf("manifest.json: %w", uerr)
	}
	if len(manifest) == 0 {
		return nil, manifestEntry{}, imageConfig{}, fmt.Errorf("manifest.json: no entries")
	}
	entry = manifest[0]

	if raw, ok := members[entry.Config]; ok {
		if uerr := json.Unmarshal(raw, &cfg); uerr != nil {
			return nil, manifestEntry{}, imageConfig{}, fmt.Errorf("%s: %w", entry.Config, uerr)
		}
	}
	return members, entry, cfg, nil
}

// readSaveTar merges every layer named in an ImageSave archive's
// manifest, in order, into fs.
func readSaveTar(store *memfs.Store, fs *memfs.MemFS, meta *types.Metadata, r io.Reader) error {
	members, entry, cfg, err := parseSaveTar(r)
	if err != nil {
		return err
	}
	meta.Description = cfg.Config.WorkingDir

	for _, layerName := range entry.Layers {
		raw, ok := members[layerName]
		if !ok {
			return fmt.Errorf("manifest references missing layer %s", layerName)
		}
		if err := tarstream.MergeLayer(store, fs, tar.NewReader(bytes.NewReader(raw))); err != nil {
			return fmt.Errorf("%s: %w", layerName, err)
		}
	}
	return nil
}

// layerEntry is one named layer member of a "docker save" archive, kept
// as raw bytes so a base image's layers can be copied into a new
// archive unchanged.
type layerEntry struct {
	name string
	data []byte
}

// fetchBaseLayers pulls+saves ref (opts.BaseImage) via the daemon, or
// reuses a cached save tar, and returns its layers in manifest order
// plus its parsed image config, so encode can prepend them to the new
// layer (spec.md §4.2: the declared base image's config merged with the
// new Env/Cmd/Entrypoint/WorkingDir/ExposedPorts, and a manifest
// referencing the base image's layers plus the new one).
func fetchBaseLayers(ctx context.Context, cli *client.Client, opts artifact.Options, ref string) ([]layerEntry, imageConfig, error) {
	saveBytes, cacheHit, err := lookupSaveTar(opts, ref)
	if err != nil {
		return nil, imageConfig{}, err
	}
	if !cacheHit {
		if err := pullImage(ctx, cli, ref); err != nil {
			return nil, imageConfig{}, err
		}
		saveStream, err := cli.ImageSave(ctx, []string{ref})
		if err != nil {
			return nil, imageConfig{}, fmt.Errorf("image save: %w", err)
		}
		saveBytes, err = io.ReadAll(saveStream)
		saveStream.Close()
		if err != nil {
			return nil, imageConfig{}, fmt.Errorf("read save stream: %w", err)
		}
		storeSaveTar(opts, ref, saveBytes)
	}

	members, entry, cfg, err := parseSaveTar(bytes.NewReader(saveBytes))
	if err != nil {
		return nil, imageConfig{}, err
	}

	layers := make([]layerEntry, 0, len(entry.Layers))
	for _, name := range entry.Layers {
		raw, ok := members[name]
		if !ok {
			return nil, imageConfig{}, fmt.Errorf("manifest references missing layer %s", name)
		}
		layers = append(layers, layerEntry{name: name, data: raw})
	}
	return layers, cfg, nil
}

// mergeImageConfig overlays opts' docker fields onto base (the pulled
// base image's config, zero value if there is none), per spec.md
// §4.2's "base image's config merged with new Env/Cmd/Entrypoint/
// WorkingDir/ExposedPorts". Fields opts leaves unset fall through to
// base's.
func mergeImageConfig(base imageConfig, opts artifact.Options) imageConfig {
	cfg := base
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
	return cfg
}

// encode packages fs as a single new layer on top of opts.BaseImage's
// existing layers and config (if set), synthesizes the merged image
// config and manifest, and loads the result into the local daemon's
// image store via ImageLoad — the daemon-side dual of ImageSave, which
// is what "push into the local daemon image store" (spec.md §4.2) means
// for this client.
func encode(store *memfs.Store, fs *memfs.MemFS, loc artifact.Locator, meta types.Metadata, opts artifact.Options) (*artifact.Artifact, error) {
	imageRef := opts.Image
	if imageRef == "" {
		imageRef = loc.Image
	}
	if imageRef == "" {
		return nil, fmt.Errorf("docker: encode requires an image reference (opts.Image or loc.Image)")
	}

	ctx := context.Background()
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker: %w", err)
	}
	defer cli.Close()

	var baseLayers []layerEntry
	var baseCfg imageConfig
	if opts.BaseImage != "" {
		baseLayers, baseCfg, err = fetchBaseLayers(ctx, cli, opts, opts.BaseImage)
		if err != nil {
			return nil, fmt.Errorf("docker: base image %s: %w", opts.BaseImage, err)
		}
	}

	layerTar, diffID, err := buildLayerTar(fs)
	if err != nil {
		return nil, fmt.Errorf("docker: %w", err)
	}
	newLayerName := newLayerEntryName(diffID)

	cfg := mergeImageConfig(baseCfg, opts)
	cfgBytes, err := marshalConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("docker: config: %w", err)
	}

	layerNames := make([]string, 0, len(baseLayers)+1)
	layerData := make(map[string][]byte, len(baseLayers)+1)
	for _, l := range baseLayers {
		layerNames = append(layerNames, l.name)
		layerData[l.name] = l.data
	}
	layerNames = append(layerNames, newLayerName)
	layerData[newLayerName] = layerTar

	saveTar, err := buildLoadTar(imageRef, cfgBytes, layerNames, layerData)
	if err != nil {
		return nil, fmt.Errorf("docker: %w", err)
	}

	resp, err := cli.ImageLoad(ctx, bytes.NewReader(saveTar))
	if err != nil {
		return nil, fmt.Errorf("docker: image load: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return &artifact.Artifact{Name: meta.Name, Format: types.FormatDocker, Locator: artifact.Locator{Image: imageRef}}, nil
}

// buildLoadTar assembles a "docker save" format tar (config, manifest,
// and one or more layer members) suitable for ImageLoad. layerNames
// gives the manifest's Layers order (base image layers, if any,
// followed by the newly built one); layerData supplies each by name.
func buildLoadTar(imageRef string, cfgBytes []byte, layerNames []string, layerData map[string][]byte) ([]byte, error) {
	const configName = "config.json"

	manifest := []manifestEntry{{
		Config:   configName,
		RepoTags: []string{imageRef},
		Layers:   layerNames,
	}}
	manifestBytes, err := json.Marshal(manifest)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	write := func(name string, data []byte) error {
		if err := tw.WriteHeader(&tar.Header{Name: name, Size: int64(len(data)), Mode: 0o644}); err != nil {
			return err
		}
		_, err := tw.Write(data)
		return err
	}
	if err := write(configName, cfgBytes); err != nil {
		return nil, err
	}
	for _, name := range layerNames {
		if err := write(name, layerData[name]); err != nil {
			return nil, err
		}
	}
	if err := write("manifest.json", manifestBytes); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
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

// pullImage pulls ref via the daemon, reusing the shape of
// internal/testfs's own e2e container harness pull helper.
func pullImage(ctx context.Context, cli *client.Client, ref string) error {
	reader, err := cli.ImagePull(ctx, ref, dockerimage.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image: %w", err)
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}
