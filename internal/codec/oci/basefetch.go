package oci

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"

	dockerimage "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	digest "github.com/opencontainers/go-digest"
	ispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/queer/peckish/internal/artifact"
)

// dockerSaveEntry is one element of a "docker save" tar's manifest.json,
// the format the local daemon's ImageSave speaks (mirrors
// internal/codec/dockerimg's manifestEntry; kept local since codec
// packages don't import each other).
type dockerSaveEntry struct {
	Config   string   `json:"Config"`
	RepoTags []string `json:"RepoTags"`
	Layers   []string `json:"Layers"`
}

// dockerImageConfig is the subset of a docker-format image config JSON
// this codec needs to translate into an ispec.Image base config.
type dockerImageConfig struct {
	Architecture string `json:"architecture"`
	Config       struct {
		Env          []string            `json:"Env,omitempty"`
		Cmd          []string            `json:"Cmd,omitempty"`
		Entrypoint   []string            `json:"Entrypoint,omitempty"`
		WorkingDir   string              `json:"WorkingDir,omitempty"`
		ExposedPorts map[string]struct{} `json:"ExposedPorts,omitempty"`
	} `json:"config"`
}

// fetchBaseImage resolves opts.BaseImage into the layer blobs and config
// encode should merge a new layer onto, first trying it as an existing
// OCI image layout directory, then (if it isn't one) as a reference the
// local docker daemon can pull and export (spec.md §4.2: "the declared
// base image's config merged with new Env/Cmd/Entrypoint/WorkingDir/
// ExposedPorts ... a manifest referencing the base image's layers plus
// the new one").
func fetchBaseImage(ctx context.Context, ref string, opts artifact.Options) ([]blob, ispec.Image, error) {
	if layers, cfg, err := fetchBaseLayoutImage(ref); err == nil {
		return layers, cfg, nil
	}
	return fetchBaseDaemonImage(ctx, ref, opts)
}

// fetchBaseLayoutImage reads dir as an OCI image layout directory the
// same way decode does, returning its layer blobs (still in their
// stored, already-gzip'd form, so their descriptors need no
// recomputation) and parsed config.
func fetchBaseLayoutImage(dir string) ([]blob, ispec.Image, error) {
	manifestDesc, err := readIndex(dir)
	if err != nil {
		return nil, ispec.Image{}, err
	}
	manifestBytes, err := readBlob(dir, manifestDesc)
	if err != nil {
		return nil, ispec.Image{}, err
	}
	var manifest ispec.Manifest
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		return nil, ispec.Image{}, err
	}

	var cfg ispec.Image
	if configBytes, err := readBlob(dir, manifest.Config); err == nil {
		if err := json.Unmarshal(configBytes, &cfg); err != nil {
			return nil, ispec.Image{}, err
		}
	}

	layers := make([]blob, 0, len(manifest.Layers))
	for _, desc := range manifest.Layers {
		data, err := readBlob(dir, desc)
		if err != nil {
			return nil, ispec.Image{}, err
		}
		layers = append(layers, blob{desc: desc, data: data})
	}
	return layers, cfg, nil
}

// fetchBaseDaemonImage pulls+saves ref via the local docker daemon (or
// reuses a cached save tar under the same cache key convention
// dockerimg uses, so a chained docker->oci run over the same base image
// reuses the pull), gzips each of its plain-tar layers into an OCI blob,
// and translates its docker-format config into an ispec.Image.
func fetchBaseDaemonImage(ctx context.Context, ref string, opts artifact.Options) ([]blob, ispec.Image, error) {
	saveBytes, cacheHit, err := lookupSaveTar(opts, ref)
	if err != nil {
		return nil, ispec.Image{}, err
	}
	if !cacheHit {
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return nil, ispec.Image{}, err
		}
		defer cli.Close()

		reader, err := cli.ImagePull(ctx, ref, dockerimage.PullOptions{})
		if err != nil {
			return nil, ispec.Image{}, fmt.Errorf("pull image: %w", err)
		}
		_, _ = io.Copy(io.Discard, reader)
		reader.Close()

		saveStream, err := cli.ImageSave(ctx, []string{ref})
		if err != nil {
			return nil, ispec.Image{}, fmt.Errorf("image save: %w", err)
		}
		saveBytes, err = io.ReadAll(saveStream)
		saveStream.Close()
		if err != nil {
			return nil, ispec.Image{}, fmt.Errorf("read save stream: %w", err)
		}
		storeSaveTar(opts, ref, saveBytes)
	}

	members, entry, dcfg, err := parseDockerSaveTar(saveBytes)
	if err != nil {
		return nil, ispec.Image{}, err
	}

	layers := make([]blob, 0, len(entry.Layers))
	diffIDs := make([]digest.Digest, 0, len(entry.Layers))
	for _, name := range entry.Layers {
		raw, ok := members[name]
		if !ok {
			return nil, ispec.Image{}, fmt.Errorf("manifest references missing layer %s", name)
		}
		diffIDs = append(diffIDs, digest.FromBytes(raw))
		gz, err := gzipBytes(raw)
		if err != nil {
			return nil, ispec.Image{}, err
		}
		layers = append(layers, newBlob(ispec.MediaTypeImageLayerGzip, gz))
	}

	cfg := ispec.Image{Architecture: dcfg.Architecture, OS: "linux"}
	cfg.RootFS = ispec.RootFS{Type: "layers", DiffIDs: diffIDs}
	cfg.Config.Env = dcfg.Config.Env
	cfg.Config.Cmd = dcfg.Config.Cmd
	cfg.Config.Entrypoint = dcfg.Config.Entrypoint
	cfg.Config.WorkingDir = dcfg.Config.WorkingDir
	cfg.Config.ExposedPorts = dcfg.Config.ExposedPorts
	return layers, cfg, nil
}

// parseDockerSaveTar walks the outer tar an ImageSave stream produces
// and returns its raw members alongside the first manifest entry and
// parsed config, the OCI codec's own copy of what dockerimg's
// parseSaveTar does for the docker codec.
func parseDockerSaveTar(data []byte) (members map[string][]byte, entry dockerSaveEntry, cfg dockerImageConfig, err error) {
	members = map[string][]byte{}
	tr := tar.NewReader(bytes.NewReader(data))
	for {
		hdr, terr := tr.Next()
		if terr != nil {
			if terr == io.EOF {
				break
			}
			return nil, dockerSaveEntry{}, dockerImageConfig{}, terr
		}
		if hdr.Typeflag != tar.TypeReg && hdr.Typeflag != tar.TypeRegA {
			continue
		}
		var buf bytes.Buffer
		if _, cerr := io.Copy(&buf, tr); cerr != nil {
			return nil, dockerSaveEntry{}, dockerImageConfig{}, cerr
		}
		members[hdr.Name] = buf.Bytes()
	}

	var manifest []dockerSaveEntry
	if uerr := json.Unmarshal(members["manifest.json"], &manifest); uerr != nil {
		return nil, dockerSaveEntry{}, dockerImageConfig{}, fmt.Errorf("manifest.json: %w", uerr)
	}
	if len(manifest) == 0 {
		return nil, dockerSaveEntry{}, dockerImageConfig{}, fmt.Errorf("manifest.json: no entries")
	}
	entry = manifest[0]

	if raw, ok := members[entry.Config]; ok {
		if uerr := json.Unmarshal(raw, &cfg); uerr != nil {
			return nil, dockerSaveEntry{}, dockerImageConfig{}, fmt.Errorf("%s: %w", entry.Config, uerr)
		}
	}
	return members, entry, cfg, nil
}

func gzipBytes(plain []byte) ([]byte, error) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(plain); err != nil {
		return nil, err
	}
	if err := gw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// lookupSaveTar consults opts.Cache for a previously pulled+exported
// "docker save" tar for ref, under the same cache key dockerimg uses so
// the two codecs can share a pull for the same base image reference.
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
