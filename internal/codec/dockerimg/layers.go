package dockerimg

import (
	"archive/tar"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/queer/peckish/internal/memfs"
	"github.com/queer/peckish/internal/tarstream"
)

// manifestEntry is one element of a "docker save" tar's manifest.json,
// the format both ImageSave and ImageLoad speak.
type manifestEntry struct {
	Config   string   `json:"Config"`
	RepoTags []string `json:"RepoTags"`
	Layers   []string `json:"Layers"`
}

// imageConfig is the subset of the OCI/Docker image config JSON this
// codec reads and writes (spec.md §4.2's encode field list).
type imageConfig struct {
	Architecture string `json:"architecture"`
	Config       struct {
		Env        []string          `json:"Env,omitempty"`
		Cmd        []string          `json:"Cmd,omitempty"`
		Entrypoint []string          `json:"Entrypoint,omitempty"`
		WorkingDir string            `json:"WorkingDir,omitempty"`
		ExposedPorts map[string]struct{} `json:"ExposedPorts,omitempty"`
		Labels     map[string]string `json:"Labels,omitempty"`
	} `json:"config"`
}

// buildLayerTar serializes fs as a single tar layer. A "docker save"
// archive's per-layer member is an uncompressed tar (unlike an OCI
// layout's gzip'd blob, internal/codec/oci's buildLayerBlob) — decode's
// readSaveTar feeds these bytes straight to tar.NewReader, so encode
// must produce the same shape. diffID is the sha256 digest image
// configs record per layer.
func buildLayerTar(fs *memfs.MemFS) (layerTar []byte, diffID string, err error) {
	var plain bytes.Buffer
	tw := tar.NewWriter(&plain)
	if err := tarstream.Pack(fs, "/", tw); err != nil {
		return nil, "", err
	}
	if err := tw.Close(); err != nil {
		return nil, "", err
	}

	h := sha256.Sum256(plain.Bytes())
	return plain.Bytes(), "sha256:" + hex.EncodeToString(h[:]), nil
}

// newLayerEntryName derives the per-layer directory name a "docker save"
// archive uses (a content-derived ID, never literally "layer.tar" at the
// top level) so a freshly built layer can't collide with a base image's
// own layer entries when both are packed into the same archive.
func newLayerEntryName(diffID string) string {
	return strings.TrimPrefix(diffID, "sha256:") + "/layer.tar"
}

func marshalConfig(cfg imageConfig) ([]byte, error) {
	return json.Marshal(cfg)
}
