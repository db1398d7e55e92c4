package oci

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	digest "github.com/opencontainers/go-digest"
	ispec "github.com/opencontainers/image-spec/specs-go/v1"
)

const layoutVersion = "1.0.0"

// writeLayout serializes an OCI image layout directory at dir: the
// oci-layout marker file, every blob under blobs/<alg>/<hex>, and
// index.json pointing at the manifest descriptor (spec.md §4.2, "an OCI
// image layout writes blobs under blobs/sha256/ plus index.json and
// oci-layout").
func writeLayout(dir string, blobs []blob, manifestDesc ispec.Descriptor, tag string) error {
	if err := os.MkdirAll(filepath.Join(dir, "blobs", "sha256"), 0o755); err != nil {
		return err
	}

	layoutMarker, err := json.Marshal(ispec.ImageLayout{Version: layoutVersion})
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "oci-layout"), layoutMarker, 0o644); err != nil {
		return err
	}

	for _, b := range blobs {
		if err := writeBlob(dir, b); err != nil {
			return err
		}
	}

	if tag != "" {
		if manifestDesc.Annotations == nil {
			manifestDesc.Annotations = map[string]string{}
		}
		manifestDesc.Annotations[ispec.AnnotationRefName] = tag
	}
	index := ispec.Index{
		Versioned: specsVersioned(),
		MediaType: ispec.MediaTypeImageIndex,
		Manifests: []ispec.Descriptor{manifestDesc},
	}
	indexBytes, err := json.Marshal(index)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "index.json"), indexBytes, 0o644)
}

func writeBlob(dir string, b blob) error {
	alg := b.desc.Digest.Algorithm().String()
	if err := os.MkdirAll(filepath.Join(dir, "blobs", alg), 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, "blobs", alg, b.desc.Digest.Encoded())
	return os.WriteFile(path, b.data, 0o644)
}

// readBlob loads the blob dir references by desc, verifying its digest
// matches what index.json/the manifest promised.
func readBlob(dir string, desc ispec.Descriptor) ([]byte, error) {
	path := filepath.Join(dir, "blobs", desc.Digest.Algorithm().String(), desc.Digest.Encoded())
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if digest.FromBytes(data) != desc.Digest {
		return nil, fmt.Errorf("blob %s: digest mismatch", desc.Digest)
	}
	return data, nil
}

// readIndex loads index.json and returns its first manifest descriptor,
// the only one this codec's encode ever writes.
func readIndex(dir string) (ispec.Descriptor, error) {
	data, err := os.ReadFile(filepath.Join(dir, "index.json"))
	if err != nil {
		return ispec.Descriptor{}, err
	}
	var idx ispec.Index
	if err := json.Unmarshal(data, &idx); err != nil {
		return ispec.Descriptor{}, err
	}
	if len(idx.Manifests) == 0 {
		return ispec.Descriptor{}, fmt.Errorf("index.json: no manifests")
	}
	return idx.Manifests[0], nil
}

func specsVersioned() ispec.Versioned {
	return ispec.Versioned{SchemaVersion: 2}
}
