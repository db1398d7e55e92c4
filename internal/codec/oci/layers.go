package oci

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"encoding/json"

	digest "github.com/opencontainers/go-digest"
	ispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/queer/peckish/internal/memfs"
	"github.com/queer/peckish/internal/tarstream"
)

// blob is a content-addressed payload plus the descriptor that indexes
// it, the unit every OCI image layout directory entry under
// blobs/sha256/ is built from.
type blob struct {
	desc ispec.Descriptor
	data []byte
}

// newBlob wraps data as a blob, computing its digest and size from the
// bytes actually stored (not from an uncompressed diffID, unlike the
// config's RootFS.DiffIDs).
func newBlob(mediaType string, data []byte) blob {
	return blob{
		desc: ispec.Descriptor{
			MediaType: mediaType,
			Digest:    digest.FromBytes(data),
			Size:      int64(len(data)),
		},
		data: data,
	}
}

// buildLayerBlob serializes fs as a single gzip'd tar layer, returning
// the compressed blob plus the sha256 digest of the uncompressed tar
// (the diffID an image config's rootfs.diff_ids entry records).
func buildLayerBlob(fs *memfs.MemFS) (b blob, diffID digest.Digest, err error) {
	var plain bytes.Buffer
	tw := tar.NewWriter(&plain)
	if err := tarstream.Pack(fs, "/", tw); err != nil {
		return blob{}, "", err
	}
	if err := tw.Close(); err != nil {
		return blob{}, "", err
	}
	diffID = digest.FromBytes(plain.Bytes())

	var gz bytes.Buffer
	gw := gzip.NewWriter(&gz)
	if _, err := gw.Write(plain.Bytes()); err != nil {
		return blob{}, "", err
	}
	if err := gw.Close(); err != nil {
		return blob{}, "", err
	}
	return newBlob(ispec.MediaTypeImageLayerGzip, gz.Bytes()), diffID, nil
}

// mergeLayerBlob gunzips a stored layer blob and merges it into fs via
// the whiteout-aware merge shared with the docker codec.
func mergeLayerBlob(store *memfs.Store, fs *memfs.MemFS, raw []byte) error {
	gr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	defer gr.Close()
	return tarstream.MergeLayer(store, fs, tar.NewReader(gr))
}

func marshalJSONBlob(mediaType string, v any) (blob, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return blob{}, err
	}
	return newBlob(mediaType, data), nil
}
