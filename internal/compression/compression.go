// Package compression provides the magic-byte auto-detection and
// suffix-driven selection shared by every codec that reads or writes a
// compressed tar stream (tar, deb, arch), per spec.md §4.2's
// "Compression" paragraph: "All codecs that accept compressed streams
// detect compression on decode by magic bytes and choose compression on
// encode by target file suffix."
package compression

import (
	"bufio"
	"compress/bzip2"
	"compress/gzip"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

var (
	gzipMagic  = []byte{0x1f, 0x8b}
	zstdMagic  = []byte{0x28, 0xb5, 0x2f, 0xfd}
	xzMagic    = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}
	bzip2Magic = []byte{'B', 'Z', 'h'}
)

// DecompressingReader wraps r in a decompressor chosen by sniffing its
// first bytes, or returns r unchanged if no known magic matches.
func DecompressingReader(r io.Reader) (io.Reader, error) {
	br := bufio.NewReader(r)
	peek, _ := br.Peek(6)

	switch {
	case hasPrefix(peek, gzipMagic):
		return gzip.NewReader(br)
	case hasPrefix(peek, zstdMagic):
		return zstd.NewReader(br)
	case hasPrefix(peek, xzMagic):
		return xz.NewReader(br)
	case hasPrefix(peek, bzip2Magic):
		// Decode-only: neither the standard library nor any pack
		// bzip2 implementation exposes a Go-native encoder.
		return bzip2.NewReader(br), nil
	default:
		return br, nil
	}
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i, p := range prefix {
		if b[i] != p {
			return false
		}
	}
	return true
}

// CompressingWriter wraps w in a compressor chosen by destPath's suffix.
// Returns w unchanged (with a no-op closer) for an unrecognized suffix.
// The caller must Close the returned io.Closer before closing w itself.
func CompressingWriter(w io.Writer, destPath string) (io.Writer, io.Closer, error) {
	switch {
	case strings.HasSuffix(destPath, ".gz") || strings.HasSuffix(destPath, ".tgz"):
		zw := gzip.NewWriter(w)
		return zw, zw, nil
	case strings.HasSuffix(destPath, ".zst"):
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return nil, nil, fmt.Errorf("compression: zstd writer: %w", err)
		}
		return zw, zw, nil
	case strings.HasSuffix(destPath, ".xz"):
		xw, err := xz.NewWriter(w)
		if err != nil {
			return nil, nil, fmt.Errorf("compression: xz writer: %w", err)
		}
		return xw, xw, nil
	case strings.HasSuffix(destPath, ".bz2"):
		return nil, nil, fmt.Errorf("compression: bzip2 encoding is not supported (decode-only)")
	default:
		return w, nopCloser{}, nil
	}
}

// ForFormat returns a compressor for name (e.g. "zstd", "gzip") rather
// than a suffix, for codecs like deb/arch that pick compression from a
// format default or a metadata field instead of a destination filename.
func ForFormat(w io.Writer, name string) (io.Writer, io.Closer, error) {
	return CompressingWriter(w, "x."+suffixFor(name))
}

func suffixFor(name string) string {
	switch name {
	case "gzip", "gz":
		return "gz"
	case "zstd", "zst":
		return "zst"
	case "xz":
		return "xz"
	default:
		return "gz"
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
