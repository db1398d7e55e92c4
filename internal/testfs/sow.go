package testfs

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
)

// SowTree creates files and symlinks under root according to spec,
// creating parent directories as needed (mkdir -p semantics). Used to
// build host-directory fixtures that a codec's decode step then reads.
func SowTree(root string, spec Tree) error {
	for _, f := range spec.Files {
		if err := sowFile(root, f); err != nil {
			return err
		}
	}
	for _, sym := range spec.Symlinks {
		if err := sowSymlink(root, sym); err != nil {
			return err
		}
	}
	return nil
}

func sowFile(root string, f File) error {
	if len(f.Path) == 0 {
		return nil
	}

	firstPath := filepath.Join(root, f.Path[0])
	if err := writeChunkedFile(firstPath, f.Chunks); err != nil {
		return fmt.Errorf("create %s: %w", firstPath, err)
	}

	for _, p := range f.Path[1:] {
		linkPath := filepath.Join(root, p)
		if err := os.MkdirAll(filepath.Dir(linkPath), 0o755); err != nil {
			return err
		}
		if err := os.Link(firstPath, linkPath); err != nil {
			return fmt.Errorf("hardlink %s -> %s: %w", linkPath, firstPath, err)
		}
	}
	return nil
}

// writeChunkedFile streams chunk content directly to disk so huge
// fixtures (multi-MiB layers) don't need to be held in memory at once.
func writeChunkedFile(path string, chunks []Chunk) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	for _, c := range chunks {
		if err := writeChunk(f, c); err != nil {
			return err
		}
	}
	return nil
}

func writeChunk(f *os.File, c Chunk) error {
	const maxBufSize = 1 << 20

	size, err := humanize.ParseBytes(c.Size)
	if err != nil {
		return fmt.Errorf("parse chunk size %q: %w", c.Size, err)
	}

	bufSize := int(size)
	if bufSize > maxBufSize {
		bufSize = maxBufSize
	}
	buf := bytes.Repeat([]byte{byte(c.Pattern)}, bufSize)

	remaining := int64(size)
	for remaining > 0 {
		toWrite := int64(len(buf))
		if remaining < toWrite {
			toWrite = remaining
		}
		if _, err := f.Write(buf[:toWrite]); err != nil {
			return err
		}
		remaining -= toWrite
	}
	return nil
}

func sowSymlink(root string, sym Symlink) error {
	linkPath := filepath.Join(root, sym.Path)
	if err := os.MkdirAll(filepath.Dir(linkPath), 0o755); err != nil {
		return err
	}
	if err := os.Symlink(sym.Target, linkPath); err != nil {
		return fmt.Errorf("symlink %s -> %s: %w", linkPath, sym.Target, err)
	}
	return nil
}

// chunkBytes materializes the expected content of a Chunk slice, used by
// Assert/AssertMemFS to compare against what a codec round-trip
// actually produced.
func chunkBytes(chunks []Chunk) ([]byte, error) {
	var buf bytes.Buffer
	for _, c := range chunks {
		size, err := humanize.ParseBytes(c.Size)
		if err != nil {
			return nil, fmt.Errorf("parse chunk size %q: %w", c.Size, err)
		}
		buf.Write(bytes.Repeat([]byte{byte(c.Pattern)}, int(size)))
	}
	return buf.Bytes(), nil
}
