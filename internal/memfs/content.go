package memfs

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Content is a handle to a File node's bytes. It never holds the bytes
// inline on the Node itself; implementations either keep small content
// in memory (bytesContent, used by synthesized control files and the
// `create` injection) or stream it from a staging directory on disk
// (fileContent, used by anything a reader unpacked from a real
// artifact). Both satisfy the same interface so encoders never need to
// know which backing a given node uses.
type Content interface {
	// Open returns a fresh reader positioned at byte 0. Callers must
	// close it.
	Open() (io.ReadCloser, error)
	// Size returns the content length in bytes.
	Size() int64
}

// bytesContent is an in-memory content handle for small, synthesized
// payloads (control files, PKGINFO, literal injection content).
type bytesContent struct {
	data []byte
}

// NewBytesContent wraps a literal byte slice as Content.
func NewBytesContent(data []byte) Content {
	return &bytesContent{data: data}
}

func (c *bytesContent) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(c.data)), nil
}

func (c *bytesContent) Size() int64 { return int64(len(c.data)) }

// fileContent streams from a file staged on disk under a Store's
// directory. It is never loaded fully into RAM, keeping memory bounded
// when repackaging multi-gigabyte images (spec.md §9, "Large file
// content").
type fileContent struct {
	path string
	size int64
}

func (c *fileContent) Open() (io.ReadCloser, error) {
	return os.Open(c.path)
}

func (c *fileContent) Size() int64 { return c.size }

// Store is a scoped on-disk staging backend for one pipeline run. Every
// fileContent handle produced by a decoder lives under the Store's
// directory; Close removes the whole tree at once. Stores are
// namespaced per run (spec.md §5, "Shared resources") so concurrent
// pipeline invocations never collide.
type Store struct {
	dir string
}

// NewStore creates a staging directory under baseDir (or the default
// temp directory if baseDir is empty), uniquely named per run.
func NewStore(baseDir string) (*Store, error) {
	name := "peckish-" + uuid.NewString()
	dir := filepath.Join(baseDir, name)
	if baseDir == "" {
		var err error
		dir, err = os.MkdirTemp("", "peckish-*")
		if err != nil {
			return nil, fmt.Errorf("create staging dir: %w", err)
		}
		return &Store{dir: dir}, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Close removes the staging directory and everything under it.
func (s *Store) Close() error {
	if s == nil || s.dir == "" {
		return nil
	}
	return os.RemoveAll(s.dir)
}

// Dir returns the staging directory path.
func (s *Store) Dir() string { return s.dir }

// StageReader copies r into a new file under the staging directory and
// returns a Content handle for it. Used by readers (tar, deb, arch,
// rpm, docker, oci, ext4 decode) to materialize archive members without
// holding their bytes in process memory.
func (s *Store) StageReader(r io.Reader) (Content, error) {
	f, err := os.CreateTemp(s.dir, "blob-*")
	if err != nil {
		return nil, fmt.Errorf("stage content: %w", err)
	}
	defer func() { _ = f.Close() }()

	n, err := io.Copy(f, r)
	if err != nil {
		return nil, fmt.Errorf("stage content: %w", err)
	}
	return &fileContent{path: f.Name(), size: n}, nil
}

// StageFile copies an existing host file into the staging directory and
// returns a Content handle for the copy. Used by the file-tree codec so
// MemFS nodes never reference paths outside the staging area once
// decode completes.
func (s *Store) StageFile(hostPath string) (Content, error) {
	f, err := os.Open(hostPath)
	if err != nil {
		return nil, fmt.Errorf("stage file %s: %w", hostPath, err)
	}
	defer func() { _ = f.Close() }()
	return s.StageReader(f)
}
