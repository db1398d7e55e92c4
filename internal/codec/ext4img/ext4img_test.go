package ext4img

import (
	"bytes"
	"io"
	"io/fs"
	"os"
	"testing"
	"time"

	"github.com/diskfs/go-diskfs/filesystem"

	"github.com/queer/peckish/internal/memfs"
)

// fakeFS is a minimal in-memory filesystem.FileSystem, letting
// writeFrom/walkInto be exercised without formatting a real disk image
// (SPEC_FULL.md §6, "structure-level tests against in-memory fixtures
// rather than requiring real daemons/devices").
type fakeFS struct {
	dirs  map[string]bool
	files map[string][]byte
	label string
}

func newFakeFS() *fakeFS {
	return &fakeFS{dirs: map[string]bool{"/": true}, files: map[string][]byte{}}
}

func (f *fakeFS) Type() filesystem.Type { return filesystem.TypeExt4 }
func (f *fakeFS) Label() string         { return f.label }
func (f *fakeFS) SetLabel(l string) error {
	f.label = l
	return nil
}

func (f *fakeFS) Mkdir(p string) error {
	f.dirs[p] = true
	return nil
}

func (f *fakeFS) ReadDir(p string) ([]fs.FileInfo, error) {
	var out []fs.FileInfo
	for name := range f.dirs {
		if name != p && parentOf(name) == p {
			out = append(out, fakeFileInfo{name: base(name), dir: true})
		}
	}
	for name := range f.files {
		if parentOf(name) == p {
			out = append(out, fakeFileInfo{name: base(name), size: int64(len(f.files[name]))})
		}
	}
	return out, nil
}

func (f *fakeFS) OpenFile(p string, flag int) (filesystem.File, error) {
	if flag&os.O_CREATE != 0 {
		f.files[p] = nil
	}
	data, ok := f.files[p]
	if !ok {
		return nil, fs.ErrNotExist
	}
	return &fakeFile{fs: f, path: p, buf: bytes.NewBuffer(append([]byte{}, data...))}, nil
}

type fakeFile struct {
	fs   *fakeFS
	path string
	buf  *bytes.Buffer
}

func (fl *fakeFile) Read(p []byte) (int, error)  { return fl.buf.Read(p) }
func (fl *fakeFile) Write(p []byte) (int, error) { return fl.buf.Write(p) }
func (fl *fakeFile) Close() error {
	fl.fs.files[fl.path] = fl.buf.Bytes()
	return nil
}
func (fl *fakeFile) Seek(offset int64, whence int) (int64, error) { return 0, nil }

type fakeFileInfo struct {
	name string
	size int64
	dir  bool
}

func (i fakeFileInfo) Name() string       { return i.name }
func (i fakeFileInfo) Size() int64        { return i.size }
func (i fakeFileInfo) Mode() fs.FileMode  { return 0o644 }
func (i fakeFileInfo) ModTime() time.Time { return time.Unix(0, 0) }
func (i fakeFileInfo) IsDir() bool        { return i.dir }
func (i fakeFileInfo) Sys() any           { return nil }

func parentOf(p string) string {
	if p == "/" {
		return ""
	}
	idx := len(p) - 1
	for idx > 0 && p[idx] != '/' {
		idx--
	}
	if idx == 0 {
		return "/"
	}
	return p[:idx]
}

func base(p string) string {
	idx := len(p) - 1
	for idx > 0 && p[idx-1] != '/' {
		idx--
	}
	return p[idx:]
}

func TestWriteFromCopiesFilesAndDirs(t *testing.T) {
	tree := memfs.New()
	c := memfs.NewBytesContent([]byte("hello"))
	if err := tree.Insert("/etc/motd", memfs.NewFile(c, 0o644, 0, 0, time.Unix(0, 0))); err != nil {
		t.Fatalf("Insert = %v", err)
	}

	target := newFakeFS()
	if err := writeFrom(tree, target); err != nil {
		t.Fatalf("writeFrom = %v", err)
	}

	if !target.dirs["/etc"] {
		t.Errorf("expected /etc directory to be created")
	}
	got, ok := target.files["/etc/motd"]
	if !ok {
		t.Fatalf("expected /etc/motd to be written")
	}
	if string(got) != "hello" {
		t.Errorf("content = %q, want %q", got, "hello")
	}
}

func TestWriteFromSkipsSymlinks(t *testing.T) {
	tree := memfs.New()
	if err := tree.Insert("/link", memfs.NewSymlink("/etc/motd", 0, 0, time.Unix(0, 0))); err != nil {
		t.Fatalf("Insert = %v", err)
	}

	target := newFakeFS()
	if err := writeFrom(tree, target); err != nil {
		t.Fatalf("writeFrom = %v", err)
	}
	if _, ok := target.files["/link"]; ok {
		t.Errorf("expected symlink to be skipped, not written as a file")
	}
}

func TestWalkIntoReadsBackFiles(t *testing.T) {
	store, err := memfs.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore = %v", err)
	}
	defer store.Close()

	source := newFakeFS()
	source.dirs["/data"] = true
	source.files["/data/a.txt"] = []byte("contents")

	tree := memfs.New()
	if err := walkInto(store, tree, source, "/"); err != nil {
		t.Fatalf("walkInto = %v", err)
	}

	n, err := tree.Lookup("/data/a.txt")
	if err != nil {
		t.Fatalf("Lookup = %v", err)
	}
	r, err := n.Content.Open()
	if err != nil {
		t.Fatalf("Open = %v", err)
	}
	defer r.Close()
	got, _ := io.ReadAll(r)
	if string(got) != "contents" {
		t.Errorf("content = %q, want %q", got, "contents")
	}
}
