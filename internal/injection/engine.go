package injection

import (
	"errors"
	"fmt"
	"time"

	"github.com/queer/peckish/internal/memfs"
)

// ErrHostReadsDisabled is returned by Apply when a host_file or host_dir
// injection is encountered and the engine was built with AllowHostReads
// false.
var ErrHostReadsDisabled = errors.New("injection: host_file/host_dir require AllowHostReads")

// Engine applies a list of Injection records to a memfs.MemFS, strictly
// in list order (spec.md §4.3, "Injections are applied strictly in list
// order; errors abort the stage"). It mirrors the teacher's stage
// pattern of a small struct wrapping the state a single pipeline run
// needs, rather than free functions with long parameter lists.
type Engine struct {
	store *memfs.Store

	// AllowHostReads gates host_file and host_dir, which read from the
	// machine running peckish rather than from the artifact under
	// conversion. Set by New's allowHostReads argument; the CLI passes
	// true.
	AllowHostReads bool
}

// New returns an Engine that stages host_file/host_dir content through
// store.
func New(store *memfs.Store, allowHostReads bool) *Engine {
	return &Engine{store: store, AllowHostReads: allowHostReads}
}

// Apply runs every injection against fs in order. It stops and returns
// the first error encountered, per spec.md §4.3; partially applied
// injections before the failing one are not rolled back.
func (e *Engine) Apply(fs *memfs.MemFS, injections []Injection) error {
	for i, inj := range injections {
		if err := e.apply(fs, inj); err != nil {
			return fmt.Errorf("injection %d (%s): %w", i, inj.Kind, err)
		}
	}
	return nil
}

func (e *Engine) apply(fs *memfs.MemFS, inj Injection) error {
	switch inj.Kind {
	case KindMove:
		return fs.Rename(inj.Src, inj.Dest)

	case KindCopy:
		return fs.Copy(inj.Src, inj.Dest)

	case KindSymlink:
		return fs.Replace(inj.Dest, memfs.NewSymlink(inj.Src, 0, 0, memfs.DefaultMTime(time.Time{})))

	case KindTouch:
		return e.touch(fs, inj.Path)

	case KindDelete:
		// Idempotent: deleting a path that doesn't exist is not an
		// error (spec.md §4.3).
		err := fs.Remove(inj.Path, true)
		if errors.Is(err, memfs.ErrNotFound) {
			return nil
		}
		return err

	case KindCreate:
		content := memfs.NewBytesContent([]byte(inj.Content))
		return fs.Replace(inj.Path, memfs.NewFile(content, 0o644, 0, 0, memfs.DefaultMTime(time.Time{})))

	case KindHostFile:
		if !e.AllowHostReads {
			return ErrHostReadsDisabled
		}
		node, err := memfs.ImportHostFile(e.store, inj.Src)
		if err != nil {
			return err
		}
		return fs.Replace(inj.Dest, node)

	case KindHostDir:
		if !e.AllowHostReads {
			return ErrHostReadsDisabled
		}
		return memfs.ImportHostTree(e.store, inj.Src, fs, inj.Dest)

	default:
		return fmt.Errorf("unknown injection kind %q", inj.Kind)
	}
}

// touch creates an empty file at path if absent, or leaves existing
// content untouched while refreshing its mtime (spec.md §4.3, "touch ...
// is a content no-op against an existing file").
func (e *Engine) touch(fs *memfs.MemFS, path string) error {
	n, err := fs.Lookup(path)
	if errors.Is(err, memfs.ErrNotFound) {
		content := memfs.NewBytesContent(nil)
		return fs.Replace(path, memfs.NewFile(content, 0o644, 0, 0, memfs.DefaultMTime(time.Time{})))
	}
	if err != nil {
		return err
	}
	n.MTime = memfs.DefaultMTime(time.Now())
	return nil
}
