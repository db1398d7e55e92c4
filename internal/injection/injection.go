// Package injection interprets the declarative mutation DSL (spec.md
// §4.3, §6) against a memfs.MemFS between a pipeline stage's decode and
// encode steps.
package injection

// Kind identifies one of the eight injection variants.
type Kind string

const (
	KindMove     Kind = "move"
	KindCopy     Kind = "copy"
	KindSymlink  Kind = "symlink"
	KindTouch    Kind = "touch"
	KindDelete   Kind = "delete"
	KindCreate   Kind = "create"
	KindHostFile Kind = "host_file"
	KindHostDir  Kind = "host_dir"
)

// Injection is one tagged mutation record. Only the fields relevant to
// Kind are populated; this mirrors memfs.Node's closed-variant shape and
// peckish.yaml's `injections.<label>` shape (spec.md §6).
type Injection struct {
	Kind Kind

	Src  string // move, copy, symlink, host_file, host_dir
	Dest string // move, copy, symlink, host_file, host_dir

	Path string // touch, delete, create

	Content string // create: literal UTF-8 content
}
