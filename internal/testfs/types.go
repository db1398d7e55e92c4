// Package testfs provides test infrastructure for building and asserting
// filesystem trees, grounded on the teacher's declarative "describe a
// tree, build it, assert it" FileTree harness (internal/testfs in
// dupedog). There it asserted hardlink identity for deduplication; here
// it asserts that a codec round-trip (host dir -> MemFS -> artifact ->
// MemFS -> host dir) preserves content, symlinks, and hardlink sharing.
package testfs

// Tree describes a filesystem subtree used as both a setup fixture (via
// SowTree) and an expectation (via Assert/AssertMemFS).
type Tree struct {
	Files    []File
	Symlinks []Symlink
}

// File defines a regular file, possibly with hardlinks.
//
// In a setup Tree, Path[0] is written with Chunks' content and Path[1:]
// are hardlinked to it. In an expectation Tree, every path must exist
// with content matching Chunks (when set), and paths within one File
// entry must share identity (same inode on a host dir, same resolved
// node in a MemFS) while different entries must not.
type File struct {
	Path   []string
	Chunks []Chunk
}

// Chunk fills a content region with a pattern byte, the same
// constant-fill-by-IEC-size content model the teacher used to make
// duplicate detection deterministic; here it makes codec round-trip
// content assertions deterministic instead.
type Chunk struct {
	Pattern rune
	Size    string // IEC units: "1KiB", "1MiB"
}

// Symlink defines a symbolic link, relative to the tree root.
type Symlink struct {
	Path   string
	Target string
}
