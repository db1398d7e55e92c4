// Package artifact defines the uniform decode/encode capability surface
// that hides format differences from the pipeline engine (spec.md §4.4):
// every format tag registers a decoder and an encoder under the same
// signature, so the pipeline never type-switches on format.
package artifact

import (
	"fmt"

	"github.com/queer/peckish/internal/cache"
	"github.com/queer/peckish/internal/injection"
	"github.com/queer/peckish/internal/memfs"
	"github.com/queer/peckish/internal/types"
)

// Locator is the format-specific address of an artifact: a host path for
// file-tree/tar/deb/arch/rpm/ext4, an image reference for docker/oci. An
// Artifact/Producer populates whichever field its format tag uses.
type Locator struct {
	Path  string
	Image string
}

// Artifact is metadata only — a name, a format tag, and a locator. It
// never owns file bytes directly; Decode materializes a MemFS on demand
// (spec.md §3).
type Artifact struct {
	Name   string
	Format types.FormatTag
	Locator
}

// Options carries every format-specific field a producer might set.
// Like memfs.Node, this is a closed tagged variant keyed by Format rather
// than an interface per format: only the fields relevant to the active
// Format tag are meaningful.
type Options struct {
	// file-tree
	StripPathPrefixes        []string
	PreserveEmptyDirectories bool

	// deb
	Prerm, Postinst string
	Depends         []string

	// docker / oci
	Image        string
	BaseImage    string
	Entrypoint   []string
	Cmd          []string
	Env          map[string]string
	WorkingDir   string
	ExposedPorts []string

	// ext4
	Size int64

	// Cache is the run-scoped blob cache docker/oci decoders consult to
	// avoid re-pulling/re-exporting the same image locator twice in one
	// run (e.g. when it backs more than one chained producer). Nil
	// disables caching; Engine sets it when a cache directory is
	// configured.
	Cache *cache.Cache
}

// Producer is a declarative specification of one output: name, format
// tag, destination locator, resolved injection list, format metadata,
// and format-specific Options (spec.md §3).
type Producer struct {
	Name       string
	Format     types.FormatTag
	Locator    Locator
	Metadata   types.Metadata
	Injections []injection.Injection
	Options    Options
}

// Capabilities documents which POSIX features a format can represent.
// It never blocks an encode: before encoding to a format that lacks any
// of these, the pipeline sends one non-fatal warning on its error
// channel, and the codec lowers the representation (spec.md §5,
// chain-mode capability loss).
type Capabilities struct {
	SupportsOwnership   bool
	SupportsXattrs      bool
	SupportsHardlinks   bool
	SupportsDeviceNodes bool
}

// DecodeFunc reads an artifact from its locator and populates a fresh
// MemFS, returning whatever metadata the format embeds (e.g. a deb
// control file, an arch .PKGINFO). store is the pipeline run's shared
// staging backend — decoders stage large content through it rather than
// holding bytes in memory, and never close it themselves: it is owned
// and closed by the pipeline once the whole run completes (spec.md §5,
// "Shared resources").
type DecodeFunc func(store *memfs.Store, loc Locator, opts Options) (*memfs.MemFS, types.Metadata, error)

// EncodeFunc writes fs out as an artifact at loc using metadata and the
// producer's format-specific options, returning a handle to what it
// wrote. store is the same run-scoped staging backend passed to Decode.
type EncodeFunc func(store *memfs.Store, fs *memfs.MemFS, loc Locator, meta types.Metadata, opts Options) (*Artifact, error)

// entry bundles one format tag's codec pair with its capability
// declaration.
type entry struct {
	decode DecodeFunc
	encode EncodeFunc
	caps   Capabilities
}

var registry = make(map[types.FormatTag]entry)

// Register binds decode/encode functions and a capability declaration to
// a format tag. Codec packages call this from an init() func, the same
// way database/sql drivers self-register — internal/artifact never
// imports a codec package directly, avoiding an import cycle between the
// registry and its codecs.
func Register(tag types.FormatTag, decode DecodeFunc, encode EncodeFunc, caps Capabilities) {
	if _, exists := registry[tag]; exists {
		panic(fmt.Sprintf("artifact: format %q already registered", tag))
	}
	registry[tag] = entry{decode: decode, encode: encode, caps: caps}
}

// Decode resolves tag's decoder and runs it.
func Decode(tag types.FormatTag, store *memfs.Store, loc Locator, opts Options) (*memfs.MemFS, types.Metadata, error) {
	e, ok := registry[tag]
	if !ok {
		return nil, types.Metadata{}, fmt.Errorf("artifact: unregistered format %q", tag)
	}
	return e.decode(store, loc, opts)
}

// Encode resolves tag's encoder and runs it.
func Encode(tag types.FormatTag, store *memfs.Store, fs *memfs.MemFS, loc Locator, meta types.Metadata, opts Options) (*Artifact, error) {
	e, ok := registry[tag]
	if !ok {
		return nil, fmt.Errorf("artifact: unregistered format %q", tag)
	}
	return e.encode(store, fs, loc, meta, opts)
}

// CapabilitiesFor returns tag's declared capability set, or the zero
// value (all false) if tag is unregistered.
func CapabilitiesFor(tag types.FormatTag) Capabilities {
	return registry[tag].caps
}

// Registered reports whether tag has a decoder/encoder pair registered.
func Registered(tag types.FormatTag) bool {
	_, ok := registry[tag]
	return ok
}
