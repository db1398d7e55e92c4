// Package config parses and validates peckish.yaml (spec.md §6): chain
// mode, shared package metadata, one input and an ordered list of
// outputs, and a named injection registry producers reference by label.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/queer/peckish/internal/artifact"
	"github.com/queer/peckish/internal/injection"
	"github.com/queer/peckish/internal/types"
)

// Error taxonomy, matched with errors.Is the way the teacher
// distinguishes syscall errno values in internal/deduper/links.go.
var (
	// ErrConfig covers malformed YAML, unknown format tags, missing
	// injection labels, and invalid metadata — anything caught before
	// any I/O happens (spec.md §7).
	ErrConfig = errors.New("config: invalid configuration")

	// ErrInputNotFound is returned when the declared input cannot be
	// resolved; the pipeline treats this as fatal (spec.md §7).
	ErrInputNotFound = errors.New("config: input not found")
)

// InjectionSpec is one labeled entry under the top-level `injections`
// map (spec.md §6).
type InjectionSpec struct {
	Type    injection.Kind `yaml:"type"`
	Src     string         `yaml:"src,omitempty"`
	Dest    string         `yaml:"dest,omitempty"`
	Path    string         `yaml:"path,omitempty"`
	Content string         `yaml:"content,omitempty"`
}

// ArtifactSpec is the YAML shape shared by `input` and entries of
// `output`. Like memfs.Node and artifact.Options, only the fields
// relevant to Type are meaningful for a given entry; unmarshaling
// doesn't distinguish them structurally since YAML has no closed sum
// type, but every consumer in this package switches on Type.
type ArtifactSpec struct {
	Name string          `yaml:"name"`
	Type types.FormatTag `yaml:"type"`

	// locator
	Path  string `yaml:"path,omitempty"`
	Image string `yaml:"image,omitempty"`

	// file-tree
	Paths                    []string `yaml:"paths,omitempty"`
	StripPathPrefixes        []string `yaml:"strip_path_prefixes,omitempty"`
	PreserveEmptyDirectories bool     `yaml:"preserve_empty_directories,omitempty"`

	// deb
	Prerm    string   `yaml:"prerm,omitempty"`
	Postinst string   `yaml:"postinst,omitempty"`
	Depends  []string `yaml:"depends,omitempty"`

	// docker
	BaseImage  string            `yaml:"base_image,omitempty"`
	Entrypoint []string          `yaml:"entrypoint,omitempty"`
	Cmd        []string          `yaml:"cmd,omitempty"`
	Env        map[string]string `yaml:"env,omitempty"`
	WorkingDir string            `yaml:"working_dir,omitempty"`

	// ext4
	Size string `yaml:"size,omitempty"`

	// output only: labels resolved against the top-level Injections map
	Injections []string `yaml:"injections,omitempty"`
}

// Config is the parsed form of peckish.yaml.
type Config struct {
	Chain     bool                     `yaml:"chain"`
	Pipeline  *bool                    `yaml:"pipeline"` // deprecated alias for Chain
	Metadata  types.Metadata           `yaml:"metadata"`
	Input     ArtifactSpec             `yaml:"input"`
	Output    []ArtifactSpec           `yaml:"output"`
	Injections map[string]InjectionSpec `yaml:"injections"`
}

// Load reads and parses the YAML file at path, then validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrInputNotFound, path)
		}
		return nil, fmt.Errorf("%w: reading %s: %v", ErrConfig, path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", ErrConfig, path, err)
	}
	if cfg.Pipeline != nil {
		cfg.Chain = *cfg.Pipeline
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the fields required before any I/O: metadata, the
// input's format tag, and that every output's injection labels resolve
// against the top-level registry.
func (c *Config) Validate() error {
	if err := c.Metadata.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if c.Input.Type == "" {
		return fmt.Errorf("%w: input.type is required", ErrConfig)
	}
	if !artifact.Registered(c.Input.Type) {
		return fmt.Errorf("%w: unknown input type %q", ErrConfig, c.Input.Type)
	}
	if len(c.Output) == 0 {
		return fmt.Errorf("%w: at least one output is required", ErrConfig)
	}
	for i, out := range c.Output {
		if out.Type == "" {
			return fmt.Errorf("%w: output[%d].type is required", ErrConfig, i)
		}
		if !artifact.Registered(out.Type) {
			return fmt.Errorf("%w: output[%d]: unknown type %q", ErrConfig, i, out.Type)
		}
		if _, err := c.ResolveInjections(out.Injections); err != nil {
			return fmt.Errorf("%w: output[%d] (%s): %v", ErrConfig, i, out.Name, err)
		}
	}
	return nil
}

// ResolveInjections looks up each label in order against the top-level
// injections registry and converts it to an injection.Injection.
func (c *Config) ResolveInjections(labels []string) ([]injection.Injection, error) {
	out := make([]injection.Injection, 0, len(labels))
	for _, label := range labels {
		spec, ok := c.Injections[label]
		if !ok {
			return nil, fmt.Errorf("%w: unknown injection label %q", ErrConfig, label)
		}
		out = append(out, injection.Injection{
			Kind:    spec.Type,
			Src:     spec.Src,
			Dest:    spec.Dest,
			Path:    spec.Path,
			Content: spec.Content,
		})
	}
	return out, nil
}

// Locator returns the artifact.Locator this spec describes.
func (s ArtifactSpec) Locator() artifact.Locator {
	path := s.Path
	if path == "" && len(s.Paths) == 1 {
		path = s.Paths[0]
	}
	return artifact.Locator{Path: path, Image: s.Image}
}

// DecodeOptions returns the artifact.Options this spec contributes to a
// Decode call (only the file-tree fields are meaningful there).
func (s ArtifactSpec) DecodeOptions() artifact.Options {
	return artifact.Options{
		StripPathPrefixes:        s.StripPathPrefixes,
		PreserveEmptyDirectories: s.PreserveEmptyDirectories,
	}
}

// EncodeOptions returns the artifact.Options this spec contributes to an
// Encode call, parsing the human-readable `size` field (e.g. "32 MiB")
// with go-humanize.
func (s ArtifactSpec) EncodeOptions() (artifact.Options, error) {
	opts := artifact.Options{
		PreserveEmptyDirectories: s.PreserveEmptyDirectories,
		Prerm:                    s.Prerm,
		Postinst:                 s.Postinst,
		Depends:                  s.Depends,
		BaseImage:                s.BaseImage,
		Entrypoint:               s.Entrypoint,
		Cmd:                      s.Cmd,
		Env:                      s.Env,
		WorkingDir:               s.WorkingDir,
		Image:                    s.Image,
	}
	if s.Size != "" {
		size, err := humanize.ParseBytes(s.Size)
		if err != nil {
			return opts, fmt.Errorf("%w: invalid size %q: %v", ErrConfig, s.Size, err)
		}
		opts.Size = int64(size)
	}
	return opts, nil
}
