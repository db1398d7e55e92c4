// Package types provides shared value types used across the peckish codebase.
package types

import (
	"fmt"
	"strings"
)

// Metadata is the cross-format package descriptor shared by deb, arch,
// rpm, and docker producers. The deb, arch and rpm codecs translate it
// into their native fields (control file, PKGINFO, RPM tags); the
// docker codec uses only its Name, and writes no image labels.
type Metadata struct {
	Name        string
	Version     string // typically SEMVER-REV, e.g. "0.0.7-1"
	Description string
	Author      string
	Arch        string
	License     string
}

// Validate checks the fields required by every producer.
func (m Metadata) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("metadata: name is required")
	}
	if m.Version == "" {
		return fmt.Errorf("metadata: version is required")
	}
	return nil
}

// SplitVersion splits a "SEMVER-REV" version string into its upstream
// version and release components. If there is no trailing "-REV", the
// release is "1", matching the common convention for a first packaging
// of a given upstream version.
func SplitVersion(version string) (upstream, release string) {
	idx := strings.LastIndex(version, "-")
	if idx < 0 {
		return version, "1"
	}
	return version[:idx], version[idx+1:]
}

// archAlias is one recognized spelling of a CPU architecture, keyed by
// the canonical (uname-style) name it maps to.
type archAlias struct {
	canonical string
	deb       string
	arch      string
	rpm       string
}

// knownArches lists the architectures this module has an opinion about
// translating. Anything else passes through unchanged (identity
// mapping), per spec.md §9's Open Question on architectures not
// explicitly covered by {deb, arch, rpm}.
var knownArches = []archAlias{
	{canonical: "x86_64", deb: "amd64", arch: "x86_64", rpm: "x86_64"},
	{canonical: "aarch64", deb: "arm64", arch: "aarch64", rpm: "aarch64"},
	{canonical: "armv7h", deb: "armhf", arch: "armv7h", rpm: "armv7hl"},
	{canonical: "i686", deb: "i386", arch: "i686", rpm: "i686"},
}

// FormatTag identifies a supported artifact/producer format.
type FormatTag string

const (
	FormatFileTree FormatTag = "file"
	FormatTar      FormatTag = "tarball"
	FormatDeb      FormatTag = "deb"
	FormatArch     FormatTag = "arch"
	FormatRPM      FormatTag = "rpm"
	FormatDocker   FormatTag = "docker"
	FormatOCI      FormatTag = "oci"
	FormatExt4     FormatTag = "ext4"
)

// TranslateArch converts an architecture name into the spelling a given
// target format expects. Any input not found in knownArches, and any
// format outside {deb, arch, rpm}, is returned unchanged (identity
// mapping), which is the documented default for Open Questions in
// spec.md §9.
func TranslateArch(arch string, target FormatTag) string {
	for _, a := range knownArches {
		switch arch {
		case a.canonical, a.deb, a.arch, a.rpm:
			switch target {
			case FormatDeb:
				return a.deb
			case FormatArch:
				return a.arch
			case FormatRPM:
				return a.rpm
			default:
				return arch
			}
		}
	}
	return arch
}

// CanonicalArch returns the uname-style canonical spelling for arch, if
// known, otherwise arch unchanged.
func CanonicalArch(arch string) string {
	for _, a := range knownArches {
		if arch == a.deb || arch == a.arch || arch == a.rpm || arch == a.canonical {
			return a.canonical
		}
	}
	return arch
}
