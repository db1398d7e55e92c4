package archpkg

import (
	"fmt"
	"strings"

	"github.com/queer/peckish/internal/types"
)

// parsePkginfo splits a .PKGINFO file's "key = value" lines into a map,
// skipping comments (lines starting with "#"), per spec.md §4.2's arch
// codec decode paragraph.
func parsePkginfo(content string) map[string]string {
	fields := make(map[string]string)
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)
		// Repeated keys (e.g. multiple "license ="): keep the first,
		// matching makepkg's own "first wins" convention for singleton
		// fields; this module has no multi-valued Metadata field to
		// fan them out into.
		if _, exists := fields[key]; !exists {
			fields[key] = val
		}
	}
	return fields
}

func metadataFromPkginfo(fields map[string]string) types.Metadata {
	version := fields["pkgver"]
	if rel := fields["pkgrel"]; rel != "" {
		version += "-" + rel
	}
	return types.Metadata{
		Name:        fields["pkgname"],
		Version:     version,
		Description: fields["pkgdesc"],
		Author:      fields["packager"],
		Arch:        types.CanonicalArch(fields["arch"]),
		License:     fields["license"],
	}
}

// generatePkginfo synthesizes a .PKGINFO file from meta and the total
// installed size in bytes (spec.md §4.2's arch encode field list).
func generatePkginfo(meta types.Metadata, sizeBytes int64) string {
	upstream, release := types.SplitVersion(meta.Version)

	var b strings.Builder
	writeField := func(key, value string) {
		if value != "" {
			fmt.Fprintf(&b, "%s = %s\n", key, value)
		}
	}
	writeField("pkgname", meta.Name)
	writeField("pkgver", upstream)
	writeField("pkgrel", release)
	writeField("pkgdesc", meta.Description)
	writeField("packager", meta.Author)
	writeField("arch", types.TranslateArch(meta.Arch, types.FormatArch))
	writeField("license", meta.License)
	fmt.Fprintf(&b, "size = %d\n", sizeBytes)
	return b.String()
}
