package deb

import (
	"fmt"
	"sort"
	"strings"

	"github.com/queer/peckish/internal/types"
)

// parseControlFields splits an RFC 822-ish control file into its fields.
// A line starting with whitespace continues the previous field (used by
// Description's extended body); a lone "." on a continuation line marks
// a blank paragraph, per Debian policy's control-file format.
func parseControlFields(content string) map[string]string {
	fields := make(map[string]string)
	var curKey string
	for _, line := range strings.Split(content, "\n") {
		if line == "" {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			if curKey == "" {
				continue
			}
			cont := strings.TrimPrefix(strings.TrimPrefix(line, " "), "\t")
			if cont == "." {
				cont = ""
			}
			fields[curKey] += "\n" + cont
			continue
		}
		idx := strings.Index(line, ":")
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])
		fields[key] = val
		curKey = key
	}
	return fields
}

// metadataFromControl maps a parsed control file onto the cross-format
// Metadata shape (spec.md §3's "Package metadata").
func metadataFromControl(fields map[string]string) types.Metadata {
	return types.Metadata{
		Name:        fields["Package"],
		Version:     fields["Version"],
		Description: fields["Description"],
		Author:      fields["Maintainer"],
		Arch:        types.CanonicalArch(fields["Architecture"]),
		License:     fields["License"],
	}
}

// generateControlFile synthesizes a control file from meta, the
// producer's deb-specific options, and the installed size in KiB
// (spec.md §4.2's deb encode field list).
func generateControlFile(meta types.Metadata, depends []string, installedKiB int64) string {
	var b strings.Builder
	writeField := func(name, value string) {
		if value != "" {
			fmt.Fprintf(&b, "%s: %s\n", name, value)
		}
	}

	writeField("Package", meta.Name)
	writeField("Version", meta.Version)
	writeField("Architecture", types.TranslateArch(meta.Arch, types.FormatDeb))
	writeField("Maintainer", meta.Author)
	fmt.Fprintf(&b, "Installed-Size: %d\n", installedKiB)
	if len(depends) > 0 {
		writeField("Depends", strings.Join(depends, ", "))
	}
	writeField("License", meta.License)

	if meta.Description != "" {
		lines := strings.Split(meta.Description, "\n")
		writeField("Description", lines[0])
		for _, line := range lines[1:] {
			if strings.TrimSpace(line) == "" {
				b.WriteString(" .\n")
			} else if strings.HasPrefix(line, " ") {
				fmt.Fprintf(&b, "%s\n", line)
			} else {
				fmt.Fprintf(&b, " %s\n", line)
			}
		}
	}
	return b.String()
}

// generateMd5sums renders the md5sums control member: hex digest, two
// spaces, path relative to "/" (no leading slash), sorted by path
// (spec.md §4.2's "sorted" requirement).
func generateMd5sums(sums map[string]string) string {
	paths := make([]string, 0, len(sums))
	for p := range sums {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var b strings.Builder
	for _, p := range paths {
		fmt.Fprintf(&b, "%s  %s\n", sums[p], strings.TrimPrefix(p, "/"))
	}
	return b.String()
}
