// Package rpm implements the RPM codec: lead + signature header + main
// header + compressed cpio payload (spec.md §4.2, "rpm codec").
package rpm

import (
	"bytes"
	"fmt"
	"os"

	"github.com/cavaliercoder/go-cpio"
	"github.com/sassoftware/go-rpmutils"

	"github.com/queer/peckish/internal/artifact"
	"github.com/queer/peckish/internal/compression"
	"github.com/queer/peckish/internal/memfs"
	"github.com/queer/peckish/internal/types"
)

func init() {
	artifact.Register(types.FormatRPM, decode, encode, artifact.Capabilities{
		SupportsOwnership:   false, // payload carries only FILEUSERNAME/FILEGROUPNAME strings
		SupportsXattrs:      false,
		SupportsHardlinks:   true,
		SupportsDeviceNodes: true,
	})
}

// decode uses go-rpmutils for the lead/signature/header parse — its
// strongest and best-exercised surface (SPEC_FULL.md §3, "RPM header
// tag vocabulary + decode") — then reads the remaining stream, a
// compressed cpio payload, itself.
func decode(store *memfs.Store, loc artifact.Locator, opts artifact.Options) (*memfs.MemFS, types.Metadata, error) {
	if loc.Path == "" {
		return nil, types.Metadata{}, fmt.Errorf("rpm: decode requires a path")
	}
	f, err := os.Open(loc.Path)
	if err != nil {
		return nil, types.Metadata{}, fmt.Errorf("rpm: %w", err)
	}
	defer f.Close()

	hdr, err := rpmutils.ReadHeader(f)
	if err != nil {
		return nil, types.Metadata{}, fmt.Errorf("rpm: reading header: %w", err)
	}

	meta := metadataFromHeader(hdr)

	dr, err := compression.DecompressingReader(f)
	if err != nil {
		return nil, types.Metadata{}, fmt.Errorf("rpm: payload: %w", err)
	}

	fs := memfs.New()
	if err := unpackPayload(store, fs, cpio.NewReader(dr)); err != nil {
		return nil, types.Metadata{}, fmt.Errorf("rpm: payload: %w", err)
	}
	return fs, meta, nil
}

func metadataFromHeader(hdr *rpmutils.RpmHeader) types.Metadata {
	name, _ := hdr.GetString(rpmutils.NAME)
	version, _ := hdr.GetString(rpmutils.VERSION)
	release, _ := hdr.GetString(rpmutils.RELEASE)
	summary, _ := hdr.GetString(rpmutils.SUMMARY)
	license, _ := hdr.GetString(rpmutils.LICENSE)
	arch, _ := hdr.GetString(rpmutils.ARCH)

	ver := version
	if release != "" {
		ver += "-" + release
	}
	return types.Metadata{
		Name: name, Version: ver, Description: summary,
		Arch: types.CanonicalArch(arch), License: license,
	}
}

// encode hand-builds the header section (header.go's rationale) and
// drives cavaliercoder/go-cpio for the payload (SPEC_FULL.md §3,
// "cpio newc payload for RPM").
func encode(store *memfs.Store, fs *memfs.MemFS, loc artifact.Locator, meta types.Metadata, opts artifact.Options) (*artifact.Artifact, error) {
	if loc.Path == "" {
		return nil, fmt.Errorf("rpm: encode requires a path")
	}

	payloadBuf := &bytes.Buffer{}
	cw, closer, err := compression.ForFormat(payloadBuf, "gzip")
	if err != nil {
		return nil, fmt.Errorf("rpm: %w", err)
	}
	writer := cpio.NewWriter(cw)
	records, err := packPayload(fs, writer)
	if err != nil {
		return nil, fmt.Errorf("rpm: payload: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("rpm: payload: %w", err)
	}
	if err := closer.Close(); err != nil {
		return nil, fmt.Errorf("rpm: payload: %w", err)
	}

	hb := &headerBuilder{}
	populateHeader(hb, meta, records)

	out, err := os.Create(loc.Path)
	if err != nil {
		return nil, fmt.Errorf("rpm: %w", err)
	}
	defer out.Close()

	if _, err := out.Write(buildLead(meta.Name)); err != nil {
		return nil, fmt.Errorf("rpm: %w", err)
	}
	sigHeader := padTo8((&headerBuilder{}).build())
	if _, err := out.Write(sigHeader); err != nil {
		return nil, fmt.Errorf("rpm: %w", err)
	}
	if _, err := out.Write(hb.build()); err != nil {
		return nil, fmt.Errorf("rpm: %w", err)
	}
	if _, err := out.Write(payloadBuf.Bytes()); err != nil {
		return nil, fmt.Errorf("rpm: %w", err)
	}

	return &artifact.Artifact{Name: meta.Name, Format: types.FormatRPM, Locator: loc}, nil
}

func populateHeader(hb *headerBuilder, meta types.Metadata, records []fileRecord) {
	upstream, release := types.SplitVersion(meta.Version)

	hb.addString(tagName, meta.Name)
	hb.addString(tagVersion, upstream)
	hb.addString(tagRelease, release)
	hb.addString(tagSummary, meta.Description)
	hb.addString(tagDescription, meta.Description)
	hb.addString(tagLicense, meta.License)
	hb.addString(tagOS, "linux")
	hb.addString(tagArch, types.TranslateArch(meta.Arch, types.FormatRPM))
	hb.addString(tagPayloadFormat, "cpio")
	hb.addString(tagPayloadCompressor, "gzip")
	if meta.Author != "" {
		hb.addString(tagPackager, meta.Author)
	}

	baseNames := make([]string, len(records))
	dirIndexes := make([]int32, len(records))
	sizes := make([]int32, len(records))
	modes := make([]int16, len(records))
	md5s := make([]string, len(records))
	linkTos := make([]string, len(records))
	flags := make([]int32, len(records))
	usernames := make([]string, len(records))
	groups := make([]string, len(records))
	mtimes := make([]int32, len(records))

	for i, r := range records {
		baseNames[i] = r.baseName
		dirIndexes[i] = r.dirIndex
		sizes[i] = r.size
		modes[i] = r.mode
		md5s[i] = r.md5sum
		linkTos[i] = r.linkTo
		usernames[i] = r.username
		groups[i] = r.group
		mtimes[i] = r.mtime
	}

	hb.addStringArray(tagBaseNames, baseNames)
	hb.addStringArray(tagDirNames, dedupOrdered(records))
	hb.addInt32Array(tagDirIndexes, dirIndexes)
	hb.addInt32Array(tagFileSizes, sizes)
	hb.addInt16Array(tagFileModes, modes)
	hb.addStringArray(tagFileMD5s, md5s)
	hb.addStringArray(tagFileLinkTos, linkTos)
	hb.addInt32Array(tagFileFlags, flags)
	hb.addStringArray(tagFileUserName, usernames)
	hb.addStringArray(tagFileGroupName, groups)
	hb.addInt32Array(tagFileMtimes, mtimes)
}

// dedupOrdered returns each record's dirName, deduplicated in first-seen
// order, matching DIRINDEXES' expectation that DIRNAMES has exactly one
// entry per distinct directory.
func dedupOrdered(records []fileRecord) []string {
	var out []string
	seen := map[string]bool{}
	for _, r := range records {
		if !seen[r.dirName] {
			seen[r.dirName] = true
			out = append(out, r.dirName)
		}
	}
	return out
}
