// Package deb implements the .deb codec: an ar archive containing
// debian-binary, control.tar.*, and data.tar.* (spec.md §4.2, "deb
// codec").
package deb

import (
	"archive/tar"
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/blakesmith/ar"

	"github.com/queer/peckish/internal/artifact"
	"github.com/queer/peckish/internal/compression"
	"github.com/queer/peckish/internal/memfs"
	"github.com/queer/peckish/internal/tarstream"
	"github.com/queer/peckish/internal/types"
)

func init() {
	artifact.Register(types.FormatDeb, decode, encode, artifact.Capabilities{
		SupportsOwnership:   true,
		SupportsXattrs:      false,
		SupportsHardlinks:   true,
		SupportsDeviceNodes: true,
	})
}

// scriptsDir is a pseudo-path maintainer scripts and conffiles recovered
// on decode are staged under, mirroring the real "DEBIAN/" convention
// dpkg-deb itself uses for a package's source tree (distinct from the
// data.tar payload, which never contains a top-level DEBIAN directory).
// Encode reads this convention back when the producer's Options don't
// supply a script explicitly.
const scriptsDir = "/DEBIAN"

var scriptNames = []string{"preinst", "postinst", "prerm", "postrm"}

func decode(store *memfs.Store, loc artifact.Locator, opts artifact.Options) (*memfs.MemFS, types.Metadata, error) {
	if loc.Path == "" {
		return nil, types.Metadata{}, fmt.Errorf("deb: decode requires a path")
	}
	f, err := os.Open(loc.Path)
	if err != nil {
		return nil, types.Metadata{}, fmt.Errorf("deb: %w", err)
	}
	defer f.Close()

	fs := memfs.New()
	var meta types.Metadata

	arR := ar.NewReader(f)
	for {
		hdr, err := arR.Next()
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, types.Metadata{}, fmt.Errorf("deb: reading ar header: %w", err)
		}
		name := strings.TrimRight(hdr.Name, "/")

		switch {
		case strings.HasPrefix(name, "control.tar"):
			if err := decodeControlMember(store, fs, &meta, arR); err != nil {
				return nil, types.Metadata{}, fmt.Errorf("deb: control: %w", err)
			}
		case strings.HasPrefix(name, "data.tar"):
			dr, err := compression.DecompressingReader(arR)
			if err != nil {
				return nil, types.Metadata{}, fmt.Errorf("deb: data: %w", err)
			}
			if err := tarstream.Unpack(store, fs, tar.NewReader(dr)); err != nil {
				return nil, types.Metadata{}, fmt.Errorf("deb: data: %w", err)
			}
		}
	}
	return fs, meta, nil
}

func decodeControlMember(store *memfs.Store, fs *memfs.MemFS, meta *types.Metadata, r io.Reader) error {
	dr, err := compression.DecompressingReader(r)
	if err != nil {
		return err
	}
	tr := tar.NewReader(dr)
	for {
		th, err := tr.Next()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if th.Typeflag != tar.TypeReg && th.Typeflag != tar.TypeRegA {
			continue
		}
		name := path.Base(th.Name)

		switch name {
		case "control":
			var buf bytes.Buffer
			if _, err := io.Copy(&buf, tr); err != nil {
				return err
			}
			*meta = metadataFromControl(parseControlFields(buf.String()))
		case "md5sums":
			// ignored on decode; encode recomputes from the live tree.
		case "conffiles", "preinst", "postinst", "prerm", "postrm", "config":
			content, err := store.StageReader(tr)
			if err != nil {
				return err
			}
			if err := fs.Replace(scriptsDir+"/"+name, memfs.NewFile(content, 0o755, 0, 0, th.ModTime)); err != nil {
				return err
			}
		}
	}
}

func encode(store *memfs.Store, fs *memfs.MemFS, loc artifact.Locator, meta types.Metadata, opts artifact.Options) (*artifact.Artifact, error) {
	if loc.Path == "" {
		return nil, fmt.Errorf("deb: encode requires a path")
	}

	sums, installedBytes, err := hashFiles(fs)
	if err != nil {
		return nil, fmt.Errorf("deb: %w", err)
	}
	installedKiB := (installedBytes + 1023) / 1024

	dataBuf := &bytes.Buffer{}
	if err := buildDataArchive(fs, dataBuf); err != nil {
		return nil, fmt.Errorf("deb: %w", err)
	}

	controlBuf := &bytes.Buffer{}
	if err := buildControlArchive(fs, controlBuf, meta, opts, sums, installedKiB); err != nil {
		return nil, fmt.Errorf("deb: %w", err)
	}

	out, err := os.Create(loc.Path)
	if err != nil {
		return nil, fmt.Errorf("deb: %w", err)
	}
	defer out.Close()

	aw := ar.NewWriter(out)
	if err := aw.WriteGlobalHeader(); err != nil {
		return nil, fmt.Errorf("deb: ar global header: %w", err)
	}
	if err := writeArMember(aw, "debian-binary", []byte("2.0\n")); err != nil {
		return nil, fmt.Errorf("deb: %w", err)
	}
	if err := writeArMember(aw, "control.tar.gz", controlBuf.Bytes()); err != nil {
		return nil, fmt.Errorf("deb: %w", err)
	}
	if err := writeArMember(aw, "data.tar.zst", dataBuf.Bytes()); err != nil {
		return nil, fmt.Errorf("deb: %w", err)
	}

	return &artifact.Artifact{Name: meta.Name, Format: types.FormatDeb, Locator: loc}, nil
}

func writeArMember(aw *ar.Writer, name string, data []byte) error {
	if err := aw.WriteHeader(&ar.Header{Name: name, Mode: 0o644, Size: int64(len(data))}); err != nil {
		return fmt.Errorf("writing %s header: %w", name, err)
	}
	if _, err := aw.Write(data); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	return nil
}

// isScriptPath reports whether p belongs to the DEBIAN pseudo-directory
// recovered scripts/conffiles are staged under, so data.tar never
// includes them.
func isScriptPath(p string) bool {
	return p == scriptsDir || strings.HasPrefix(p, scriptsDir+"/")
}

func buildDataArchive(fs *memfs.MemFS, w io.Writer) error {
	cw, closer, err := compression.CompressingWriter(w, "data.tar.zst")
	if err != nil {
		return err
	}
	tw := tar.NewWriter(cw)
	if err := tarstream.PackFiltered(fs, "/", tw, isScriptPath); err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return closer.Close()
}

func buildControlArchive(fs *memfs.MemFS, w io.Writer, meta types.Metadata, opts artifact.Options, sums map[string]string, installedKiB int64) error {
	cw, closer, err := compression.CompressingWriter(w, "control.tar.gz")
	if err != nil {
		return err
	}
	tw := tar.NewWriter(cw)

	writeEntry := func(name string, content []byte, mode int64) error {
		if err := tw.WriteHeader(&tar.Header{Name: "./" + name, Size: int64(len(content)), Mode: mode}); err != nil {
			return err
		}
		_, err := tw.Write(content)
		return err
	}

	if err := writeEntry("control", []byte(generateControlFile(meta, opts.Depends, installedKiB)), 0o644); err != nil {
		return fmt.Errorf("control: %w", err)
	}
	if err := writeEntry("md5sums", []byte(generateMd5sums(sums)), 0o644); err != nil {
		return fmt.Errorf("md5sums: %w", err)
	}

	scripts := map[string]string{"prerm": opts.Prerm, "postinst": opts.Postinst}
	for _, name := range scriptNames {
		body := scripts[name]
		if body == "" {
			body = recoveredScript(fs, name)
		}
		if body == "" {
			continue
		}
		if err := writeEntry(name, []byte(body), 0o755); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if conf := recoveredScript(fs, "conffiles"); conf != "" {
		if err := writeEntry("conffiles", []byte(conf), 0o644); err != nil {
			return fmt.Errorf("conffiles: %w", err)
		}
	}

	if err := tw.Close(); err != nil {
		return err
	}
	return closer.Close()
}

// recoveredScript reads a maintainer script or conffiles list staged
// under the DEBIAN pseudo-directory by a prior decode, or "" if absent.
func recoveredScript(fs *memfs.MemFS, name string) string {
	n, err := fs.Lookup(scriptsDir + "/" + name)
	if err != nil || n.Kind != memfs.KindFile {
		return ""
	}
	r, err := n.Content.Open()
	if err != nil {
		return ""
	}
	defer r.Close()
	b, err := io.ReadAll(r)
	if err != nil {
		return ""
	}
	return string(b)
}

// hashFiles computes the md5 digest of every regular file in fs
// (excluding the DEBIAN pseudo-directory) and the total installed size
// in bytes, for the control file's Installed-Size and md5sums members.
func hashFiles(fs *memfs.MemFS) (map[string]string, int64, error) {
	entries, err := fs.Walk("/")
	if err != nil {
		return nil, 0, err
	}
	sums := make(map[string]string)
	var total int64
	for _, e := range entries {
		if e.Node.Kind != memfs.KindFile || isScriptPath(e.Path) {
			continue
		}
		r, err := e.Node.Content.Open()
		if err != nil {
			return nil, 0, err
		}
		h := md5.New()
		n, err := io.Copy(h, r)
		r.Close()
		if err != nil {
			return nil, 0, err
		}
		sums[e.Path] = hex.EncodeToString(h.Sum(nil))
		total += n
	}
	return sums, total, nil
}
