package rpm

import (
	"bytes"
	"encoding/binary"
	"sort"
)

// Tag numbers follow the vocabulary github.com/sassoftware/go-rpmutils
// exposes as named constants (NAME, VERSION, ...); redeclared here as
// plain ints since the encode side builds its own header bytes rather
// than going through that library's (read-oriented) API.
const (
	tagName              = 1000
	tagVersion           = 1001
	tagRelease           = 1002
	tagSummary           = 1004
	tagDescription       = 1005
	tagOS                = 1021
	tagArch              = 1022
	tagPackager          = 1015
	tagLicense           = 1014
	tagBaseNames         = 1117
	tagDirIndexes        = 1116
	tagDirNames          = 1118
	tagPayloadFormat     = 1124
	tagPayloadCompressor = 1125
	tagFileSizes         = 1028
	tagFileModes         = 1030
	tagFileMD5s          = 1035
	tagFileLinkTos       = 1036
	tagFileFlags         = 1037
	tagFileUserName      = 1039
	tagFileGroupName     = 1040
	tagFileMtimes        = 1034
)

type tagType int32

const (
	typeInt16       tagType = 3
	typeInt32       tagType = 4
	typeString      tagType = 6
	typeStringArray tagType = 8
)

type headerEntry struct {
	tag   int32
	typ   tagType
	count int32
	data  []byte
}

// headerBuilder assembles an RPM header section's index + data store.
// RPM's header format is a short, fully documented binary layout
// (8-byte intro, 16-byte index entries, a trailing data blob); this is
// a direct hand-rolled implementation of that layout rather than a
// library, the same call made for deb's control file and arch's
// .PKGINFO: nothing in the pack exercises an RPM-writing library (only
// `go-rpmutils`, a reader, appears, per SPEC_FULL.md's own note that it
// covers "header tag vocabulary + decode").
type headerBuilder struct {
	entries []headerEntry
}

func (b *headerBuilder) addString(tag int32, v string) {
	b.entries = append(b.entries, headerEntry{tag: tag, typ: typeString, count: 1, data: append([]byte(v), 0)})
}

func (b *headerBuilder) addStringArray(tag int32, vs []string) {
	var buf bytes.Buffer
	for _, v := range vs {
		buf.WriteString(v)
		buf.WriteByte(0)
	}
	if len(vs) == 0 {
		return
	}
	b.entries = append(b.entries, headerEntry{tag: tag, typ: typeStringArray, count: int32(len(vs)), data: buf.Bytes()})
}

func (b *headerBuilder) addInt32Array(tag int32, vs []int32) {
	if len(vs) == 0 {
		return
	}
	buf := make([]byte, 4*len(vs))
	for i, v := range vs {
		binary.BigEndian.PutUint32(buf[i*4:], uint32(v))
	}
	b.entries = append(b.entries, headerEntry{tag: tag, typ: typeInt32, count: int32(len(vs)), data: buf})
}

func (b *headerBuilder) addInt16Array(tag int32, vs []int16) {
	if len(vs) == 0 {
		return
	}
	buf := make([]byte, 2*len(vs))
	for i, v := range vs {
		binary.BigEndian.PutUint16(buf[i*2:], uint16(v))
	}
	b.entries = append(b.entries, headerEntry{tag: tag, typ: typeInt16, count: int32(len(vs)), data: buf})
}

// build serializes the header: magic, reserved, index count, store
// size, one 16-byte index entry per field (sorted by tag, RPM's own
// convention), then the concatenated data store with each entry's
// offset aligned to its type's natural width.
func (b *headerBuilder) build() []byte {
	sort.Slice(b.entries, func(i, j int) bool { return b.entries[i].tag < b.entries[j].tag })

	type idx struct{ tag, typ, offset, count int32 }
	var idxs []idx
	var store bytes.Buffer
	for _, e := range b.entries {
		align := alignmentFor(e.typ)
		for store.Len()%align != 0 {
			store.WriteByte(0)
		}
		offset := int32(store.Len())
		store.Write(e.data)
		idxs = append(idxs, idx{tag: e.tag, typ: int32(e.typ), offset: offset, count: e.count})
	}

	var out bytes.Buffer
	out.Write([]byte{0x8e, 0xad, 0xe8, 0x01}) // header magic
	out.Write([]byte{0, 0, 0, 0})             // reserved
	binary.Write(&out, binary.BigEndian, int32(len(idxs)))
	binary.Write(&out, binary.BigEndian, int32(store.Len()))
	for _, e := range idxs {
		binary.Write(&out, binary.BigEndian, e.tag)
		binary.Write(&out, binary.BigEndian, e.typ)
		binary.Write(&out, binary.BigEndian, e.offset)
		binary.Write(&out, binary.BigEndian, e.count)
	}
	out.Write(store.Bytes())
	return out.Bytes()
}

func alignmentFor(t tagType) int {
	switch t {
	case typeInt16:
		return 2
	case typeInt32:
		return 4
	default:
		return 1
	}
}

// buildLead writes the 96-byte RPM lead preceding both headers. Modern
// rpm tools ignore most of its fields (the real package identity lives
// in the header tags) but still require a well-formed lead to open the
// file at all.
func buildLead(name string) []byte {
	lead := make([]byte, 96)
	binary.BigEndian.PutUint32(lead[0:4], 0xedabeedb)
	lead[4] = 3 // major version
	lead[5] = 0 // minor version
	binary.BigEndian.PutUint16(lead[6:8], 0)  // type: binary
	binary.BigEndian.PutUint16(lead[8:10], 1) // archnum: x86 family, placeholder
	n := copy(lead[10:76], name)
	_ = n
	binary.BigEndian.PutUint16(lead[76:78], 1) // osnum: Linux
	binary.BigEndian.PutUint16(lead[78:80], 5) // signature type: HEADERSIG
	return lead
}

// padTo8 returns p padded with zero bytes to the next 8-byte boundary,
// the alignment RPM requires between the signature header and the main
// header.
func padTo8(p []byte) []byte {
	for len(p)%8 != 0 {
		p = append(p, 0)
	}
	return p
}
