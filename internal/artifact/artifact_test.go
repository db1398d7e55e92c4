package artifact

import (
	"testing"

	"github.com/queer/peckish/internal/memfs"
	"github.com/queer/peckish/internal/types"
)

const testFormat types.FormatTag = "test-format"

func registerTestFormat(t *testing.T) {
	t.Helper()
	decode := func(store *memfs.Store, loc Locator, opts Options) (*memfs.MemFS, types.Metadata, error) {
		return memfs.New(), types.Metadata{Name: "decoded"}, nil
	}
	encode := func(store *memfs.Store, fs *memfs.MemFS, loc Locator, meta types.Metadata, opts Options) (*Artifact, error) {
		return &Artifact{Name: meta.Name, Format: testFormat, Locator: loc}, nil
	}
	Register(testFormat, decode, encode, Capabilities{SupportsOwnership: true})
	t.Cleanup(func() { delete(registry, testFormat) })
}

func TestRegisterAndDecode(t *testing.T) {
	registerTestFormat(t)

	fs, meta, err := Decode(testFormat, nil, Locator{Path: "/in"}, Options{})
	if err != nil {
		t.Fatalf("Decode = %v", err)
	}
	if fs == nil {
		t.Fatal("Decode returned nil MemFS")
	}
	if meta.Name != "decoded" {
		t.Errorf("meta.Name = %q, want %q", meta.Name, "decoded")
	}
}

func TestRegisterAndEncode(t *testing.T) {
	registerTestFormat(t)

	art, err := Encode(testFormat, nil, memfs.New(), Locator{Path: "/out"}, types.Metadata{Name: "pkg"}, Options{})
	if err != nil {
		t.Fatalf("Encode = %v", err)
	}
	if art.Name != "pkg" || art.Format != testFormat {
		t.Errorf("Encode artifact = %+v", art)
	}
}

func TestDecodeUnregisteredFormat(t *testing.T) {
	if _, _, err := Decode("nonexistent", nil, Locator{}, Options{}); err == nil {
		t.Fatal("Decode of unregistered format should error")
	}
}

func TestEncodeUnregisteredFormat(t *testing.T) {
	if _, err := Encode("nonexistent", nil, memfs.New(), Locator{}, types.Metadata{}, Options{}); err == nil {
		t.Fatal("Encode of unregistered format should error")
	}
}

func TestCapabilitiesForUnregisteredIsZeroValue(t *testing.T) {
	caps := CapabilitiesFor("nonexistent")
	if caps.SupportsOwnership || caps.SupportsXattrs || caps.SupportsHardlinks || caps.SupportsDeviceNodes {
		t.Errorf("unregistered capabilities should be all false, got %+v", caps)
	}
}

func TestRegisterPanicsOnDuplicate(t *testing.T) {
	registerTestFormat(t)
	defer func() {
		if recover() == nil {
			t.Fatal("Register should panic on duplicate format tag")
		}
	}()
	Register(testFormat, nil, nil, Capabilities{})
}

func TestRegistered(t *testing.T) {
	if Registered(testFormat) {
		t.Fatal("testFormat should not be registered yet")
	}
	registerTestFormat(t)
	if !Registered(testFormat) {
		t.Fatal("testFormat should be registered")
	}
}
