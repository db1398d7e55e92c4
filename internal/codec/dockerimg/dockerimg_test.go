package dockerimg

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	"testing"

	"github.com/queer/peckish/internal/artifact"
	"github.com/queer/peckish/internal/memfs"
	"github.com/queer/peckish/internal/tarstream"
)

func newTestStore(t *testing.T) *memfs.Store {
	t.Helper()
	store, err := memfs.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func writeLayer(t *testing.T, entries map[string]string) *tar.Reader {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, content := range entries {
		if err := tw.WriteHeader(&tar.Header{Name: name, Size: int64(len(content)), Mode: 0o644}); err != nil {
			t.Fatalf("WriteHeader(%q) = %v", name, err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatalf("Write(%q) = %v", name, err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("Close = %v", err)
	}
	return tar.NewReader(&buf)
}

func TestApplyLayerTarMergesFiles(t *testing.T) {
	store := newTestStore(t)
	fs := memfs.New()

	layer := writeLayer(t, map[string]string{"etc/motd": "hello\n"})
	if err := tarstream.MergeLayer(store, fs, layer); err != nil {
		t.Fatalf("MergeLayer = %v", err)
	}

	n, err := fs.Lookup("/etc/motd")
	if err != nil {
		t.Fatalf("Lookup(/etc/motd) = %v", err)
	}
	r, _ := n.Content.Open()
	b := make([]byte, 5)
	r.Read(b)
	r.Close()
	if string(b) != "hello" {
		t.Errorf("content = %q", b)
	}
}

func TestApplyLayerTarRemovesWhiteoutFile(t *testing.T) {
	store := newTestStore(t)
	fs := memfs.New()

	base := writeLayer(t, map[string]string{"var/log/app.log": "boot\n"})
	if err := tarstream.MergeLayer(store, fs, base); err != nil {
		t.Fatalf("base layer: %v", err)
	}

	del := writeLayer(t, map[string]string{"var/log/.wh.app.log": ""})
	if err := tarstream.MergeLayer(store, fs, del); err != nil {
		t.Fatalf("whiteout layer: %v", err)
	}

	if _, err := fs.Lookup("/var/log/app.log"); err == nil {
		t.Errorf("expected /var/log/app.log to be removed by whiteout")
	}
}

func TestApplyLayerTarOpaqueWhiteoutClearsDir(t *testing.T) {
	store := newTestStore(t)
	fs := memfs.New()

	base := writeLayer(t, map[string]string{
		"data/a.txt": "a",
		"data/b.txt": "b",
	})
	if err := tarstream.MergeLayer(store, fs, base); err != nil {
		t.Fatalf("base layer: %v", err)
	}

	opaque := writeLayer(t, map[string]string{
		"data/.wh..wh..opq": "",
		"data/c.txt":        "c",
	})
	if err := tarstream.MergeLayer(store, fs, opaque); err != nil {
		t.Fatalf("opaque layer: %v", err)
	}

	if _, err := fs.Lookup("/data/a.txt"); err == nil {
		t.Errorf("expected /data/a.txt to be cleared by opaque whiteout")
	}
	if _, err := fs.Lookup("/data/c.txt"); err != nil {
		t.Errorf("expected /data/c.txt to survive: %v", err)
	}
}

func TestBuildLoadTarProducesValidManifest(t *testing.T) {
	fs := memfs.New()
	layerTar, diffID, err := buildLayerTar(fs)
	if err != nil {
		t.Fatalf("buildLayerTar = %v", err)
	}
	name := newLayerEntryName(diffID)

	out, err := buildLoadTar("peckish/demo:latest", []byte(`{}`), []string{name}, map[string][]byte{name: layerTar})
	if err != nil {
		t.Fatalf("buildLoadTar = %v", err)
	}

	tr := tar.NewReader(bytes.NewReader(out))
	var names []string
	for {
		hdr, err := tr.Next()
		if err != nil {
			break
		}
		names = append(names, hdr.Name)
	}
	want := map[string]bool{"config.json": true, name: true, "manifest.json": true}
	if len(names) != len(want) {
		t.Fatalf("names = %v, want 3 entries", names)
	}
	for _, n := range names {
		if !want[n] {
			t.Errorf("unexpected member %q", n)
		}
	}
}

func TestMergeImageConfigPrefersOptsOverBase(t *testing.T) {
	base := imageConfig{}
	base.Config.Env = []string{"BASE=1"}
	base.Config.WorkingDir = "/base"

	merged := mergeImageConfig(base, artifact.Options{WorkingDir: "/app", Cmd: []string{"peckish"}})

	if merged.Config.WorkingDir != "/app" {
		t.Errorf("WorkingDir = %q, want /app", merged.Config.WorkingDir)
	}
	if len(merged.Config.Env) != 1 || merged.Config.Env[0] != "BASE=1" {
		t.Errorf("Env = %v, want base Env preserved", merged.Config.Env)
	}
	if len(merged.Config.Cmd) != 1 || merged.Config.Cmd[0] != "peckish" {
		t.Errorf("Cmd = %v, want [peckish]", merged.Config.Cmd)
	}
}

func TestNewLayerEntryNameAvoidsCollisionWithBaseLayerName(t *testing.T) {
	name := newLayerEntryName("sha256:deadbeef")
	if name == "layer.tar" {
		t.Errorf("newLayerEntryName produced a bare top-level name, want a content-derived directory")
	}
}

// buildSaveTar assembles a synthetic "docker save" archive with the
// given named layer members, standing in for a real ImageSave response
// so base-image merging can be tested without a daemon.
func buildSaveTar(t *testing.T, cfg imageConfig, layerNames []string, layerData map[string][]byte) []byte {
	t.Helper()
	cfgBytes, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	out, err := buildLoadTar("base:latest", cfgBytes, layerNames, layerData)
	if err != nil {
		t.Fatalf("buildLoadTar = %v", err)
	}
	return out
}

func TestFetchBaseLayersReturnsLayersInManifestOrder(t *testing.T) {
	base := imageConfig{}
	base.Config.Env = []string{"FROM_BASE=1"}
	layerData := map[string][]byte{
		"l1/layer.tar": []byte("layer one"),
		"l2/layer.tar": []byte("layer two"),
	}
	saveTar := buildSaveTar(t, base, []string{"l1/layer.tar", "l2/layer.tar"}, layerData)

	members, entry, cfg, err := parseSaveTar(bytes.NewReader(saveTar))
	if err != nil {
		t.Fatalf("parseSaveTar = %v", err)
	}
	if len(entry.Layers) != 2 || entry.Layers[0] != "l1/layer.tar" || entry.Layers[1] != "l2/layer.tar" {
		t.Fatalf("entry.Layers = %v, want [l1/layer.tar l2/layer.tar]", entry.Layers)
	}
	if len(cfg.Config.Env) != 1 || cfg.Config.Env[0] != "FROM_BASE=1" {
		t.Errorf("parsed config Env = %v, want [FROM_BASE=1]", cfg.Config.Env)
	}
	if string(members["l1/layer.tar"]) != "layer one" {
		t.Errorf("members[l1/layer.tar] = %q", members["l1/layer.tar"])
	}
}

func TestEncodeManifestPrependsBaseLayersBeforeNewLayer(t *testing.T) {
	fs := memfs.New()
	layerTar, diffID, err := buildLayerTar(fs)
	if err != nil {
		t.Fatalf("buildLayerTar = %v", err)
	}
	newName := newLayerEntryName(diffID)

	baseLayers := []layerEntry{
		{name: "l1/layer.tar", data: []byte("layer one")},
		{name: "l2/layer.tar", data: []byte("layer two")},
	}

	layerNames := make([]string, 0, len(baseLayers)+1)
	layerData := make(map[string][]byte, len(baseLayers)+1)
	for _, l := range baseLayers {
		layerNames = append(layerNames, l.name)
		layerData[l.name] = l.data
	}
	layerNames = append(layerNames, newName)
	layerData[newName] = layerTar

	out, err := buildLoadTar("peckish/demo:latest", []byte(`{}`), layerNames, layerData)
	if err != nil {
		t.Fatalf("buildLoadTar = %v", err)
	}

	_, entry, _, err := parseSaveTar(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("parseSaveTar = %v", err)
	}
	if len(entry.Layers) != 3 {
		t.Fatalf("entry.Layers = %v, want 3 entries", entry.Layers)
	}
	if entry.Layers[0] != "l1/layer.tar" || entry.Layers[1] != "l2/layer.tar" {
		t.Errorf("base layers out of order: %v", entry.Layers[:2])
	}
	if entry.Layers[2] != newName {
		t.Errorf("new layer not last: %v", entry.Layers)
	}
}
