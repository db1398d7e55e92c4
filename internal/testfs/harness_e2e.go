//go:build e2e

package testfs

import (
	"context"
	"testing"

	"github.com/docker/docker/api/types/container"

	"github.com/queer/peckish/internal/artifact"
	_ "github.com/queer/peckish/internal/codec/dockerimg"
	_ "github.com/queer/peckish/internal/codec/filetree"
	"github.com/queer/peckish/internal/memfs"
	"github.com/queer/peckish/internal/types"
)

// DockerE2E drives the docker codec's pull/push paths against a real
// daemon: it builds a Tree into a MemFS via the file-tree codec, encodes
// that MemFS as a new image layer via the docker codec's encode path
// (loading the result into the local daemon's image store), then starts
// a container from it so a test can exec commands and inspect what
// actually landed in the image. Requires a reachable docker daemon;
// gated the same way the teacher gated its own container-backed e2e
// tests.
type DockerE2E struct {
	t         *testing.T
	ctx       context.Context
	ImageRef  string
	container *Container
}

// NewDockerE2E builds given into an image tagged imageRef and loads it
// into the local daemon.
func NewDockerE2E(t *testing.T, given Tree, imageRef string) *DockerE2E {
	t.Helper()

	h := New(t, given)
	store, err := memfs.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	fs, _, err := artifact.Decode(types.FormatFileTree, store, artifact.Locator{Path: h.Root()}, artifact.Options{})
	if err != nil {
		t.Fatalf("decode file tree: %v", err)
	}

	if _, err := artifact.Encode(types.FormatDocker, store, fs, artifact.Locator{Image: imageRef}, types.Metadata{Name: imageRef}, artifact.Options{Image: imageRef}); err != nil {
		t.Fatalf("encode docker image: %v", err)
	}

	return &DockerE2E{t: t, ctx: context.Background(), ImageRef: imageRef}
}

// Start launches a container from the built image, running cmd as its
// entrypoint (defaulting to a long sleep so Exec can run against it).
func (d *DockerE2E) Start(cmd []string) {
	d.t.Helper()
	if len(cmd) == 0 {
		cmd = []string{"sleep", "infinity"}
	}

	c, err := NewContainer(d.ctx, &container.Config{Image: d.ImageRef, Cmd: cmd}, &container.HostConfig{AutoRemove: true})
	if err != nil {
		d.t.Fatalf("start container from %s: %v", d.ImageRef, err)
	}
	d.container = c
	d.t.Cleanup(func() {
		if d.container != nil {
			_ = d.container.Close(d.ctx)
		}
	})
}

// Exec runs cmd inside the running container and returns its output.
func (d *DockerE2E) Exec(cmd ...string) (stdout, stderr string, exitCode int) {
	d.t.Helper()
	if d.container == nil {
		d.t.Fatal("Exec called before Start")
	}
	out, errOut, code, err := d.container.Run(d.ctx, cmd, nil)
	if err != nil {
		d.t.Fatalf("exec %v: %v", cmd, err)
	}
	return out, errOut, code
}

// AssertFileContains execs `cat path` inside the container and fails the
// test unless its output equals want.
func (d *DockerE2E) AssertFileContains(path, want string) {
	d.t.Helper()
	out, stderr, code := d.Exec("cat", path)
	if code != 0 {
		d.t.Fatalf("cat %s: exit %d, stderr: %s", path, code, stderr)
	}
	if out != want {
		d.t.Errorf("cat %s: got %q, want %q", path, out, want)
	}
}
