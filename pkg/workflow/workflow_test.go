package workflow

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pureboot/pureboot/pkg/types"
)

func writeWorkflow(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

const debianWorkflow = `
id: debian-12
name: Debian 12 image install
kernel: images/deploy/vmlinuz
initrds:
  - images/deploy/initrd.img
cmdline_template: "console=ttyS0 pureboot.image={{.SourceURL}} pureboot.target={{.TargetDevice}}"
architecture: x86_64
boot_mode: uefi
install_method: image
image_url: http://mirror.example/debian-12.raw.gz
`

func TestLoadAndGet(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir, "debian.yaml", debianWorkflow)
	writeWorkflow(t, dir, "notes.txt", "not a workflow")

	reg := NewRegistry(dir, nil)
	require.NoError(t, reg.Load(context.Background()))

	wf, err := reg.Get("debian-12")
	require.NoError(t, err)
	assert.Equal(t, "Debian 12 image install", wf.Name)
	assert.Equal(t, types.InstallImage, wf.InstallMethod)
	assert.Equal(t, []string{"images/deploy/initrd.img"}, wf.Initrds)

	_, err = reg.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Len(t, reg.List(), 1)
}

func TestLoadRejectsDuplicateIDs(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir, "a.yaml", debianWorkflow)
	writeWorkflow(t, dir, "b.yaml", debianWorkflow)

	reg := NewRegistry(dir, nil)
	err := reg.Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate workflow id")
}

func TestLoadErrorKeepsPreviousSet(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir, "debian.yaml", debianWorkflow)

	reg := NewRegistry(dir, nil)
	require.NoError(t, reg.Load(context.Background()))

	writeWorkflow(t, dir, "broken.yaml", "id: broken\nname: [")
	require.Error(t, reg.Load(context.Background()))

	// Old set still served.
	_, err := reg.Get("debian-12")
	assert.NoError(t, err)
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "missing id",
			body: "name: x\nkernel: k\ninstall_method: image\nimage_url: u",
			want: "id is required",
		},
		{
			name: "missing kernel",
			body: "id: x\nname: x\ninstall_method: image\nimage_url: u",
			want: "kernel is required",
		},
		{
			name: "unknown method",
			body: "id: x\nname: x\nkernel: k\ninstall_method: teleport",
			want: "unknown install_method",
		},
		{
			name: "image without url",
			body: "id: x\nname: x\nkernel: k\ninstall_method: image",
			want: "image_url is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeWorkflow(t, dir, "wf.yaml", tt.body)
			err := NewRegistry(dir, nil).Load(context.Background())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestRenderCmdline(t *testing.T) {
	wf := &types.Workflow{
		ID:              "t",
		CmdlineTemplate: "pureboot.node_id={{.NodeID}} pureboot.image={{.SourceURL}}   extra=1",
	}

	out, err := RenderCmdline(wf, CmdlineParams{
		NodeID:    "n-1",
		SourceURL: "http://server/image.raw",
	})
	require.NoError(t, err)
	assert.Equal(t, "pureboot.node_id=n-1 pureboot.image=http://server/image.raw extra=1", out)
}

func TestRenderCmdlineUnknownPlaceholderFails(t *testing.T) {
	wf := &types.Workflow{
		ID:              "t",
		CmdlineTemplate: "pureboot.x={{.DoesNotExist}}",
	}

	_, err := RenderCmdline(wf, CmdlineParams{})
	assert.Error(t, err)
}
