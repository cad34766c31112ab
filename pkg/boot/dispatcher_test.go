package boot

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pureboot/pureboot/pkg/config"
	"github.com/pureboot/pureboot/pkg/locks"
	"github.com/pureboot/pureboot/pkg/registry"
	"github.com/pureboot/pureboot/pkg/storage"
	"github.com/pureboot/pureboot/pkg/types"
	"github.com/pureboot/pureboot/pkg/workflow"
)

const baseURL = "http://10.0.0.1:8080"

func newTestDispatcher(t *testing.T) (*Dispatcher, *registry.Registry, storage.Store) {
	t.Helper()
	store, err := storage.NewGORMStore(&config.DatabaseConfig{
		Type: config.DatabaseSQLite,
		Path: ":memory:",
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	dir := t.TempDir()
	wfYAML := `
id: debian-12
name: Debian 12
kernel: images/deploy/vmlinuz
initrds: [images/deploy/initrd.img]
cmdline_template: "pureboot.image={{.SourceURL}} root=/dev/ram0"
install_method: image
image_url: http://mirror.example/debian-12.raw.gz
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "debian.yaml"), []byte(wfYAML), 0o644))
	workflows := workflow.NewRegistry(dir, nil)
	require.NoError(t, workflows.Load(context.Background()))

	reg := registry.New(store, nil, locks.NewKeyed())
	return NewDispatcher(reg, store, workflows, baseURL+"/"), reg, store
}

func TestScriptForUnknownMACAutoRegistersPending(t *testing.T) {
	d, reg, _ := newTestDispatcher(t)
	ctx := context.Background()

	script, err := d.ScriptForMAC(ctx, "de:ad:be:ef:00:01", "10.0.0.50")
	require.NoError(t, err)
	assert.Contains(t, script, "#!ipxe")
	assert.Contains(t, script, "sleep 10")
	assert.Contains(t, script, baseURL+"/api/v1/ipxe/boot.ipxe")

	node, err := reg.GetByMAC(ctx, "de:ad:be:ef:00:01")
	require.NoError(t, err)
	assert.Equal(t, types.StateDiscovered, node.State)
	assert.Equal(t, "10.0.0.50", node.IPAddress)

	// Same MAC again: still one node.
	_, err = d.ScriptForMAC(ctx, "de:ad:be:ef:00:01", "10.0.0.50")
	require.NoError(t, err)
	nodes, err := reg.List(ctx)
	require.NoError(t, err)
	assert.Len(t, nodes, 1)
}

func TestPendingWithWorkflowRendersChain(t *testing.T) {
	d, reg, store := newTestDispatcher(t)
	ctx := context.Background()

	node, _, err := reg.Register(ctx, "de:ad:be:ef:00:01", registry.Attributes{})
	require.NoError(t, err)
	wfID := "debian-12"
	node.WorkflowID = &wfID
	node.State = types.StatePending
	node.TargetDevice = "/dev/nvme0n1"
	require.NoError(t, store.UpdateNode(ctx, node))

	script, err := d.Script(ctx, node)
	require.NoError(t, err)
	assert.Contains(t, script, "kernel "+baseURL+"/images/deploy/vmlinuz")
	assert.Contains(t, script, "initrd "+baseURL+"/images/deploy/initrd.img")
	assert.Contains(t, script, "pureboot.image=http://mirror.example/debian-12.raw.gz")
	assert.Contains(t, script, "pureboot.server="+baseURL)
	assert.Contains(t, script, "pureboot.node_id="+node.ID)
	assert.Contains(t, script, "pureboot.mac=de:ad:be:ef:00:01")
	assert.Contains(t, script, "pureboot.mode=image")
	assert.Contains(t, script, "pureboot.image_url=http://mirror.example/debian-12.raw.gz")
	assert.Contains(t, script, "pureboot.device=/dev/nvme0n1")
	assert.Contains(t, script, "pureboot.state=pending")
	assert.Contains(t, script, "boot")
}

func TestPendingWithoutWorkflowBootsDeployEnvironment(t *testing.T) {
	d, reg, store := newTestDispatcher(t)
	ctx := context.Background()

	node, _, err := reg.Register(ctx, "de:ad:be:ef:00:01", registry.Attributes{})
	require.NoError(t, err)
	node.State = types.StatePending
	require.NoError(t, store.UpdateNode(ctx, node))

	script, err := d.Script(ctx, node)
	require.NoError(t, err)
	assert.Contains(t, script, "boot/deploy/vmlinuz")
	assert.Contains(t, script, "pureboot.mode=partition")
	assert.Contains(t, script, "pureboot.state=pending")
}

func TestActiveNodeExitsToLocalDisk(t *testing.T) {
	d, reg, store := newTestDispatcher(t)
	ctx := context.Background()

	node, _, err := reg.Register(ctx, "de:ad:be:ef:00:01", registry.Attributes{})
	require.NoError(t, err)
	node.State = types.StateActive
	require.NoError(t, store.UpdateNode(ctx, node))

	script, err := d.Script(ctx, node)
	require.NoError(t, err)
	assert.Contains(t, script, "exit")
	assert.NotContains(t, script, "kernel")
}

func TestCloneSessionOverridesStateDispatch(t *testing.T) {
	d, reg, store := newTestDispatcher(t)
	ctx := context.Background()

	source, _, err := reg.Register(ctx, "de:ad:be:ef:00:01", registry.Attributes{})
	require.NoError(t, err)
	target, _, err := reg.Register(ctx, "de:ad:be:ef:00:02", registry.Attributes{})
	require.NoError(t, err)

	session := &types.CloneSession{
		ID:           "s-1",
		SourceNodeID: source.ID,
		TargetNodeID: target.ID,
		Mode:         types.CloneDirect,
		Status:       types.SessionSourceReady,
		SourceIP:     "10.0.0.5",
		SourcePort:   9999,
	}
	require.NoError(t, store.CreateSession(ctx, session))

	for _, n := range []*types.Node{source, target} {
		id := "s-1"
		n.CloneSession = &id
		n.State = types.StateActive
		require.NoError(t, store.UpdateNode(ctx, n))
	}

	sourceScript, err := d.Script(ctx, source)
	require.NoError(t, err)
	assert.Contains(t, sourceScript, "pureboot.mode=clone_source")
	assert.Contains(t, sourceScript, "pureboot.session_id=s-1")

	targetScript, err := d.Script(ctx, target)
	require.NoError(t, err)
	assert.Contains(t, targetScript, "pureboot.mode=clone_target")
	assert.Contains(t, targetScript, "pureboot.clone_source=https://10.0.0.5:9999")
}

func TestTerminalSessionDoesNotOverride(t *testing.T) {
	d, reg, store := newTestDispatcher(t)
	ctx := context.Background()

	node, _, err := reg.Register(ctx, "de:ad:be:ef:00:01", registry.Attributes{})
	require.NoError(t, err)

	session := &types.CloneSession{
		ID:           "s-done",
		SourceNodeID: node.ID,
		TargetNodeID: "other",
		Mode:         types.CloneDirect,
		Status:       types.SessionComplete,
	}
	require.NoError(t, store.CreateSession(ctx, session))
	id := "s-done"
	node.CloneSession = &id
	node.State = types.StateActive
	require.NoError(t, store.UpdateNode(ctx, node))

	script, err := d.Script(ctx, node)
	require.NoError(t, err)
	assert.Contains(t, script, "exit")
}

func TestPiConfig(t *testing.T) {
	d, reg, _ := newTestDispatcher(t)
	ctx := context.Background()

	_, err := d.PiConfig(ctx, "0000000000000000")
	assert.ErrorIs(t, err, ErrUnknownPi)

	node, _, err := reg.RegisterPi(ctx, "10000000abcd1234", "b8:27:eb:00:00:01", registry.Attributes{})
	require.NoError(t, err)

	cfg, err := d.PiConfig(ctx, "10000000ABCD1234")
	require.NoError(t, err)
	assert.Contains(t, cfg, "KERNEL="+baseURL+"/boot/deploy/vmlinuz-arm64")
	assert.Contains(t, cfg, "pureboot.node_id="+node.ID)
	assert.Contains(t, cfg, "pureboot.mode=partition")
	assert.Contains(t, cfg, "pureboot.serial=10000000abcd1234")
}

func TestInstructions(t *testing.T) {
	d, reg, store := newTestDispatcher(t)
	ctx := context.Background()

	node, _, err := reg.Register(ctx, "de:ad:be:ef:00:01", registry.Attributes{BootMode: "bios"})
	require.NoError(t, err)
	require.NoError(t, store.UpdateNode(ctx, node))

	instr, err := d.Instructions(ctx, "DE:AD:BE:EF:00:01", "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "de:ad:be:ef:00:01", instr.MAC)
	assert.Equal(t, "bios/undionly.kpxe", instr.BootFile)
	assert.Equal(t, "10.0.0.1", instr.NextServer)
	assert.Contains(t, instr.ScriptURL, "/api/v1/ipxe/boot.ipxe?mac=")
}

func TestQueuedPartitionWorkBootsPartitionMode(t *testing.T) {
	d, reg, store := newTestDispatcher(t)
	ctx := context.Background()

	node, _, err := reg.Register(ctx, "de:ad:be:ef:00:01", registry.Attributes{})
	require.NoError(t, err)
	node.State = types.StateInstalled
	require.NoError(t, store.UpdateNode(ctx, node))

	op := &types.PartitionOperation{
		ID:     "op-1",
		NodeID: node.ID,
		Type:   types.OpFormat,
		Device: "/dev/sda",
		Status: types.OpPending,
	}
	require.NoError(t, store.CreateOperation(ctx, op))

	script, err := d.Script(ctx, node)
	require.NoError(t, err)
	assert.Contains(t, script, "pureboot.mode=partition")
	assert.Contains(t, script, "kernel")

	// Queue drained: the node owns its disk again.
	op.Status = types.OpCompleted
	require.NoError(t, store.UpdateOperation(ctx, op))

	script, err = d.Script(ctx, node)
	require.NoError(t, err)
	assert.Contains(t, script, "exit")
	assert.NotContains(t, script, "kernel")
}

func TestWipingNodeBootsPartitionMode(t *testing.T) {
	d, reg, store := newTestDispatcher(t)
	ctx := context.Background()

	node, _, err := reg.Register(ctx, "de:ad:be:ef:00:01", registry.Attributes{})
	require.NoError(t, err)
	node.State = types.StateWiping
	require.NoError(t, store.UpdateNode(ctx, node))

	script, err := d.Script(ctx, node)
	require.NoError(t, err)
	assert.Contains(t, script, "pureboot.mode=partition")
	assert.Contains(t, script, "pureboot.state=wiping")
}
