// Package boot generates the network-boot path: per-node iPXE scripts
// over HTTP, static bootloaders over TFTP, and a proxy-DHCP helper for
// sites whose DHCP cannot hand out PXE options.
package boot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/pureboot/pureboot/pkg/log"
	"github.com/pureboot/pureboot/pkg/registry"
	"github.com/pureboot/pureboot/pkg/storage"
	"github.com/pureboot/pureboot/pkg/types"
	"github.com/pureboot/pureboot/pkg/workflow"
)

// ErrUnknownPi is returned when a Pi serial has never been registered.
var ErrUnknownPi = errors.New("unknown pi serial")

// Instructions describes how to network-boot a node, for operators
// wiring up DHCP by hand.
type Instructions struct {
	MAC        string          `json:"mac"`
	NodeID     string          `json:"node_id"`
	State      types.NodeState `json:"state"`
	NextServer string          `json:"next_server"`
	BootFile   string          `json:"boot_file"`
	ScriptURL  string          `json:"script_url"`
}

// Dispatcher turns node identity and state into boot scripts.
type Dispatcher struct {
	registry  *registry.Registry
	store     storage.Store
	workflows *workflow.Registry
	baseURL   string
}

// NewDispatcher creates a Dispatcher. baseURL is the externally
// reachable HTTP address rendered into every script.
func NewDispatcher(reg *registry.Registry, store storage.Store, workflows *workflow.Registry, baseURL string) *Dispatcher {
	return &Dispatcher{
		registry:  reg,
		store:     store,
		workflows: workflows,
		baseURL:   strings.TrimRight(baseURL, "/"),
	}
}

// ScriptForMAC resolves (or auto-registers) the node behind a MAC and
// returns its boot script. remoteIP is recorded as the node's last
// observed address.
func (d *Dispatcher) ScriptForMAC(ctx context.Context, mac, remoteIP string) (string, error) {
	node, created, err := d.registry.Register(ctx, mac, registry.Attributes{IPAddress: remoteIP})
	if err != nil {
		return "", err
	}
	if created {
		log.WithMAC(node.MAC).Info().Str("node_id", node.ID).Msg("auto-registered booting node")
	}
	return d.Script(ctx, node)
}

// Script picks and renders the boot script matching the node's state,
// session, and workflow.
func (d *Dispatcher) Script(ctx context.Context, node *types.Node) (string, error) {
	// An active clone session overrides the state dispatch: the node
	// boots into its session role regardless of lifecycle position.
	if node.CloneSession != nil {
		session, err := d.store.GetSession(ctx, *node.CloneSession)
		if err == nil && !session.Status.Terminal() {
			return d.cloneScript(node, session)
		}
	}

	switch node.State {
	case types.StatePending, types.StateInstalling:
		if node.WorkflowID != nil {
			return d.workflowScript(node, *node.WorkflowID)
		}
		// No workflow yet: boot the partition environment, which polls
		// for assignment, reports disk scans, and runs queued commands.
		return d.deployScript(node, ModePartition, nil)
	case types.StateWiping:
		return d.deployScript(node, ModePartition, nil)
	case types.StateDiscovered, types.StateIgnored, types.StateReprovision:
		return renderScript("pending", pendingParams{
			NodeID:    node.ID,
			State:     node.State,
			ServerURL: d.baseURL,
		})
	case types.StateInstalled, types.StateActive:
		// Queued partition work pulls the node back into the deploy
		// environment; otherwise it owns its disk.
		if d.hasOpenOperations(ctx, node.ID) {
			return d.deployScript(node, ModePartition, nil)
		}
		return renderScript("exit", nil)
	default:
		// migrating, retired, decommissioned: the machine owns its disk.
		return renderScript("exit", nil)
	}
}

func (d *Dispatcher) hasOpenOperations(ctx context.Context, nodeID string) bool {
	for _, status := range []types.OpStatus{types.OpPending, types.OpInProgress} {
		ops, err := d.store.ListOperationsByNode(ctx, nodeID, status)
		if err == nil && len(ops) > 0 {
			return true
		}
	}
	return false
}

// PiConfig returns the boot configuration for a Raspberry Pi, keyed by
// firmware serial. Pi bootloaders fetch this instead of an iPXE script.
func (d *Dispatcher) PiConfig(ctx context.Context, serial string) (string, error) {
	node, err := d.store.GetNodeByPiSerial(ctx, strings.ToLower(strings.TrimSpace(serial)))
	if errors.Is(err, storage.ErrNodeNotFound) {
		return "", fmt.Errorf("%w: %s", ErrUnknownPi, serial)
	}
	if err != nil {
		return "", err
	}

	kernel := "boot/deploy/vmlinuz-arm64"
	initrd := "boot/deploy/initrd-arm64.img"
	args := cmdline(d.baseURL, node, ModePartition, map[string]string{
		"pureboot.serial": node.PiSerial,
		"console":         "serial0,115200",
	})

	switch node.State {
	case types.StatePending, types.StateInstalling:
		if node.WorkflowID != nil {
			wf, err := d.workflows.Get(*node.WorkflowID)
			if err != nil {
				return "", err
			}
			rendered, err := d.renderWorkflowCmdline(node, wf)
			if err != nil {
				return "", err
			}
			kernel = wf.Kernel
			if len(wf.Initrds) > 0 {
				initrd = wf.Initrds[0]
			}
			args = rendered
		}
	case types.StateInstalled, types.StateActive:
		return "BOOT=local\n", nil
	}

	return fmt.Sprintf("KERNEL=%s/%s\nINITRD=%s/%s\nCMDLINE=%s\n",
		d.baseURL, kernel, d.baseURL, initrd, args), nil
}

// Instructions reports the manual-DHCP boot parameters for a MAC.
func (d *Dispatcher) Instructions(ctx context.Context, mac, nextServer string) (*Instructions, error) {
	node, err := d.registry.GetByMAC(ctx, mac)
	if err != nil {
		return nil, err
	}
	return &Instructions{
		MAC:        node.MAC,
		NodeID:     node.ID,
		State:      node.State,
		NextServer: nextServer,
		BootFile:   bootfileFor(node.BootMode),
		ScriptURL:  d.baseURL + "/api/v1/ipxe/boot.ipxe?mac=" + node.MAC,
	}, nil
}

func (d *Dispatcher) cloneScript(node *types.Node, session *types.CloneSession) (string, error) {
	mode := ModeCloneTarget
	if session.SourceNodeID == node.ID {
		mode = ModeCloneSource
	}
	extra := map[string]string{}
	if mode == ModeCloneTarget && session.SourceIP != "" {
		extra["pureboot.clone_source"] = fmt.Sprintf("https://%s:%d", session.SourceIP, session.SourcePort)
	}
	if session.Staging != nil && session.Staging.Type == types.StagingNFS {
		extra["pureboot.nfs_server"] = session.Staging.Server
		extra["pureboot.nfs_path"] = session.Staging.Path
	}
	return d.deployScript(node, mode, extra)
}

func (d *Dispatcher) deployScript(node *types.Node, mode string, extra map[string]string) (string, error) {
	return renderScript("deploy", deployParams{
		Mode:      mode,
		ServerURL: d.baseURL,
		Kernel:    deployKernelPath,
		Initrd:    deployInitrdPath,
		Cmdline:   cmdline(d.baseURL, node, mode, extra),
	})
}

func (d *Dispatcher) workflowScript(node *types.Node, workflowID string) (string, error) {
	wf, err := d.workflows.Get(workflowID)
	if err != nil {
		return "", err
	}

	if wf.InstallMethod == types.InstallLocalBoot {
		return renderScript("exit", nil)
	}

	args, err := d.renderWorkflowCmdline(node, wf)
	if err != nil {
		return "", err
	}

	return renderScript("workflow", workflowParams{
		WorkflowID: wf.ID,
		ServerURL:  d.baseURL,
		Kernel:     wf.Kernel,
		Initrds:    wf.Initrds,
		Cmdline:    args,
	})
}

// renderWorkflowCmdline combines the workflow's template output with
// the mandatory pureboot.* contract parameters.
func (d *Dispatcher) renderWorkflowCmdline(node *types.Node, wf *types.Workflow) (string, error) {
	params := workflow.CmdlineParams{
		NodeID:        node.ID,
		MAC:           node.MAC,
		ServerURL:     d.baseURL,
		TargetDevice:  node.TargetDevice,
		SourceURL:     wf.ImageURL,
		PostScriptURL: wf.PostScriptURL,
	}
	if node.CloneSession != nil {
		params.SessionID = *node.CloneSession
	}

	rendered, err := workflow.RenderCmdline(wf, params)
	if err != nil {
		return "", err
	}

	contract := cmdline(d.baseURL, node, modeForMethod(wf.InstallMethod), map[string]string{
		"pureboot.image_url":   wf.ImageURL,
		"pureboot.post_script": wf.PostScriptURL,
	})
	if rendered == "" {
		return contract, nil
	}
	return rendered + " " + contract, nil
}

// modeForMethod maps a workflow's install method onto the cmdline mode
// token its agent expects.
func modeForMethod(m types.InstallMethod) string {
	switch m {
	case types.InstallClone:
		return ModeCloneTarget
	case types.InstallPartition:
		return ModePartition
	case types.InstallNFSBoot:
		return ModeNFSBoot
	case types.InstallLocalBoot:
		return ModeLocalBoot
	default:
		return ModeImage
	}
}
