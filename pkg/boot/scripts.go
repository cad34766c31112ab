package boot

import (
	"fmt"
	"sort"
	"strings"
	"text/template"

	"github.com/pureboot/pureboot/pkg/types"
)

// Boot modes carried in pureboot.mode on the kernel cmdline. The agent
// in the deploy environment reads this to decide its role. Nodes
// waiting for a workflow and nodes being wiped both boot the partition
// environment; pureboot.state tells the agent which it is.
const (
	ModeImage       = "image"
	ModeCloneSource = "clone_source"
	ModeCloneTarget = "clone_target"
	ModePartition   = "partition"
	ModeNFSBoot     = "nfs_boot"
	ModeLocalBoot   = "local_boot"
)

// Paths of the built-in deploy environment under the HTTP server.
const (
	deployKernelPath = "boot/deploy/vmlinuz"
	deployInitrdPath = "boot/deploy/initrd.img"
)

var scriptTemplates = template.Must(template.New("ipxe").Option("missingkey=error").Parse(`
{{- define "pending" -}}
#!ipxe
echo PureBoot: node {{.NodeID}} is {{.State}}, polling for instructions
sleep 10
chain {{.ServerURL}}/api/v1/ipxe/boot.ipxe?mac=${net0/mac}
{{- end}}

{{- define "deploy" -}}
#!ipxe
echo PureBoot: loading deploy environment ({{.Mode}})
kernel {{.ServerURL}}/{{.Kernel}} {{.Cmdline}}
initrd {{.ServerURL}}/{{.Initrd}}
boot
{{- end}}

{{- define "workflow" -}}
#!ipxe
echo PureBoot: starting workflow {{.WorkflowID}}
kernel {{.ServerURL}}/{{.Kernel}} {{.Cmdline}}
{{range .Initrds}}initrd {{$.ServerURL}}/{{.}}
{{end -}}
boot
{{- end}}

{{- define "exit" -}}
#!ipxe
echo PureBoot: booting from local disk
exit
{{- end}}
`))

type pendingParams struct {
	NodeID    string
	State     types.NodeState
	ServerURL string
}

type deployParams struct {
	Mode      string
	ServerURL string
	Kernel    string
	Initrd    string
	Cmdline   string
}

type workflowParams struct {
	WorkflowID string
	ServerURL  string
	Kernel     string
	Initrds    []string
	Cmdline    string
}

func renderScript(name string, data any) (string, error) {
	var sb strings.Builder
	if err := scriptTemplates.ExecuteTemplate(&sb, name, data); err != nil {
		return "", fmt.Errorf("failed to render %s script: %w", name, err)
	}
	return sb.String() + "\n", nil
}

// cmdline builds the pureboot.* kernel parameter contract. Keys are
// emitted in stable order so scripts are reproducible.
func cmdline(serverURL string, node *types.Node, mode string, extra map[string]string) string {
	params := map[string]string{
		"pureboot.server":  serverURL,
		"pureboot.node_id": node.ID,
		"pureboot.mac":     node.MAC,
		"pureboot.mode":    mode,
		"pureboot.state":   string(node.State),
	}
	if node.CloneSession != nil {
		params["pureboot.session_id"] = *node.CloneSession
	}
	if node.TargetDevice != "" {
		params["pureboot.device"] = node.TargetDevice
	}
	for k, v := range extra {
		if v != "" {
			params[k] = v
		}
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+params[k])
	}
	return strings.Join(parts, " ")
}
