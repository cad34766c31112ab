package types

import (
	"time"
)

// Node represents a machine known to the controller, physical or virtual.
// Nodes are created on first network-boot contact or by explicit
// registration; the MAC address is the natural key.
type Node struct {
	ID           string     `json:"id" gorm:"primaryKey"`
	MAC          string     `json:"mac" gorm:"uniqueIndex"` // normalized lowercase, colon-separated
	Hostname     string     `json:"hostname"`
	Architecture string     `json:"architecture"` // x86_64, aarch64, armv7l
	BootMode     string     `json:"boot_mode"`    // bios, uefi
	Vendor       string     `json:"vendor"`
	Model        string     `json:"model"`
	Serial       string     `json:"serial"`
	PiSerial     string     `json:"pi_serial,omitempty" gorm:"index"` // Raspberry Pi firmware serial
	IPAddress    string     `json:"ip_address,omitempty"`             // last observed, advisory only
	Tags         []string   `json:"tags" gorm:"serializer:json"`
	GroupID      *string    `json:"group_id,omitempty"`
	WorkflowID   *string    `json:"workflow_id,omitempty"`
	State        NodeState  `json:"state" gorm:"index"`
	CloneSession *string    `json:"clone_session_id,omitempty"` // non-terminal session, if any
	TargetDevice string     `json:"target_device,omitempty"`    // install/clone destination disk
	DiscoveredAt time.Time  `json:"discovered_at"`
	LastSeen     time.Time  `json:"last_seen"`
	RetiredAt    *time.Time `json:"retired_at,omitempty"`
}

// NodeState is the lifecycle state of a node.
type NodeState string

const (
	StateDiscovered     NodeState = "discovered"
	StateIgnored        NodeState = "ignored"
	StatePending        NodeState = "pending"
	StateInstalling     NodeState = "installing"
	StateInstalled      NodeState = "installed"
	StateActive         NodeState = "active"
	StateReprovision    NodeState = "reprovision"
	StateMigrating      NodeState = "migrating"
	StateRetired        NodeState = "retired"
	StateWiping         NodeState = "wiping"
	StateDecommissioned NodeState = "decommissioned"
)

// Terminal reports whether the state admits no further transitions
// other than the wipe path.
func (s NodeState) Terminal() bool {
	return s == StateRetired || s == StateDecommissioned
}

// DeviceGroup is a named collection of nodes. Lifecycle is independent
// of its members.
type DeviceGroup struct {
	ID          string    `json:"id" gorm:"primaryKey"`
	Name        string    `json:"name" gorm:"uniqueIndex"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// EventKind classifies journal entries.
type EventKind string

const (
	EventStateChange  EventKind = "state-change"
	EventSessionEvent EventKind = "session-event"
	EventProgress     EventKind = "progress"
	EventError        EventKind = "error"
	EventUserAction   EventKind = "user-action"
)

// EventSource identifies who produced an event.
type EventSource string

const (
	SourceController EventSource = "controller"
	SourceAgent      EventSource = "agent"
)

// NodeEvent is an append-only record of something that happened to a
// node. State changes carry From/To/Trigger; other kinds carry an
// opaque payload. Events are never mutated after write.
type NodeEvent struct {
	ID        string         `json:"id" gorm:"primaryKey"`
	NodeID    string         `json:"node_id" gorm:"index"`
	SessionID string         `json:"session_id,omitempty" gorm:"index"`
	Timestamp time.Time      `json:"timestamp"`
	Kind      EventKind      `json:"kind"`
	Source    EventSource    `json:"source"`
	From      NodeState      `json:"from,omitempty"`
	To        NodeState      `json:"to,omitempty"`
	Trigger   string         `json:"trigger,omitempty"`
	Payload   map[string]any `json:"payload,omitempty" gorm:"serializer:json"`
}

// InstallMethod selects how a workflow provisions its node.
type InstallMethod string

const (
	InstallImage     InstallMethod = "image"
	InstallClone     InstallMethod = "clone"
	InstallPartition InstallMethod = "partition"
	InstallNFSBoot   InstallMethod = "nfs-boot"
	InstallLocalBoot InstallMethod = "local-boot"
)

// Workflow is a declarative boot recipe: which kernel and initrd to
// chain, and the cmdline template to render for a node. Immutable once
// loaded; replaced wholesale on registry reload.
type Workflow struct {
	ID              string        `json:"id" gorm:"primaryKey" yaml:"id"`
	Name            string        `json:"name" yaml:"name"`
	Kernel          string        `json:"kernel" yaml:"kernel"`
	Initrds         []string      `json:"initrds" gorm:"serializer:json" yaml:"initrds"`
	CmdlineTemplate string        `json:"cmdline_template" yaml:"cmdline_template"`
	Architecture    string        `json:"architecture" yaml:"architecture"`
	BootMode        string        `json:"boot_mode" yaml:"boot_mode"`
	InstallMethod   InstallMethod `json:"install_method" yaml:"install_method"`
	ImageURL        string        `json:"image_url,omitempty" yaml:"image_url"`
	PostScriptURL   string        `json:"post_script_url,omitempty" yaml:"post_script_url"`
}

// CloneMode distinguishes direct source-to-target streaming from the
// staged variant that parks the image on intermediate storage.
type CloneMode string

const (
	CloneDirect CloneMode = "direct"
	CloneStaged CloneMode = "staged"
)

// SessionStatus is the lifecycle state of a clone session.
type SessionStatus string

const (
	SessionCreated     SessionStatus = "created"
	SessionSourceReady SessionStatus = "source_ready"
	SessionStreaming   SessionStatus = "streaming"
	SessionComplete    SessionStatus = "complete"
	SessionFailed      SessionStatus = "failed"
	SessionCancelled   SessionStatus = "cancelled"
)

// Terminal reports whether the session can change no further.
func (s SessionStatus) Terminal() bool {
	return s == SessionComplete || s == SessionFailed || s == SessionCancelled
}

// StagingStatus overlays SessionStatus for staged clones.
type StagingStatus string

const (
	StagingNone        StagingStatus = "none"
	StagingAllocating  StagingStatus = "allocating"
	StagingUploading   StagingStatus = "uploading"
	StagingReady       StagingStatus = "ready"
	StagingDownloading StagingStatus = "downloading"
	StagingReleased    StagingStatus = "released"
)

// ResizeMode selects the optional resize phase of a clone.
type ResizeMode string

const (
	ResizeNone         ResizeMode = "none"
	ResizeShrinkSource ResizeMode = "shrink_source"
	ResizeGrowTarget   ResizeMode = "grow_target"
)

// CloneRole identifies which side of a session an agent speaks for.
type CloneRole string

const (
	RoleSource CloneRole = "source"
	RoleTarget CloneRole = "target"
	RoleNode   CloneRole = "node"
)

// StagingType discriminates staging allocations.
type StagingType string

const (
	StagingNFS   StagingType = "nfs"
	StagingISCSI StagingType = "iscsi"
)

// StagingAllocation records the intermediate storage handed to both
// sides of a staged clone. Exactly one of the NFS or iSCSI field sets
// is populated, per Type. Lifetime is bounded by the session.
type StagingAllocation struct {
	Type StagingType `json:"type"`

	// NFS
	Server        string `json:"server,omitempty"`
	Export        string `json:"export,omitempty"`
	Path          string `json:"path,omitempty"`
	MountOptions  string `json:"options,omitempty"`
	ImageFilename string `json:"image_filename,omitempty"`

	// iSCSI
	Portal       string `json:"portal,omitempty"`
	TargetIQN    string `json:"target,omitempty"`
	LUN          int    `json:"lun,omitempty"`
	CHAPUsername string `json:"chap_username,omitempty"`
	CHAPPassword string `json:"chap_password,omitempty"`
}

// CloneSession tracks one disk clone from a source node to a target
// node, either streamed directly over mTLS or parked on staging.
type CloneSession struct {
	ID            string               `json:"id" gorm:"primaryKey"`
	SourceNodeID  string               `json:"source_node_id" gorm:"index"`
	TargetNodeID  string               `json:"target_node_id" gorm:"index"`
	Mode          CloneMode            `json:"mode"`
	Status        SessionStatus        `json:"status" gorm:"index"`
	StagingStatus StagingStatus        `json:"staging_status"`
	Staging       *StagingAllocation   `json:"staging,omitempty" gorm:"serializer:json"`
	ResizeMode    ResizeMode           `json:"resize_mode"`
	ResizePlan    []PartitionOperation `json:"resize_plan,omitempty" gorm:"serializer:json"`
	Compress      bool                 `json:"compress"`

	// Source rendezvous info, reported by the agent on source-ready.
	SourceIP     string `json:"source_ip,omitempty"`
	SourcePort   int    `json:"source_port,omitempty"`
	SourceDevice string `json:"source_device,omitempty"`
	TargetDevice string `json:"target_device,omitempty"`

	TotalBytes  int64 `json:"total_bytes"`
	SourceBytes int64 `json:"source_bytes_transferred"`
	TargetBytes int64 `json:"target_bytes_transferred"`

	CreatedAt     time.Time  `json:"created_at"`
	SourceReadyAt *time.Time `json:"source_ready_at,omitempty"`
	StreamingAt   *time.Time `json:"streaming_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	Error         string     `json:"error,omitempty"`
}

// PartitionOpType is the verb of a partition operation. The five verbs
// are the complete set the agent implements end to end.
type PartitionOpType string

const (
	OpResize  PartitionOpType = "resize"
	OpCreate  PartitionOpType = "create"
	OpDelete  PartitionOpType = "delete"
	OpFormat  PartitionOpType = "format"
	OpSetFlag PartitionOpType = "set_flag"
)

// OpStatus is the execution state of a partition operation.
type OpStatus string

const (
	OpPending    OpStatus = "pending"
	OpInProgress OpStatus = "in_progress"
	OpCompleted  OpStatus = "completed"
	OpFailed     OpStatus = "failed"
)

// Terminal reports whether the operation has finished, either way.
func (s OpStatus) Terminal() bool {
	return s == OpCompleted || s == OpFailed
}

// PartitionOperation is one step of disk surgery queued for a node.
// The controller validates shape; feasibility (e.g. XFS cannot shrink)
// is the agent's call, reported back through the status endpoint.
type PartitionOperation struct {
	ID         string          `json:"id" gorm:"primaryKey"`
	NodeID     string          `json:"node_id" gorm:"index"`
	Seq        int64           `json:"seq"` // FIFO order within the node
	Type       PartitionOpType `json:"operation"`
	Device     string          `json:"device"`
	Params     map[string]any  `json:"params,omitempty" gorm:"serializer:json"`
	Status     OpStatus        `json:"status" gorm:"index"`
	Message    string          `json:"message,omitempty"`
	Result     map[string]any  `json:"result,omitempty" gorm:"serializer:json"`
	CreatedAt  time.Time       `json:"created_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// Partition is one partition within a scanned disk.
type Partition struct {
	Number     int      `json:"number"`
	StartBytes int64    `json:"start_bytes"`
	EndBytes   int64    `json:"end_bytes"`
	SizeBytes  int64    `json:"size_bytes"`
	Filesystem string   `json:"filesystem,omitempty"`
	Label      string   `json:"label,omitempty"`
	UUID       string   `json:"uuid,omitempty"`
	Flags      []string `json:"flags,omitempty"`
	UsedBytes  int64    `json:"used_bytes,omitempty"`
	CanShrink  bool     `json:"can_shrink"`
}

// Disk is one block device from a node's disk scan.
type Disk struct {
	Device     string      `json:"device"`
	SizeBytes  int64       `json:"size_bytes"`
	Model      string      `json:"model,omitempty"`
	Serial     string      `json:"serial,omitempty"`
	TableKind  string      `json:"table"` // gpt, mbr, unknown
	Partitions []Partition `json:"partitions"`
}

// DiskReport is the last-observed scan for a node, replaced wholesale
// each time the agent reports.
type DiskReport struct {
	NodeID     string    `json:"node_id" gorm:"primaryKey"`
	ReportedAt time.Time `json:"reported_at"`
	Disks      []Disk    `json:"disks" gorm:"serializer:json"`
}

// CertBundle is the PEM material handed to one clone role. Keys exist
// only in memory and are destroyed with the session.
type CertBundle struct {
	CertPEM string `json:"cert_pem"`
	KeyPEM  string `json:"key_pem"`
	CAPEM   string `json:"ca_pem"`
}

// NodeStats summarizes the fleet for the stats endpoint.
type NodeStats struct {
	Total              int64            `json:"total"`
	ByState            map[string]int64 `json:"by_state"`
	DiscoveredLastHour int64            `json:"discovered_last_hour"`
	InstallingCount    int64            `json:"installing_count"`
}

// BulkResult reports the outcome of a bulk node operation.
type BulkResult struct {
	Updated int         `json:"updated"`
	Failed  int         `json:"failed"`
	Errors  []BulkError `json:"errors,omitempty"`
}

// BulkError names one node that a bulk operation could not update.
type BulkError struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}
