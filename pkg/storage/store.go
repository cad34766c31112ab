package storage

import (
	"context"
	"errors"
	"time"

	"github.com/pureboot/pureboot/pkg/types"
)

// Sentinel errors returned by Store implementations. Callers map these
// to HTTP statuses at the API boundary.
var (
	ErrNodeNotFound      = errors.New("node not found")
	ErrDuplicateMAC      = errors.New("node with this MAC already exists")
	ErrWorkflowNotFound  = errors.New("workflow not found")
	ErrSessionNotFound   = errors.New("clone session not found")
	ErrOperationNotFound = errors.New("partition operation not found")
	ErrGroupNotFound     = errors.New("device group not found")
	ErrReportNotFound    = errors.New("disk report not found")
)

// Store defines the interface for control-plane state persistence.
type Store interface {
	// Nodes
	CreateNode(ctx context.Context, node *types.Node) error
	GetNode(ctx context.Context, id string) (*types.Node, error)
	GetNodeByMAC(ctx context.Context, mac string) (*types.Node, error)
	GetNodeByPiSerial(ctx context.Context, serial string) (*types.Node, error)
	ListNodes(ctx context.Context) ([]*types.Node, error)
	UpdateNode(ctx context.Context, node *types.Node) error
	DeleteNode(ctx context.Context, id string) error
	NodeStats(ctx context.Context) (*types.NodeStats, error)

	// Device groups
	CreateGroup(ctx context.Context, group *types.DeviceGroup) error
	GetGroup(ctx context.Context, id string) (*types.DeviceGroup, error)
	ListGroups(ctx context.Context) ([]*types.DeviceGroup, error)
	DeleteGroup(ctx context.Context, id string) error

	// Workflows (mirrors of the on-disk registry, for API queries)
	ReplaceWorkflows(ctx context.Context, workflows []*types.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*types.Workflow, error)
	ListWorkflows(ctx context.Context) ([]*types.Workflow, error)

	// Clone sessions
	CreateSession(ctx context.Context, session *types.CloneSession) error
	GetSession(ctx context.Context, id string) (*types.CloneSession, error)
	ListSessions(ctx context.Context) ([]*types.CloneSession, error)
	UpdateSession(ctx context.Context, session *types.CloneSession) error
	ActiveSessionForNode(ctx context.Context, nodeID string) (*types.CloneSession, error)

	// Partition operations
	CreateOperation(ctx context.Context, op *types.PartitionOperation) error
	GetOperation(ctx context.Context, id string) (*types.PartitionOperation, error)
	ListOperationsByNode(ctx context.Context, nodeID string, status types.OpStatus) ([]*types.PartitionOperation, error)
	UpdateOperation(ctx context.Context, op *types.PartitionOperation) error
	ListStaleInProgress(ctx context.Context, olderThan time.Time) ([]*types.PartitionOperation, error)
	PurgeTerminalOperations(ctx context.Context, finishedBefore time.Time) (int64, error)

	// Disk reports
	PutDiskReport(ctx context.Context, report *types.DiskReport) error
	GetDiskReport(ctx context.Context, nodeID string) (*types.DiskReport, error)

	// Node events (queryable mirror; the bbolt journal is the audit tail)
	AppendEvent(ctx context.Context, event *types.NodeEvent) error
	ListEventsByNode(ctx context.Context, nodeID string, limit int) ([]*types.NodeEvent, error)

	// Utility
	Close() error
}
