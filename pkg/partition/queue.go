// Package partition manages the per-node partition-operation queue and
// the disk scan loop around it. The controller owns the plan; the agent
// on the node executes it and reports back.
package partition

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pureboot/pureboot/pkg/config"
	"github.com/pureboot/pureboot/pkg/events"
	"github.com/pureboot/pureboot/pkg/locks"
	"github.com/pureboot/pureboot/pkg/log"
	"github.com/pureboot/pureboot/pkg/storage"
	"github.com/pureboot/pureboot/pkg/types"
)

var (
	// ErrValidation covers malformed operations: bad verb, missing
	// device, bad parameter shape.
	ErrValidation = errors.New("invalid partition operation")

	// ErrCapability covers operations the system cannot do at all, like
	// formatting with an unsupported filesystem.
	ErrCapability = errors.New("unsupported partition operation")

	// ErrOpBusy is returned when an agent claims a second operation
	// while one is already in progress on the node.
	ErrOpBusy = errors.New("another operation is already in progress")

	// ErrBadStatus is returned for unknown status values in reports.
	ErrBadStatus = errors.New("invalid operation status")
)

// supportedFilesystems are the ones the agent can mkfs.
var supportedFilesystems = map[string]bool{
	"ext2": true, "ext3": true, "ext4": true,
	"xfs": true, "btrfs": true, "vfat": true,
	"ntfs": true, "swap": true,
}

// supportedFlags are the partition flags set_flag may toggle.
var supportedFlags = map[string]bool{
	"boot": true, "esp": true, "bios_grub": true,
	"lvm": true, "raid": true, "swap": true, "hidden": true,
}

// CommandRescan asks the agent to re-scan its disks and report.
const CommandRescan = "rescan"

// StatusReport is the agent's report on one operation.
type StatusReport struct {
	Status  types.OpStatus `json:"status"`
	Message string         `json:"message,omitempty"`
	Result  map[string]any `json:"result,omitempty"`
}

// ModeStatus tracks a node's partition-mode agent between heartbeats.
type ModeStatus struct {
	Active        bool      `json:"active"`
	Status        string    `json:"status,omitempty"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Queue is the partition-operation orchestrator.
type Queue struct {
	store    storage.Store
	recorder *events.Recorder
	locks    *locks.Keyed
	cfg      config.PartitionConfig

	commands *mailbox
	modes    *modeTracker
}

// NewQueue creates a Queue.
func NewQueue(store storage.Store, recorder *events.Recorder, keyed *locks.Keyed, cfg config.PartitionConfig) *Queue {
	return &Queue{
		store:    store,
		recorder: recorder,
		locks:    keyed,
		cfg:      cfg,
		commands: newMailbox(),
		modes:    newModeTracker(),
	}
}

// Enqueue validates an operation and appends it to the node's queue
// with the next sequence number.
func (q *Queue) Enqueue(ctx context.Context, nodeID string, opType types.PartitionOpType, device string, params map[string]any) (*types.PartitionOperation, error) {
	if err := validateOp(opType, device, params); err != nil {
		return nil, err
	}

	unlock := q.locks.Lock(nodeID)
	defer unlock()

	if _, err := q.store.GetNode(ctx, nodeID); err != nil {
		return nil, err
	}

	op := &types.PartitionOperation{
		ID:        uuid.New().String(),
		NodeID:    nodeID,
		Type:      opType,
		Device:    device,
		Params:    params,
		Status:    types.OpPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := q.store.CreateOperation(ctx, op); err != nil {
		return nil, err
	}

	log.WithNodeID(nodeID).Info().
		Str("op", op.ID).
		Str("type", string(opType)).
		Str("device", device).
		Int64("seq", op.Seq).
		Msg("partition operation enqueued")
	return op, nil
}

// List returns the node's operations in sequence order, optionally
// filtered by status.
func (q *Queue) List(ctx context.Context, nodeID string, status types.OpStatus) ([]*types.PartitionOperation, error) {
	if status != "" && !validStatus(status) {
		return nil, fmt.Errorf("%w: %q", ErrBadStatus, status)
	}
	return q.store.ListOperationsByNode(ctx, nodeID, status)
}

// UpdateStatus applies an agent's report. in_progress claims enforce
// the one-at-a-time rule; terminal reports stamp finished_at and queue
// a rescan so the disk report refreshes.
func (q *Queue) UpdateStatus(ctx context.Context, nodeID, opID string, report StatusReport) (*types.PartitionOperation, error) {
	if !validStatus(report.Status) || report.Status == types.OpPending {
		return nil, fmt.Errorf("%w: %q", ErrBadStatus, report.Status)
	}

	unlock := q.locks.Lock(nodeID)
	defer unlock()

	op, err := q.store.GetOperation(ctx, opID)
	if err != nil {
		return nil, err
	}
	if op.NodeID != nodeID {
		return nil, storage.ErrOperationNotFound
	}
	if op.Status.Terminal() {
		// Re-delivered terminal report; audit only.
		q.recordOpEvent(ctx, op, "post-terminal report", report)
		return op, nil
	}

	now := time.Now().UTC()
	switch report.Status {
	case types.OpInProgress:
		inProgress, err := q.store.ListOperationsByNode(ctx, nodeID, types.OpInProgress)
		if err != nil {
			return nil, err
		}
		for _, other := range inProgress {
			if other.ID != op.ID {
				return nil, fmt.Errorf("%w: %s", ErrOpBusy, other.ID)
			}
		}
		if op.StartedAt == nil {
			op.StartedAt = &now
		}
	case types.OpCompleted, types.OpFailed:
		if op.StartedAt == nil {
			op.StartedAt = &now
		}
		op.FinishedAt = &now
	}

	op.Status = report.Status
	op.Message = report.Message
	op.Result = report.Result
	if err := q.store.UpdateOperation(ctx, op); err != nil {
		return nil, err
	}

	if report.Status == types.OpCompleted {
		// The on-disk layout changed; ask the agent for a fresh scan.
		q.commands.set(nodeID, CommandRescan)
	}
	q.recordOpEvent(ctx, op, string(report.Status), report)
	return op, nil
}

// RecoverStale returns operations stuck in_progress past the stale
// window to pending so a rebooted agent picks them up again.
func (q *Queue) RecoverStale(ctx context.Context) int {
	cutoff := time.Now().Add(-q.cfg.StaleWindow)
	stale, err := q.store.ListStaleInProgress(ctx, cutoff)
	if err != nil {
		log.WithComponent("partition").Error().Err(err).Msg("failed to list stale operations")
		return 0
	}

	recovered := 0
	for _, op := range stale {
		unlock := q.locks.Lock(op.NodeID)
		current, err := q.store.GetOperation(ctx, op.ID)
		if err == nil && current.Status == types.OpInProgress {
			current.Status = types.OpPending
			current.StartedAt = nil
			current.Message = "returned to pending after stale in_progress"
			if err := q.store.UpdateOperation(ctx, current); err == nil {
				recovered++
				log.WithNodeID(op.NodeID).Warn().Str("op", op.ID).Msg("stale operation recovered")
			}
		}
		unlock()
	}
	return recovered
}

// Purge deletes terminal operations older than the retention window.
func (q *Queue) Purge(ctx context.Context) int64 {
	cutoff := time.Now().Add(-q.cfg.Retention)
	purged, err := q.store.PurgeTerminalOperations(ctx, cutoff)
	if err != nil {
		log.WithComponent("partition").Error().Err(err).Msg("failed to purge operations")
		return 0
	}
	if purged > 0 {
		log.WithComponent("partition").Debug().Int64("count", purged).Msg("terminal operations purged")
	}
	return purged
}

// ReportDisks stores the node's disk scan, replacing the previous one.
func (q *Queue) ReportDisks(ctx context.Context, nodeID string, disks []types.Disk) error {
	if _, err := q.store.GetNode(ctx, nodeID); err != nil {
		return err
	}
	return q.store.PutDiskReport(ctx, &types.DiskReport{
		NodeID:     nodeID,
		ReportedAt: time.Now().UTC(),
		Disks:      disks,
	})
}

// ScanStatus returns the node's last disk report.
func (q *Queue) ScanStatus(ctx context.Context, nodeID string) (*types.DiskReport, error) {
	return q.store.GetDiskReport(ctx, nodeID)
}

// Command returns the pending command for a node, clearing it when
// clear is set. The empty string means nothing to do.
func (q *Queue) Command(nodeID string, clear bool) string {
	return q.commands.take(nodeID, clear)
}

// RequestRescan queues a rescan command for a node.
func (q *Queue) RequestRescan(nodeID string) {
	q.commands.set(nodeID, CommandRescan)
}

// ModeHeartbeat records a partition-mode agent heartbeat.
func (q *Queue) ModeHeartbeat(nodeID string) {
	q.modes.heartbeat(nodeID)
}

// SetModeStatus records the agent's self-reported partition-mode state.
func (q *Queue) SetModeStatus(nodeID, status string) {
	q.modes.setStatus(nodeID, status)
}

// ModeStatus returns the node's partition-mode state.
func (q *Queue) ModeStatus(nodeID string) ModeStatus {
	return q.modes.get(nodeID)
}

func (q *Queue) recordOpEvent(ctx context.Context, op *types.PartitionOperation, trigger string, report StatusReport) {
	if q.recorder == nil {
		return
	}
	kind := types.EventProgress
	if report.Status == types.OpFailed {
		kind = types.EventError
	}
	err := q.recorder.Record(ctx, &types.NodeEvent{
		NodeID:  op.NodeID,
		Kind:    kind,
		Source:  types.SourceAgent,
		Trigger: trigger,
		Payload: map[string]any{
			"operation_id": op.ID,
			"type":         string(op.Type),
			"device":       op.Device,
			"status":       string(report.Status),
			"message":      report.Message,
		},
	})
	if err != nil {
		log.WithNodeID(op.NodeID).Warn().Err(err).Msg("failed to record operation event")
	}
}

func validStatus(s types.OpStatus) bool {
	switch s {
	case types.OpPending, types.OpInProgress, types.OpCompleted, types.OpFailed:
		return true
	}
	return false
}

func validateOp(opType types.PartitionOpType, device string, params map[string]any) error {
	if device == "" {
		return fmt.Errorf("%w: device is required", ErrValidation)
	}

	switch opType {
	case types.OpResize:
		if err := requireNumber(params, "partition"); err != nil {
			return err
		}
		if err := requireSize(params, "new_size_bytes"); err != nil {
			return err
		}
	case types.OpCreate:
		if err := requireSize(params, "size_bytes"); err != nil {
			return err
		}
		if fs, ok := params["fs_type"].(string); ok && fs != "" && !supportedFilesystems[fs] {
			return fmt.Errorf("%w: filesystem %q", ErrCapability, fs)
		}
	case types.OpDelete:
		if err := requireNumber(params, "partition"); err != nil {
			return err
		}
	case types.OpFormat:
		if err := requireNumber(params, "partition"); err != nil {
			return err
		}
		fs, ok := params["fs_type"].(string)
		if !ok || fs == "" {
			return fmt.Errorf("%w: fs_type is required for format", ErrValidation)
		}
		if !supportedFilesystems[fs] {
			return fmt.Errorf("%w: filesystem %q", ErrCapability, fs)
		}
	case types.OpSetFlag:
		if err := requireNumber(params, "partition"); err != nil {
			return err
		}
		flag, ok := params["flag"].(string)
		if !ok || !supportedFlags[flag] {
			return fmt.Errorf("%w: flag %q", ErrCapability, flag)
		}
		if state, ok := params["state"].(string); !ok || (state != "on" && state != "off") {
			return fmt.Errorf("%w: state must be on or off", ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown operation %q", ErrValidation, opType)
	}
	return nil
}

// requireNumber checks a numeric param. JSON decodes numbers as
// float64; integers also pass for direct callers.
func requireNumber(params map[string]any, key string) error {
	switch v := params[key].(type) {
	case float64:
		if v < 0 {
			return fmt.Errorf("%w: %s out of range", ErrValidation, key)
		}
	case int:
		if v < 0 {
			return fmt.Errorf("%w: %s out of range", ErrValidation, key)
		}
	case int64:
		if v < 0 {
			return fmt.Errorf("%w: %s out of range", ErrValidation, key)
		}
	default:
		return fmt.Errorf("%w: %s is required", ErrValidation, key)
	}
	return nil
}

// requireSize accepts a byte count or the literal "max".
func requireSize(params map[string]any, key string) error {
	switch v := params[key].(type) {
	case string:
		if v != "max" {
			return fmt.Errorf("%w: %s must be a byte count or \"max\"", ErrValidation, key)
		}
	case float64:
		if v <= 0 {
			return fmt.Errorf("%w: %s out of range", ErrValidation, key)
		}
	case int:
		if v <= 0 {
			return fmt.Errorf("%w: %s out of range", ErrValidation, key)
		}
	case int64:
		if v <= 0 {
			return fmt.Errorf("%w: %s out of range", ErrValidation, key)
		}
	default:
		return fmt.Errorf("%w: %s is required", ErrValidation, key)
	}
	return nil
}
