// Package clone orchestrates disk clone sessions: creation, credential
// handout, source/target rendezvous, progress tracking, and teardown.
package clone

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pureboot/pureboot/pkg/config"
	"github.com/pureboot/pureboot/pkg/events"
	"github.com/pureboot/pureboot/pkg/ingest"
	"github.com/pureboot/pureboot/pkg/locks"
	"github.com/pureboot/pureboot/pkg/log"
	"github.com/pureboot/pureboot/pkg/security"
	"github.com/pureboot/pureboot/pkg/staging"
	"github.com/pureboot/pureboot/pkg/storage"
	"github.com/pureboot/pureboot/pkg/types"
)

var (
	// ErrNodeBusy is returned when a node already participates in a
	// non-terminal session.
	ErrNodeBusy = errors.New("node already has an active clone session")

	// ErrSessionTerminal is returned for mutations on closed sessions.
	ErrSessionTerminal = errors.New("clone session is terminal")

	// ErrNotStaged is returned for staging calls on direct sessions.
	ErrNotStaged = errors.New("session has no staging")

	// ErrBadRequest wraps validation failures on session input.
	ErrBadRequest = errors.New("invalid clone session request")
)

// stagingRank orders the staging overlay; updates may only move forward.
var stagingRank = map[types.StagingStatus]int{
	types.StagingNone:        0,
	types.StagingAllocating:  1,
	types.StagingUploading:   2,
	types.StagingReady:       3,
	types.StagingDownloading: 4,
	types.StagingReleased:    5,
}

// CreateOptions are the inputs to session creation.
type CreateOptions struct {
	SourceNodeID string                     `json:"source_node_id"`
	TargetNodeID string                     `json:"target_node_id"`
	Mode         types.CloneMode            `json:"mode"`
	ResizeMode   types.ResizeMode           `json:"resize_mode,omitempty"`
	ResizePlan   []types.PartitionOperation `json:"resize_plan,omitempty"`
	Compress     bool                       `json:"compression"`
	SourceDevice string                     `json:"source_device,omitempty"`
	TargetDevice string                     `json:"target_device,omitempty"`

	// SizeBytes is required for staged sessions on block-backed
	// staging; direct sessions learn the size at source-ready.
	SizeBytes int64 `json:"size_bytes,omitempty"`
}

// SourceInfo is the rendezvous report from the source agent.
type SourceInfo struct {
	IP        string `json:"ip"`
	Port      int    `json:"port"`
	SizeBytes int64  `json:"size_bytes"`
	Device    string `json:"device"`
}

// ProgressUpdate is one progress report from either side.
type ProgressUpdate struct {
	Role             types.CloneRole `json:"role"`
	BytesTransferred int64           `json:"bytes_transferred"`
	Rate             float64         `json:"rate,omitempty"`
	Status           string          `json:"status,omitempty"` // streaming|complete|failed
	Timestamp        time.Time       `json:"timestamp"`
}

// Manager owns clone session lifecycle. Every mutation of a session
// happens under its per-session lock.
type Manager struct {
	store    storage.Store
	recorder *events.Recorder
	keeper   *security.Keeper
	brokers  []staging.Broker
	locks    *locks.Keyed
	dedup    *ingest.Dedup
	cfg      config.CloneConfig
}

// NewManager creates a Manager.
func NewManager(store storage.Store, recorder *events.Recorder, keeper *security.Keeper, brokers []staging.Broker, keyed *locks.Keyed, cfg config.CloneConfig) *Manager {
	return &Manager{
		store:    store,
		recorder: recorder,
		keeper:   keeper,
		brokers:  brokers,
		locks:    keyed,
		dedup:    ingest.NewDedup(0),
		cfg:      cfg,
	}
}

// Create validates the request, provisions credentials (direct) or
// staging (staged), and persists the session. Both nodes are marked so
// their next boot enters the clone role.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (*types.CloneSession, error) {
	if err := validateOptions(opts); err != nil {
		return nil, err
	}

	source, err := m.store.GetNode(ctx, opts.SourceNodeID)
	if err != nil {
		return nil, err
	}
	target, err := m.store.GetNode(ctx, opts.TargetNodeID)
	if err != nil {
		return nil, err
	}

	for _, node := range []*types.Node{source, target} {
		if _, err := m.store.ActiveSessionForNode(ctx, node.ID); err == nil {
			return nil, fmt.Errorf("%w: %s", ErrNodeBusy, node.ID)
		} else if !errors.Is(err, storage.ErrSessionNotFound) {
			return nil, err
		}
	}

	sessionID := uuid.New().String()
	session := &types.CloneSession{
		ID:            sessionID,
		SourceNodeID:  source.ID,
		TargetNodeID:  target.ID,
		Mode:          opts.Mode,
		Status:        types.SessionCreated,
		StagingStatus: types.StagingNone,
		ResizeMode:    opts.ResizeMode,
		ResizePlan:    opts.ResizePlan,
		Compress:      opts.Compress,
		SourceDevice:  opts.SourceDevice,
		TargetDevice:  opts.TargetDevice,
		TotalBytes:    opts.SizeBytes,
		CreatedAt:     time.Now().UTC(),
	}
	if session.ResizeMode == "" {
		session.ResizeMode = types.ResizeNone
	}

	// Provision side-effects before the session record exists, so a
	// failure here leaves nothing behind.
	var broker staging.Broker
	switch opts.Mode {
	case types.CloneDirect:
		if _, err := m.keeper.Create(sessionID); err != nil {
			return nil, fmt.Errorf("failed to mint session certificates: %w", err)
		}
	case types.CloneStaged:
		broker, err = staging.Select(m.brokers)
		if err != nil {
			return nil, err
		}
		session.StagingStatus = types.StagingAllocating
		alloc, err := broker.Allocate(ctx, sessionID, opts.SizeBytes, opts.Compress)
		if err != nil {
			return nil, fmt.Errorf("failed to allocate staging: %w", err)
		}
		session.Staging = alloc
	}

	rollback := func() {
		m.keeper.Destroy(sessionID)
		if broker != nil {
			if err := broker.Release(ctx, sessionID, session.Staging); err != nil {
				log.WithSessionID(sessionID).Warn().Err(err).Msg("staging rollback failed")
			}
		}
		// Any node already pointed at the session must be released too,
		// and a persisted session record goes terminal so it cannot keep
		// the nodes busy.
		m.clearNodeRef(ctx, source.ID, sessionID)
		m.clearNodeRef(ctx, target.ID, sessionID)
		if persisted, err := m.store.GetSession(ctx, sessionID); err == nil {
			now := time.Now().UTC()
			persisted.Status = types.SessionFailed
			persisted.Error = "session creation failed"
			persisted.FinishedAt = &now
			if err := m.store.UpdateSession(ctx, persisted); err != nil {
				log.WithSessionID(sessionID).Warn().Err(err).Msg("session rollback failed")
			}
		}
	}

	if err := m.store.CreateSession(ctx, session); err != nil {
		rollback()
		return nil, err
	}

	for _, pair := range []struct {
		node   *types.Node
		device string
	}{
		{source, opts.SourceDevice},
		{target, opts.TargetDevice},
	} {
		unlock := m.locks.Lock(pair.node.ID)
		pair.node.CloneSession = &sessionID
		if pair.device != "" {
			pair.node.TargetDevice = pair.device
		}
		err := m.store.UpdateNode(ctx, pair.node)
		unlock()
		if err != nil {
			rollback()
			return nil, err
		}
	}

	m.recordSessionEvent(ctx, session, source.ID, "session created")
	m.recordSessionEvent(ctx, session, target.ID, "session created")
	log.WithSessionID(sessionID).Info().
		Str("mode", string(opts.Mode)).
		Str("source", source.ID).
		Str("target", target.ID).
		Msg("clone session created")
	return session, nil
}

// Get returns one session.
func (m *Manager) Get(ctx context.Context, id string) (*types.CloneSession, error) {
	return m.store.GetSession(ctx, id)
}

// List returns all sessions.
func (m *Manager) List(ctx context.Context) ([]*types.CloneSession, error) {
	return m.store.ListSessions(ctx)
}

// Certs returns the PEM bundle for one role of a direct session.
func (m *Manager) Certs(ctx context.Context, id string, role types.CloneRole) (*types.CertBundle, error) {
	if role != types.RoleSource && role != types.RoleTarget {
		return nil, fmt.Errorf("%w: role must be source or target", ErrBadRequest)
	}
	if _, err := m.store.GetSession(ctx, id); err != nil {
		return nil, err
	}
	ca, err := m.keeper.Get(id)
	if err != nil {
		return nil, err
	}
	return ca.Bundle(role)
}

// SourceReady records the source agent's rendezvous report and moves
// the session to source_ready.
func (m *Manager) SourceReady(ctx context.Context, id string, info SourceInfo) (*types.CloneSession, error) {
	unlock := m.locks.Lock("session:" + id)
	defer unlock()

	session, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s", ErrSessionTerminal, session.Status)
	}
	if session.Status != types.SessionCreated {
		// Re-delivered source-ready; keep the recorded rendezvous.
		return session, nil
	}

	now := time.Now().UTC()
	session.Status = types.SessionSourceReady
	session.SourceReadyAt = &now
	session.SourceIP = info.IP
	session.SourcePort = info.Port
	if info.SizeBytes > 0 {
		session.TotalBytes = info.SizeBytes
	}
	if info.Device != "" {
		session.SourceDevice = info.Device
	}

	if err := m.store.UpdateSession(ctx, session); err != nil {
		return nil, err
	}
	m.recordSessionEvent(ctx, session, session.SourceNodeID, "source ready")
	return session, nil
}

// Progress ingests one progress report. Duplicates are dropped, byte
// counters never regress, and reports against a terminal session are
// recorded for audit without reviving the session.
func (m *Manager) Progress(ctx context.Context, id string, update ProgressUpdate) (*types.CloneSession, error) {
	if update.Timestamp.IsZero() {
		update.Timestamp = time.Now().UTC()
	}
	if m.dedup.Check(id, string(update.Role), update.Timestamp) {
		return m.store.GetSession(ctx, id)
	}

	unlock := m.locks.Lock("session:" + id)
	defer unlock()

	session, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}

	if session.Status.Terminal() {
		m.recordAudit(ctx, session, update)
		return session, nil
	}

	switch update.Role {
	case types.RoleSource:
		session.SourceBytes = ingest.Monotonic(session.SourceBytes, update.BytesTransferred)
	case types.RoleTarget:
		session.TargetBytes = ingest.Monotonic(session.TargetBytes, update.BytesTransferred)
	default:
		return nil, fmt.Errorf("%w: unknown role %q", ErrBadRequest, update.Role)
	}

	if session.Status == types.SessionSourceReady && update.Role == types.RoleTarget {
		now := time.Now().UTC()
		session.Status = types.SessionStreaming
		session.StreamingAt = &now
		m.recordSessionEvent(ctx, session, session.TargetNodeID, "streaming")
	}

	switch update.Status {
	case "complete":
		m.closeLocked(ctx, session, types.SessionComplete, "")
	case "failed":
		m.closeLocked(ctx, session, types.SessionFailed, "agent reported failure")
	}

	if err := m.store.UpdateSession(ctx, session); err != nil {
		return nil, err
	}
	// Marked only after the write lands, so a failed persist stays
	// retryable with the same timestamp.
	m.dedup.Mark(id, string(update.Role), update.Timestamp)
	return session, nil
}

// Complete declares the session finished.
func (m *Manager) Complete(ctx context.Context, id string) (*types.CloneSession, error) {
	return m.closeSession(ctx, id, types.SessionComplete, "")
}

// Fail moves the session to terminal failed with an error code.
func (m *Manager) Fail(ctx context.Context, id, errorCode string) (*types.CloneSession, error) {
	return m.closeSession(ctx, id, types.SessionFailed, errorCode)
}

// Cancel aborts a non-terminal session.
func (m *Manager) Cancel(ctx context.Context, id string) (*types.CloneSession, error) {
	return m.closeSession(ctx, id, types.SessionCancelled, "")
}

// StagingInfo returns the session's staging allocation.
func (m *Manager) StagingInfo(ctx context.Context, id string) (*types.StagingAllocation, error) {
	session, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.Mode != types.CloneStaged || session.Staging == nil {
		return nil, ErrNotStaged
	}
	return session.Staging, nil
}

// StagingStatus advances the staging overlay. Regressions are dropped
// rather than rejected, since agents re-deliver.
func (m *Manager) StagingStatus(ctx context.Context, id string, status types.StagingStatus) (*types.CloneSession, error) {
	rank, ok := stagingRank[status]
	if !ok {
		return nil, fmt.Errorf("%w: unknown staging status %q", ErrBadRequest, status)
	}

	unlock := m.locks.Lock("session:" + id)
	defer unlock()

	session, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.Mode != types.CloneStaged {
		return nil, ErrNotStaged
	}
	if session.Status.Terminal() {
		m.recordAudit(ctx, session, ProgressUpdate{Role: types.RoleNode, Status: string(status), Timestamp: time.Now().UTC()})
		return session, nil
	}
	if rank <= stagingRank[session.StagingStatus] {
		return session, nil
	}

	session.StagingStatus = status
	now := time.Now().UTC()
	switch status {
	case types.StagingReady:
		// Image parked; from the target's point of view the source side
		// is done.
		if session.Status == types.SessionCreated {
			session.Status = types.SessionSourceReady
			session.SourceReadyAt = &now
		}
	case types.StagingDownloading:
		if session.Status != types.SessionStreaming {
			session.Status = types.SessionStreaming
			session.StreamingAt = &now
		}
	}

	if err := m.store.UpdateSession(ctx, session); err != nil {
		return nil, err
	}
	m.recordSessionEvent(ctx, session, session.SourceNodeID, "staging "+string(status))
	return session, nil
}

// SourceComplete records that the source finished uploading to staging.
func (m *Manager) SourceComplete(ctx context.Context, id string) (*types.CloneSession, error) {
	return m.StagingStatus(ctx, id, types.StagingReady)
}

// Plan returns the session's resize plan in execution order.
func (m *Manager) Plan(ctx context.Context, id string) ([]types.PartitionOperation, error) {
	session, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	return session.ResizePlan, nil
}

// ExpireStalled fails sessions stuck waiting for rendezvous past the
// configured timeouts. Called periodically by the reconciler.
func (m *Manager) ExpireStalled(ctx context.Context) int {
	sessions, err := m.store.ListSessions(ctx)
	if err != nil {
		log.WithComponent("clone").Error().Err(err).Msg("failed to list sessions for expiry")
		return 0
	}

	expired := 0
	now := time.Now()
	for _, session := range sessions {
		if session.Status.Terminal() {
			continue
		}
		timeout := m.cfg.DirectTimeout
		if session.Mode == types.CloneStaged {
			timeout = m.cfg.StagingTimeout
		}
		if timeout <= 0 {
			continue
		}

		start := session.CreatedAt
		if session.StreamingAt != nil {
			// Streaming sessions have their own idle handling agent-side.
			continue
		}
		if session.SourceReadyAt != nil {
			start = *session.SourceReadyAt
		}
		if now.Sub(start) < timeout {
			continue
		}

		if _, err := m.Fail(ctx, session.ID, "rendezvous timeout"); err != nil {
			log.WithSessionID(session.ID).Warn().Err(err).Msg("failed to expire session")
			continue
		}
		expired++
	}
	return expired
}

// SweepCerts wipes certificate material past the grace window.
func (m *Manager) SweepCerts() int {
	return m.keeper.Sweep()
}

func (m *Manager) closeSession(ctx context.Context, id string, status types.SessionStatus, errorCode string) (*types.CloneSession, error) {
	unlock := m.locks.Lock("session:" + id)
	defer unlock()

	session, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.Status.Terminal() {
		if status == types.SessionCancelled {
			return nil, fmt.Errorf("%w: %s", ErrSessionTerminal, session.Status)
		}
		// Re-delivered completion; audit only.
		m.recordAudit(ctx, session, ProgressUpdate{Role: types.RoleNode, Status: string(status), Timestamp: time.Now().UTC()})
		return session, nil
	}

	m.closeLocked(ctx, session, status, errorCode)
	if err := m.store.UpdateSession(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// closeLocked applies the terminal transition and releases session
// side-effects. Caller holds the session lock and persists the session.
func (m *Manager) closeLocked(ctx context.Context, session *types.CloneSession, status types.SessionStatus, errorCode string) {
	now := time.Now().UTC()
	session.Status = status
	session.FinishedAt = &now
	session.Error = errorCode

	// Certificates stay fetchable for the grace window, then the
	// reconciler sweep wipes them.
	m.keeper.Retire(session.ID)

	if session.Mode == types.CloneStaged && session.Staging != nil {
		broker := m.brokerFor(session.Staging.Type)
		if broker != nil {
			if err := broker.Release(ctx, session.ID, session.Staging); err != nil {
				log.WithSessionID(session.ID).Warn().Err(err).Msg("staging release failed")
			}
		}
		session.StagingStatus = types.StagingReleased
	}

	m.clearNodeRef(ctx, session.SourceNodeID, session.ID)
	m.clearNodeRef(ctx, session.TargetNodeID, session.ID)

	m.recordSessionEvent(ctx, session, session.SourceNodeID, string(status))
	m.recordSessionEvent(ctx, session, session.TargetNodeID, string(status))
	log.WithSessionID(session.ID).Info().Str("status", string(status)).Msg("clone session closed")
}

func (m *Manager) brokerFor(t types.StagingType) staging.Broker {
	for _, b := range m.brokers {
		if b.Type() == t {
			return b
		}
	}
	return nil
}

func (m *Manager) clearNodeRef(ctx context.Context, nodeID, sessionID string) {
	unlock := m.locks.Lock(nodeID)
	defer unlock()

	node, err := m.store.GetNode(ctx, nodeID)
	if err != nil {
		return
	}
	if node.CloneSession == nil || *node.CloneSession != sessionID {
		return
	}
	node.CloneSession = nil
	if err := m.store.UpdateNode(ctx, node); err != nil {
		log.WithNodeID(nodeID).Warn().Err(err).Msg("failed to clear clone session reference")
	}
}

func (m *Manager) recordSessionEvent(ctx context.Context, session *types.CloneSession, nodeID, trigger string) {
	if m.recorder == nil {
		return
	}
	err := m.recorder.Record(ctx, &types.NodeEvent{
		NodeID:    nodeID,
		SessionID: session.ID,
		Kind:      types.EventSessionEvent,
		Source:    types.SourceController,
		Trigger:   trigger,
		Payload: map[string]any{
			"status":         string(session.Status),
			"staging_status": string(session.StagingStatus),
			"mode":           string(session.Mode),
		},
	})
	if err != nil {
		log.WithSessionID(session.ID).Warn().Err(err).Msg("failed to record session event")
	}
}

// recordAudit journals a post-terminal report without touching session
// state.
func (m *Manager) recordAudit(ctx context.Context, session *types.CloneSession, update ProgressUpdate) {
	if m.recorder == nil {
		return
	}
	err := m.recorder.Record(ctx, &types.NodeEvent{
		NodeID:    session.TargetNodeID,
		SessionID: session.ID,
		Kind:      types.EventProgress,
		Source:    types.SourceAgent,
		Trigger:   "post-terminal report",
		Payload: map[string]any{
			"role":              string(update.Role),
			"bytes_transferred": update.BytesTransferred,
			"status":            update.Status,
		},
	})
	if err != nil {
		log.WithSessionID(session.ID).Warn().Err(err).Msg("failed to record audit event")
	}
}

func validateOptions(opts CreateOptions) error {
	if opts.SourceNodeID == "" || opts.TargetNodeID == "" {
		return fmt.Errorf("%w: source and target nodes are required", ErrBadRequest)
	}
	if opts.SourceNodeID == opts.TargetNodeID {
		return fmt.Errorf("%w: source and target must differ", ErrBadRequest)
	}
	switch opts.Mode {
	case types.CloneDirect, types.CloneStaged:
	default:
		return fmt.Errorf("%w: mode must be direct or staged", ErrBadRequest)
	}
	switch opts.ResizeMode {
	case "", types.ResizeNone, types.ResizeShrinkSource, types.ResizeGrowTarget:
	default:
		return fmt.Errorf("%w: unknown resize mode %q", ErrBadRequest, opts.ResizeMode)
	}
	return nil
}
