// Package registry resolves machine identity and owns node attributes.
// Identity is the MAC address (Pi nodes additionally carry a firmware
// serial); everything else is mutable metadata.
package registry

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pureboot/pureboot/pkg/events"
	"github.com/pureboot/pureboot/pkg/locks"
	"github.com/pureboot/pureboot/pkg/log"
	"github.com/pureboot/pureboot/pkg/storage"
	"github.com/pureboot/pureboot/pkg/types"
)

// ErrInvalidMAC is returned for MACs not in colon-separated form.
var ErrInvalidMAC = errors.New("invalid MAC address")

// macPattern matches the single canonical form: six colon-separated
// octets. Dash and dot separators are rejected on purpose so every
// stored MAC compares byte-equal.
var macPattern = regexp.MustCompile(`^([0-9a-fA-F]{2}:){5}[0-9a-fA-F]{2}$`)

// NormalizeMAC validates mac and returns it lowercased.
func NormalizeMAC(mac string) (string, error) {
	if !macPattern.MatchString(mac) {
		return "", fmt.Errorf("%w: %q", ErrInvalidMAC, mac)
	}
	return strings.ToLower(mac), nil
}

// Attributes are the non-identity fields a registration may carry.
// Empty fields leave the stored value untouched.
type Attributes struct {
	Hostname     string
	Architecture string
	BootMode     string
	Vendor       string
	Model        string
	Serial       string
	IPAddress    string
}

// Patch is a partial node update. Nil pointers mean "no change"; a
// pointer to the empty string clears the field.
type Patch struct {
	Hostname     *string `json:"hostname,omitempty"`
	Architecture *string `json:"architecture,omitempty"`
	BootMode     *string `json:"boot_mode,omitempty"`
	GroupID      *string `json:"group_id,omitempty"`
	WorkflowID   *string `json:"workflow_id,omitempty"`
	TargetDevice *string `json:"target_device,omitempty"`
}

// Registry manages node identity and attributes. All writes to a node
// serialize on the shared per-node lock set.
type Registry struct {
	store    storage.Store
	recorder *events.Recorder
	locks    *locks.Keyed
}

// New creates a Registry.
func New(store storage.Store, recorder *events.Recorder, keyed *locks.Keyed) *Registry {
	return &Registry{store: store, recorder: recorder, locks: keyed}
}

// Register resolves mac to a node, creating one in state discovered on
// first contact. For known MACs it updates the supplied attributes and
// refreshes last_seen. Returns the node and whether it was created.
func (r *Registry) Register(ctx context.Context, mac string, attrs Attributes) (*types.Node, bool, error) {
	normalized, err := NormalizeMAC(mac)
	if err != nil {
		return nil, false, err
	}

	unlock := r.locks.Lock("mac:" + normalized)
	defer unlock()

	node, err := r.store.GetNodeByMAC(ctx, normalized)
	if err == nil {
		applyAttributes(node, attrs)
		node.LastSeen = time.Now().UTC()
		if err := r.store.UpdateNode(ctx, node); err != nil {
			return nil, false, err
		}
		return node, false, nil
	}
	if !errors.Is(err, storage.ErrNodeNotFound) {
		return nil, false, err
	}

	node = r.newNode(normalized, attrs)
	if err := r.store.CreateNode(ctx, node); err != nil {
		return nil, false, err
	}
	r.recordDiscovery(ctx, node)
	return node, true, nil
}

// Create registers a brand-new node and fails with ErrDuplicateMAC if
// the MAC is already known. Used by the explicit registration endpoint,
// where silent upsert would mask operator mistakes.
func (r *Registry) Create(ctx context.Context, mac string, attrs Attributes) (*types.Node, error) {
	normalized, err := NormalizeMAC(mac)
	if err != nil {
		return nil, err
	}

	unlock := r.locks.Lock("mac:" + normalized)
	defer unlock()

	node := r.newNode(normalized, attrs)
	if err := r.store.CreateNode(ctx, node); err != nil {
		return nil, err
	}
	r.recordDiscovery(ctx, node)
	return node, nil
}

// RegisterPi resolves a Raspberry Pi by firmware serial, creating the
// node on first contact. Pi serials are matched case-insensitively.
func (r *Registry) RegisterPi(ctx context.Context, serial, mac string, attrs Attributes) (*types.Node, bool, error) {
	serial = strings.ToLower(strings.TrimSpace(serial))
	if serial == "" {
		return nil, false, errors.New("pi serial is required")
	}

	unlock := r.locks.Lock("pi:" + serial)
	defer unlock()

	node, err := r.store.GetNodeByPiSerial(ctx, serial)
	if err == nil {
		applyAttributes(node, attrs)
		node.LastSeen = time.Now().UTC()
		if err := r.store.UpdateNode(ctx, node); err != nil {
			return nil, false, err
		}
		return node, false, nil
	}
	if !errors.Is(err, storage.ErrNodeNotFound) {
		return nil, false, err
	}

	normalized, err := NormalizeMAC(mac)
	if err != nil {
		return nil, false, err
	}
	if attrs.Architecture == "" {
		attrs.Architecture = "aarch64"
	}
	node = r.newNode(normalized, attrs)
	node.PiSerial = serial
	if err := r.store.CreateNode(ctx, node); err != nil {
		return nil, false, err
	}
	r.recordDiscovery(ctx, node)
	return node, true, nil
}

// Get returns one node by id.
func (r *Registry) Get(ctx context.Context, id string) (*types.Node, error) {
	return r.store.GetNode(ctx, id)
}

// GetByMAC returns one node by normalized MAC.
func (r *Registry) GetByMAC(ctx context.Context, mac string) (*types.Node, error) {
	normalized, err := NormalizeMAC(mac)
	if err != nil {
		return nil, err
	}
	return r.store.GetNodeByMAC(ctx, normalized)
}

// List returns all nodes.
func (r *Registry) List(ctx context.Context) ([]*types.Node, error) {
	return r.store.ListNodes(ctx)
}

// Update applies a partial update to a node's mutable attributes.
func (r *Registry) Update(ctx context.Context, id string, patch Patch) (*types.Node, error) {
	unlock := r.locks.Lock(id)
	defer unlock()

	node, err := r.store.GetNode(ctx, id)
	if err != nil {
		return nil, err
	}

	if patch.Hostname != nil {
		node.Hostname = *patch.Hostname
	}
	if patch.Architecture != nil {
		node.Architecture = *patch.Architecture
	}
	if patch.BootMode != nil {
		node.BootMode = *patch.BootMode
	}
	if patch.TargetDevice != nil {
		node.TargetDevice = *patch.TargetDevice
	}
	if patch.GroupID != nil {
		if err := r.setGroup(ctx, node, *patch.GroupID); err != nil {
			return nil, err
		}
	}
	if patch.WorkflowID != nil {
		if err := r.setWorkflow(ctx, node, *patch.WorkflowID); err != nil {
			return nil, err
		}
	}

	if err := r.store.UpdateNode(ctx, node); err != nil {
		return nil, err
	}
	return node, nil
}

// Delete removes a node entirely. Admin action; the lifecycle answer to
// "this machine is gone" is the retired state, not deletion.
func (r *Registry) Delete(ctx context.Context, id string) error {
	unlock := r.locks.Lock(id)
	defer unlock()
	return r.store.DeleteNode(ctx, id)
}

// AddTag adds a tag to the node's tag set. Adding a tag the node
// already bears is a no-op.
func (r *Registry) AddTag(ctx context.Context, id, tag string) (*types.Node, error) {
	tag = normalizeTag(tag)
	if tag == "" {
		return nil, errors.New("tag must not be empty")
	}

	unlock := r.locks.Lock(id)
	defer unlock()

	node, err := r.store.GetNode(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, t := range node.Tags {
		if t == tag {
			return node, nil
		}
	}
	node.Tags = append(node.Tags, tag)
	if err := r.store.UpdateNode(ctx, node); err != nil {
		return nil, err
	}
	return node, nil
}

// RemoveTag removes a tag from the node's tag set. Removing an absent
// tag is a no-op.
func (r *Registry) RemoveTag(ctx context.Context, id, tag string) (*types.Node, error) {
	tag = normalizeTag(tag)

	unlock := r.locks.Lock(id)
	defer unlock()

	node, err := r.store.GetNode(ctx, id)
	if err != nil {
		return nil, err
	}
	kept := node.Tags[:0]
	for _, t := range node.Tags {
		if t != tag {
			kept = append(kept, t)
		}
	}
	node.Tags = kept
	if err := r.store.UpdateNode(ctx, node); err != nil {
		return nil, err
	}
	return node, nil
}

// AssignGroup sets or clears the node's group.
func (r *Registry) AssignGroup(ctx context.Context, id, groupID string) (*types.Node, error) {
	unlock := r.locks.Lock(id)
	defer unlock()

	node, err := r.store.GetNode(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := r.setGroup(ctx, node, groupID); err != nil {
		return nil, err
	}
	if err := r.store.UpdateNode(ctx, node); err != nil {
		return nil, err
	}
	return node, nil
}

// AssignWorkflow sets or clears the node's workflow.
func (r *Registry) AssignWorkflow(ctx context.Context, id, workflowID string) (*types.Node, error) {
	unlock := r.locks.Lock(id)
	defer unlock()

	node, err := r.store.GetNode(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := r.setWorkflow(ctx, node, workflowID); err != nil {
		return nil, err
	}
	if err := r.store.UpdateNode(ctx, node); err != nil {
		return nil, err
	}
	return node, nil
}

// Touch refreshes last_seen and the advisory IP hint. Called from agent
// ingress paths; failures are not fatal to the enclosing request.
func (r *Registry) Touch(ctx context.Context, id, ip string) {
	unlock := r.locks.Lock(id)
	defer unlock()

	node, err := r.store.GetNode(ctx, id)
	if err != nil {
		return
	}
	node.LastSeen = time.Now().UTC()
	if ip != "" {
		node.IPAddress = ip
	}
	if err := r.store.UpdateNode(ctx, node); err != nil {
		log.WithNodeID(id).Warn().Err(err).Msg("failed to refresh last_seen")
	}
}

// Stats summarizes the fleet.
func (r *Registry) Stats(ctx context.Context) (*types.NodeStats, error) {
	return r.store.NodeStats(ctx)
}

// Bulk applies fn to each node id independently and reports partial
// success. One node failing never stops the rest.
func (r *Registry) Bulk(ids []string, fn func(id string) error) *types.BulkResult {
	result := &types.BulkResult{}
	for _, id := range ids {
		if err := fn(id); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, types.BulkError{ID: id, Reason: err.Error()})
			continue
		}
		result.Updated++
	}
	return result
}

// BulkAddTag adds a tag to many nodes.
func (r *Registry) BulkAddTag(ctx context.Context, ids []string, tag string) *types.BulkResult {
	return r.Bulk(ids, func(id string) error {
		_, err := r.AddTag(ctx, id, tag)
		return err
	})
}

// BulkRemoveTag removes a tag from many nodes.
func (r *Registry) BulkRemoveTag(ctx context.Context, ids []string, tag string) *types.BulkResult {
	return r.Bulk(ids, func(id string) error {
		_, err := r.RemoveTag(ctx, id, tag)
		return err
	})
}

// BulkAssignGroup assigns a group to many nodes.
func (r *Registry) BulkAssignGroup(ctx context.Context, ids []string, groupID string) *types.BulkResult {
	return r.Bulk(ids, func(id string) error {
		_, err := r.AssignGroup(ctx, id, groupID)
		return err
	})
}

// BulkAssignWorkflow assigns a workflow to many nodes.
func (r *Registry) BulkAssignWorkflow(ctx context.Context, ids []string, workflowID string) *types.BulkResult {
	return r.Bulk(ids, func(id string) error {
		_, err := r.AssignWorkflow(ctx, id, workflowID)
		return err
	})
}

func (r *Registry) newNode(mac string, attrs Attributes) *types.Node {
	now := time.Now().UTC()
	node := &types.Node{
		ID:           uuid.New().String(),
		MAC:          mac,
		State:        types.StateDiscovered,
		Tags:         []string{},
		DiscoveredAt: now,
		LastSeen:     now,
	}
	applyAttributes(node, attrs)
	return node
}

func (r *Registry) recordDiscovery(ctx context.Context, node *types.Node) {
	if r.recorder == nil {
		return
	}
	err := r.recorder.Record(ctx, &types.NodeEvent{
		NodeID:  node.ID,
		Kind:    types.EventStateChange,
		Source:  types.SourceController,
		To:      types.StateDiscovered,
		Trigger: "discovered",
		Payload: map[string]any{"mac": node.MAC},
	})
	if err != nil {
		log.WithNodeID(node.ID).Warn().Err(err).Msg("failed to record discovery event")
	}
}

func (r *Registry) setGroup(ctx context.Context, node *types.Node, groupID string) error {
	if groupID == "" {
		node.GroupID = nil
		return nil
	}
	if _, err := r.store.GetGroup(ctx, groupID); err != nil {
		return err
	}
	node.GroupID = &groupID
	return nil
}

func (r *Registry) setWorkflow(ctx context.Context, node *types.Node, workflowID string) error {
	if workflowID == "" {
		node.WorkflowID = nil
		return nil
	}
	if _, err := r.store.GetWorkflow(ctx, workflowID); err != nil {
		return err
	}
	node.WorkflowID = &workflowID
	return nil
}

func applyAttributes(node *types.Node, attrs Attributes) {
	if attrs.Hostname != "" {
		node.Hostname = attrs.Hostname
	}
	if attrs.Architecture != "" {
		node.Architecture = attrs.Architecture
	}
	if attrs.BootMode != "" {
		node.BootMode = attrs.BootMode
	}
	if attrs.Vendor != "" {
		node.Vendor = attrs.Vendor
	}
	if attrs.Model != "" {
		node.Model = attrs.Model
	}
	if attrs.Serial != "" {
		node.Serial = attrs.Serial
	}
	if attrs.IPAddress != "" {
		node.IPAddress = attrs.IPAddress
	}
}

func normalizeTag(tag string) string {
	return strings.ToLower(strings.TrimSpace(tag))
}
