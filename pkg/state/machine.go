// Package state implements the node lifecycle machine. Every state
// change in the system, whatever its ingress path, goes through
// Machine.Transition.
package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pureboot/pureboot/pkg/events"
	"github.com/pureboot/pureboot/pkg/locks"
	"github.com/pureboot/pureboot/pkg/log"
	"github.com/pureboot/pureboot/pkg/storage"
	"github.com/pureboot/pureboot/pkg/types"
)

var (
	// ErrInvalidTransition is wrapped with the offending from/to pair.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrUnknownState is returned for state names outside the lifecycle.
	ErrUnknownState = errors.New("unknown state")
)

// edges is the complete set of legal lifecycle transitions. The wipe
// path is open from every state except decommissioned, which is final.
var edges = map[types.NodeState][]types.NodeState{
	types.StateDiscovered:  {types.StateIgnored, types.StatePending, types.StateWiping},
	types.StateIgnored:     {types.StateWiping},
	types.StatePending:     {types.StateInstalling, types.StateWiping},
	types.StateInstalling:  {types.StateInstalled, types.StateWiping},
	types.StateInstalled:   {types.StateActive, types.StateWiping},
	types.StateActive:      {types.StateReprovision, types.StateMigrating, types.StateRetired, types.StateWiping},
	types.StateReprovision: {types.StatePending, types.StateWiping},
	types.StateMigrating:   {types.StateWiping},
	types.StateRetired:     {types.StateWiping},
	types.StateWiping:      {types.StateDecommissioned},
}

// allStates is used to validate inbound state names.
var allStates = map[types.NodeState]bool{
	types.StateDiscovered:     true,
	types.StateIgnored:        true,
	types.StatePending:        true,
	types.StateInstalling:     true,
	types.StateInstalled:      true,
	types.StateActive:         true,
	types.StateReprovision:    true,
	types.StateMigrating:      true,
	types.StateRetired:        true,
	types.StateWiping:         true,
	types.StateDecommissioned: true,
}

// Parse validates a state name from the wire.
func Parse(name string) (types.NodeState, error) {
	s := types.NodeState(name)
	if !allStates[s] {
		return "", fmt.Errorf("%w: %q", ErrUnknownState, name)
	}
	return s, nil
}

// CanTransition reports whether from permits to.
func CanTransition(from, to types.NodeState) bool {
	for _, next := range edges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Machine drives nodes through the lifecycle.
type Machine struct {
	store    storage.Store
	recorder *events.Recorder
	locks    *locks.Keyed
}

// New creates a Machine.
func New(store storage.Store, recorder *events.Recorder, keyed *locks.Keyed) *Machine {
	return &Machine{store: store, recorder: recorder, locks: keyed}
}

// Transition atomically moves a node to a new state: it validates the
// edge under the node's lock, persists the new state, applies the
// edge's side-effects, and appends a state-change event.
func (m *Machine) Transition(ctx context.Context, nodeID string, to types.NodeState, trigger string, source types.EventSource) (*types.Node, error) {
	if !allStates[to] {
		return nil, fmt.Errorf("%w: %q", ErrUnknownState, to)
	}

	unlock := m.locks.Lock(nodeID)
	defer unlock()

	node, err := m.store.GetNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}

	from := node.State
	if !CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	node.State = to
	m.applySideEffects(node, from, to)

	if err := m.store.UpdateNode(ctx, node); err != nil {
		return nil, err
	}

	if m.recorder != nil {
		err := m.recorder.Record(ctx, &types.NodeEvent{
			NodeID:  node.ID,
			Kind:    types.EventStateChange,
			Source:  source,
			From:    from,
			To:      to,
			Trigger: trigger,
		})
		if err != nil {
			log.WithNodeID(node.ID).Warn().Err(err).Msg("failed to record transition event")
		}
	}

	log.WithNodeID(node.ID).Info().
		Str("from", string(from)).
		Str("to", string(to)).
		Str("trigger", trigger).
		Msg("node state changed")
	return node, nil
}

// BulkTransition applies the same transition to many nodes, validating
// each independently. One invalid node never blocks the rest.
func (m *Machine) BulkTransition(ctx context.Context, nodeIDs []string, to types.NodeState, trigger string) *types.BulkResult {
	result := &types.BulkResult{}
	for _, id := range nodeIDs {
		if _, err := m.Transition(ctx, id, to, trigger, types.SourceController); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, types.BulkError{ID: id, Reason: err.Error()})
			continue
		}
		result.Updated++
	}
	return result
}

func (m *Machine) applySideEffects(node *types.Node, from, to types.NodeState) {
	switch {
	case from == types.StateInstalled && to == types.StateActive:
		// The clone that installed this node is finished business.
		node.CloneSession = nil
	case to == types.StateRetired || to == types.StateDecommissioned:
		now := time.Now().UTC()
		node.RetiredAt = &now
	case to == types.StatePending:
		node.CloneSession = nil
	}
}
