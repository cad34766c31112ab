package state

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pureboot/pureboot/pkg/config"
	"github.com/pureboot/pureboot/pkg/events"
	"github.com/pureboot/pureboot/pkg/locks"
	"github.com/pureboot/pureboot/pkg/storage"
	"github.com/pureboot/pureboot/pkg/types"
)

func newTestMachine(t *testing.T) (*Machine, storage.Store) {
	t.Helper()
	store, err := storage.NewGORMStore(&config.DatabaseConfig{
		Type: config.DatabaseSQLite,
		Path: ":memory:",
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	recorder := events.NewRecorder(store, nil, nil)
	return New(store, recorder, locks.NewKeyed()), store
}

func seedNode(t *testing.T, store storage.Store, st types.NodeState) *types.Node {
	t.Helper()
	node := &types.Node{
		ID:           uuid.New().String(),
		MAC:          uuid.New().String()[:17], // unique per node, shape irrelevant here
		State:        st,
		DiscoveredAt: time.Now().UTC(),
		LastSeen:     time.Now().UTC(),
	}
	require.NoError(t, store.CreateNode(context.Background(), node))
	return node
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from types.NodeState
		to   types.NodeState
		ok   bool
	}{
		{types.StateDiscovered, types.StatePending, true},
		{types.StateDiscovered, types.StateIgnored, true},
		{types.StatePending, types.StateInstalling, true},
		{types.StateInstalling, types.StateInstalled, true},
		{types.StateInstalled, types.StateActive, true},
		{types.StateActive, types.StateReprovision, true},
		{types.StateReprovision, types.StatePending, true},
		{types.StateActive, types.StateMigrating, true},
		{types.StateActive, types.StateRetired, true},
		{types.StateActive, types.StateWiping, true},
		{types.StateRetired, types.StateWiping, true},
		{types.StateWiping, types.StateDecommissioned, true},

		{types.StateDiscovered, types.StateActive, false},
		{types.StateDiscovered, types.StateInstalling, false},
		{types.StatePending, types.StateActive, false},
		{types.StateInstalling, types.StateActive, false},
		{types.StateActive, types.StatePending, false},
		{types.StateDecommissioned, types.StateWiping, false},
		{types.StateDecommissioned, types.StatePending, false},
		{types.StateRetired, types.StateActive, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.ok, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestParse(t *testing.T) {
	got, err := Parse("pending")
	require.NoError(t, err)
	assert.Equal(t, types.StatePending, got)

	_, err = Parse("provisioned")
	assert.ErrorIs(t, err, ErrUnknownState)
}

func TestTransitionRecordsEvent(t *testing.T) {
	m, store := newTestMachine(t)
	ctx := context.Background()
	node := seedNode(t, store, types.StateDiscovered)

	updated, err := m.Transition(ctx, node.ID, types.StatePending, "admin approved", types.SourceController)
	require.NoError(t, err)
	assert.Equal(t, types.StatePending, updated.State)

	evts, err := store.ListEventsByNode(ctx, node.ID, 10)
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, types.EventStateChange, evts[0].Kind)
	assert.Equal(t, types.StateDiscovered, evts[0].From)
	assert.Equal(t, types.StatePending, evts[0].To)
	assert.Equal(t, "admin approved", evts[0].Trigger)
}

func TestTransitionInvalidEdgeNamesStates(t *testing.T) {
	m, store := newTestMachine(t)
	node := seedNode(t, store, types.StateDiscovered)

	_, err := m.Transition(context.Background(), node.ID, types.StateActive, "", types.SourceController)
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Contains(t, err.Error(), "discovered")
	assert.Contains(t, err.Error(), "active")

	// State untouched after a rejected transition.
	got, err := store.GetNode(context.Background(), node.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateDiscovered, got.State)
}

func TestTransitionUnknownStateRejected(t *testing.T) {
	m, store := newTestMachine(t)
	node := seedNode(t, store, types.StateDiscovered)

	_, err := m.Transition(context.Background(), node.ID, types.NodeState("bogus"), "", types.SourceController)
	assert.ErrorIs(t, err, ErrUnknownState)
}

func TestInstalledToActiveClearsCloneSession(t *testing.T) {
	m, store := newTestMachine(t)
	ctx := context.Background()

	node := seedNode(t, store, types.StateInstalled)
	session := "some-session-id"
	node.CloneSession = &session
	require.NoError(t, store.UpdateNode(ctx, node))

	updated, err := m.Transition(ctx, node.ID, types.StateActive, "install complete", types.SourceAgent)
	require.NoError(t, err)
	assert.Nil(t, updated.CloneSession)
}

func TestRetireSetsTimestamp(t *testing.T) {
	m, store := newTestMachine(t)
	node := seedNode(t, store, types.StateActive)

	updated, err := m.Transition(context.Background(), node.ID, types.StateRetired, "hardware EOL", types.SourceController)
	require.NoError(t, err)
	require.NotNil(t, updated.RetiredAt)
	assert.WithinDuration(t, time.Now(), *updated.RetiredAt, time.Minute)
}

func TestBulkTransitionPartialSuccess(t *testing.T) {
	m, store := newTestMachine(t)
	ctx := context.Background()

	good := seedNode(t, store, types.StateDiscovered)
	bad := seedNode(t, store, types.StateActive) // active -> pending is not an edge

	result := m.BulkTransition(ctx, []string{good.ID, bad.ID, "missing"}, types.StatePending, "bulk approve")
	assert.Equal(t, 1, result.Updated)
	assert.Equal(t, 2, result.Failed)
	require.Len(t, result.Errors, 2)
	assert.Equal(t, bad.ID, result.Errors[0].ID)
	assert.Equal(t, "missing", result.Errors[1].ID)
}

func TestFullLifecyclePath(t *testing.T) {
	m, store := newTestMachine(t)
	ctx := context.Background()
	node := seedNode(t, store, types.StateDiscovered)

	path := []types.NodeState{
		types.StatePending,
		types.StateInstalling,
		types.StateInstalled,
		types.StateActive,
		types.StateReprovision,
		types.StatePending,
		types.StateInstalling,
		types.StateInstalled,
		types.StateActive,
		types.StateWiping,
		types.StateDecommissioned,
	}
	for _, next := range path {
		_, err := m.Transition(ctx, node.ID, next, "test", types.SourceController)
		require.NoError(t, err, "to %s", next)
	}

	evts, err := store.ListEventsByNode(ctx, node.ID, 0)
	require.NoError(t, err)
	assert.Len(t, evts, len(path))
}
