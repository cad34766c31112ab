package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pureboot/pureboot/pkg/config"
	"github.com/pureboot/pureboot/pkg/storage"
	"github.com/pureboot/pureboot/pkg/types"
)

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.NewGORMStore(&config.DatabaseConfig{
		Type: config.DatabaseSQLite,
		Path: ":memory:",
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seedNode(t *testing.T, store storage.Store) *types.Node {
	t.Helper()
	node := &types.Node{ID: "n1", MAC: "de:ad:be:ef:00:01", State: types.StateActive}
	require.NoError(t, store.CreateNode(context.Background(), node))
	return node
}

func receive(t *testing.T, sub Subscriber) *types.NodeEvent {
	t.Helper()
	select {
	case event := <-sub:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestBrokerFansOutToSubscribers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub1 := b.Subscribe()
	sub2 := b.Subscribe()
	assert.Equal(t, 2, b.SubscriberCount())

	b.Publish(&types.NodeEvent{ID: "e1", NodeID: "n1"})

	assert.Equal(t, "e1", receive(t, sub1).ID)
	assert.Equal(t, "e1", receive(t, sub2).ID)

	b.Unsubscribe(sub2)
	assert.Equal(t, 1, b.SubscriberCount())

	b.Publish(&types.NodeEvent{ID: "e2", NodeID: "n1"})
	assert.Equal(t, "e2", receive(t, sub1).ID)
}

func TestRecorderPersistsAndPublishes(t *testing.T) {
	store := newTestStore(t)
	node := seedNode(t, store)

	b := NewBroker()
	b.Start()
	defer b.Stop()
	sub := b.Subscribe()

	r := NewRecorder(store, nil, b)
	require.NoError(t, r.Record(context.Background(), &types.NodeEvent{
		NodeID:  node.ID,
		Kind:    types.EventStateChange,
		Source:  types.SourceController,
		Trigger: "test",
	}))

	got := receive(t, sub)
	assert.Equal(t, node.ID, got.NodeID)
	assert.NotEmpty(t, got.ID)
	assert.False(t, got.Timestamp.IsZero())

	stored, err := store.ListEventsByNode(context.Background(), node.ID, 0)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, got.ID, stored[0].ID)
}
