package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pureboot/pureboot/pkg/boot"
	"github.com/pureboot/pureboot/pkg/clone"
	"github.com/pureboot/pureboot/pkg/config"
	"github.com/pureboot/pureboot/pkg/events"
	"github.com/pureboot/pureboot/pkg/journal"
	"github.com/pureboot/pureboot/pkg/locks"
	"github.com/pureboot/pureboot/pkg/partition"
	"github.com/pureboot/pureboot/pkg/registry"
	"github.com/pureboot/pureboot/pkg/security"
	"github.com/pureboot/pureboot/pkg/state"
	"github.com/pureboot/pureboot/pkg/storage"
	"github.com/pureboot/pureboot/pkg/types"
	"github.com/pureboot/pureboot/pkg/workflow"
)

func newTestServer(t *testing.T) (http.Handler, storage.Store) {
	t.Helper()

	store, err := storage.NewGORMStore(&config.DatabaseConfig{
		Type: config.DatabaseSQLite,
		Path: ":memory:",
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	jnl, err := journal.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { jnl.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)
	recorder := events.NewRecorder(store, jnl, broker)
	keyed := locks.NewKeyed()
	reg := registry.New(store, recorder, keyed)
	machine := state.New(store, recorder, keyed)

	workflows := workflow.NewRegistry(t.TempDir(), store)
	require.NoError(t, workflows.Load(context.Background()))

	keeper := security.NewKeeper(time.Minute)
	clones := clone.NewManager(store, recorder, keeper, nil, keyed, config.CloneConfig{
		CertGrace:      time.Minute,
		DirectTimeout:  10 * time.Minute,
		StagingTimeout: 30 * time.Minute,
	})
	queue := partition.NewQueue(store, recorder, keyed, config.PartitionConfig{
		StaleWindow: 15 * time.Minute,
		Retention:   24 * time.Hour,
	})
	dispatcher := boot.NewDispatcher(reg, store, workflows, "http://10.0.0.1:8080")

	srv := NewServer(config.HTTPConfig{
		ListenAddr:     ":0",
		BaseURL:        "http://10.0.0.1:8080",
		ControlTimeout: 30 * time.Second,
	}, Deps{
		Registry:   reg,
		Machine:    machine,
		Workflows:  workflows,
		Dispatcher: dispatcher,
		Clones:     clones,
		Queue:      queue,
		Journal:    jnl,
		Store:      store,
		Broker:     broker,
	})
	return srv.Router(), store
}

func do(t *testing.T, h http.Handler, method, path string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var env envelope
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec, env
}

func dataAs(t *testing.T, env envelope, dst any) {
	t.Helper()
	raw, err := json.Marshal(env.Data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, dst))
}

func createNodeViaAPI(t *testing.T, h http.Handler, mac string) types.Node {
	t.Helper()
	rec, env := do(t, h, http.MethodPost, "/api/v1/nodes", map[string]string{
		"mac": mac, "hostname": "n-" + mac[len(mac)-2:],
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var node types.Node
	dataAs(t, env, &node)
	return node
}

func TestNodeCRUDAndStateOverAPI(t *testing.T) {
	h, _ := newTestServer(t)

	node := createNodeViaAPI(t, h, "aa:bb:cc:dd:ee:01")
	assert.Equal(t, types.StateDiscovered, node.State)

	// Duplicate MAC conflicts.
	rec, env := do(t, h, http.MethodPost, "/api/v1/nodes", map[string]string{"mac": "AA:BB:CC:DD:EE:01"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.False(t, env.Success)
	assert.NotEmpty(t, env.Error)

	// Invalid MAC is a 400.
	rec, _ = do(t, h, http.MethodPost, "/api/v1/nodes", map[string]string{"mac": "aa-bb-cc-dd-ee-02"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Illegal transition conflicts.
	rec, _ = do(t, h, http.MethodPatch, "/api/v1/nodes/"+node.ID+"/state", map[string]string{"state": "active"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Legal transition succeeds and is reflected in the node.
	rec, env = do(t, h, http.MethodPatch, "/api/v1/nodes/"+node.ID+"/state", map[string]string{"state": "pending"})
	require.Equal(t, http.StatusOK, rec.Code)
	var updated types.Node
	dataAs(t, env, &updated)
	assert.Equal(t, types.StatePending, updated.State)

	// Unknown state name is a 400.
	rec, _ = do(t, h, http.MethodPatch, "/api/v1/nodes/"+node.ID+"/state", map[string]string{"state": "sideways"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, env = do(t, h, http.MethodGet, "/api/v1/nodes/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats types.NodeStats
	dataAs(t, env, &stats)
	assert.Equal(t, int64(1), stats.Total)
}

func TestGetUnknownNodeReturnsEnvelope404(t *testing.T) {
	h, _ := newTestServer(t)

	rec, env := do(t, h, http.MethodGet, "/api/v1/nodes/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.False(t, env.Success)
	assert.NotEmpty(t, env.Error)
}

func TestTagEndpoints(t *testing.T) {
	h, _ := newTestServer(t)
	node := createNodeViaAPI(t, h, "aa:bb:cc:dd:ee:03")

	rec, env := do(t, h, http.MethodPost, "/api/v1/nodes/"+node.ID+"/tags", map[string]string{"tag": "Rack-7"})
	require.Equal(t, http.StatusOK, rec.Code)
	var tagged types.Node
	dataAs(t, env, &tagged)
	assert.Equal(t, []string{"rack-7"}, tagged.Tags)

	rec, env = do(t, h, http.MethodDelete, "/api/v1/nodes/"+node.ID+"/tags/rack-7", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	dataAs(t, env, &tagged)
	assert.Empty(t, tagged.Tags)
}

func TestBulkChangeStatePartialSuccess(t *testing.T) {
	h, _ := newTestServer(t)
	a := createNodeViaAPI(t, h, "aa:bb:cc:dd:ee:04")
	b := createNodeViaAPI(t, h, "aa:bb:cc:dd:ee:05")

	// Move one node off discovered so the bulk edge fails for it.
	rec, _ := do(t, h, http.MethodPatch, "/api/v1/nodes/"+b.ID+"/state", map[string]string{"state": "ignored"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec, env := do(t, h, http.MethodPost, "/api/v1/nodes/bulk/change-state", map[string]any{
		"node_ids": []string{a.ID, b.ID},
		"state":    "pending",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var result types.BulkResult
	dataAs(t, env, &result)
	assert.Equal(t, 1, result.Updated)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, b.ID, result.Errors[0].ID)
}

func TestBootScriptAutoRegisters(t *testing.T) {
	h, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/ipxe/boot.ipxe?mac=de:ad:be:ef:00:01", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/x-ipxe", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "#!ipxe")

	_, env := do(t, h, http.MethodGet, "/api/v1/nodes", nil)
	var nodes []types.Node
	dataAs(t, env, &nodes)
	require.Len(t, nodes, 1)
	assert.Equal(t, "de:ad:be:ef:00:01", nodes[0].MAC)

	// Missing mac parameter still yields a bootable script.
	rec, _ = do(t, h, http.MethodGet, "/api/v1/ipxe/boot.ipxe", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "${net0/mac}")
}

func TestNodeEventsAndHistory(t *testing.T) {
	h, _ := newTestServer(t)
	node := createNodeViaAPI(t, h, "aa:bb:cc:dd:ee:06")

	rec, _ := do(t, h, http.MethodPatch, "/api/v1/nodes/"+node.ID+"/state", map[string]string{"state": "pending"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec, env := do(t, h, http.MethodGet, "/api/v1/nodes/"+node.ID+"/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var evs []types.NodeEvent
	dataAs(t, env, &evs)
	assert.GreaterOrEqual(t, len(evs), 2) // discovery + transition

	rec, env = do(t, h, http.MethodGet, "/api/v1/nodes/"+node.ID+"/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	dataAs(t, env, &evs)
	assert.GreaterOrEqual(t, len(evs), 2)

	rec, _ = do(t, h, http.MethodGet, "/api/v1/nodes/nope/events", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPartitionOperationFlow(t *testing.T) {
	h, _ := newTestServer(t)
	node := createNodeViaAPI(t, h, "aa:bb:cc:dd:ee:07")
	base := "/api/v1/nodes/" + node.ID

	rec, env := do(t, h, http.MethodPost, base+"/partition-operations", map[string]any{
		"operation": "format",
		"device":    "/dev/sda1",
		"params":    map[string]any{"partition": 1, "fs_type": "ext4"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var op types.PartitionOperation
	dataAs(t, env, &op)
	assert.Equal(t, types.OpPending, op.Status)

	// Unsupported filesystem is a capability gap, not a validation error.
	rec, _ = do(t, h, http.MethodPost, base+"/partition-operations", map[string]any{
		"operation": "format",
		"device":    "/dev/sda1",
		"params":    map[string]any{"partition": 1, "fs_type": "zfs"},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	// Missing params is a 400.
	rec, _ = do(t, h, http.MethodPost, base+"/partition-operations", map[string]any{
		"operation": "format",
		"device":    "/dev/sda1",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	opURL := base + "/partition-operations/" + op.ID + "/status"
	rec, _ = do(t, h, http.MethodPost, opURL, map[string]any{"status": "in_progress"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec, env = do(t, h, http.MethodPost, opURL, map[string]any{
		"status": "completed",
		"result": map[string]any{"filesystem": "ext4"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	dataAs(t, env, &op)
	assert.Equal(t, types.OpCompleted, op.Status)

	// Completion queues a rescan command; clear=true consumes it.
	rec, env = do(t, h, http.MethodGet, base+"/command?clear=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var cmd map[string]string
	dataAs(t, env, &cmd)
	assert.Equal(t, partition.CommandRescan, cmd["command"])

	rec, env = do(t, h, http.MethodGet, base+"/command", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	dataAs(t, env, &cmd)
	assert.Empty(t, cmd["command"])
}

func TestDiskReportEndpoints(t *testing.T) {
	h, _ := newTestServer(t)
	node := createNodeViaAPI(t, h, "aa:bb:cc:dd:ee:08")
	base := "/api/v1/nodes/" + node.ID

	rec, _ := do(t, h, http.MethodGet, base+"/disks/scan-status", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = do(t, h, http.MethodPost, base+"/disks/report", map[string]any{
		"disks": []types.Disk{{Device: "/dev/sda", SizeBytes: 1 << 30, TableKind: "gpt"}},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec, env := do(t, h, http.MethodGet, base+"/disks/scan-status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var report types.DiskReport
	dataAs(t, env, &report)
	require.Len(t, report.Disks, 1)
	assert.Equal(t, "/dev/sda", report.Disks[0].Device)
}

func TestCloneSessionOverAPI(t *testing.T) {
	h, _ := newTestServer(t)
	source := createNodeViaAPI(t, h, "aa:bb:cc:dd:ee:09")
	target := createNodeViaAPI(t, h, "aa:bb:cc:dd:ee:0a")

	rec, env := do(t, h, http.MethodPost, "/api/v1/clone-sessions", map[string]any{
		"source_node_id": source.ID,
		"target_node_id": target.ID,
		"mode":           "direct",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var session types.CloneSession
	dataAs(t, env, &session)
	assert.Equal(t, types.SessionCreated, session.Status)

	// Both roles can fetch certs; a bogus role cannot.
	rec, env = do(t, h, http.MethodGet, "/api/v1/clone-sessions/"+session.ID+"/certs?role=source", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var bundle types.CertBundle
	dataAs(t, env, &bundle)
	assert.Contains(t, bundle.CertPEM, "BEGIN CERTIFICATE")
	assert.Contains(t, bundle.KeyPEM, "PRIVATE KEY")

	rec, _ = do(t, h, http.MethodGet, "/api/v1/clone-sessions/"+session.ID+"/certs?role=spectator", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// A second session for a busy node conflicts.
	rec, _ = do(t, h, http.MethodPost, "/api/v1/clone-sessions", map[string]any{
		"source_node_id": source.ID,
		"target_node_id": target.ID,
		"mode":           "direct",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Source rendezvous then progress into streaming.
	rec, _ = do(t, h, http.MethodPost, "/api/v1/clone-sessions/"+session.ID+"/source-ready", map[string]any{
		"ip": "10.0.0.5", "port": 9000, "size_bytes": 1 << 30, "device": "/dev/sda",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec, env = do(t, h, http.MethodPost, "/api/v1/clone-sessions/"+session.ID+"/progress", map[string]any{
		"role": "target", "bytes_transferred": 4096, "timestamp": time.Now().UTC(),
	})
	require.Equal(t, http.StatusOK, rec.Code)
	dataAs(t, env, &session)
	assert.Equal(t, types.SessionStreaming, session.Status)

	rec, env = do(t, h, http.MethodPost, "/api/v1/clone-sessions/"+session.ID+"/complete", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	dataAs(t, env, &session)
	assert.Equal(t, types.SessionComplete, session.Status)

	// Cancelling a finished session conflicts.
	rec, _ = do(t, h, http.MethodPost, "/api/v1/clone-sessions/"+session.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Direct sessions have no staging info.
	rec, _ = do(t, h, http.MethodGet, "/api/v1/clone-sessions/"+session.ID+"/staging-info", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStagedSessionWithoutBrokerIs422(t *testing.T) {
	h, _ := newTestServer(t)
	source := createNodeViaAPI(t, h, "aa:bb:cc:dd:ee:0b")
	target := createNodeViaAPI(t, h, "aa:bb:cc:dd:ee:0c")

	rec, _ := do(t, h, http.MethodPost, "/api/v1/clone-sessions", map[string]any{
		"source_node_id": source.ID,
		"target_node_id": target.ID,
		"mode":           "staged",
		"size_bytes":     1 << 30,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestPartitionModeEndpoints(t *testing.T) {
	h, _ := newTestServer(t)
	node := createNodeViaAPI(t, h, "aa:bb:cc:dd:ee:0d")
	base := "/api/v1/nodes/" + node.ID + "/partition-mode"

	rec, env := do(t, h, http.MethodPost, base+"/heartbeat", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var mode partition.ModeStatus
	dataAs(t, env, &mode)
	assert.True(t, mode.Active)

	rec, env = do(t, h, http.MethodPost, base+"/status", map[string]string{"status": "exited"})
	require.Equal(t, http.StatusOK, rec.Code)
	dataAs(t, env, &mode)
	assert.False(t, mode.Active)
}

func TestSystemEndpoints(t *testing.T) {
	h, _ := newTestServer(t)

	rec, env := do(t, h, http.MethodGet, "/api/v1/system/info", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	info, ok := env.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "http://10.0.0.1:8080", info["base_url"])

	rec, env = do(t, h, http.MethodGet, "/api/v1/system/dhcp-status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status, ok := env.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, false, status["enabled"])
}

func TestEventStreamDeliversNodeEvents(t *testing.T) {
	h, _ := newTestServer(t)
	node := createNodeViaAPI(t, h, "aa:bb:cc:dd:ee:42")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/events/stream", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		h.ServeHTTP(rec, req)
		close(done)
	}()

	// Give the stream time to subscribe before producing an event.
	time.Sleep(100 * time.Millisecond)
	do(t, h, http.MethodPatch, "/api/v1/nodes/"+node.ID+"/state", map[string]string{"state": "pending"})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stream handler did not stop on context cancel")
	}

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.Contains(t, body, "data: ")
	assert.Contains(t, body, node.ID)
}

func TestBootScriptWithoutMACRetriesWithChain(t *testing.T) {
	h, _ := newTestServer(t)

	rec, _ := do(t, h, http.MethodGet, "/api/v1/ipxe/boot.ipxe", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/x-ipxe", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "#!ipxe")
	assert.Contains(t, rec.Body.String(), "boot.ipxe?mac=${net0/mac}")
}
