package partition

import (
	"sync"
	"time"
)

// mailbox holds at most one pending command per node. Agents poll and
// clear; a newer command overwrites an unread one.
type mailbox struct {
	mu       sync.Mutex
	commands map[string]string
}

func newMailbox() *mailbox {
	return &mailbox{commands: make(map[string]string)}
}

func (m *mailbox) set(nodeID, command string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands[nodeID] = command
}

func (m *mailbox) take(nodeID string, clear bool) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	command := m.commands[nodeID]
	if clear {
		delete(m.commands, nodeID)
	}
	return command
}

// modeTracker remembers which nodes are live in partition mode.
type modeTracker struct {
	mu    sync.Mutex
	modes map[string]ModeStatus
}

func newModeTracker() *modeTracker {
	return &modeTracker{modes: make(map[string]ModeStatus)}
}

func (t *modeTracker) heartbeat(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	status := t.modes[nodeID]
	status.Active = true
	status.LastHeartbeat = time.Now().UTC()
	t.modes[nodeID] = status
}

func (t *modeTracker) setStatus(nodeID, s string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	status := t.modes[nodeID]
	status.Active = s != "exited"
	status.Status = s
	status.LastHeartbeat = time.Now().UTC()
	t.modes[nodeID] = status
}

func (t *modeTracker) get(nodeID string) ModeStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.modes[nodeID]
}
