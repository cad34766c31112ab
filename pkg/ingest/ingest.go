// Package ingest implements the resilient-update sink policies: agents
// retry and re-deliver, so every inbound progress or status update is
// deduplicated and merged without regressing visible state.
package ingest

import (
	"container/list"
	"fmt"
	"sync"
	"time"
)

// Dedup remembers recently seen update keys. Agents stamp every update
// with (scope, role, timestamp); a re-delivered update hits the same
// key and is dropped. Memory is bounded by evicting oldest keys.
type Dedup struct {
	mu    sync.Mutex
	seen  map[string]*list.Element
	order *list.List
	max   int
}

// NewDedup creates a Dedup remembering at most max keys.
func NewDedup(max int) *Dedup {
	if max <= 0 {
		max = 4096
	}
	return &Dedup{
		seen:  make(map[string]*list.Element),
		order: list.New(),
		max:   max,
	}
}

// Seen records the update key and reports whether it was already
// present.
func (d *Dedup) Seen(scope, role string, ts time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := dedupKey(scope, role, ts)
	if _, ok := d.seen[key]; ok {
		return true
	}
	d.record(key)
	return false
}

// Check reports whether the key was already recorded without recording
// it. Callers that persist the update mark it afterward, so a failed
// write stays retryable.
func (d *Dedup) Check(scope, role string, ts time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, ok := d.seen[dedupKey(scope, role, ts)]
	return ok
}

// Mark records the key.
func (d *Dedup) Mark(scope, role string, ts time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := dedupKey(scope, role, ts)
	if _, ok := d.seen[key]; ok {
		return
	}
	d.record(key)
}

func (d *Dedup) record(key string) {
	d.seen[key] = d.order.PushBack(key)
	for d.order.Len() > d.max {
		oldest := d.order.Front()
		d.order.Remove(oldest)
		delete(d.seen, oldest.Value.(string))
	}
}

func dedupKey(scope, role string, ts time.Time) string {
	return fmt.Sprintf("%s|%s|%d", scope, role, ts.UnixNano())
}

// Monotonic merges a reported counter into the current value. Counters
// like bytes_transferred only ever grow; a late or duplicated update
// carrying a smaller value is kept out of the visible state.
func Monotonic(current, reported int64) int64 {
	if reported > current {
		return reported
	}
	return current
}
