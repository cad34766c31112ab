package ingest

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDedup(t *testing.T) {
	d := NewDedup(100)
	ts := time.Now()

	assert.False(t, d.Seen("s-1", "target", ts))
	assert.True(t, d.Seen("s-1", "target", ts))

	// Different role or timestamp is a different update.
	assert.False(t, d.Seen("s-1", "source", ts))
	assert.False(t, d.Seen("s-1", "target", ts.Add(time.Second)))
}

func TestDedupEviction(t *testing.T) {
	d := NewDedup(3)
	ts := time.Now()

	for i := 0; i < 4; i++ {
		d.Seen(fmt.Sprintf("s-%d", i), "node", ts)
	}

	// Oldest key was evicted and reads as unseen again.
	assert.False(t, d.Seen("s-0", "node", ts))
	assert.True(t, d.Seen("s-3", "node", ts))
}

func TestCheckDoesNotRecord(t *testing.T) {
	d := NewDedup(100)
	ts := time.Now()

	// Check leaves the key unrecorded until Mark, so a caller whose
	// write failed can accept the redelivery.
	assert.False(t, d.Check("s-1", "target", ts))
	assert.False(t, d.Check("s-1", "target", ts))

	d.Mark("s-1", "target", ts)
	assert.True(t, d.Check("s-1", "target", ts))

	// Marking again is a no-op.
	d.Mark("s-1", "target", ts)
	assert.True(t, d.Seen("s-1", "target", ts))
}

func TestMonotonic(t *testing.T) {
	assert.Equal(t, int64(100), Monotonic(50, 100))
	assert.Equal(t, int64(100), Monotonic(100, 80))
	assert.Equal(t, int64(100), Monotonic(100, 100))
	assert.Equal(t, int64(0), Monotonic(0, -5))
}
