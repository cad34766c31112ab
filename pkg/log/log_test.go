package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func initBuffer(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})
	return &buf
}

func lastLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.NotEmpty(t, lines)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[len(lines)-1], &entry))
	return entry
}

func TestWithHelpersChainLevelMethods(t *testing.T) {
	buf := initBuffer(t)

	WithComponent("boot").Info().Msg("component log")
	entry := lastLine(t, buf)
	assert.Equal(t, "boot", entry["component"])
	assert.Equal(t, "component log", entry["message"])

	WithNodeID("n1").Warn().Msg("node log")
	entry = lastLine(t, buf)
	assert.Equal(t, "n1", entry["node_id"])
	assert.Equal(t, "warn", entry["level"])

	WithSessionID("s1").Debug().Msg("session log")
	entry = lastLine(t, buf)
	assert.Equal(t, "s1", entry["session_id"])

	WithMAC("aa:bb:cc:dd:ee:ff").Error().Msg("mac log")
	entry = lastLine(t, buf)
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", entry["mac"])
}

func TestWithHelpersReusableAsLocal(t *testing.T) {
	buf := initBuffer(t)

	logger := WithComponent("health")
	logger.Info().Str("dependency", "nfs").Msg("first")
	logger.Warn().Str("dependency", "nfs").Msg("second")

	entry := lastLine(t, buf)
	assert.Equal(t, "health", entry["component"])
	assert.Equal(t, "second", entry["message"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: WarnLevel, JSONOutput: true, Output: &buf})

	WithComponent("api").Debug().Msg("filtered")
	assert.Zero(t, buf.Len())

	WithComponent("api").Warn().Msg("kept")
	assert.NotZero(t, buf.Len())
}
