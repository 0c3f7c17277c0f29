package observability

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/harun/tutorline/internal/tracing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditLogger_WritesEventsToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	require.NoError(t, InitAuditLogger(path))
	defer GetAuditLogger().Close()

	ctx := tracing.WithTraceID(context.Background(), "trace-123")
	RecordSessionAudit(ctx, "session.closed", "sess-1", "stop", map[string]interface{}{"pending_jobs": 2})
	RecordTurnAudit(ctx, "turn.process", "sess-1", "ok", nil)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	var first map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "session", first["type"])
	assert.Equal(t, "sess-1", first["actor"])
	assert.Equal(t, "session.closed", first["action"])
	assert.Equal(t, "stop", first["status"])
	assert.Equal(t, "trace-123", first["trace_id"])
	assert.Contains(t, first, "metadata")

	var second map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, "turn", second["type"])
	assert.NotContains(t, second, "metadata")
}

func TestAuditLogger_ReinitReplacesFile(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "a.log")
	second := filepath.Join(dir, "b.log")

	require.NoError(t, InitAuditLogger(first))
	require.NoError(t, InitAuditLogger(second))
	RecordConfigAudit(context.Background(), "config.reload", "watcher", nil)
	require.NoError(t, GetAuditLogger().Close())
	require.NoError(t, GetAuditLogger().Close())

	a, err := os.ReadFile(first)
	require.NoError(t, err)
	assert.Empty(t, a)

	b, err := os.ReadFile(second)
	require.NoError(t, err)
	assert.Contains(t, string(b), "config.reload")
}

func TestInitAuditLogger_BadPath(t *testing.T) {
	err := InitAuditLogger(filepath.Join(t.TempDir(), "missing", "audit.log"))
	assert.Error(t, err)
}
