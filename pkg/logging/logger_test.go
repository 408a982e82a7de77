package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBufferLogger(level LogLevel) (*Logger, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	cfg := DefaultConfig("occupation-service")
	cfg.Level = level
	cfg.Output = buf
	return New(cfg), buf
}

func lines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		out = append(out, entry)
	}
	return out
}

func TestLogger_ContextAttributes(t *testing.T) {
	logger, buf := newBufferLogger(LevelInfo)

	ctx := ContextWithRequestID(context.Background(), "req-1")
	ctx = ContextWithCorrelationID(ctx, "corr-1")
	ctx = ContextWithWorkerID(ctx, "W-A")

	logger.WithWorkUnit("WU-1", "assembly").WithComponent("occupation").WithContext(ctx).Info("Begin accepted")

	entries := lines(t, buf)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "occupation-service", e["service"])
	assert.Equal(t, "req-1", e["requestId"])
	assert.Equal(t, "corr-1", e["correlationId"])
	assert.Equal(t, "W-A", e["workerId"])
	assert.Equal(t, "WU-1", e["workUnitId"])
	assert.Equal(t, "assembly", e["operation"])
	assert.Equal(t, "occupation", e["component"])
}

func TestLogger_LevelFiltering(t *testing.T) {
	logger, buf := newBufferLogger(LevelWarn)

	logger.Info("dropped")
	logger.StoreCall(context.Background(), "redis", "get", time.Millisecond, nil)
	logger.StoreCall(context.Background(), "redis", "get", time.Millisecond, errors.New("timeout"))
	logger.KafkaPublish(context.Background(), "wms.occupation.events", "wms.occupation.started", false, time.Millisecond)

	entries := lines(t, buf)
	require.Len(t, entries, 2)
	assert.Equal(t, "Store call", entries[0]["msg"])
	assert.Equal(t, "timeout", entries[0]["error"])
	assert.Equal(t, "ERROR", entries[1]["level"])
}

func TestLogger_AuditAndEvent(t *testing.T) {
	logger, buf := newBufferLogger(LevelInfo)

	logger.Audit(context.Background(), "finish", "work_unit", "WU-1", "W-A", map[string]any{"version": "v3"})
	logger.Event(context.Background(), "wms.occupation.completed", map[string]any{"operation": "weld"})
	logger.WithError(nil).Info("unchanged")

	entries := lines(t, buf)
	require.Len(t, entries, 3)
	assert.Equal(t, "finish", entries[0]["auditAction"])
	assert.Equal(t, "v3", entries[0]["version"])
	assert.Equal(t, "wms.occupation.completed", entries[1]["eventType"])
	assert.NotContains(t, entries[2], "error")
}
