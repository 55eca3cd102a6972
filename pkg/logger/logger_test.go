package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBuffered(level Level) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	opts := DefaultOptions()
	opts.Output = &buf
	opts.Level = level
	opts.AddCaller = false
	return New(opts), &buf
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry), buf.String())
	return entry
}

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"debug":   LevelDebug,
		" INFO ":  LevelInfo,
		"warning": LevelWarn,
		"warn":    LevelWarn,
		"error":   LevelError,
		"fatal":   LevelFatal,
		"verbose": LevelInfo,
		"":        LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
	assert.Equal(t, "WARN", LevelWarn.String())
	assert.Equal(t, "UNKNOWN", Level(42).String())
}

func TestLogger_JSONFields(t *testing.T) {
	log, buf := newBuffered(LevelInfo)

	log.With(Component("submit")).Info("progress committed",
		UserID("u1"),
		NodeID("n1"),
		Version(3),
		Latency(1500*time.Millisecond),
		Err(errors.New("boom")),
	)

	entry := decodeLine(t, buf)
	assert.Equal(t, "progress committed", entry["message"])
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "submit", entry["component"])
	assert.Equal(t, "u1", entry["user_id"])
	assert.Equal(t, "n1", entry["node_id"])
	assert.Equal(t, float64(3), entry["version"])
	assert.Equal(t, "1.5s", entry["latency"])
	assert.Equal(t, "boom", entry["error"])
}

func TestLogger_LevelFiltering(t *testing.T) {
	log, buf := newBuffered(LevelWarn)
	log.Info("dropped")
	log.Debug("dropped")
	assert.Zero(t, buf.Len())

	log.Warn("kept")
	assert.Contains(t, buf.String(), "kept")
	assert.Equal(t, LevelWarn, log.Level())
}

func TestErr_NilIsSkipped(t *testing.T) {
	log, buf := newBuffered(LevelInfo)
	log.Info("ok", Err(nil))
	_, present := decodeLine(t, buf)["error"]
	assert.False(t, present)
}

func TestContextPropagation(t *testing.T) {
	log, buf := newBuffered(LevelInfo)
	ctx := WithContext(context.Background(), log.WithRequestID("req-1"))

	FromContext(ctx).Info("handled")
	assert.Equal(t, "req-1", decodeLine(t, buf)[RequestIDKey])

	assert.NotNil(t, FromContext(context.Background()))
}

func TestNop(t *testing.T) {
	log := Nop()
	log.Error("nothing happens")
	assert.NoError(t, log.Sync())
}
