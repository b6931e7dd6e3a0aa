package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// captureOutput redirects logger output to a buffer and restores the
// previous output, level and format on cleanup.
func captureOutput(t *testing.T, format string) *bytes.Buffer {
	t.Helper()

	buf := new(bytes.Buffer)

	mu.Lock()
	prevOut, prevColor := output, useColor
	mu.Unlock()
	prevLevel := Level(currentLevel.Load())
	prevFormat, _ := currentFormat.Load().(string)

	InitWithWriter(buf, "DEBUG", format, false)

	t.Cleanup(func() {
		mu.Lock()
		output, useColor = prevOut, prevColor
		mu.Unlock()
		SetLevel(prevLevel.String())
		currentFormat.Store(prevFormat)
		rebuild()
	})
	return buf
}

// ============================================================================
// Level Filtering Tests
// ============================================================================

func TestLevelFiltering(t *testing.T) {
	t.Run("DebugLevelShowsAllMessages", func(t *testing.T) {
		buf := captureOutput(t, "text")

		Debug("debug message")
		Info("info message")
		Warn("warn message")
		Error("error message")

		out := buf.String()
		for _, s := range []string{"DEBUG", "INFO", "WARN", "ERROR", "debug message", "error message"} {
			assert.Contains(t, out, s)
		}
	})

	t.Run("WarnLevelFiltersInfoAndDebug", func(t *testing.T) {
		buf := captureOutput(t, "text")
		SetLevel("WARN")

		Debug("debug message")
		Info("info message")
		Warn("warn message")

		out := buf.String()
		assert.NotContains(t, out, "debug message")
		assert.NotContains(t, out, "info message")
		assert.Contains(t, out, "warn message")
		assert.False(t, IsDebugEnabled())
	})

	t.Run("InvalidLevelIsIgnored", func(t *testing.T) {
		_ = captureOutput(t, "text")
		SetLevel("ERROR")
		SetLevel("VERBOSE")
		assert.Equal(t, LevelError, Level(currentLevel.Load()))
	})
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
		ok   bool
	}{
		{"debug", LevelDebug, true},
		{"INFO", LevelInfo, true},
		{"warning", LevelWarn, true},
		{"Error", LevelError, true},
		{"trace", LevelInfo, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseLevel(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

// ============================================================================
// Format Tests
// ============================================================================

func TestTextFormat(t *testing.T) {
	buf := captureOutput(t, "text")

	Info("accepted", KeyConnID, "c-1", KeyClientAddr, "10.0.0.1:4000", "note", "two words")

	out := buf.String()
	assert.Contains(t, out, "[INFO] accepted")
	assert.Contains(t, out, "conn_id=c-1")
	assert.Contains(t, out, "client_addr=10.0.0.1:4000")
	assert.Contains(t, out, `note="two words"`)
}

func TestTextFormatGroupsAndWith(t *testing.T) {
	buf := captureOutput(t, "text")

	With(KeyProtocol, "line").WithGroup("pool").Info("stats", slog.Int("size", 3))

	out := buf.String()
	assert.Contains(t, out, "protocol=line")
	assert.Contains(t, out, "pool.size=3")
}

func TestJSONFormat(t *testing.T) {
	buf := captureOutput(t, "json")

	Warn("evicted", KeyNonce, "abc", KeyGeneration, uint64(7))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "WARN", entry["level"])
	assert.Equal(t, "evicted", entry["msg"])
	assert.Equal(t, "abc", entry[KeyNonce])
	assert.EqualValues(t, 7, entry[KeyGeneration])
}

// ============================================================================
// Context Tests
// ============================================================================

func TestContextFields(t *testing.T) {
	buf := captureOutput(t, "text")

	lc := NewLogContext("c-9", "192.0.2.1:5555").WithProtocol("line").WithGeneration(3)
	ctx := WithContext(context.Background(), lc)

	InfoCtx(ctx, "dispatched", KeyOutcome, "OPEN")

	out := buf.String()
	assert.Contains(t, out, "conn_id=c-9")
	assert.Contains(t, out, "protocol=line")
	assert.Contains(t, out, "generation=3")
	assert.Less(t, strings.Index(out, "conn_id"), strings.Index(out, "outcome"))
}

func TestLogContextCloneIsIndependent(t *testing.T) {
	lc := NewLogContext("c-1", "addr")
	c := lc.WithTrace("t", "s")

	assert.Empty(t, lc.TraceID)
	assert.Equal(t, "t", c.TraceID)
	assert.Nil(t, (*LogContext)(nil).Clone())
	assert.Nil(t, FromContext(context.Background()))
}
