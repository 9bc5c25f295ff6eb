package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m), line)
		out = append(out, m)
	}
	return out
}

func TestNewLogger(t *testing.T) {
	logger := NewLogger(LevelInfo)
	assert.Equal(t, LevelInfo, logger.Level())
}

func TestLogger_Debug(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LevelDebug)
	logger.SetOutput(&buf)

	logger.Debug("test message", map[string]any{"key": "value"})

	output := buf.String()
	assert.Contains(t, output, `"level":"debug"`)
	assert.Contains(t, output, `"message":"test message"`)
	assert.Contains(t, output, `"key":"value"`)
}

func TestLogger_DebugFiltered(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LevelInfo)
	logger.SetOutput(&buf)

	logger.Debug("test message")

	assert.Zero(t, buf.Len(), "debug must be filtered at info level")
}

func TestLogger_WarnFilteredAtError(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LevelError)
	logger.SetOutput(&buf)

	logger.Warn("warn message")
	logger.Info("info message")
	assert.Zero(t, buf.Len())

	logger.Error("error message")
	assert.Contains(t, buf.String(), `"level":"error"`)
}

func TestLogger_WithFields(t *testing.T) {
	var buf bytes.Buffer
	base := NewLogger(LevelInfo)
	base.SetOutput(&buf)

	child := base.WithFields(map[string]any{"tx": "abc:1"}).With("depth", 1)
	child.Info("committed", map[string]any{"files": 3})

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "abc:1", entries[0]["tx"])
	assert.Equal(t, float64(1), entries[0]["depth"])
	assert.Equal(t, float64(3), entries[0]["files"])
	assert.Equal(t, "committed", entries[0]["message"])
}

func TestLogger_WithFieldsDoesNotLeakToParent(t *testing.T) {
	var buf bytes.Buffer
	base := NewLogger(LevelInfo)
	base.SetOutput(&buf)

	_ = base.WithFields(map[string]any{"tx": "child"})
	base.Info("parent")

	assert.NotContains(t, buf.String(), `"tx"`)
}

func TestLogger_ErrorErr(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LevelInfo)
	logger.SetOutput(&buf)

	logger.ErrorErr("commit failed", errors.New("disk full"), map[string]any{"tx": "x:1"})

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "disk full", entries[0]["error"])
	assert.Equal(t, "x:1", entries[0]["tx"])
}

func TestLogger_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LevelInfo)
	logger.SetOutput(&buf)
	logger.SetFormat(FormatText)

	logger.Info("hello")

	assert.Contains(t, buf.String(), "hello")
	assert.False(t, strings.HasPrefix(buf.String(), "{"))
}

func TestLogger_SetLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LevelError)
	logger.SetOutput(&buf)

	logger.SetLevel(LevelDebug)
	logger.Debug("now visible")

	assert.Contains(t, buf.String(), "now visible")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"info", LevelInfo, false},
		{"warn", LevelWarn, false},
		{"error", LevelError, false},
		{"", LevelInfo, false},
		{"verbose", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGlobalLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(LevelDebug)
	l.SetOutput(&buf)

	old := Global()
	SetGlobal(l)
	defer SetGlobal(old)

	Debug("d")
	Info("i")
	Warn("w")
	Error("e")
	ErrorErr("ee", errors.New("boom"))
	WithFields(map[string]any{"k": "v"}).Info("f")

	assert.Len(t, decodeLines(t, &buf), 6)
}

func TestDiscard(t *testing.T) {
	l := Discard()
	l.Error("dropped")
}
