package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	line := strings.TrimSpace(buf.String())
	require.NotEmpty(t, line)
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &m))
	buf.Reset()
	return m
}

func TestLogger_FieldsAndLevels(t *testing.T) {
	var buf bytes.Buffer
	log := New(zerolog.New(&buf).Level(zerolog.InfoLevel)).With(String("comp", "test"))

	log.Debug("hidden")
	assert.Zero(t, buf.Len())

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	log.Warn("hello", Int("n", 3), Err(errors.New("boom")), Err(nil),
		Time("at", at), Bool("ok", true), Uint64("u", 7), Stack("  "), Field{})
	m := decodeLine(t, &buf)
	assert.Equal(t, "warn", m["level"])
	assert.Equal(t, "hello", m["message"])
	assert.Equal(t, "test", m["comp"])
	assert.EqualValues(t, 3, m["n"])
	assert.Equal(t, "boom", m[zerolog.ErrorFieldName])
	assert.Contains(t, m[zerolog.CallerFieldName], "logger_test.go:")
	assert.Equal(t, true, m["ok"])
	assert.EqualValues(t, 7, m["u"])
	assert.NotContains(t, m, "stack")
	got, err := time.Parse(time.RFC3339, m["at"].(string))
	require.NoError(t, err)
	assert.True(t, at.Equal(got))

	assert.True(t, log.Enabled(LevelError))
	assert.False(t, log.Enabled(LevelDebug))
}

func TestLogger_ZeroValueIsSafe(t *testing.T) {
	var log Logger
	assert.True(t, log.IsZero())
	log.Error("dropped")
	assert.False(t, Nop().IsZero())
	assert.False(t, log.With(String("k", "v")).IsZero())
}

func TestNewConsole_HonorsLevel(t *testing.T) {
	log := NewConsole("warn")
	assert.False(t, log.IsZero())
	assert.True(t, log.Enabled(LevelWarn))
	assert.False(t, log.Enabled(LevelInfo))

	assert.True(t, NewConsole("nonsense").Enabled(LevelInfo))
	assert.False(t, Nop().Enabled(LevelError))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel(" debug ", LevelInfo))
	assert.Equal(t, LevelWarn, ParseLevel("WARNING", LevelInfo))
	assert.Equal(t, LevelInfo, ParseLevel("loud", LevelInfo))
}

func TestService_ApplySwitchesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	svc, log := NewService(Config{Level: "info", Console: true})
	defer svc.Close()

	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})
	log.With(String("comp", "svc")).Debug("to file")
	require.NoError(t, svc.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"message":"to file"`)
	assert.Contains(t, string(b), `"comp":"svc"`)
}
