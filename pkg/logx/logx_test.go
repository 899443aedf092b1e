package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func decodeLine(t *testing.T, b []byte) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(b), &m))
	return m
}

func TestWithAddsFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(Comp("worker"), Account("acct1"))
	log.Warn("send failed", Chat(-100), Err(errors.New("boom")))

	m := decodeLine(t, buf.Bytes())
	require.Equal(t, "warn", m["level"])
	require.Equal(t, "send failed", m["message"])
	require.Equal(t, "worker", m["comp"])
	require.Equal(t, "acct1", m["account"])
	require.Equal(t, float64(-100), m["chat_id"])
	require.Equal(t, "boom", m["err"])
	require.True(t, strings.HasPrefix(m["caller"].(string), "logx_test.go:"))
}

func TestLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Info("hidden")
	require.Zero(t, buf.Len())
	log.Error("shown")
	require.NotZero(t, buf.Len())
}

func TestZeroLoggerIsNoop(t *testing.T) {
	var log Logger
	require.True(t, log.IsZero())
	log.Info("nothing", String("k", "v"))
	require.False(t, Nop().IsZero())
}

func TestServiceFileSinkFollowsApply(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "logs", "relayfleet.log")
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})
	child := log.With(Comp("fleet"))

	child.Info("first")
	child.Debug("not yet")
	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})
	child.Debug("now")
	require.NoError(t, svc.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	require.Len(t, lines, 2)
	require.Equal(t, "first", decodeLine(t, []byte(lines[0]))["message"])
	require.Equal(t, "now", decodeLine(t, []byte(lines[1]))["message"])
	require.Equal(t, "fleet", decodeLine(t, []byte(lines[1]))["comp"])
}
