package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"relayfleet/internal/app"
	"relayfleet/internal/config"
	"relayfleet/internal/ledger"
	logx "relayfleet/pkg/logx"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	body := strings.ReplaceAll(`
state: {driver: file, path: $DIR/state}
ledger: {path: $DIR/ledger.json}
accounts:
  - {name: alpha, token: "1:a"}
`, "$DIR", dir)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs(args)
	require.NoError(t, root.ExecuteContext(context.Background()))
	return out.String()
}

func TestLedgerCommands(t *testing.T) {
	path := writeConfig(t)
	cfg, err := config.NewManager(path).Load()
	require.NoError(t, err)
	store, led, err := app.OpenStores(cfg, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, led.RegisterResponse(context.Background(), ledger.WelcomeKey(-100, 7)))
	require.NoError(t, led.Close())
	require.NoError(t, store.Close())

	out := execute(t, "--config", path, "ledger", "show")
	require.True(t, strings.HasPrefix(out, "welcome:-100:7\t1\t"), out)

	out = execute(t, "--config", path, "ledger", "check", "welcome:-100:7")
	require.Equal(t, "welcome:-100:7 recent\n", out)

	out = execute(t, "--config", path, "ledger", "check", "--max", "2", "welcome:-100:7")
	require.Equal(t, "welcome:-100:7 clear\n", out)
}

func TestStateShowListsConfiguredAccounts(t *testing.T) {
	out := execute(t, "--config", writeConfig(t), "state", "show")
	require.Contains(t, out, `"account": "alpha"`)
	require.NotContains(t, out, `"session"`)
}
