package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"relayfleet/internal/config"
	"relayfleet/internal/platform"
	"relayfleet/internal/platform/platformtest"
)

type captureSender struct {
	mu    sync.Mutex
	texts []string
}

func (s *captureSender) SendText(_ context.Context, _ int64, text string) error {
	s.mu.Lock()
	s.texts = append(s.texts, text)
	s.mu.Unlock()
	return nil
}

func (s *captureSender) contains(sub string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.texts {
		if strings.Contains(t, sub) {
			return true
		}
	}
	return false
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	body = strings.ReplaceAll(body, "$DIR", dir)
	path := filepath.Join(dir, "relayfleet.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const baseConfig = `
logging: {level: error, console: false}
state: {driver: file, path: $DIR/state}
ledger: {path: $DIR/ledger.json}
operator: {enabled: true, bot_token: "x", chat_id: 42}
supervisor: {restart_min: 1ms, restart_max: 5ms}
accounts:
  - {name: alpha, token: "1:a"}
  - {name: beta, token: "2:b", disabled: true}
`

func fakeClients(clients map[string]*platformtest.Client) Option {
	return WithClientFactory(func(acct config.AccountConfig) (platform.Client, error) {
		c, ok := clients[acct.Name]
		if !ok {
			return nil, errors.New("unknown account")
		}
		return c, nil
	})
}

func TestAppRunsAccountsAndStops(t *testing.T) {
	alpha := platformtest.New(platform.User{ID: 10, Username: "alpha"})
	sender := &captureSender{}
	a, err := New(writeConfig(t, baseConfig), fakeClients(map[string]*platformtest.Client{"alpha": alpha}), WithOperatorSender(sender))
	require.NoError(t, err)

	require.NoError(t, a.Start(context.Background()))
	select {
	case <-alpha.Started():
	case <-time.After(5 * time.Second):
		t.Fatal("account did not start")
	}
	require.Eventually(t, func() bool { return sender.contains("[alpha] worker online") }, 5*time.Second, 5*time.Millisecond)

	states := map[string]string{}
	for _, s := range a.Status() {
		states[s.Name] = s.State
	}
	require.Equal(t, map[string]string{"alpha": "running", "beta": "disabled"}, states)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx, StopAppStop))
	require.True(t, alpha.Disconnected())

	select {
	case <-a.Done():
	default:
		t.Fatal("app context still open after stop")
	}
	require.NoError(t, a.Err())
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(writeConfig(t, `
state: {path: $DIR/state}
ledger: {path: $DIR/ledger.json}
accounts: []
`))
	require.ErrorContains(t, err, "at least one account")

	_, err = New(writeConfig(t, `
state: {driver: mongo, path: $DIR/state}
ledger: {path: $DIR/ledger.json}
accounts: [{name: a, token: t}]
`))
	require.ErrorContains(t, err, "unknown state.driver")
}

func TestApplyReloadsLiveSections(t *testing.T) {
	sender := &captureSender{}
	a, err := New(writeConfig(t, baseConfig), fakeClients(nil), WithOperatorSender(sender))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Stop(context.Background(), StopAppStop) })

	prev := a.cfgm.Get()
	require.True(t, a.notif.Enabled())

	next := *prev
	next.Operator = &config.OperatorConfig{Enabled: false}
	next.Logging.Level = "debug"
	a.apply(context.Background(), prev, &next)

	require.False(t, a.notif.Enabled())
	require.NotNil(t, a.fleet)
}

func TestMapLedgerDefaults(t *testing.T) {
	lc, err := mapLedger(&config.Config{Ledger: config.LedgerConfig{Path: "/tmp/l.json"}})
	require.NoError(t, err)
	require.Equal(t, 24*time.Hour, lc.Retention)
	require.Equal(t, time.Second, lc.BusyTimeout)

	_, err = mapLedger(&config.Config{Ledger: config.LedgerConfig{Path: "x", Retention: "soon"}})
	require.Error(t, err)
}

func TestMapNotifierDisabledWithoutSection(t *testing.T) {
	nc, err := mapNotifier(&config.Config{})
	require.NoError(t, err)
	require.False(t, nc.Enabled)

	nc, err = mapNotifier(&config.Config{Operator: &config.OperatorConfig{Enabled: true, ChatID: 7, DedupWindow: "1m"}})
	require.NoError(t, err)
	require.True(t, nc.Enabled)
	require.Equal(t, int64(7), nc.ChatID)
	require.Equal(t, time.Minute, nc.DedupWindow)
}
