package ledger

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	logx "relayfleet/pkg/logx"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

var t0 = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

func openBoth(t *testing.T, clk *clock) map[string]Ledger {
	t.Helper()
	dir := t.TempDir()
	out := map[string]Ledger{}
	for _, drv := range []string{"file", "sqlite"} {
		path := filepath.Join(dir, drv, "ledger.json")
		if drv == "sqlite" {
			require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
			path = filepath.Join(dir, drv, "ledger.db")
		}
		l, err := Open(Config{Driver: drv, Path: path}, logx.Nop(), WithClock(clk.now))
		require.NoError(t, err)
		t.Cleanup(func() { _ = l.Close() })
		out[drv] = l
	}
	return out
}

func TestRecentResponseWindow(t *testing.T) {
	ctx := context.Background()
	clk := &clock{t: t0}
	for drv, l := range openBoth(t, clk) {
		t.Run(drv, func(t *testing.T) {
			clk.set(t0)
			key := WelcomeKey(-100, 42)
			require.False(t, l.HasRecentResponse(ctx, key, 2*time.Minute, 1))
			require.NoError(t, l.RegisterResponse(ctx, key))

			clk.set(t0.Add(30 * time.Second))
			require.True(t, l.HasRecentResponse(ctx, key, 2*time.Minute, 1))
			require.False(t, l.HasRecentResponse(ctx, KeywordKey(-100, 42), 2*time.Minute, 1))

			clk.set(t0.Add(121 * time.Second))
			require.False(t, l.HasRecentResponse(ctx, key, 2*time.Minute, 1))
		})
	}
}

func TestMaxAllowed(t *testing.T) {
	ctx := context.Background()
	clk := &clock{t: t0}
	for drv, l := range openBoth(t, clk) {
		t.Run(drv, func(t *testing.T) {
			key := PrivateKey(7)
			require.NoError(t, l.RegisterResponse(ctx, key))
			require.False(t, l.HasRecentResponse(ctx, key, time.Minute, 2))
			require.NoError(t, l.RegisterResponse(ctx, key))
			require.True(t, l.HasRecentResponse(ctx, key, time.Minute, 2))
		})
	}
}

func TestRegisterPrunesOldEntries(t *testing.T) {
	ctx := context.Background()
	clk := &clock{t: t0}
	for drv, l := range openBoth(t, clk) {
		t.Run(drv, func(t *testing.T) {
			clk.set(t0)
			require.NoError(t, l.RegisterResponse(ctx, ContactKey(1)))

			clk.set(t0.Add(25 * time.Hour))
			require.NoError(t, l.RegisterResponse(ctx, ContactKey(2)))

			m, err := l.Entries(ctx)
			require.NoError(t, err)
			require.NotContains(t, m, ContactKey(1))
			require.Len(t, m[ContactKey(2)], 1)
		})
	}
}

func TestCorruptFileReadsAsEmpty(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.json")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o600))

	l, err := Open(Config{Path: path}, logx.Nop())
	require.NoError(t, err)
	require.False(t, l.HasRecentResponse(ctx, "welcome:1:2", time.Hour, 1))

	// Registration recovers the file.
	require.NoError(t, l.RegisterResponse(ctx, "welcome:1:2"))
	require.True(t, l.HasRecentResponse(ctx, "welcome:1:2", time.Hour, 1))
}

func TestFileLedgerSharedAcrossHandles(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.json")
	a, err := Open(Config{Path: path}, logx.Nop())
	require.NoError(t, err)
	b, err := Open(Config{Path: path}, logx.Nop())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l := a
			if i%2 == 1 {
				l = b
			}
			assert.NoError(t, l.RegisterResponse(ctx, "private:9"))
		}(i)
	}
	wg.Wait()

	m, err := a.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, m["private:9"], 20)
}

func TestFileLedgerLockWaitHonorsContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	l, err := Open(Config{Path: path}, logx.Nop())
	require.NoError(t, err)

	// Another process holding the lock.
	f, err := os.OpenFile(path+".lock", os.O_CREATE|os.O_RDWR, 0o600)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, unix.Flock(int(f.Fd()), unix.LOCK_EX))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	require.ErrorIs(t, l.RegisterResponse(ctx, "contact:1"), context.DeadlineExceeded)
	require.Less(t, time.Since(start), 2*time.Second)
	require.False(t, l.HasRecentResponse(ctx, "contact:1", time.Minute, 1))

	require.NoError(t, unix.Flock(int(f.Fd()), unix.LOCK_UN))
	require.NoError(t, l.RegisterResponse(context.Background(), "contact:1"))
	require.True(t, l.HasRecentResponse(context.Background(), "contact:1", time.Minute, 1))
}
