package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openBoth(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	fs, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "files")}, nopLog())
	require.NoError(t, err)
	sq, err := Open(Config{Driver: "sqlite", Path: filepath.Join(dir, "state.db"), BusyTimeout: time.Second}, nopLog())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = fs.Close()
		_ = sq.Close()
	})
	return map[string]Store{"file": fs, "sqlite": sq}
}

func TestStorePutGetDelete(t *testing.T) {
	ctx := context.Background()
	for name, st := range openBoth(t) {
		t.Run(name, func(t *testing.T) {
			_, ok, err := st.Get(ctx, "acct1:pause")
			require.NoError(t, err)
			require.False(t, ok)

			require.NoError(t, st.Put(ctx, "acct1:pause", []byte(`{"a":1}`)))
			require.NoError(t, st.Put(ctx, "acct1:pause", []byte(`{"a":2}`)))
			v, ok, err := st.Get(ctx, "acct1:pause")
			require.NoError(t, err)
			require.True(t, ok)
			require.JSONEq(t, `{"a":2}`, string(v))

			require.NoError(t, st.Delete(ctx, "acct1:pause"))
			require.NoError(t, st.Delete(ctx, "acct1:pause"))
			_, ok, err = st.Get(ctx, "acct1:pause")
			require.NoError(t, err)
			require.False(t, ok)

			require.NoError(t, st.AppendAudit(ctx, AuditEntry{Account: "acct1", Action: "forward", ChatID: -100, OK: true}))
			require.ErrorIs(t, st.Put(ctx, " ", nil), ErrEmptyKey)
		})
	}
}

func TestWriteFileAtomicLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.json")
	require.NoError(t, WriteFileAtomic(path, []byte("one"), 0o600))
	require.NoError(t, WriteFileAtomic(path, []byte("two"), 0o600))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "two", string(b))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestFileSafe(t *testing.T) {
	require.Equal(t, "acct_1_pause", fileSafe("acct/1:pause"))
	require.Equal(t, "ok-name.v2", fileSafe("ok-name.v2"))
}
