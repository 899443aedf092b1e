package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"relayfleet/internal/storage"
	logx "relayfleet/pkg/logx"
)

// fileLedger keeps the ledger as one JSON document:
//
//	{"welcome:-100:42": ["2026-01-01T10:00:00Z", ...], ...}
//
// Readers take a shared flock on <path>.lock and writers an exclusive one,
// so several processes can share the file. The document itself is replaced
// atomically.
type fileLedger struct {
	log       logx.Logger
	path      string
	lockPath  string
	retention time.Duration
	now       func() time.Time

	// flock does not serialize goroutines sharing one descriptor.
	mu sync.RWMutex
}

func openFile(cfg Config, log logx.Logger, now func() time.Time) (Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}
	return &fileLedger{
		log:       log,
		path:      cfg.Path,
		lockPath:  cfg.Path + ".lock",
		retention: cfg.Retention,
		now:       now,
	}, nil
}

const (
	lockPollMin = 5 * time.Millisecond
	lockPollMax = 100 * time.Millisecond
)

// withLock runs fn under a flock of the given kind. The lock is polled
// without blocking so ctx can abandon the wait.
func (l *fileLedger) withLock(ctx context.Context, how int, fn func() error) error {
	f, err := os.OpenFile(l.lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	fd := int(f.Fd())

	poll := lockPollMin
	for {
		err := unix.Flock(fd, how|unix.LOCK_NB)
		if err == nil {
			break
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			return err
		}
		t := time.NewTimer(poll)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		poll = min(poll*2, lockPollMax)
	}
	defer func() { _ = unix.Flock(fd, unix.LOCK_UN) }()
	return fn()
}

func (l *fileLedger) read() (map[string][]time.Time, error) {
	m := map[string][]time.Time{}
	b, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func (l *fileLedger) HasRecentResponse(ctx context.Context, key string, window time.Duration, maxAllowed int) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var found bool
	err := l.withLock(ctx, unix.LOCK_SH, func() error {
		m, err := l.read()
		if err != nil {
			return err
		}
		found = countRecent(m[key], l.now(), window) >= maxAllowed
		return nil
	})
	if err != nil {
		l.log.Warn("ledger read failed; treating as no recent response", logx.String("key", key), logx.Err(err))
		return false
	}
	return found
}

func (l *fileLedger) RegisterResponse(ctx context.Context, key string) error {
	if key == "" {
		return storage.ErrEmptyKey
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.withLock(ctx, unix.LOCK_EX, func() error {
		m, err := l.read()
		if err != nil {
			// A corrupt ledger is rebuilt from scratch rather than blocking registration.
			l.log.Warn("ledger unreadable; starting fresh", logx.Err(err))
			m = map[string][]time.Time{}
		}
		now := l.now()
		m[key] = append(m[key], now)
		prune(m, now, l.retention)

		b, err := json.Marshal(m)
		if err != nil {
			return err
		}
		return storage.WriteFileAtomic(l.path, b, 0o600)
	})
}

func (l *fileLedger) Entries(ctx context.Context) (map[string][]time.Time, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out map[string][]time.Time
	err := l.withLock(ctx, unix.LOCK_SH, func() error {
		m, err := l.read()
		out = m
		return err
	})
	return out, err
}

func (l *fileLedger) Close() error { return nil }
