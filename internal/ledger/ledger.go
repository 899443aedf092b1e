// Package ledger records which automated responses were sent recently, so
// that several accounts serving the same chat do not answer the same
// trigger more than once.
//
// The ledger is shared between every account of this process and, through
// the file lock or the database, with other processes pointed at the same path.
package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "relayfleet/pkg/logx"
)

// DefaultRetention is how long a registration is kept before pruning.
const DefaultRetention = 24 * time.Hour

// Ledger is the shared response registry.
//
// HasRecentResponse never fails: unreadable or corrupt data counts as "no
// recent response". Prefer a rare duplicate reply over a stuck account.
type Ledger interface {
	HasRecentResponse(ctx context.Context, key string, window time.Duration, maxAllowed int) bool
	RegisterResponse(ctx context.Context, key string) error
	Entries(ctx context.Context) (map[string][]time.Time, error)
	Close() error
}

type Config struct {
	Driver      string // file | sqlite
	Path        string
	Retention   time.Duration
	BusyTimeout time.Duration
}

type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// Open returns the configured ledger.
func Open(cfg Config, log logx.Logger, opts ...Option) (Ledger, error) {
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("ledger path is required")
	}
	log = log.With(logx.Comp("ledger"))
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "file":
		return openFile(cfg, log, o.now)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log, o.now)
	default:
		return nil, errors.New("unknown ledger driver: " + cfg.Driver)
	}
}

// countRecent returns how many of ts fall within window of now.
func countRecent(ts []time.Time, now time.Time, window time.Duration) int {
	n := 0
	for _, t := range ts {
		age := now.Sub(t)
		if age >= 0 && age <= window {
			n++
		}
	}
	return n
}

// prune drops timestamps older than retention and keys left empty.
func prune(m map[string][]time.Time, now time.Time, retention time.Duration) {
	for k, ts := range m {
		kept := ts[:0]
		for _, t := range ts {
			if now.Sub(t) <= retention {
				kept = append(kept, t)
			}
		}
		if len(kept) == 0 {
			delete(m, k)
			continue
		}
		m[k] = kept
	}
}
