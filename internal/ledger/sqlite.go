package ledger

import (
	"context"
	"database/sql"
	_ "embed"
	"time"

	"relayfleet/internal/storage"
	logx "relayfleet/pkg/logx"
)

//go:embed schema.sql
var schemaSQL string

// sqliteLedger stores one row per registration; at is unix nanoseconds.
type sqliteLedger struct {
	log       logx.Logger
	db        *sql.DB
	retention time.Duration
	now       func() time.Time
}

func openSQLite(cfg Config, log logx.Logger, now func() time.Time) (Ledger, error) {
	db, err := storage.OpenSQLiteDB(cfg.Path, cfg.BusyTimeout)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &sqliteLedger{log: log, db: db, retention: cfg.Retention, now: now}, nil
}

func (l *sqliteLedger) HasRecentResponse(ctx context.Context, key string, window time.Duration, maxAllowed int) bool {
	now := l.now()
	var n int
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ledger WHERE key = ? AND at >= ? AND at <= ?`,
		key, now.Add(-window).UnixNano(), now.UnixNano(),
	).Scan(&n)
	if err != nil {
		l.log.Warn("ledger read failed; treating as no recent response", logx.String("key", key), logx.Err(err))
		return false
	}
	return n >= maxAllowed
}

func (l *sqliteLedger) RegisterResponse(ctx context.Context, key string) error {
	if key == "" {
		return storage.ErrEmptyKey
	}
	now := l.now()
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `INSERT INTO ledger(key, at) VALUES(?, ?)`, key, now.UnixNano()); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM ledger WHERE at < ?`, now.Add(-l.retention).UnixNano()); err != nil {
		return err
	}
	return tx.Commit()
}

func (l *sqliteLedger) Entries(ctx context.Context) (map[string][]time.Time, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT key, at FROM ledger ORDER BY key, at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string][]time.Time{}
	for rows.Next() {
		var k string
		var at int64
		if err := rows.Scan(&k, &at); err != nil {
			return nil, err
		}
		out[k] = append(out[k], time.Unix(0, at))
	}
	return out, rows.Err()
}

func (l *sqliteLedger) Close() error { return l.db.Close() }
