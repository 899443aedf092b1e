package storage

import (
	"errors"
	"time"
)

var (
	ErrClosed   = errors.New("storage closed")
	ErrEmptyKey = errors.New("storage key is empty")
)

// Config configures storage.
//
// Driver values:
//   - "file": directory of JSON documents (Path is the directory)
//   - "sqlite": SQLite database file (Path is the db file)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AuditEntry records one outbound action taken by an account.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At      time.Time `json:"at"`
	Account string    `json:"account"`
	RunID   string    `json:"run_id,omitempty"`
	Action  string    `json:"action"` // welcome, keyword, private, contact, forward, footer
	ChatID  int64     `json:"chat_id"`
	Target  string    `json:"target,omitempty"`
	OK      bool      `json:"ok"`
	Error   string    `json:"error,omitempty"`
}
