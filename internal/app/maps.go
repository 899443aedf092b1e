package app

import (
	"fmt"
	"strings"
	"time"

	"relayfleet/internal/config"
	"relayfleet/internal/ledger"
	"relayfleet/internal/notifier"
	"relayfleet/internal/storage"
	logx "relayfleet/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	sc := cfg.State
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "file":
		if path == "" {
			path = "./state"
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("state.path is required when state.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("state.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown state.driver: %s", sc.Driver)
	}
}

func mapLedger(cfg *config.Config) (ledger.Config, error) {
	lc := cfg.Ledger
	path := strings.TrimSpace(lc.Path)
	if path == "" {
		path = "./state/ledger.json"
	}
	retention, err := config.ParseDurationOrDefault("ledger.retention", lc.Retention, ledger.DefaultRetention)
	if err != nil {
		return ledger.Config{}, err
	}
	busy, err := config.ParseDurationOrDefault("ledger.busy_timeout", lc.BusyTimeout, time.Second)
	if err != nil {
		return ledger.Config{}, err
	}
	return ledger.Config{
		Driver:      strings.ToLower(strings.TrimSpace(lc.Driver)),
		Path:        path,
		Retention:   retention,
		BusyTimeout: busy,
	}, nil
}

func mapNotifier(cfg *config.Config) (notifier.Config, error) {
	op := cfg.Operator
	if op == nil {
		return notifier.Config{}, nil
	}
	retryBase, err := config.ParseDurationOrDefault("operator.retry_base", op.RetryBase, 500*time.Millisecond)
	if err != nil {
		return notifier.Config{}, err
	}
	retryMax, err := config.ParseDurationOrDefault("operator.retry_max_delay", op.RetryMaxDelay, 10*time.Second)
	if err != nil {
		return notifier.Config{}, err
	}
	dedup, err := config.ParseDurationOrDefault("operator.dedup_window", op.DedupWindow, 30*time.Second)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:         op.Enabled,
		ChatID:          op.ChatID,
		Workers:         op.Workers,
		QueueSize:       op.QueueSize,
		RatePerSec:      op.RatePerSec,
		RetryMax:        op.RetryMax,
		RetryBase:       retryBase,
		RetryMaxDelay:   retryMax,
		DedupWindow:     dedup,
		DedupMaxEntries: op.DedupMaxEntries,
	}, nil
}

// OpenStores opens the state store and the shared ledger described by cfg.
func OpenStores(cfg *config.Config, log logx.Logger) (storage.Store, ledger.Ledger, error) {
	sc, err := mapStorage(cfg)
	if err != nil {
		return nil, nil, err
	}
	lc, err := mapLedger(cfg)
	if err != nil {
		return nil, nil, err
	}
	store, err := storage.Open(sc, log)
	if err != nil {
		return nil, nil, fmt.Errorf("open state: %w", err)
	}
	led, err := ledger.Open(lc, log)
	if err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("open ledger: %w", err)
	}
	return store, led, nil
}
