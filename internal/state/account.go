package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"relayfleet/internal/storage"
)

const (
	kindPause    = "pause"
	kindHistory  = "forward_history"
	kindCounters = "sent_counters"
	kindSession  = "session"
)

func key(account, kind string) string { return account + "." + kind }

// Account owns the mutable state of one account: pause timestamps,
// forward history and daily counters.
//
// The reply path and the forward scheduler of the same account run as
// separate goroutines, so every accessor takes the lock; no caller gets a
// reference to the underlying maps.
type Account struct {
	name  string
	store storage.Store
	now   func() time.Time

	// pmu orders pause writes so an older pause never lands after a newer one.
	pmu sync.Mutex

	mu         sync.Mutex
	pause      PauseState
	pauseDirty bool // last pause write failed
	history    ForwardHistory
	counters   SentCounters
	dirty      bool
}

// Load reads the account's snapshots. Missing or unreadable documents start empty.
func Load(ctx context.Context, store storage.Store, name string, now func() time.Time) (*Account, error) {
	if store == nil {
		return nil, errors.New("state: store is nil")
	}
	if now == nil {
		now = time.Now
	}
	a := &Account{name: name, store: store, now: now}

	var err error
	if a.pause, err = loadJSON[PauseState](ctx, store, key(name, kindPause)); err != nil {
		return nil, err
	}
	if a.history, err = loadJSON[ForwardHistory](ctx, store, key(name, kindHistory)); err != nil {
		return nil, err
	}
	if a.counters, err = loadJSON[SentCounters](ctx, store, key(name, kindCounters)); err != nil {
		return nil, err
	}
	if a.history == nil {
		a.history = ForwardHistory{}
	}
	a.counters.Rollover(now())
	return a, nil
}

// loadJSON tolerates corrupt documents: they read as the zero value, never
// as a partial decode.
func loadJSON[T any](ctx context.Context, store storage.Store, k string) (T, error) {
	var zero T
	b, ok, err := store.Get(ctx, k)
	if err != nil {
		return zero, fmt.Errorf("state: read %s: %w", k, err)
	}
	if !ok || len(b) == 0 {
		return zero, nil
	}
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return zero, nil
	}
	return v, nil
}

func putJSON(ctx context.Context, store storage.Store, k string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := store.Put(ctx, k, b); err != nil {
		return fmt.Errorf("state: write %s: %w", k, err)
	}
	return nil
}

func (a *Account) Name() string { return a.name }

// Pause returns a copy of the persisted pause state.
func (a *Account) Pause() PauseState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pause
}

// SavePause replaces the pause state and writes it through immediately.
// A failed write is retried by the next Save.
func (a *Account) SavePause(ctx context.Context, p PauseState) error {
	a.pmu.Lock()
	defer a.pmu.Unlock()
	a.mu.Lock()
	a.pause = p
	a.mu.Unlock()
	return a.writePauseLocked(ctx, p)
}

// writePauseLocked writes p; the caller holds pmu.
func (a *Account) writePauseLocked(ctx context.Context, p PauseState) error {
	err := putJSON(ctx, a.store, key(a.name, kindPause), p)
	a.mu.Lock()
	a.pauseDirty = err != nil
	a.mu.Unlock()
	return err
}

func (a *Account) retryPause(ctx context.Context) error {
	a.pmu.Lock()
	defer a.pmu.Unlock()
	a.mu.Lock()
	p, failed := a.pause, a.pauseDirty
	a.mu.Unlock()
	if !failed {
		return nil
	}
	return a.writePauseLocked(ctx, p)
}

// RecentlyForwarded reports whether any id was forwarded to chatID within cooldown.
func (a *Account) RecentlyForwarded(chatID int64, ids []int, cooldown time.Duration) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.history.Recent(chatID, ids, cooldown, a.now())
}

// SentToday returns the day's send count for chatID, rolling the day over first.
func (a *Account) SentToday(chatID int64) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.counters.Rollover(a.now()) {
		a.dirty = true
	}
	return a.counters.Get(chatID)
}

// RecordDelivery marks every id as forwarded to chatID now and bumps the
// day's counter, as one step. It returns the new count.
func (a *Account) RecordDelivery(chatID int64, ids []int) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	a.counters.Rollover(now)
	for _, id := range ids {
		a.history.Record(chatID, id, now)
	}
	a.dirty = true
	return a.counters.Inc(chatID)
}

// DeliveredToday returns the total sends recorded today.
func (a *Account) DeliveredToday() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.counters.Rollover(a.now())
	return a.counters.Total()
}

// PruneHistory drops history entries older than maxAge.
func (a *Account) PruneHistory(maxAge time.Duration) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := a.history.Prune(maxAge, a.now())
	if n > 0 {
		a.dirty = true
	}
	return n
}

// Save flushes history and counters if they changed since the last save,
// and retries a pause write that failed. Pause state is otherwise owned by
// SavePause.
func (a *Account) Save(ctx context.Context) error {
	pauseErr := a.retryPause(ctx)

	a.mu.Lock()
	if !a.dirty {
		a.mu.Unlock()
		return pauseErr
	}
	hist := maps.Clone(a.history)
	counters := SentCounters{Date: a.counters.Date, Counts: maps.Clone(a.counters.Counts)}
	a.dirty = false
	a.mu.Unlock()

	err := errors.Join(
		putJSON(ctx, a.store, key(a.name, kindHistory), hist),
		putJSON(ctx, a.store, key(a.name, kindCounters), counters),
	)
	if err != nil {
		a.mu.Lock()
		a.dirty = true
		a.mu.Unlock()
	}
	return errors.Join(pauseErr, err)
}

// Snapshot returns a copy for operator inspection.
func (a *Account) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Snapshot{
		Account:  a.name,
		Pause:    a.pause,
		Counters: SentCounters{Date: a.counters.Date, Counts: maps.Clone(a.counters.Counts)},
		History:  sortedHistory(a.history),
	}
}

// ---- session material ----

func LoadSession(ctx context.Context, store storage.Store, account string) (Session, bool, error) {
	var s Session
	b, ok, err := store.Get(ctx, key(account, kindSession))
	if err != nil || !ok {
		return s, false, err
	}
	if err := json.Unmarshal(b, &s); err != nil {
		return Session{}, false, nil
	}
	return s, true, nil
}

func SaveSession(ctx context.Context, store storage.Store, account string, s Session) error {
	if s.SavedAt.IsZero() {
		s.SavedAt = time.Now()
	}
	return putJSON(ctx, store, key(account, kindSession), s)
}

func DeleteSession(ctx context.Context, store storage.Store, account string) error {
	return store.Delete(ctx, key(account, kindSession))
}
