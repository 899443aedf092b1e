package state

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"relayfleet/internal/storage"
	"relayfleet/pkg/logx"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newStore(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: t.TempDir()}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestForwardHistoryRecordIsMonotonic(t *testing.T) {
	h := ForwardHistory{}
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	h.Record(-100, 7, t0)
	h.Record(-100, 7, t0.Add(-time.Hour))

	got, ok := h.Last(-100, 7)
	require.True(t, ok)
	require.Equal(t, t0, got)
}

func TestForwardHistoryRecentCooldown(t *testing.T) {
	h := ForwardHistory{}
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	h.Record(-100, 7, t0)

	require.True(t, h.Recent(-100, []int{1, 7}, 6*time.Hour, t0.Add(5*time.Hour)))
	require.True(t, h.Recent(-100, []int{7}, 6*time.Hour, t0.Add(6*time.Hour)))
	require.False(t, h.Recent(-100, []int{7}, 6*time.Hour, t0.Add(6*time.Hour+time.Nanosecond)))
	require.False(t, h.Recent(-100, []int{7}, 6*time.Hour, t0.Add(7*time.Hour)))
	require.False(t, h.Recent(-200, []int{7}, 6*time.Hour, t0.Add(time.Minute)))
}

func TestSentCountersRollover(t *testing.T) {
	var c SentCounters
	day1 := time.Date(2026, 3, 1, 23, 0, 0, 0, time.Local)
	require.True(t, c.Rollover(day1))
	c.Inc(5)
	c.Inc(5)
	require.Equal(t, 2, c.Get(5))
	require.False(t, c.Rollover(day1.Add(30*time.Minute)))

	require.True(t, c.Rollover(day1.Add(2*time.Hour)))
	require.Equal(t, 0, c.Get(5))
}

func TestAccountPersistsAcrossLoad(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	clk := &clock{t: time.Date(2026, 5, 5, 10, 0, 0, 0, time.Local)}

	a, err := Load(ctx, st, "alpha", clk.now)
	require.NoError(t, err)

	until := clk.t.Add(time.Minute)
	require.NoError(t, a.SavePause(ctx, PauseState{GeneralPauseUntil: &until, FloodEventCount: 2, FloodWindowStart: clk.t}))
	require.Equal(t, 1, a.RecordDelivery(-100, []int{1, 2, 3}))
	require.Equal(t, 2, a.RecordDelivery(-100, []int{4}))
	require.NoError(t, a.Save(ctx))

	b, err := Load(ctx, st, "alpha", clk.now)
	require.NoError(t, err)
	require.Equal(t, 2, b.SentToday(-100))
	require.True(t, b.RecentlyForwarded(-100, []int{3}, time.Hour))
	p := b.Pause()
	require.NotNil(t, p.GeneralPauseUntil)
	require.True(t, p.GeneralPauseUntil.Equal(until))
	require.Equal(t, 2, p.FloodEventCount)

	clk.advance(24 * time.Hour)
	require.Equal(t, 0, b.SentToday(-100))
}

func TestLoadToleratesCorruptDocuments(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	require.NoError(t, st.Put(ctx, "beta.forward_history", []byte("{not json")))

	a, err := Load(ctx, st, "beta", nil)
	require.NoError(t, err)
	require.False(t, a.RecentlyForwarded(1, []int{1}, time.Hour))
}

func TestLoadDropsPartiallyDecodedDocuments(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	require.NoError(t, st.Put(ctx, "beta.pause", []byte(`{"flood_event_count":3,"flood_window_start":5}`)))
	require.NoError(t, st.Put(ctx, "beta.sent_counters", []byte(`{"date":"2026-01-01","counts":{"-100":"x"}}`)))

	a, err := Load(ctx, st, "beta", nil)
	require.NoError(t, err)
	require.Equal(t, PauseState{}, a.Pause())
	require.Equal(t, 0, a.SentToday(-100))
}

// gatedStore blocks the first Put of one key until released.
type gatedStore struct {
	storage.Store
	key     string
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) Put(ctx context.Context, k string, v []byte) error {
	if k == g.key {
		gate := false
		g.once.Do(func() { gate = true })
		if gate {
			close(g.entered)
			<-g.release
		}
	}
	return g.Store.Put(ctx, k, v)
}

func TestSaveDoesNotOverwriteNewerPause(t *testing.T) {
	ctx := context.Background()
	base := newStore(t)
	st := &gatedStore{Store: base, key: "alpha.sent_counters", entered: make(chan struct{}), release: make(chan struct{})}
	clk := &clock{t: time.Date(2026, 5, 5, 10, 0, 0, 0, time.UTC)}

	a, err := Load(ctx, st, "alpha", clk.now)
	require.NoError(t, err)
	a.RecordDelivery(-100, []int{1})

	saved := make(chan error, 1)
	go func() { saved <- a.Save(ctx) }()
	<-st.entered

	until := clk.t.Add(time.Hour)
	require.NoError(t, a.SavePause(ctx, PauseState{GeneralPauseUntil: &until, FloodEventCount: 1, FloodWindowStart: clk.t}))
	close(st.release)
	require.NoError(t, <-saved)

	b, err := Load(ctx, base, "alpha", clk.now)
	require.NoError(t, err)
	p := b.Pause()
	require.NotNil(t, p.GeneralPauseUntil)
	require.True(t, p.GeneralPauseUntil.Equal(until))
	require.Equal(t, 1, p.FloodEventCount)
	require.Equal(t, 1, b.SentToday(-100))
}

// flakyStore fails the first Put of one key.
type flakyStore struct {
	storage.Store
	key    string
	failed bool
}

func (f *flakyStore) Put(ctx context.Context, k string, v []byte) error {
	if k == f.key && !f.failed {
		f.failed = true
		return errors.New("disk full")
	}
	return f.Store.Put(ctx, k, v)
}

func TestSaveRetriesFailedPauseWrite(t *testing.T) {
	ctx := context.Background()
	base := newStore(t)
	st := &flakyStore{Store: base, key: "gamma.pause"}
	a, err := Load(ctx, st, "gamma", nil)
	require.NoError(t, err)

	until := time.Now().Add(time.Hour)
	require.Error(t, a.SavePause(ctx, PauseState{GeneralPauseUntil: &until, FloodEventCount: 2}))
	require.NoError(t, a.Save(ctx))

	b, err := Load(ctx, base, "gamma", nil)
	require.NoError(t, err)
	require.Equal(t, 2, b.Pause().FloodEventCount)
}

func TestSaveSkipsWhenClean(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	a, err := Load(ctx, st, "gamma", nil)
	require.NoError(t, err)
	require.NoError(t, a.Save(ctx))

	_, ok, err := st.Get(ctx, "gamma.forward_history")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)

	_, ok, err := LoadSession(ctx, st, "delta")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, SaveSession(ctx, st, "delta", Session{SelfID: 42, Username: "d", LastUpdateID: 9}))
	s, ok, err := LoadSession(ctx, st, "delta")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(42), s.SelfID)
	require.Equal(t, 9, s.LastUpdateID)

	require.NoError(t, DeleteSession(ctx, st, "delta"))
	_, ok, err = LoadSession(ctx, st, "delta")
	require.NoError(t, err)
	require.False(t, ok)
}
