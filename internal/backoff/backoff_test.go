package backoff

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"relayfleet/internal/state"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestPauseDurationFirstEventBounds(t *testing.T) {
	cfg := DefaultConfig()
	wait := 30 * time.Second
	extra := max(cfg.BaseExtra, time.Duration(float64(wait)*cfg.ExtraFraction))
	upper := time.Duration(float64(wait)*cfg.Cap) + extra + time.Duration(cfg.JitterFraction*float64(extra))

	for _, r := range []float64{0, 0.25, 0.5, 0.999} {
		d := cfg.PauseDuration(wait, 1, r)
		require.GreaterOrEqual(t, d, wait+cfg.MinFloor)
		require.LessOrEqual(t, d, upper)
	}
}

func TestPauseDurationMonotonicInCount(t *testing.T) {
	cfg := DefaultConfig()
	for _, wait := range []time.Duration{0, time.Second, 30 * time.Second, 10 * time.Minute} {
		prev := time.Duration(0)
		for n := 1; n <= 20; n++ {
			d := cfg.PauseDuration(wait, n, 0.5)
			require.GreaterOrEqualf(t, d, prev, "wait=%s n=%d", wait, n)
			prev = d
		}
	}
}

func TestPauseDurationCapped(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, cfg.PauseDuration(time.Minute, 7, 0), cfg.PauseDuration(time.Minute, 100, 0))
}

func TestOnRateLimitedEscalatesAndResets(t *testing.T) {
	clk := &clock{t: time.Date(2026, 2, 2, 8, 0, 0, 0, time.UTC)}
	var saved []state.PauseState
	c := New(DefaultConfig(), state.PauseState{}, func(p state.PauseState) error {
		saved = append(saved, p)
		return nil
	}, WithClock(clk.now), WithRand(func() float64 { return 0 }))

	u1 := c.OnRateLimited(10*time.Second, false)
	require.Equal(t, 1, c.Snapshot().FloodEventCount)
	require.True(t, c.IsPaused())
	require.True(t, c.IsForwardPaused())

	u2 := c.OnRateLimited(10*time.Second, false)
	require.Equal(t, 2, c.Snapshot().FloodEventCount)
	require.Greater(t, u2.Sub(clk.t), u1.Sub(clk.t)-time.Nanosecond)

	clk.advance(31 * time.Minute)
	require.False(t, c.IsPaused())
	c.OnRateLimited(10*time.Second, false)
	require.Equal(t, 1, c.Snapshot().FloodEventCount)
	require.Equal(t, clk.t, c.Snapshot().FloodWindowStart)

	require.Len(t, saved, 3)
}

func TestForwardPauseDoesNotBlockReplies(t *testing.T) {
	clk := &clock{t: time.Date(2026, 2, 2, 8, 0, 0, 0, time.UTC)}
	c := New(DefaultConfig(), state.PauseState{}, nil, WithClock(clk.now))

	until := c.OnRateLimited(20*time.Second, true)
	require.False(t, c.IsPaused())
	require.True(t, c.IsForwardPaused())
	got, ok := c.ForwardPausedUntil()
	require.True(t, ok)
	require.Equal(t, until, got)

	clk.advance(until.Sub(clk.t))
	require.False(t, c.IsForwardPaused())
}

func TestPauseForKeepsLaterDeadline(t *testing.T) {
	clk := &clock{t: time.Date(2026, 2, 2, 8, 0, 0, 0, time.UTC)}
	c := New(DefaultConfig(), state.PauseState{}, nil, WithClock(clk.now))

	long := c.PauseFor(time.Hour, true)
	short := c.PauseFor(time.Minute, true)
	require.Equal(t, long, short)
	require.Equal(t, 0, c.Snapshot().FloodEventCount)
}

func TestRestoredStateIsHonored(t *testing.T) {
	now := time.Date(2026, 2, 2, 8, 0, 0, 0, time.UTC)
	until := now.Add(time.Minute)
	c := New(DefaultConfig(), state.PauseState{GeneralPauseUntil: &until}, nil, WithClock(func() time.Time { return now }))
	require.True(t, c.IsPaused())
}

func TestPersistErrorKeepsDeadline(t *testing.T) {
	c := New(DefaultConfig(), state.PauseState{}, func(state.PauseState) error { return errors.New("disk full") })
	c.OnRateLimited(time.Second, false)
	require.True(t, c.IsPaused())
}
