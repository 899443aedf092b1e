// Package backoff turns rate-limit signals from the platform into pause
// deadlines for one account.
//
// Repeated signals inside one tracking window escalate the pause, capped.
// The controller only keeps deadlines; callers compare them against the
// clock at each decision point.
package backoff

import (
	"math/rand/v2"
	"sync"
	"time"

	"relayfleet/internal/state"
	logx "relayfleet/pkg/logx"
)

type Config struct {
	Window         time.Duration // flood tracking window
	Cap            float64       // multiplier ceiling
	Step           float64       // multiplier growth per event
	BaseExtra      time.Duration
	ExtraFraction  float64 // of the wait hint
	MinFloor       time.Duration
	JitterFraction float64 // of extra
}

func DefaultConfig() Config {
	return Config{
		Window:         30 * time.Minute,
		Cap:            3.0,
		Step:           0.3,
		BaseExtra:      5 * time.Second,
		ExtraFraction:  0.15,
		MinFloor:       5 * time.Second,
		JitterFraction: 0.5,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.Cap < 1 {
		c.Cap = d.Cap
	}
	if c.Step <= 0 {
		c.Step = d.Step
	}
	if c.BaseExtra <= 0 {
		c.BaseExtra = d.BaseExtra
	}
	if c.ExtraFraction <= 0 {
		c.ExtraFraction = d.ExtraFraction
	}
	if c.MinFloor <= 0 {
		c.MinFloor = d.MinFloor
	}
	if c.JitterFraction < 0 {
		c.JitterFraction = 0
	}
	return c
}

// PersistFunc receives every new pause state. Errors are logged; the
// in-memory deadline stays authoritative.
type PersistFunc func(state.PauseState) error

// Controller is safe for concurrent use.
type Controller struct {
	log     logx.Logger
	persist PersistFunc
	now     func() time.Time
	rnd     func() float64

	mu  sync.Mutex
	cfg Config
	st  state.PauseState
}

type Option func(*Controller)

func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// WithRand sets the jitter source; it must return values in [0,1).
func WithRand(rnd func() float64) Option {
	return func(c *Controller) {
		if rnd != nil {
			c.rnd = rnd
		}
	}
}

func WithLogger(log logx.Logger) Option {
	return func(c *Controller) { c.log = log }
}

func New(cfg Config, initial state.PauseState, persist PersistFunc, opts ...Option) *Controller {
	c := &Controller{
		cfg:     cfg.withDefaults(),
		st:      initial,
		persist: persist,
		now:     time.Now,
		rnd:     rand.Float64,
	}
	for _, o := range opts {
		o(c)
	}
	if c.log.IsZero() {
		c.log = logx.Nop()
	}
	return c
}

// SetConfig swaps tuning parameters; the current state is kept.
func (c *Controller) SetConfig(cfg Config) {
	c.mu.Lock()
	c.cfg = cfg.withDefaults()
	c.mu.Unlock()
}

// PauseDuration computes the pause for a wait hint given the event count
// after increment and a jitter sample r in [0,1).
func (cfg Config) PauseDuration(wait time.Duration, count int, r float64) time.Duration {
	cfg = cfg.withDefaults()
	if wait < 0 {
		wait = 0
	}
	mult := 1 + min(float64(count)*cfg.Step, cfg.Cap-1)
	extra := max(cfg.BaseExtra, time.Duration(float64(wait)*cfg.ExtraFraction))
	jitter := time.Duration(r * cfg.JitterFraction * float64(extra))
	escalated := time.Duration(float64(wait)*mult) + extra + jitter
	return max(escalated, wait+cfg.MinFloor)
}

// OnRateLimited records one rate-limit signal and returns the new deadline.
// forward selects the forward-only pause instead of the general one.
func (c *Controller) OnRateLimited(wait time.Duration, forward bool) time.Time {
	c.mu.Lock()
	now := c.now()
	if c.st.FloodWindowStart.IsZero() || now.Sub(c.st.FloodWindowStart) >= c.cfg.Window {
		c.st.FloodWindowStart = now
		c.st.FloodEventCount = 0
	}
	c.st.FloodEventCount++
	d := c.cfg.PauseDuration(wait, c.st.FloodEventCount, c.rnd())
	until := now.Add(d)
	if forward {
		c.st.ForwardPauseUntil = &until
	} else {
		c.st.GeneralPauseUntil = &until
	}
	snap := c.st
	c.mu.Unlock()

	c.log.Warn("rate limited; pausing",
		logx.Duration("wait_hint", wait),
		logx.Duration("pause", d),
		logx.Int("events", snap.FloodEventCount),
		logx.Bool("forward", forward),
	)
	c.save(snap)
	return until
}

// PauseFor sets a pause without touching the flood counter.
// An existing later deadline is kept.
func (c *Controller) PauseFor(d time.Duration, forward bool) time.Time {
	c.mu.Lock()
	until := c.now().Add(d)
	slot := &c.st.GeneralPauseUntil
	if forward {
		slot = &c.st.ForwardPauseUntil
	}
	if *slot != nil && (*slot).After(until) {
		until = **slot
	} else {
		*slot = &until
	}
	snap := c.st
	c.mu.Unlock()

	c.save(snap)
	return until
}

func (c *Controller) save(st state.PauseState) {
	if c.persist == nil {
		return
	}
	if err := c.persist(st); err != nil {
		c.log.Error("persist pause state failed", logx.Err(err))
	}
}

// IsPaused reports whether the general pause is active.
func (c *Controller) IsPaused() bool {
	_, ok := c.PausedUntil()
	return ok
}

// IsForwardPaused reports whether forwarding is blocked by either pause.
func (c *Controller) IsForwardPaused() bool {
	_, ok := c.ForwardPausedUntil()
	return ok
}

func (c *Controller) PausedUntil() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return active(c.st.GeneralPauseUntil, c.now())
}

// ForwardPausedUntil returns the later of the active general and forward deadlines.
func (c *Controller) ForwardPausedUntil() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	g, gok := active(c.st.GeneralPauseUntil, now)
	f, fok := active(c.st.ForwardPauseUntil, now)
	switch {
	case gok && fok:
		if g.After(f) {
			return g, true
		}
		return f, true
	case gok:
		return g, true
	case fok:
		return f, true
	}
	return time.Time{}, false
}

func active(until *time.Time, now time.Time) (time.Time, bool) {
	if until == nil || !now.Before(*until) {
		return time.Time{}, false
	}
	return *until, true
}

func (c *Controller) Snapshot() state.PauseState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st
}
