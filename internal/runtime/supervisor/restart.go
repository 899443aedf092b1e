package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	logx "relayfleet/pkg/logx"
)

// RestartOption configures GoRestart.
type RestartOption func(*restartCfg)

type restartCfg struct {
	minBackoff      time.Duration
	maxBackoff      time.Duration
	resetAfter      time.Duration
	maxRestarts     int // <=0 means unlimited
	stopOnCleanExit bool
	publishFirstErr bool
	isTerminal      func(error) bool
	onTerminal      func(error)
	onRestart       func(attempt int, wait time.Duration, err error)
	sleep           func(ctx context.Context, d time.Duration) bool
}

func defaultRestartCfg() restartCfg {
	return restartCfg{
		minBackoff:      250 * time.Millisecond,
		maxBackoff:      30 * time.Second,
		resetAfter:      30 * time.Second,
		stopOnCleanExit: true,
		sleep:           sleepCtx,
	}
}

// WithRestartBackoff sets the exponential backoff bounds between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(c *restartCfg) {
		if min > 0 {
			c.minBackoff = min
		}
		if max > 0 {
			c.maxBackoff = max
		}
	}
}

// WithBackoffReset sets how long a run must last before the backoff drops
// back to its minimum.
func WithBackoffReset(d time.Duration) RestartOption {
	return func(c *restartCfg) { c.resetAfter = d }
}

// WithMaxRestarts gives up after n restarts. The first run is not counted.
func WithMaxRestarts(n int) RestartOption { return func(c *restartCfg) { c.maxRestarts = n } }

// WithPublishFirstError records the first failure as the supervisor Err.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(c *restartCfg) { c.publishFirstErr = enabled }
}

// WithStopOnCleanExit controls whether a nil return ends the loop (the
// default) or is restarted like a failure.
func WithStopOnCleanExit(enabled bool) RestartOption {
	return func(c *restartCfg) { c.stopOnCleanExit = enabled }
}

// WithTerminalError ends the loop for good when isTerminal(err) holds.
// onTerminal, when set, is called once with that error.
func WithTerminalError(isTerminal func(error) bool, onTerminal func(error)) RestartOption {
	return func(c *restartCfg) {
		c.isTerminal = isTerminal
		c.onTerminal = onTerminal
	}
}

// WithOnRestart installs a hook called before each backoff sleep.
func WithOnRestart(fn func(attempt int, wait time.Duration, err error)) RestartOption {
	return func(c *restartCfg) { c.onRestart = fn }
}

func withSleep(fn func(ctx context.Context, d time.Duration) bool) RestartOption {
	return func(c *restartCfg) { c.sleep = fn }
}

// GoRestart runs fn and restarts it after failures and panics with jittered
// exponential backoff. The loop ends when the context is cancelled, fn
// returns a terminal error, or the restart budget is spent.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	cfg := defaultRestartCfg()
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.minBackoff <= 0 {
		cfg.minBackoff = 250 * time.Millisecond
	}
	if cfg.maxBackoff < cfg.minBackoff {
		cfg.maxBackoff = cfg.minBackoff
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.restartLoop(name, fn, cfg)
	}()
}

func (s *Supervisor) restartLoop(name string, fn func(ctx context.Context) error, cfg restartCfg) {
	ctx := s.ctx
	log := s.log.With(logx.String("task", name))
	backoff := cfg.minBackoff

	for restarts := 0; ctx.Err() == nil; {
		startedAt := s.noteStart(name, restarts > 0)
		err, panicked, stack := call(ctx, fn)
		if panicked {
			log.Error("task panicked", logx.Err(err), logx.Stack(stack))
		}

		// The run ended because shutdown began.
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			s.noteStop(name, nil, panicked, false)
			return
		}

		if err != nil && cfg.isTerminal != nil && cfg.isTerminal(err) {
			s.noteStop(name, err, panicked, true)
			log.Error("task stopped permanently", logx.Err(err))
			if cfg.onTerminal != nil {
				cfg.onTerminal(err)
			}
			return
		}

		if err == nil {
			if cfg.stopOnCleanExit {
				s.noteStop(name, nil, false, false)
				return
			}
			err = errors.New("exited")
		}

		failure := fmt.Errorf("%s: %w", name, err)
		s.noteStop(name, failure, panicked, false)
		if cfg.publishFirstErr {
			s.setErr(failure)
		}

		restarts++
		if cfg.resetAfter > 0 && time.Since(startedAt) >= cfg.resetAfter {
			backoff = cfg.minBackoff
		}
		if cfg.maxRestarts > 0 && restarts > cfg.maxRestarts {
			log.Error("task gave up after restarts", logx.Int("restarts", restarts), logx.Err(err))
			return
		}

		wait := jitter(backoff, cfg.minBackoff, cfg.maxBackoff)
		log.Warn("task restarting", logx.Int("attempt", restarts), logx.Duration("backoff", wait), logx.Err(err))
		if cfg.onRestart != nil {
			cfg.onRestart(restarts, wait, err)
		}
		if !cfg.sleep(ctx, wait) {
			return
		}
		backoff = min(backoff*2, cfg.maxBackoff)
	}
}

// jitter clamps d into [lo, hi] and adds up to 20% on top.
func jitter(d, lo, hi time.Duration) time.Duration {
	d = max(lo, min(d, hi))
	if j := int64(d) / 5; j > 0 {
		d += time.Duration(rand.Int64N(j + 1))
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
