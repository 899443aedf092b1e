// Package forward re-broadcasts the newest posts of a source channel into
// the groups an account belongs to, one paced round at a time.
package forward

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"relayfleet/internal/eventbus"
	"relayfleet/internal/platform"
	"relayfleet/internal/state"
	"relayfleet/internal/storage"
	"relayfleet/pkg/logx"
)

// Pauser is the slice of the flood controller the scheduler needs.
type Pauser interface {
	ForwardPausedUntil() (time.Time, bool)
	OnRateLimited(wait time.Duration, forward bool) time.Time
	PauseFor(d time.Duration, forward bool) time.Time
}

// Auditor records delivery outcomes.
type Auditor interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

type Options struct {
	Account  string
	RunID    string
	Client   platform.Client
	State    *state.Account
	Pauser   Pauser
	Settings func() Settings

	// Sem bounds concurrent forward calls across every account. Nil means unbounded.
	Sem     *semaphore.Weighted
	Bus     eventbus.Bus
	Auditor Auditor
	Logger  logx.Logger

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) bool
	Rand  *rand.Rand
}

type Scheduler struct {
	account  string
	runID    string
	client   platform.Client
	st       *state.Account
	pause    Pauser
	settings func() Settings
	sem      *semaphore.Weighted
	bus      eventbus.Bus
	audit    Auditor
	log      logx.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) bool
	rnd   *rand.Rand

	cachedDialogs []platform.Dialog
	cachedAt      time.Time
}

func New(o Options) (*Scheduler, error) {
	if o.Client == nil || o.State == nil || o.Pauser == nil {
		return nil, errors.New("forward: client, state and pauser are required")
	}
	s := &Scheduler{
		account:  o.Account,
		runID:    o.RunID,
		client:   o.Client,
		st:       o.State,
		pause:    o.Pauser,
		settings: o.Settings,
		sem:      o.Sem,
		bus:      o.Bus,
		audit:    o.Auditor,
		log:      o.Logger.With(logx.String("component", "forward")),
		now:      o.Now,
		sleep:    o.Sleep,
		rnd:      o.Rand,
	}
	if s.settings == nil {
		s.settings = DefaultSettings
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.sleep == nil {
		s.sleep = sleepCtx
	}
	if s.rnd == nil {
		s.rnd = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return s, nil
}

// Result summarises one round.
type Result struct {
	Paused      bool
	PausedUntil time.Time
	Disabled    bool

	Batch      []int
	Candidates int
	Attempted  int
	Delivered  int

	SkippedDaily    int
	SkippedCooldown int
}

// Run executes rounds until ctx is cancelled. It returns nil on cancellation
// and a non-nil error only when the account lost authorization.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		res, err := s.Round(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if platform.IsUnauthorized(err) {
				return err
			}
			s.log.Warn("forward round failed", logx.Err(err))
		}
		wait := s.nextInterval(res)
		if res.Paused {
			if d := res.PausedUntil.Sub(s.now()); d > 0 && d < wait {
				wait = d + s.between(time.Second, 5*time.Second)
			}
		}
		s.log.Debug("next forward round", logx.Duration("in", wait))
		if !s.sleep(ctx, wait) {
			return nil
		}
	}
}

// nextInterval stretches the wait after an idle round and adds a little per
// delivery after a busy one.
func (s *Scheduler) nextInterval(res Result) time.Duration {
	set := s.settings().withDefaults()
	base := s.between(set.IntervalMin, set.IntervalMax)
	if res.Delivered == 0 {
		return time.Duration(float64(base) * set.IdleScale)
	}
	return base + time.Duration(res.Delivered)*set.PerDelivery
}

// Round performs a single forwarding pass.
func (s *Scheduler) Round(ctx context.Context) (Result, error) {
	set := s.settings().withDefaults()
	if !set.Enabled || set.Source == 0 {
		return Result{Disabled: true}, nil
	}
	if until, paused := s.pause.ForwardPausedUntil(); paused {
		return Result{Paused: true, PausedUntil: until}, nil
	}

	var (
		batch   []int
		dialogs []platform.Dialog
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		batch, err = s.fetchBatch(gctx, set)
		return err
	})
	g.Go(func() error {
		var err error
		dialogs, err = s.dialogs(gctx, set)
		return err
	})
	if err := g.Wait(); err != nil {
		if wait, ok := platform.RateLimitWait(err); ok {
			s.rateLimited(wait)
			until, _ := s.pause.ForwardPausedUntil()
			return Result{Paused: true, PausedUntil: until}, err
		}
		return Result{}, err
	}

	res := Result{Batch: batch}
	if len(batch) == 0 {
		s.log.Debug("source has no eligible posts", logx.Int64("source", set.Source))
		return res, nil
	}

	targets := candidates(dialogs, set)
	s.rnd.Shuffle(len(targets), func(i, j int) { targets[i], targets[j] = targets[j], targets[i] })
	res.Candidates = len(targets)

	for _, t := range targets {
		if res.Attempted >= set.RoundCap {
			break
		}
		if until, paused := s.pause.ForwardPausedUntil(); paused {
			res.Paused, res.PausedUntil = true, until
			break
		}
		if t.SentToday = s.st.SentToday(t.ID); t.SentToday >= set.DailyCap {
			res.SkippedDaily++
			continue
		}
		if s.st.RecentlyForwarded(t.ID, batch, set.ResendCooldown) {
			res.SkippedCooldown++
			continue
		}

		if res.Attempted > 0 && !s.sleep(ctx, s.between(set.PacingMin, set.PacingMax)) {
			return res, ctx.Err()
		}
		res.Attempted++
		out, err := s.deliver(ctx, set, t, batch)
		if err != nil {
			return res, err
		}
		if out.delivered {
			res.Delivered++
			s.st.RecordDelivery(t.ID, batch)
			s.footer(ctx, set, t)
		}
		if out.stop {
			break
		}
	}

	s.log.Info("forward round done",
		logx.Int("candidates", res.Candidates),
		logx.Int("attempted", res.Attempted),
		logx.Int("delivered", res.Delivered),
		logx.Int("skipped_daily", res.SkippedDaily),
		logx.Int("skipped_cooldown", res.SkippedCooldown),
	)
	s.publish(eventbus.ForwardRound, eventbus.RoundData{Delivered: res.Delivered, Attempted: res.Attempted, Batch: batch})
	return res, nil
}

func (s *Scheduler) footer(ctx context.Context, set Settings, t Target) {
	if set.Footer == "" {
		return
	}
	if !s.sleep(ctx, s.between(set.FooterMin, set.FooterMax)) {
		return
	}
	if err := s.acquire(ctx); err != nil {
		return
	}
	_, err := s.client.SendMessage(ctx, t.ID, set.Footer)
	s.release()
	if err != nil {
		if wait, ok := platform.RateLimitWait(err); ok {
			s.rateLimited(wait)
		}
		s.log.Debug("footer failed", logx.Chat(t.ID), logx.Err(err))
	}
	s.record(ctx, "footer", t, err)
}

func (s *Scheduler) rateLimited(wait time.Duration) {
	until := s.pause.OnRateLimited(wait, true)
	s.publish(eventbus.AccountPaused, eventbus.PauseData{Until: until, Forward: true, Wait: wait})
}

func (s *Scheduler) acquire(ctx context.Context) error {
	if s.sem == nil {
		return nil
	}
	return s.sem.Acquire(ctx, 1)
}

func (s *Scheduler) release() {
	if s.sem != nil {
		s.sem.Release(1)
	}
}

func (s *Scheduler) publish(t eventbus.Type, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: t, Account: s.account, Time: s.now(), Data: data})
}

func (s *Scheduler) record(ctx context.Context, action string, t Target, err error) {
	if s.audit == nil {
		return
	}
	e := storage.AuditEntry{
		At:      s.now(),
		Account: s.account,
		RunID:   s.runID,
		Action:  action,
		ChatID:  t.ID,
		Target:  t.Title,
		OK:      err == nil,
	}
	if err != nil {
		e.Error = err.Error()
	}
	if aerr := s.audit.AppendAudit(ctx, e); aerr != nil {
		s.log.Debug("audit append failed", logx.Err(aerr))
	}
}

// between returns a uniform duration in [lo, hi].
func (s *Scheduler) between(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(s.rnd.Int64N(int64(hi-lo)+1))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
