// Package worker runs one account: connect, authorize, answer inbound
// events, forward on a schedule, and keep its state on disk.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"relayfleet/internal/backoff"
	"relayfleet/internal/eventbus"
	"relayfleet/internal/forward"
	"relayfleet/internal/ledger"
	"relayfleet/internal/platform"
	rtsup "relayfleet/internal/runtime/supervisor"
	"relayfleet/internal/state"
	"relayfleet/internal/storage"
	"relayfleet/pkg/logx"
)

// ErrUnauthorized means the account's credential was revoked. The session
// has been deleted and the worker must not be started again.
var ErrUnauthorized = errors.New("account unauthorized")

// ErrKeepalive ends a run after too many failed probes in a row.
var ErrKeepalive = errors.New("keepalive failed")

const (
	historyRetention = 7 * 24 * time.Hour
	handlerLimit     = 32
	flushTimeout     = 10 * time.Second
)

type Deps struct {
	Name   string
	Client platform.Client
	Store  storage.Store
	Ledger ledger.Ledger

	// Settings returns the current compiled configuration.
	Settings  func() *Settings
	NoForward bool

	// Managed reports whether a user id belongs to another account of this fleet.
	Managed func(userID int64) bool
	// OnSelf is called with the account's own identity after authorization.
	OnSelf func(platform.User)

	ForwardSem *semaphore.Weighted
	Bus        eventbus.Bus
	Logger     logx.Logger

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) bool
	Rand  func() float64
}

type Worker struct {
	d   Deps
	log logx.Logger

	// per run
	runID string
	self  platform.User
	st    *state.Account
	ctrl  *backoff.Controller

	mu         sync.Mutex
	cooldowns  map[string]time.Time
	quarantine map[int64]time.Time
}

func New(d Deps) (*Worker, error) {
	if d.Name == "" || d.Client == nil || d.Store == nil || d.Ledger == nil || d.Settings == nil {
		return nil, errors.New("worker: name, client, store, ledger and settings are required")
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Sleep == nil {
		d.Sleep = sleepCtx
	}
	if d.Rand == nil {
		d.Rand = rand.Float64
	}
	if d.Managed == nil {
		d.Managed = func(int64) bool { return false }
	}
	return &Worker{d: d, log: d.Logger.With(logx.Account(d.Name))}, nil
}

func (w *Worker) Name() string { return w.d.Name }

// Run drives one session of the account until ctx is cancelled or the
// session fails. It returns nil only when ctx was cancelled.
// A revoked credential yields an error wrapping ErrUnauthorized.
func (w *Worker) Run(ctx context.Context) error {
	log, err := w.begin(ctx)
	if err != nil {
		return err
	}
	set := w.d.Settings()

	log.Info("connecting")
	if err := w.connect(ctx, set); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		if platform.IsUnauthorized(err) {
			return w.retire(err)
		}
		return fmt.Errorf("connect: %w", err)
	}

	ok, err := w.d.Client.IsAuthorized(ctx)
	switch {
	case err != nil && platform.IsUnauthorized(err):
		return w.retire(err)
	case err != nil:
		w.disconnect()
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("authorize: %w", err)
	case !ok:
		return w.retire(errors.New("authorization check failed"))
	}

	w.self = w.d.Client.Self()
	if w.d.OnSelf != nil {
		w.d.OnSelf(w.self)
	}
	w.saveSession(ctx)
	log.Info("worker online", logx.Int64("self_id", w.self.ID), logx.String("username", w.self.Username))
	w.publish(eventbus.WorkerOnline, nil)

	err = w.serve(ctx, log)

	w.flush(context.Background())
	if errors.Is(err, ErrUnauthorized) || platform.IsUnauthorized(err) {
		return w.retire(err)
	}
	w.disconnect()
	w.publish(eventbus.WorkerStopped, nil)
	if ctx.Err() != nil {
		log.Info("worker stopped")
		return nil
	}
	if err == nil {
		err = errors.New("worker returned without error")
	}
	return err
}

// begin prepares per-run state and returns the run's logger.
func (w *Worker) begin(ctx context.Context) (logx.Logger, error) {
	w.runID = uuid.NewString()
	log := w.log.With(logx.String("run", w.runID))

	st, err := state.Load(ctx, w.d.Store, w.d.Name, w.d.Now)
	if err != nil {
		return logx.Logger{}, fmt.Errorf("load state: %w", err)
	}
	ctrl := backoff.New(w.d.Settings().Flood, st.Pause(), func(p state.PauseState) error {
		return st.SavePause(context.Background(), p)
	}, backoff.WithClock(w.d.Now), backoff.WithRand(w.d.Rand), backoff.WithLogger(log))

	w.mu.Lock()
	w.st, w.ctrl = st, ctrl
	w.cooldowns = map[string]time.Time{}
	w.quarantine = map[int64]time.Time{}
	w.mu.Unlock()

	w.importKnown(ctx)
	return log, nil
}

// serve runs the running-state tasks. The first failing task ends them all.
func (w *Worker) serve(ctx context.Context, log logx.Logger) error {
	set := w.d.Settings()
	events := make(chan platform.Event, set.EventBuffer)
	if err := w.d.Client.Start(ctx, events); err != nil {
		return fmt.Errorf("start intake: %w", err)
	}

	sv := rtsup.NewSupervisor(ctx, rtsup.WithLogger(log), rtsup.WithCancelOnError(true))
	sv.Go("events", func(ctx context.Context) error { return w.eventLoop(ctx, events) })
	sv.Go("keepalive", w.keepalive)
	sv.Go("autosave", w.autosave)
	if !w.d.NoForward {
		sched, err := forward.New(forward.Options{
			Account:  w.d.Name,
			RunID:    w.runID,
			Client:   w.d.Client,
			State:    w.st,
			Pauser:   w.ctrl,
			Settings: func() forward.Settings { return w.d.Settings().Forward },
			Sem:      w.d.ForwardSem,
			Bus:      w.d.Bus,
			Auditor:  w.d.Store,
			Logger:   log,
			Now:      w.d.Now,
			Sleep:    w.d.Sleep,
		})
		if err != nil {
			sv.Cancel()
			_ = sv.Wait(context.Background())
			return err
		}
		sv.Go("forward", sched.Run)
	}

	return sv.Wait(context.Background())
}

// connect retries transient failures. An unauthorized error is returned
// unwrapped and never retried.
func (w *Worker) connect(ctx context.Context, set *Settings) error {
	var denied error
	err := retry.Do(
		func() error {
			err := w.d.Client.Connect(ctx)
			if platform.IsUnauthorized(err) {
				denied = err
				return retry.Unrecoverable(err)
			}
			return err
		},
		retry.Attempts(uint(set.ConnectAttempts)),
		retry.Delay(set.ConnectDelay),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(set.ConnectDelay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			w.log.Warn("connect failed; retrying", logx.Uint64("attempt", uint64(n)+1), logx.Err(err))
		}),
		retry.RetryIf(func(err error) bool { return !platform.IsUnauthorized(err) }),
	)
	if denied != nil {
		return denied
	}
	return err
}

// eventLoop hands each inbound event to its own handler so a humanized
// delay on one reply does not hold up the others.
func (w *Worker) eventLoop(ctx context.Context, events <-chan platform.Event) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(handlerLimit)
	for {
		select {
		case <-gctx.Done():
			return g.Wait()
		case ev := <-events:
			g.Go(func() error { return w.handle(gctx, ev) })
		}
	}
}

func (w *Worker) keepalive(ctx context.Context) error {
	failures := 0
	for {
		set := w.d.Settings()
		if !w.d.Sleep(ctx, w.jittered(set.Keepalive, set.KeepaliveJitter)) {
			return nil
		}
		ok, err := w.d.Client.IsAuthorized(ctx)
		switch {
		case ctx.Err() != nil:
			return nil
		case platform.IsUnauthorized(err), err == nil && !ok:
			w.log.Error("keepalive: authorization lost")
			return fmt.Errorf("%w: keepalive probe", ErrUnauthorized)
		case err != nil:
			failures++
			w.log.Warn("keepalive probe failed", logx.Int("consecutive", failures), logx.Err(err))
			if failures >= set.KeepaliveFailures {
				return fmt.Errorf("%w: %d consecutive probe failures: %v", ErrKeepalive, failures, err)
			}
		default:
			failures = 0
		}
	}
}

func (w *Worker) autosave(ctx context.Context) error {
	for {
		if !w.d.Sleep(ctx, w.d.Settings().Autosave) {
			return nil
		}
		w.flush(ctx)
		w.expireGates()
	}
}

// retire handles a revoked credential: the session is deleted so nothing
// tries to reuse it, and the returned error is terminal.
func (w *Worker) retire(cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	w.log.Error("account unauthorized; retiring", logx.Err(cause))
	w.disconnect()
	if err := state.DeleteSession(ctx, w.d.Store, w.d.Name); err != nil {
		w.log.Warn("delete session failed", logx.Err(err))
	}
	if errors.Is(cause, ErrUnauthorized) {
		return cause
	}
	return fmt.Errorf("%w: %v", ErrUnauthorized, cause)
}

func (w *Worker) disconnect() {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	if err := w.d.Client.Disconnect(ctx); err != nil {
		w.log.Debug("disconnect failed", logx.Err(err))
	}
}

// Pause exposes the account's pause state, mainly for status output.
func (w *Worker) Pause() state.PauseState {
	w.mu.Lock()
	ctrl := w.ctrl
	w.mu.Unlock()
	if ctrl == nil {
		return state.PauseState{}
	}
	return ctrl.Snapshot()
}

func (w *Worker) publish(t eventbus.Type, data any) {
	if w.d.Bus == nil {
		return
	}
	w.d.Bus.Publish(eventbus.Event{Type: t, Account: w.d.Name, Time: w.d.Now(), Data: data})
}

func (w *Worker) between(r Range) time.Duration {
	if r.Max <= r.Min {
		return r.Min
	}
	return r.Min + time.Duration(w.d.Rand()*float64(r.Max-r.Min))
}

func (w *Worker) jittered(d, j time.Duration) time.Duration {
	return w.between(Range{max(d-j, 0), d + j})
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
