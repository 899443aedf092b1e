// Package fleet supervises one worker per configured account.
//
// Each account runs under its own restart loop: failures back off and
// retry, a revoked credential retires the account for good, and no
// account's failure reaches another.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/semaphore"

	"relayfleet/internal/config"
	"relayfleet/internal/eventbus"
	"relayfleet/internal/ledger"
	"relayfleet/internal/notifier"
	"relayfleet/internal/platform"
	rtsup "relayfleet/internal/runtime/supervisor"
	"relayfleet/internal/state"
	"relayfleet/internal/storage"
	"relayfleet/internal/worker"
	"relayfleet/pkg/logx"
	"relayfleet/pkg/tgui"
)

// ClientFactory builds the platform client for one account.
type ClientFactory func(acct config.AccountConfig) (platform.Client, error)

// Notifier is the operator channel.
type Notifier interface {
	Notify(ctx context.Context, n notifier.Notification) error
}

type Deps struct {
	Store    storage.Store
	Ledger   ledger.Ledger
	Clients  ClientFactory
	Notifier Notifier // optional
	Bus      eventbus.Bus
	Logger   logx.Logger
	Now      func() time.Time
}

// Retirement records an account that will not be restarted.
type Retirement struct {
	Account string    `json:"account"`
	At      time.Time `json:"at"`
	Reason  string    `json:"reason"`
}

type AccountStatus struct {
	Name     string           `json:"name"`
	State    string           `json:"state"` // running, restarting, retired, disabled, stopped
	Restarts uint64           `json:"restarts"`
	LastErr  string           `json:"last_err,omitempty"`
	Pause    state.PauseState `json:"pause"`
}

// restartNotifyAfter is the restart count that pages the operator once.
const restartNotifyAfter = 3

type restartPolicy struct {
	min, max, reset time.Duration
}

type Fleet struct {
	d   Deps
	log logx.Logger

	cfg      atomic.Pointer[config.Config]
	settings atomic.Pointer[worker.Settings]
	policy   restartPolicy
	sem      *semaphore.Weighted

	sv   *rtsup.Supervisor
	cron *cron.Cron

	mu      sync.Mutex
	managed map[int64]string
	workers map[string]*worker.Worker
	retired map[string]Retirement
	tally   map[string]*tally
}

func New(cfg *config.Config, d Deps) (*Fleet, error) {
	if cfg == nil {
		return nil, errors.New("fleet: config is nil")
	}
	if d.Store == nil || d.Ledger == nil || d.Clients == nil {
		return nil, errors.New("fleet: store, ledger and client factory are required")
	}
	if d.Bus == nil {
		d.Bus = eventbus.New()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	conc := cfg.Forward.GlobalConcurrency
	if conc <= 0 {
		conc = 3
	}
	f := &Fleet{
		d:   d,
		log: d.Logger.With(logx.Comp("fleet")),
		policy: restartPolicy{
			min:   config.MustDuration(cfg.Supervisor.RestartMin, 5*time.Second),
			max:   config.MustDuration(cfg.Supervisor.RestartMax, 5*time.Minute),
			reset: config.MustDuration(cfg.Supervisor.ResetAfter, 30*time.Minute),
		},
		sem:     semaphore.NewWeighted(int64(conc)),
		managed: map[int64]string{},
		workers: map[string]*worker.Worker{},
		retired: map[string]Retirement{},
		tally:   map[string]*tally{},
	}
	f.cfg.Store(cfg)
	f.settings.Store(worker.Resolve(cfg))
	return f, nil
}

// Start launches every enabled account and the operator bridges.
func (f *Fleet) Start(ctx context.Context) error {
	if f.sv != nil {
		return errors.New("fleet: already started")
	}
	f.sv = rtsup.NewSupervisor(ctx, rtsup.WithLogger(f.log), rtsup.WithCancelOnError(false))

	events, unsubscribe := f.d.Bus.Subscribe(256)
	f.sv.Go0("events.bridge", func(ctx context.Context) {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				f.onEvent(ctx, e)
			}
		}
	})

	if err := f.startSummary(f.sv.Context(), f.cfg.Load()); err != nil {
		f.log.Warn("daily summary disabled", logx.Err(err))
	}

	for _, acct := range f.cfg.Load().Accounts {
		if acct.Disabled {
			f.log.Info("account disabled", logx.Account(acct.Name))
			continue
		}
		if err := f.launch(acct); err != nil {
			f.log.Error("account not started", logx.Account(acct.Name), logx.Err(err))
			f.notify(f.sv.Context(), notifier.PriorityAlert, fmt.Sprintf("%s not started: %s", tgui.Account(acct.Name), tgui.Code(err.Error())), "")
		}
	}
	return nil
}

func (f *Fleet) launch(acct config.AccountConfig) error {
	name := acct.Name
	f.mu.Lock()
	_, retired := f.retired[name]
	_, running := f.workers[name]
	f.mu.Unlock()
	if retired || running {
		return nil
	}

	client, err := f.d.Clients(acct)
	if err != nil {
		return fmt.Errorf("client: %w", err)
	}
	log := f.d.Logger.With(logx.Comp("worker"))
	w, err := worker.New(worker.Deps{
		Name:       name,
		Client:     client,
		Store:      f.d.Store,
		Ledger:     f.d.Ledger,
		Settings:   f.settings.Load,
		NoForward:  acct.NoForward,
		Managed:    f.isManaged,
		OnSelf:     func(u platform.User) { f.register(name, u) },
		ForwardSem: f.sem,
		Bus:        f.d.Bus,
		Logger:     log,
		Now:        f.d.Now,
	})
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.workers[name] = w
	f.mu.Unlock()

	p := f.policy
	f.sv.GoRestart("account."+name, w.Run,
		rtsup.WithRestartBackoff(p.min, p.max),
		rtsup.WithBackoffReset(p.reset),
		rtsup.WithStopOnCleanExit(false),
		rtsup.WithTerminalError(
			func(err error) bool { return errors.Is(err, worker.ErrUnauthorized) },
			func(err error) { f.retire(name, err) },
		),
		rtsup.WithOnRestart(func(attempt int, wait time.Duration, err error) {
			if attempt == restartNotifyAfter {
				f.notify(f.sv.Context(), notifier.PriorityWarn,
					fmt.Sprintf("%s restarted %d times, next in %s: %s",
						tgui.Account(name), attempt, wait.Round(time.Second), tgui.Code(tgui.TruncRunes(fmt.Sprint(err), reasonLimit))), "restarts:"+name)
			}
		}),
	)
	return nil
}

// retire takes an account out of rotation for the life of the process.
func (f *Fleet) retire(name string, cause error) {
	r := Retirement{Account: name, At: f.d.Now(), Reason: cause.Error()}
	f.mu.Lock()
	f.retired[name] = r
	for id, n := range f.managed {
		if n == name {
			delete(f.managed, id)
		}
	}
	f.mu.Unlock()

	f.log.Error("account retired", logx.Account(name), logx.Err(cause))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.d.Store.AppendAudit(ctx, storage.AuditEntry{
		At: r.At, Account: name, Action: "retired", Error: r.Reason,
	}); err != nil {
		f.log.Debug("audit append failed", logx.Err(err))
	}
	f.d.Bus.Publish(eventbus.Event{Type: eventbus.WorkerRetired, Account: name, Time: r.At, Data: r.Reason})
}

func (f *Fleet) register(name string, u platform.User) {
	f.mu.Lock()
	f.managed[u.ID] = name
	f.mu.Unlock()
}

// isManaged reports whether id is one of this fleet's own accounts.
func (f *Fleet) isManaged(id int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.managed[id]
	return ok
}

// Apply swaps in a reloaded configuration. Reply, forward, flood and worker
// settings apply immediately; account list changes need a restart.
func (f *Fleet) Apply(cfg *config.Config) {
	if cfg == nil {
		return
	}
	prev := f.cfg.Swap(cfg)
	f.settings.Store(worker.Resolve(cfg))

	if prev != nil && !slices.EqualFunc(prev.Accounts, cfg.Accounts, func(a, b config.AccountConfig) bool { return a == b }) {
		f.log.Warn("accounts changed; restart required for changes to take effect")
	}
	if prev == nil || summarySpec(prev) != summarySpec(cfg) {
		f.restartSummary(cfg)
	}
}

// Stop cancels every account and waits for them to flush and disconnect.
func (f *Fleet) Stop(ctx context.Context) error {
	if f.sv == nil {
		return nil
	}
	f.stopSummary(ctx)
	return f.sv.Stop(ctx)
}

func (f *Fleet) Retired() []Retirement {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Retirement, 0, len(f.retired))
	for _, r := range f.retired {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b Retirement) int { return a.At.Compare(b.At) })
	return out
}

// Status reports every configured account.
func (f *Fleet) Status() []AccountStatus {
	stats := map[string]rtsup.GoroutineStats{}
	if f.sv != nil {
		for _, s := range f.sv.Snapshot() {
			stats[s.Name] = s
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []AccountStatus
	for _, acct := range f.cfg.Load().Accounts {
		st := AccountStatus{Name: acct.Name, State: "stopped"}
		if s, ok := stats["account."+acct.Name]; ok {
			st.Restarts, st.LastErr = s.Restarts, s.LastErr
			switch {
			case s.Active > 0:
				st.State = "running"
			case !s.Terminal && f.sv.Context().Err() == nil:
				st.State = "restarting"
			}
		}
		if w, ok := f.workers[acct.Name]; ok {
			st.Pause = w.Pause()
		}
		if _, ok := f.retired[acct.Name]; ok {
			st.State = "retired"
		}
		if acct.Disabled {
			st.State = "disabled"
		}
		out = append(out, st)
	}
	return out
}
