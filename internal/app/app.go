package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"relayfleet/internal/config"
	"relayfleet/internal/eventbus"
	"relayfleet/internal/fleet"
	"relayfleet/internal/ledger"
	"relayfleet/internal/notifier"
	"relayfleet/internal/platform"
	"relayfleet/internal/platform/telegram"
	rtsup "relayfleet/internal/runtime/supervisor"
	"relayfleet/internal/storage"
	logx "relayfleet/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	led   ledger.Ledger
	notif *notifier.Service
	fleet *fleet.Fleet
}

type Option func(*options)

type options struct {
	clients fleet.ClientFactory
	sender  notifier.Sender
}

// WithClientFactory replaces the Telegram client used for every account.
func WithClientFactory(fn fleet.ClientFactory) Option {
	return func(o *options) { o.clients = fn }
}

// WithOperatorSender replaces the operator channel transport.
func WithOperatorSender(s notifier.Sender) Option {
	return func(o *options) { o.sender = s }
}

func New(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(mapLogging(cfg))
	a := &App{cfgm: cfgm, log: log, logs: logs, bus: eventbus.New()}
	if err := a.open(cfg, o); err != nil {
		a.closeStores()
		_ = logs.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) open(cfg *config.Config, o options) error {
	var err error
	if a.store, a.led, err = OpenStores(cfg, a.log); err != nil {
		return err
	}

	nc, err := mapNotifier(cfg)
	if err != nil {
		return err
	}
	sender := o.sender
	if sender == nil && nc.Enabled {
		s, err := telegram.NewSender(cfg.Operator.BotToken)
		if err != nil {
			return fmt.Errorf("operator sender: %w", err)
		}
		sender = s
	}
	a.notif = notifier.New(nc, sender, a.log)

	clients := o.clients
	if clients == nil {
		clients = a.telegramClient
	}
	a.fleet, err = fleet.New(cfg, fleet.Deps{
		Store:    a.store,
		Ledger:   a.led,
		Clients:  clients,
		Notifier: a.notif,
		Bus:      a.bus,
		Logger:   a.log,
	})
	return err
}

func (a *App) telegramClient(acct config.AccountConfig) (platform.Client, error) {
	cfg := a.cfgm.Get()
	var feeds []int64
	if cfg != nil && cfg.Forward.Source != 0 {
		feeds = []int64{cfg.Forward.Source}
	}
	c, err := telegram.New(telegram.Config{Token: acct.Token, Feeds: feeds},
		a.log.With(logx.Comp("telegram"), logx.Account(acct.Name)))
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (a *App) validate(_ context.Context, cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if _, err := mapStorage(cfg); err != nil {
		return err
	}
	if _, err := mapLedger(cfg); err != nil {
		return err
	}
	_, err := mapNotifier(cfg)
	return err
}

func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	a.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(a.log.With(logx.Comp("supervisor"))),
		rtsup.WithCancelOnError(true),
	)

	// Reloads are validated before they are committed or published.
	a.cfgm.SetLogger(a.log)
	a.cfgm.SetValidator(a.validate)

	a.notif.Start(a.sup.Context())
	if err := a.fleet.Start(a.sup.Context()); err != nil {
		return err
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event",
					logx.String("type", string(e.Type)),
					logx.Account(e.Account),
					logx.Time("time", e.Time),
				)
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: only the latest config is applied.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						break drain
					}
				}
				a.apply(c, last, next)
				last = next
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.Int("accounts", len(a.cfgm.Get().Accounts)))
	return nil
}

// apply pushes the hot-reloadable parts of cfg into the running services.
func (a *App) apply(c context.Context, prev, cfg *config.Config) {
	sum := config.SummarizeChange(prev, cfg)
	if sum.Empty() {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := logx.String("changed", strings.Join(sum.Changed, ","))
	a.log.Debug("config change summary", append([]logx.Field{changed}, sum.Attrs...)...)

	a.logs.Apply(mapLogging(cfg))

	if nc, err := mapNotifier(cfg); err != nil {
		a.log.Warn("invalid operator config; keeping previous", logx.Err(err))
	} else {
		wasEnabled := a.notif.Enabled()
		a.notif.Apply(nc)
		if wasEnabled && !nc.Enabled {
			stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
			a.log.Info("operator notifications disabled via config")
		}
	}

	a.fleet.Apply(cfg)

	if len(sum.Restart) > 0 {
		a.log.Warn("config changed; restart required for some sections",
			logx.String("sections", strings.Join(sum.Restart, ",")))
	}
	a.log.Info("config reloaded", changed)
}

// Done is closed once the app context is cancelled, by the caller or by a
// fatal supervised error.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		return nil
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Status() []fleet.AccountStatus { return a.fleet.Status() }

func (a *App) Retired() []fleet.Retirement { return a.fleet.Retired() }

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeStores()
		_ = a.logs.Close()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	// step bounds one shutdown step so a stuck component cannot stall the rest.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// Workers flush their state while stopping, so the stores close last.
	step("fleet", 15*time.Second, a.fleet.Stop)
	step("notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("stores", time.Second, func(context.Context) error { a.closeStores(); return nil })

	a.log.Info("stopped")
	_ = a.logs.Close()
	return nil
}

func (a *App) closeStores() {
	if a.led != nil {
		if err := a.led.Close(); err != nil {
			a.log.Warn("close ledger", logx.Err(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("close state", logx.Err(err))
		}
	}
}
