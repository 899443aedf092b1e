package worker

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"relayfleet/internal/config"
	"relayfleet/internal/eventbus"
	"relayfleet/internal/ledger"
	"relayfleet/internal/platform"
	"relayfleet/internal/platform/platformtest"
	"relayfleet/internal/state"
	"relayfleet/internal/storage"
	"relayfleet/pkg/logx"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

var (
	group = platform.Chat{ID: -10, Title: "Market", Kind: platform.ChatSuperGroup}
	ana   = platform.User{ID: 42, Username: "ana", FirstName: "Ana"}
	bruno = platform.User{ID: 43, FirstName: "Bruno"}
)

type harness struct {
	clk   *clock
	fake  *platformtest.Client
	store storage.Store
	led   ledger.Ledger
	bus   eventbus.Bus
	set   *Settings
	w     *Worker

	mu      sync.Mutex
	onSleep func(d time.Duration)
}

func testSettings() *Settings {
	s := Resolve(&config.Config{
		Reply: config.ReplyConfig{
			Welcome:         true,
			Keyword:         true,
			PrivateFollowUp: true,
			Contact:         true,
			Keywords:        []string{"price"},
			Exclude:         []string{"@spammer"},
			WelcomeText:     config.Templates{WithUsername: "Welcome @{username}!", WithoutUsername: "Welcome {name}!"},
			KeywordText:     config.Templates{WithUsername: "@{username} check your messages"},
			PrivateText:     "Hi {name}, here are the prices",
			ContactText:     "Thanks for writing, {name}",
		},
	})
	s.ConnectDelay = time.Millisecond
	s.Keepalive = 2 * time.Hour
	s.KeepaliveJitter = 0
	s.Autosave = 2 * time.Hour
	return s
}

func newHarness(t *testing.T, mutate func(*Settings)) *harness {
	t.Helper()
	dir := t.TempDir()
	clk := &clock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}

	store, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(dir, "state")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	led, err := ledger.Open(ledger.Config{Driver: "file", Path: filepath.Join(dir, "ledger.json")}, logx.Nop(), ledger.WithClock(clk.now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = led.Close() })

	set := testSettings()
	if mutate != nil {
		mutate(set)
	}

	h := &harness{
		clk:   clk,
		fake:  platformtest.New(platform.User{ID: 1, Username: "alpha_acct", IsBot: true}),
		store: store,
		led:   led,
		bus:   eventbus.New(),
		set:   set,
	}
	h.w, err = New(Deps{
		Name:      "alpha",
		Client:    h.fake,
		Store:     store,
		Ledger:    led,
		Settings:  func() *Settings { return h.set },
		NoForward: !set.Forward.Enabled,
		Managed:   func(id int64) bool { return id == 77 },
		Bus:       h.bus,
		Now:       clk.now,
		Sleep:     h.sleep,
		Rand:      func() float64 { return 0.5 },
	})
	require.NoError(t, err)
	return h
}

// sleep advances the fake clock. Waits of an hour or more park until
// cancellation so housekeeping loops stay quiet.
func (h *harness) sleep(ctx context.Context, d time.Duration) bool {
	if d >= time.Hour {
		<-ctx.Done()
		return false
	}
	h.clk.advance(d)
	h.mu.Lock()
	fn := h.onSleep
	h.mu.Unlock()
	if fn != nil {
		fn(d)
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(time.Millisecond):
		return true
	}
}

// ready prepares per-run state without connecting.
func (h *harness) ready(t *testing.T) {
	t.Helper()
	_, err := h.w.begin(context.Background())
	require.NoError(t, err)
	h.w.self = h.fake.User
}

func groupText(from platform.User, text string) platform.Event {
	return platform.Event{Kind: platform.EventMessage, Chat: group, From: from, Message: &platform.Message{ID: 5, ChatID: group.ID, Text: text, From: &from}}
}

func privateText(from platform.User, text string) platform.Event {
	chat := platform.Chat{ID: from.ID, Kind: platform.ChatPrivate}
	return platform.Event{Kind: platform.EventMessage, Chat: chat, From: from, Message: &platform.Message{ID: 9, ChatID: from.ID, Text: text, From: &from}}
}

func TestWelcomePicksTemplateByUsername(t *testing.T) {
	h := newHarness(t, nil)
	h.ready(t)

	err := h.w.handle(context.Background(), platform.Event{Kind: platform.EventJoin, Chat: group, Joined: []platform.User{ana, bruno}})
	require.NoError(t, err)

	sent := h.fake.Sent()
	require.Len(t, sent, 2)
	require.Equal(t, platformtest.Sent{ChatID: group.ID, Text: "Welcome @ana!"}, sent[0])
	require.Equal(t, platformtest.Sent{ChatID: group.ID, Text: "Welcome Bruno!"}, sent[1])
}

func TestKeywordReplyThenPrivateFollowUp(t *testing.T) {
	h := newHarness(t, nil)
	h.ready(t)
	ctx := context.Background()

	require.NoError(t, h.w.handle(ctx, groupText(ana, "hello, what is the PRICE?")))
	sent := h.fake.Sent()
	require.Len(t, sent, 2)
	require.Equal(t, platformtest.Sent{ChatID: group.ID, Text: "@ana check your messages"}, sent[0])
	require.Equal(t, platformtest.Sent{ChatID: ana.ID, Text: "Hi Ana, here are the prices"}, sent[1])

	require.NoError(t, h.w.handle(ctx, groupText(bruno, "nice weather today")))
	require.NoError(t, h.w.handle(ctx, groupText(bruno, "visit https://price.example.com")))
	require.Len(t, h.fake.Sent(), 2)
}

func TestReplySkipsIneligibleSenders(t *testing.T) {
	h := newHarness(t, nil)
	h.ready(t)
	ctx := context.Background()

	for _, u := range []platform.User{
		h.fake.User,
		{ID: 50, Username: "helper_bot", IsBot: true},
		{ID: 77, Username: "sibling"},
		{ID: 60, Username: "Spammer"},
	} {
		require.NoError(t, h.w.handle(ctx, privateText(u, "hi")))
	}
	require.Empty(t, h.fake.Sent())
}

func TestGroupCooldownSuppressesRepeat(t *testing.T) {
	h := newHarness(t, nil)
	h.ready(t)
	ctx := context.Background()

	require.NoError(t, h.w.handle(ctx, groupText(ana, "price?")))
	require.NoError(t, h.w.handle(ctx, groupText(ana, "price??")))
	require.Len(t, h.fake.Sent(), 2)
}

func TestLedgerSkipsWhenAnotherAccountAnswered(t *testing.T) {
	h := newHarness(t, nil)
	h.ready(t)
	ctx := context.Background()
	require.NoError(t, h.led.RegisterResponse(ctx, ledger.ContactKey(ana.ID)))

	require.NoError(t, h.w.handle(ctx, privateText(ana, "hi")))
	require.Empty(t, h.fake.Sent())
}

func TestLedgerRecheckedAfterDelay(t *testing.T) {
	h := newHarness(t, nil)
	h.ready(t)
	ctx := context.Background()
	key := ledger.ContactKey(ana.ID)

	h.onSleep = func(time.Duration) {
		require.NoError(t, h.led.RegisterResponse(ctx, key))
	}
	require.NoError(t, h.w.handle(ctx, privateText(ana, "hi")))
	require.Empty(t, h.fake.Sent())

	entries, err := h.led.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries[key], 1)
}

func TestRateLimitedReplyPausesAccount(t *testing.T) {
	h := newHarness(t, nil)
	h.ready(t)
	ctx := context.Background()

	calls := 0
	h.fake.OnSend = func(int64, string) error {
		calls++
		return platform.RateLimited("send", 30, nil)
	}
	events, unsubscribe := h.bus.Subscribe(4)
	defer unsubscribe()

	require.NoError(t, h.w.handle(ctx, privateText(ana, "hi")))
	require.True(t, h.w.ctrl.IsPaused())
	require.Equal(t, eventbus.AccountPaused, (<-events).Type)

	st, err := state.Load(ctx, h.store, "alpha", h.clk.now)
	require.NoError(t, err)
	require.NotNil(t, st.Pause().GeneralPauseUntil)

	require.NoError(t, h.w.handle(ctx, privateText(bruno, "hi")))
	require.Equal(t, 1, calls)
}

func TestPermissionDeniedQuarantinesRecipient(t *testing.T) {
	h := newHarness(t, nil)
	h.ready(t)
	ctx := context.Background()

	calls := 0
	h.fake.OnSend = func(int64, string) error {
		calls++
		return platform.PermissionDenied("send", errors.New("bot was blocked by the user"))
	}

	require.NoError(t, h.w.handle(ctx, privateText(ana, "hi")))
	require.Equal(t, 1, calls)

	h.clk.advance(time.Hour)
	require.NoError(t, h.w.handle(ctx, privateText(ana, "hi again")))
	require.Equal(t, 1, calls)

	h.clk.advance(24 * time.Hour)
	require.NoError(t, h.w.handle(ctx, privateText(ana, "still there?")))
	require.Equal(t, 2, calls)
	require.False(t, h.w.ctrl.IsPaused())
}

func TestUnauthorizedSendIsTerminal(t *testing.T) {
	h := newHarness(t, nil)
	h.ready(t)
	h.fake.OnSend = func(int64, string) error { return platform.Unauthorized("send", nil) }

	err := h.w.handle(context.Background(), privateText(ana, "hi"))
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestRunRetiresUnauthorizedAccount(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, state.SaveSession(ctx, h.store, "alpha", state.Session{SelfID: 1}))
	h.fake.Authorized = false

	err := h.w.Run(ctx)
	require.ErrorIs(t, err, ErrUnauthorized)
	require.True(t, h.fake.Disconnected())

	_, found, err := state.LoadSession(ctx, h.store, "alpha")
	require.NoError(t, err)
	require.False(t, found)
}

func TestRunDoesNotRetryUnauthorizedConnect(t *testing.T) {
	h := newHarness(t, nil)
	h.fake.ConnectErrs = []error{platform.Unauthorized("connect", errors.New("401"))}

	err := h.w.Run(context.Background())
	require.ErrorIs(t, err, ErrUnauthorized)
	require.Equal(t, 1, h.fake.Connects())
}

// start runs the worker in the background and waits until intake is running.
func (h *harness) start(t *testing.T) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.w.Run(ctx) }()
	select {
	case <-h.fake.Started():
	case err := <-done:
		cancel()
		t.Fatalf("worker exited early: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("worker did not start")
	}
	return cancel, done
}

func wait(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
		return nil
	}
}

func TestRunRetriesTransientConnect(t *testing.T) {
	h := newHarness(t, nil)
	h.fake.ConnectErrs = []error{
		platform.Transient("connect", errors.New("dial tcp: timeout")),
		platform.Transient("connect", errors.New("dial tcp: timeout")),
	}

	cancel, done := h.start(t)
	require.Equal(t, 3, h.fake.Connects())
	cancel()
	require.NoError(t, wait(t, done))
}

func TestRunAnswersEventsAndFlushesOnStop(t *testing.T) {
	h := newHarness(t, nil)
	events, unsubscribe := h.bus.Subscribe(16)
	defer unsubscribe()

	cancel, done := h.start(t)
	require.True(t, h.fake.Emit(context.Background(), privateText(ana, "hello")))
	require.Eventually(t, func() bool { return len(h.fake.Sent()) == 1 }, 5*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, wait(t, done))
	require.True(t, h.fake.Disconnected())

	s, found, err := state.LoadSession(context.Background(), h.store, "alpha")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, int64(1), s.SelfID)

	var types []eventbus.Type
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	require.Contains(t, types, eventbus.WorkerOnline)
	require.Contains(t, types, eventbus.ReplySent)
	require.Contains(t, types, eventbus.WorkerStopped)
}

func TestRunKeepaliveDetectsRevocation(t *testing.T) {
	h := newHarness(t, func(s *Settings) { s.Keepalive = time.Millisecond })
	_, done := h.start(t)

	h.fake.SetAuthorized(false)
	err := wait(t, done)
	require.ErrorIs(t, err, ErrUnauthorized)

	_, found, err := state.LoadSession(context.Background(), h.store, "alpha")
	require.NoError(t, err)
	require.False(t, found)
}

func TestRunKeepaliveFailuresAreSoft(t *testing.T) {
	h := newHarness(t, func(s *Settings) { s.Keepalive = time.Millisecond })
	_, done := h.start(t)

	h.fake.SetAuthErr(platform.Transient("probe", errors.New("connection reset")))
	err := wait(t, done)
	require.ErrorIs(t, err, ErrKeepalive)
	require.NotErrorIs(t, err, ErrUnauthorized)
}

func TestRunStartsForwarding(t *testing.T) {
	h := newHarness(t, func(s *Settings) {
		s.Forward.Enabled = true
		s.Forward.Source = -500
	})
	h.fake.Posts[-500] = []platform.Message{{ID: 1, ChatID: -500, Date: h.clk.now(), Text: "deal of the day"}}
	h.fake.DialogList = []platform.Dialog{{Chat: group}}

	cancel, done := h.start(t)
	require.Eventually(t, func() bool { return len(h.fake.Forwards()) > 0 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, wait(t, done))

	f := h.fake.Forwards()[0]
	require.Equal(t, group.ID, f.To)
	require.Equal(t, []int{1}, f.IDs)
}
