// Package telegram adapts telebot.v4 to platform.Client.
//
// The Bot API cannot list dialogs or read channel history, so the adapter
// learns both from updates: every chat it sees becomes a dialog and every
// post in a configured feed chat is buffered. That knowledge is exported
// through platform.Snapshotter and restored on the next start.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"relayfleet/internal/platform"
	rtsup "relayfleet/internal/runtime/supervisor"
	logx "relayfleet/pkg/logx"
)

const defaultFeedDepth = 50

type Config struct {
	Token       string
	APIURL      string // defaults to the public Bot API
	PollTimeout time.Duration
	Feeds       []int64 // chats whose posts are buffered as forward sources
	FeedDepth   int
}

type Client struct {
	cfg Config
	log logx.Logger

	runMu   sync.Mutex
	bot     *tele.Bot
	poller  *tele.LongPoller
	sup     *rtsup.Supervisor
	running bool
	out     atomic.Value // chan<- platform.Event

	self   atomic.Value // platform.User
	cursor atomic.Int64
	drops  atomic.Uint64

	mu      sync.Mutex
	dialogs map[int64]platform.Dialog
	posts   map[int64][]platform.Message
}

var _ platform.Client = (*Client)(nil)
var _ platform.Snapshotter = (*Client)(nil)

func New(cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if cfg.FeedDepth <= 0 {
		cfg.FeedDepth = defaultFeedDepth
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Client{
		cfg:     cfg,
		log:     log.With(logx.Comp("telegram")),
		dialogs: map[int64]platform.Dialog{},
		posts:   map[int64][]platform.Message{},
	}
	var nilOut chan<- platform.Event
	c.out.Store(nilOut)
	c.self.Store(platform.User{})
	return c, nil
}

// Connect builds the bot and verifies the token with getMe.
func (c *Client) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.bot == nil {
		c.poller = &tele.LongPoller{Timeout: c.cfg.PollTimeout}
		b, err := tele.NewBot(tele.Settings{
			Token:   c.cfg.Token,
			URL:     c.cfg.APIURL,
			Poller:  c.poller,
			Offline: true,
			OnError: func(err error, _ tele.Context) {
				c.log.Warn("update handler error", logx.Err(err))
			},
		})
		if err != nil {
			return classify("connect", err)
		}
		c.bot = b
		c.registerHandlers()
	}
	me, err := c.getMe()
	if err != nil {
		return err
	}
	c.self.Store(me)
	return nil
}

func (c *Client) getMe() (platform.User, error) {
	if c.bot == nil {
		return platform.User{}, platform.ErrNotConnected
	}
	raw, err := c.bot.Raw("getMe", nil)
	if err != nil {
		return platform.User{}, classify("getMe", err)
	}
	var resp struct {
		Result tele.User `json:"result"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return platform.User{}, platform.Transient("getMe", err)
	}
	return userOf(&resp.Result), nil
}

// IsAuthorized probes the token. A revoked token yields (false, nil).
func (c *Client) IsAuthorized(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	c.runMu.Lock()
	bot := c.bot
	c.runMu.Unlock()
	if bot == nil {
		return false, platform.ErrNotConnected
	}
	me, err := c.getMe()
	if err != nil {
		if platform.IsUnauthorized(err) {
			return false, nil
		}
		return false, err
	}
	c.self.Store(me)
	return true, nil
}

func (c *Client) Self() platform.User {
	u, _ := c.self.Load().(platform.User)
	return u
}

func (c *Client) currentBot() (*tele.Bot, error) {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.bot == nil {
		return nil, platform.ErrNotConnected
	}
	return c.bot, nil
}

func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	b, err := c.currentBot()
	if err != nil {
		return 0, err
	}
	msg, err := b.Send(&tele.Chat{ID: chatID}, text, &tele.SendOptions{DisableWebPagePreview: true})
	if err != nil {
		return 0, classify("send", err)
	}
	return msg.ID, nil
}

func (c *Client) ForwardMessages(ctx context.Context, to, from int64, ids []int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	b, err := c.currentBot()
	if err != nil {
		return err
	}
	msgs := make([]tele.Editable, 0, len(ids))
	for _, id := range ids {
		msgs = append(msgs, tele.StoredMessage{MessageID: strconv.Itoa(id), ChatID: from})
	}
	if _, err := b.ForwardMany(&tele.Chat{ID: to}, msgs); err != nil {
		return classify("forward", err)
	}
	return nil
}

// RecentMessages returns up to limit buffered posts of a feed chat, oldest first.
func (c *Client) RecentMessages(ctx context.Context, chatID int64, limit int) ([]platform.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := c.posts[chatID]
	if limit > 0 && len(buf) > limit {
		buf = buf[len(buf)-limit:]
	}
	return slices.Clone(buf), nil
}

func (c *Client) Dialogs(ctx context.Context) ([]platform.Dialog, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]platform.Dialog, 0, len(c.dialogs))
	for _, d := range c.dialogs {
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b platform.Dialog) int {
		switch {
		case a.Chat.ID < b.Chat.ID:
			return -1
		case a.Chat.ID > b.Chat.ID:
			return 1
		}
		return 0
	})
	return out, nil
}

func (c *Client) ExportKnown() platform.Known {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := platform.Known{
		Cursor: int(c.cursor.Load()),
		Posts:  make(map[int64][]platform.Message, len(c.posts)),
	}
	for _, d := range c.dialogs {
		k.Dialogs = append(k.Dialogs, d)
	}
	for id, buf := range c.posts {
		k.Posts[id] = slices.Clone(buf)
	}
	return k
}

func (c *Client) ImportKnown(k platform.Known) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range k.Dialogs {
		c.dialogs[d.Chat.ID] = d
	}
	for id, buf := range k.Posts {
		if c.isFeed(id) {
			c.posts[id] = slices.Clone(buf)
		}
	}
	if int64(k.Cursor) > c.cursor.Load() {
		c.cursor.Store(int64(k.Cursor))
	}
}

// Start launches long polling under its own supervisor and returns.
func (c *Client) Start(ctx context.Context, out chan<- platform.Event) error {
	c.runMu.Lock()
	if c.bot == nil {
		c.runMu.Unlock()
		return platform.ErrNotConnected
	}
	if c.running {
		c.runMu.Unlock()
		return nil
	}
	c.running = true
	c.out.Store(out)
	c.poller.LastUpdateID = int(c.cursor.Load())
	c.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(c.log), rtsup.WithCancelOnError(false))
	sup, bot := c.sup, c.bot
	c.runMu.Unlock()

	sup.Go0("updates.drop_report", func(ctx context.Context) {
		t := time.NewTicker(5 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				c.reportDrops(cap(out))
				return
			case <-t.C:
				c.reportDrops(cap(out))
			}
		}
	})
	// bot.Stop blocks until a running bot.Start takes the signal, so it is
	// only called for a poll loop that has not returned on its own.
	sup.GoRestart("telebot.poll", func(ctx context.Context) error {
		done := make(chan struct{})
		go func() {
			defer close(done)
			bot.Start()
		}()
		select {
		case <-ctx.Done():
			bot.Stop()
			<-done
		case <-done:
		}
		return nil
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (c *Client) reportDrops(capacity int) {
	if n := c.drops.Swap(0); n > 0 {
		c.log.Warn("inbound events dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", capacity))
	}
}

// Disconnect stops polling. It waits briefly for the poll loop and never
// blocks shutdown on a pending long poll.
func (c *Client) Disconnect(ctx context.Context) error {
	c.runMu.Lock()
	sup := c.sup
	wasRunning := c.running
	c.sup = nil
	c.running = false
	var nilOut chan<- platform.Event
	c.out.Store(nilOut)
	c.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	sup.Cancel()
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sup.Wait(wctx); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		c.log.Debug("poll loop stopped with error", logx.Err(err))
	}
	return nil
}

func (c *Client) emit(ev platform.Event) {
	out, _ := c.out.Load().(chan<- platform.Event)
	if out == nil {
		return
	}
	select {
	case out <- ev:
	default:
		c.drops.Add(1)
	}
}

func (c *Client) isFeed(chatID int64) bool {
	return slices.Contains(c.cfg.Feeds, chatID)
}
