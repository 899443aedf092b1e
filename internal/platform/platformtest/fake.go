// Package platformtest provides a scripted platform.Client for tests.
package platformtest

import (
	"context"
	"slices"
	"sync"

	"relayfleet/internal/platform"
)

type Sent struct {
	ChatID int64
	Text   string
}

type Forward struct {
	To, From int64
	IDs      []int
}

// Client records every call. Hooks, when set, decide the error returned.
type Client struct {
	mu sync.Mutex

	User       platform.User
	Authorized bool

	ConnectErrs []error // consumed one per Connect call
	AuthErr     error

	OnSend    func(chatID int64, text string) error
	OnForward func(to, from int64, ids []int) error

	Posts      map[int64][]platform.Message
	DialogList []platform.Dialog
	HistoryErr error // returned by RecentMessages when set
	DialogsErr error // returned by Dialogs when set

	sent         []Sent
	forwards     []Forward
	connects     int
	disconnected bool
	out          chan<- platform.Event
	started      chan struct{}
	startOnce    sync.Once
	nextID       int
}

var _ platform.Client = (*Client)(nil)

func New(user platform.User) *Client {
	return &Client{User: user, Authorized: true, Posts: map[int64][]platform.Message{}, started: make(chan struct{})}
}

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects++
	if len(c.ConnectErrs) > 0 {
		err := c.ConnectErrs[0]
		c.ConnectErrs = c.ConnectErrs[1:]
		return err
	}
	return ctx.Err()
}

func (c *Client) IsAuthorized(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Authorized, c.AuthErr
}

// SetAuthorized flips the result of later IsAuthorized probes.
func (c *Client) SetAuthorized(ok bool) {
	c.mu.Lock()
	c.Authorized = ok
	c.mu.Unlock()
}

// SetAuthErr sets the error returned by later IsAuthorized probes.
func (c *Client) SetAuthErr(err error) {
	c.mu.Lock()
	c.AuthErr = err
	c.mu.Unlock()
}

func (c *Client) Self() platform.User { return c.User }

func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) (int, error) {
	c.mu.Lock()
	hook := c.OnSend
	c.mu.Unlock()
	if hook != nil {
		if err := hook(chatID, text); err != nil {
			return 0, err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.sent = append(c.sent, Sent{ChatID: chatID, Text: text})
	return c.nextID, nil
}

func (c *Client) ForwardMessages(ctx context.Context, to, from int64, ids []int) error {
	c.mu.Lock()
	hook := c.OnForward
	c.mu.Unlock()
	if hook != nil {
		if err := hook(to, from, ids); err != nil {
			return err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forwards = append(c.forwards, Forward{To: to, From: from, IDs: slices.Clone(ids)})
	return nil
}

func (c *Client) RecentMessages(ctx context.Context, chatID int64, limit int) ([]platform.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.HistoryErr != nil {
		return nil, c.HistoryErr
	}
	buf := c.Posts[chatID]
	if limit > 0 && len(buf) > limit {
		buf = buf[len(buf)-limit:]
	}
	return slices.Clone(buf), nil
}

func (c *Client) Dialogs(ctx context.Context) ([]platform.Dialog, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.DialogsErr != nil {
		return nil, c.DialogsErr
	}
	return slices.Clone(c.DialogList), nil
}

func (c *Client) Start(ctx context.Context, out chan<- platform.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out = out
	c.startOnce.Do(func() { close(c.started) })
	return nil
}

func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	c.disconnected = true
	c.out = nil
	c.mu.Unlock()
	return nil
}

// Started is closed by the first Start call.
func (c *Client) Started() <-chan struct{} { return c.started }

// Emit delivers ev to the channel given to Start. It blocks.
func (c *Client) Emit(ctx context.Context, ev platform.Event) bool {
	c.mu.Lock()
	out := c.out
	c.mu.Unlock()
	if out == nil {
		return false
	}
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Client) Sent() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.sent)
}

func (c *Client) Forwards() []Forward {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.forwards)
}

func (c *Client) Connects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

func (c *Client) Disconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}
