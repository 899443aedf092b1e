package telegram

import (
	"slices"
	"time"

	tele "gopkg.in/telebot.v4"

	"relayfleet/internal/platform"
)

func (c *Client) registerHandlers() {
	c.bot.Use(c.trackCursor)

	c.bot.Handle(tele.OnText, c.onMessage)
	c.bot.Handle(tele.OnMedia, c.onMessage)
	c.bot.Handle(tele.OnChannelPost, func(ctx tele.Context) error {
		if m := ctx.Message(); m != nil {
			c.observe(m)
		}
		return nil
	})
	c.bot.Handle(tele.OnUserJoined, func(ctx tele.Context) error {
		m := ctx.Message()
		if m == nil || m.Chat == nil {
			return nil
		}
		c.observe(m)
		joined := slices.Clone(m.UsersJoined)
		if len(joined) == 0 && m.UserJoined != nil {
			joined = append(joined, *m.UserJoined)
		}
		ev := platform.Event{Kind: platform.EventJoin, Chat: chatOf(m.Chat)}
		if m.Sender != nil {
			ev.From = userOf(m.Sender)
		}
		for i := range joined {
			ev.Joined = append(ev.Joined, userOf(&joined[i]))
		}
		if len(ev.Joined) > 0 {
			c.emit(ev)
		}
		return nil
	})
	c.bot.Handle(tele.OnAddedToGroup, func(ctx tele.Context) error {
		if m := ctx.Message(); m != nil && m.Chat != nil {
			c.addDialog(m.Chat)
		}
		return nil
	})
	c.bot.Handle(tele.OnMyChatMember, func(ctx tele.Context) error {
		u := ctx.ChatMember()
		if u == nil || u.Chat == nil || u.NewChatMember == nil {
			return nil
		}
		switch u.NewChatMember.Role {
		case tele.Left, tele.Kicked:
			c.removeDialog(u.Chat.ID)
		default:
			c.addDialog(u.Chat)
		}
		return nil
	})
}

func (c *Client) trackCursor(next tele.HandlerFunc) tele.HandlerFunc {
	return func(ctx tele.Context) error {
		if id := int64(ctx.Update().ID); id > c.cursor.Load() {
			c.cursor.Store(id)
		}
		return next(ctx)
	}
}

func (c *Client) onMessage(ctx tele.Context) error {
	m := ctx.Message()
	if m == nil || m.Chat == nil {
		return nil
	}
	c.observe(m)
	if m.Sender == nil || m.IsService() {
		return nil
	}
	msg := messageOf(m)
	c.emit(platform.Event{
		Kind:    platform.EventMessage,
		Chat:    chatOf(m.Chat),
		From:    userOf(m.Sender),
		Message: &msg,
	})
	return nil
}

// observe records the chat as a dialog and buffers feed posts.
func (c *Client) observe(m *tele.Message) {
	c.addDialog(m.Chat)
	if !c.isFeed(m.Chat.ID) {
		return
	}
	msg := messageOf(m)
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := c.posts[m.Chat.ID]
	i, found := slices.BinarySearchFunc(buf, msg.ID, func(p platform.Message, id int) int { return p.ID - id })
	if found {
		buf[i] = msg
	} else {
		buf = slices.Insert(buf, i, msg)
	}
	if over := len(buf) - c.cfg.FeedDepth; over > 0 {
		buf = slices.Delete(buf, 0, over)
	}
	c.posts[m.Chat.ID] = buf
}

func (c *Client) addDialog(ch *tele.Chat) {
	if ch == nil || ch.Type == tele.ChatPrivate {
		return
	}
	d := platform.Dialog{Chat: chatOf(ch)}
	d.Broadcast = d.Chat.Kind == platform.ChatChannel
	c.mu.Lock()
	c.dialogs[ch.ID] = d
	c.mu.Unlock()
}

func (c *Client) removeDialog(id int64) {
	c.mu.Lock()
	delete(c.dialogs, id)
	c.mu.Unlock()
}

func userOf(u *tele.User) platform.User {
	if u == nil {
		return platform.User{}
	}
	return platform.User{
		ID:        u.ID,
		Username:  u.Username,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		IsBot:     u.IsBot,
	}
}

func chatOf(ch *tele.Chat) platform.Chat {
	out := platform.Chat{ID: ch.ID, Title: ch.Title, Username: ch.Username}
	switch ch.Type {
	case tele.ChatPrivate:
		out.Kind = platform.ChatPrivate
	case tele.ChatGroup:
		out.Kind = platform.ChatGroup
	case tele.ChatSuperGroup:
		out.Kind = platform.ChatSuperGroup
	default:
		out.Kind = platform.ChatChannel
	}
	if out.Title == "" {
		out.Title = ch.FirstName
	}
	return out
}

func messageOf(m *tele.Message) platform.Message {
	out := platform.Message{
		ID:        m.ID,
		Date:      time.Unix(m.Unixtime, 0),
		Text:      m.Text,
		HasMedia:  m.Media() != nil,
		IsService: m.IsService(),
	}
	if m.Chat != nil {
		out.ChatID = m.Chat.ID
	}
	if out.Text == "" {
		out.Text = m.Caption
	}
	if m.Sender != nil {
		u := userOf(m.Sender)
		out.From = &u
	}
	return out
}
