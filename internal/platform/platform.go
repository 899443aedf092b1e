// Package platform is the contract between the coordination layer and a
// chat-platform client: connection, authorization, sends, forwards, source
// feeds, dialog listing and inbound events.
package platform

import (
	"context"
	"strings"
	"time"
)

type ChatKind string

const (
	ChatPrivate    ChatKind = "private"
	ChatGroup      ChatKind = "group"
	ChatSuperGroup ChatKind = "supergroup"
	ChatChannel    ChatKind = "channel"
)

type User struct {
	ID        int64  `json:"id"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	IsBot     bool   `json:"is_bot,omitempty"`
}

func (u User) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// Display returns @username when available, else the full name.
func (u User) Display() string {
	if u.Username != "" {
		return "@" + u.Username
	}
	if n := u.FullName(); n != "" {
		return n
	}
	return "user"
}

type Chat struct {
	ID       int64    `json:"id"`
	Title    string   `json:"title,omitempty"`
	Username string   `json:"username,omitempty"`
	Kind     ChatKind `json:"kind"`
}

func (c Chat) IsGroup() bool { return c.Kind == ChatGroup || c.Kind == ChatSuperGroup }

// Message is a source post or an inbound message.
type Message struct {
	ID        int       `json:"id"`
	ChatID    int64     `json:"chat_id"`
	Date      time.Time `json:"date"`
	Text      string    `json:"text,omitempty"`
	HasMedia  bool      `json:"has_media,omitempty"`
	IsService bool      `json:"is_service,omitempty"`
	From      *User     `json:"from,omitempty"`
}

// Dialog is one chat the account is a member of.
type Dialog struct {
	Chat Chat `json:"chat"`
	// Broadcast is set for channels where members cannot post.
	Broadcast bool `json:"broadcast,omitempty"`
}

type EventKind string

const (
	EventMessage EventKind = "message"
	EventJoin    EventKind = "join"
)

// Event is one inbound update relevant to reply logic.
type Event struct {
	Kind    EventKind
	Chat    Chat
	From    User
	Message *Message
	Joined  []User
}

// Client is what an account worker needs from the platform.
//
// Errors returned by the network operations should be *Error values so the
// caller can tell rate limits and revoked authorization apart from
// transient failures.
type Client interface {
	Connect(ctx context.Context) error
	IsAuthorized(ctx context.Context) (bool, error)
	Self() User

	SendMessage(ctx context.Context, chatID int64, text string) (int, error)
	ForwardMessages(ctx context.Context, to, from int64, ids []int) error
	RecentMessages(ctx context.Context, chatID int64, limit int) ([]Message, error)
	Dialogs(ctx context.Context) ([]Dialog, error)

	// Start begins delivering inbound events to out. It returns once intake
	// is running; Disconnect stops it.
	Start(ctx context.Context, out chan<- Event) error
	Disconnect(ctx context.Context) error
}

// Known is client-side knowledge that cannot be listed from the platform
// and has to be carried across restarts.
type Known struct {
	Cursor  int                 `json:"cursor,omitempty"`
	Dialogs []Dialog            `json:"dialogs,omitempty"`
	Posts   map[int64][]Message `json:"posts,omitempty"`
}

// Snapshotter is implemented by clients that keep Known locally.
type Snapshotter interface {
	ExportKnown() Known
	ImportKnown(Known)
}
