package notifier

import (
	"context"
	"time"
)

// Config controls the notification pipeline.
type Config struct {
	Enabled         bool
	ChatID          int64
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
}

// Sender delivers one text message to the operator chat.
type Sender interface {
	SendText(ctx context.Context, chatID int64, text string) error
}

type Priority int

const (
	PriorityLow   Priority = 0
	PriorityInfo  Priority = 5
	PriorityWarn  Priority = 7
	PriorityAlert Priority = 9
)

type Notification struct {
	Priority Priority
	Text     string
	// Key overrides the dedup key derived from the text.
	Key string
}

type HistoryItem struct {
	At   time.Time
	Text string
}
