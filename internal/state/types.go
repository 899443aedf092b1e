package state

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// PauseState is the flood-control state of one account.
// It is mutated only by the backoff controller and persisted after every change.
type PauseState struct {
	GeneralPauseUntil *time.Time `json:"general_pause_until,omitempty"`
	ForwardPauseUntil *time.Time `json:"forward_pause_until,omitempty"`
	FloodEventCount   int        `json:"flood_event_count"`
	FloodWindowStart  time.Time  `json:"flood_window_start"`
}

// ForwardHistory maps "chatID:messageID" to the last time that message was
// forwarded to that chat.
type ForwardHistory map[string]time.Time

func historyKey(chatID int64, msgID int) string {
	return strconv.FormatInt(chatID, 10) + ":" + strconv.Itoa(msgID)
}

// Record stores at for (chatID, msgID) unless a later timestamp is already present.
func (h ForwardHistory) Record(chatID int64, msgID int, at time.Time) {
	k := historyKey(chatID, msgID)
	if prev, ok := h[k]; ok && prev.After(at) {
		return
	}
	h[k] = at
}

// Last returns the last forward time of (chatID, msgID).
func (h ForwardHistory) Last(chatID int64, msgID int) (time.Time, bool) {
	t, ok := h[historyKey(chatID, msgID)]
	return t, ok
}

// Recent reports whether any of ids was forwarded to chatID less than cooldown before now.
func (h ForwardHistory) Recent(chatID int64, ids []int, cooldown time.Duration, now time.Time) bool {
	for _, id := range ids {
		if t, ok := h.Last(chatID, id); ok && now.Sub(t) <= cooldown {
			return true
		}
	}
	return false
}

// Prune drops entries older than maxAge.
func (h ForwardHistory) Prune(maxAge time.Duration, now time.Time) int {
	n := 0
	for k, t := range h {
		if now.Sub(t) > maxAge {
			delete(h, k)
			n++
		}
	}
	return n
}

// SentCounters counts sends per destination for a single calendar day.
type SentCounters struct {
	Date   string        `json:"date"`
	Counts map[int64]int `json:"counts"`
}

const dayLayout = "2006-01-02"

// Rollover resets the counters when the stored date differs from now's date.
// It reports whether a reset happened.
func (c *SentCounters) Rollover(now time.Time) bool {
	today := now.Format(dayLayout)
	if c.Counts == nil {
		c.Counts = map[int64]int{}
	}
	if c.Date == today {
		return false
	}
	c.Date = today
	c.Counts = map[int64]int{}
	return true
}

func (c *SentCounters) Get(chatID int64) int { return c.Counts[chatID] }

func (c *SentCounters) Inc(chatID int64) int {
	if c.Counts == nil {
		c.Counts = map[int64]int{}
	}
	c.Counts[chatID]++
	return c.Counts[chatID]
}

// Total returns the number of sends recorded for the day.
func (c *SentCounters) Total() int {
	n := 0
	for _, v := range c.Counts {
		n += v
	}
	return n
}

// Session is the locally cached session material of an account.
type Session struct {
	SelfID       int64     `json:"self_id"`
	Username     string    `json:"username,omitempty"`
	LastUpdateID int       `json:"last_update_id,omitempty"`
	SavedAt      time.Time `json:"saved_at"`
}

// Snapshot is a read-only copy of an account's state, for operators.
type Snapshot struct {
	Account  string         `json:"account"`
	Pause    PauseState     `json:"pause"`
	Counters SentCounters   `json:"counters"`
	History  []HistoryEntry `json:"history"`
}

type HistoryEntry struct {
	Key string    `json:"key"`
	At  time.Time `json:"at"`
}

func sortedHistory(h ForwardHistory) []HistoryEntry {
	out := make([]HistoryEntry, 0, len(h))
	for k, t := range h {
		out = append(out, HistoryEntry{Key: k, At: t})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].At.Equal(out[j].At) {
			return out[i].At.After(out[j].At)
		}
		return strings.Compare(out[i].Key, out[j].Key) < 0
	})
	return out
}
