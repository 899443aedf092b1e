// Package eventbus is an in-memory fan-out of account lifecycle events.
//
// Publish never blocks: subscribers get buffered channels and a slow
// subscriber loses events rather than stalling a worker.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

type Type string

const (
	WorkerOnline         Type = "worker.online"
	WorkerStopped        Type = "worker.stopped"
	WorkerRetired        Type = "worker.retired"
	AccountPaused        Type = "account.paused"
	ForwardDenied        Type = "forward.denied"
	ForwardRound         Type = "forward.round"
	ReplySent            Type = "reply.sent"
	RecipientQuarantined Type = "recipient.quarantined"
)

type Event struct {
	Type    Type
	Account string
	Time    time.Time
	Data    any
}

// PauseData accompanies AccountPaused.
type PauseData struct {
	Until   time.Time
	Forward bool
	Wait    time.Duration
}

// ReplyData accompanies ReplySent.
type ReplyData struct {
	Kind      string // welcome, keyword, private, contact
	ChatID    int64
	ChatTitle string
	User      string
	Text      string
}

// RoundData accompanies ForwardRound.
type RoundData struct {
	Delivered int
	Attempted int
	Batch     []int
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			// Publish holds the read lock while sending, so closing under the
			// write lock cannot race a send.
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}
