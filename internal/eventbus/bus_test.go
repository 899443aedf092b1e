package eventbus

import (
	"testing"
	"time"
)

func TestPublishFansOut(t *testing.T) {
	b := New()
	a, unsubA := b.Subscribe(1)
	c, unsubC := b.Subscribe(1)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: WorkerOnline, Account: "x"})
	for _, ch := range []<-chan Event{a, c} {
		select {
		case ev := <-ch:
			if ev.Type != WorkerOnline || ev.Account != "x" || ev.Time.IsZero() {
				t.Fatalf("unexpected event %+v", ev)
			}
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestPublishDropsForSlowSubscriber(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	b.Publish(Event{Type: ReplySent})
	b.Publish(Event{Type: ReplySent}) // dropped, must not block
	if len(ch) != 1 {
		t.Fatalf("len=%d want 1", len(ch))
	}
	unsub()
	unsub()
	b.Publish(Event{Type: ReplySent})
}
