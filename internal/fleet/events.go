package fleet

import (
	"context"
	"errors"
	"fmt"

	"relayfleet/internal/eventbus"
	"relayfleet/internal/notifier"
	"relayfleet/pkg/logx"
	"relayfleet/pkg/tgui"
)

const reasonLimit = 300

// tally counts what an account did since the last summary.
type tally struct {
	Delivered   int
	Rounds      int
	Replies     int
	Pauses      int
	Quarantined int
}

func (f *Fleet) tallyFor(name string) *tally {
	t := f.tally[name]
	if t == nil {
		t = &tally{}
		f.tally[name] = t
	}
	return t
}

// onEvent turns worker events into counters and operator notifications.
// Routine skips never reach here; only state changes do.
func (f *Fleet) onEvent(ctx context.Context, e eventbus.Event) {
	f.log.Debug("event", logx.String("type", string(e.Type)), logx.Account(e.Account))

	f.mu.Lock()
	t := f.tallyFor(e.Account)
	switch e.Type {
	case eventbus.ForwardRound:
		if d, ok := e.Data.(eventbus.RoundData); ok {
			t.Delivered += d.Delivered
			t.Rounds++
		}
	case eventbus.ReplySent:
		t.Replies++
	case eventbus.AccountPaused:
		t.Pauses++
	case eventbus.RecipientQuarantined:
		t.Quarantined++
	}
	f.mu.Unlock()

	switch e.Type {
	case eventbus.WorkerOnline:
		f.notify(ctx, notifier.PriorityInfo, tgui.Account(e.Account).String()+" worker online", "online:"+e.Account)
	case eventbus.WorkerRetired:
		reason, _ := e.Data.(string)
		f.notify(ctx, notifier.PriorityAlert, fmt.Sprintf("%s retired: authorization revoked\n%s",
			tgui.Account(e.Account), tgui.Code(tgui.TruncRunes(reason, reasonLimit))), "")
	case eventbus.AccountPaused:
		d, _ := e.Data.(eventbus.PauseData)
		scope := "account"
		if d.Forward {
			scope = "forwarding"
		}
		f.notify(ctx, notifier.PriorityWarn, fmt.Sprintf("%s %s paused until %s (rate limit, hint %s)",
			tgui.Account(e.Account), scope, d.Until.Format("15:04:05"), d.Wait), "")
	case eventbus.ForwardDenied:
		d, _ := e.Data.(eventbus.PauseData)
		f.notify(ctx, notifier.PriorityWarn, fmt.Sprintf("%s forwarding paused until %s (permission denied)",
			tgui.Account(e.Account), d.Until.Format("15:04:05")), "denied:"+e.Account)
	case eventbus.ReplySent:
		if !f.notifyReplies() {
			return
		}
		d, _ := e.Data.(eventbus.ReplyData)
		where := d.ChatTitle
		if where == "" {
			where = "private"
		}
		f.notify(ctx, notifier.PriorityInfo, fmt.Sprintf("%s %s reply to %s (%s)",
			tgui.Account(e.Account), d.Kind, tgui.Esc(d.User), tgui.Esc(where)), "")
	}
}

func (f *Fleet) notifyReplies() bool {
	cfg := f.cfg.Load()
	return cfg.Operator != nil && cfg.Operator.NotifyReplies
}

func (f *Fleet) notify(ctx context.Context, p notifier.Priority, text, key string) {
	if f.d.Notifier == nil {
		return
	}
	err := f.d.Notifier.Notify(ctx, notifier.Notification{Priority: p, Text: text, Key: key})
	if err != nil && !errors.Is(err, notifier.ErrDisabled) && !errors.Is(err, context.Canceled) {
		f.log.Warn("operator notification failed", logx.Err(err))
	}
}
