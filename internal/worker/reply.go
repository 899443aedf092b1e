package worker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"relayfleet/internal/eventbus"
	"relayfleet/internal/ledger"
	"relayfleet/internal/platform"
	"relayfleet/internal/reply"
	"relayfleet/internal/storage"
	"relayfleet/pkg/logx"
)

const (
	kindWelcome = "welcome"
	kindKeyword = "keyword"
	kindPrivate = "private"
	kindContact = "contact"
)

// job is one candidate reply that still has to pass the gates.
type job struct {
	kind     string
	to       platform.Chat
	user     platform.User
	key      string // shared ledger key
	local    string // local cooldown key
	cooldown time.Duration
	delay    Range
	text     string
}

// handle routes one inbound event. Only a revoked credential is returned
// as an error; everything else is absorbed here.
func (w *Worker) handle(ctx context.Context, ev platform.Event) error {
	rs := w.d.Settings().Reply
	switch {
	case ev.Kind == platform.EventJoin && ev.Chat.IsGroup():
		if !rs.Welcome || rs.WelcomeText.WithUsername == "" {
			return nil
		}
		for _, u := range ev.Joined {
			err := w.gated(ctx, job{
				kind:     kindWelcome,
				to:       ev.Chat,
				user:     u,
				key:      ledger.WelcomeKey(ev.Chat.ID, u.ID),
				local:    "w:" + pair(ev.Chat.ID, u.ID),
				cooldown: rs.GroupCooldown,
				delay:    rs.WelcomeDelay,
				text:     reply.Pick(rs.WelcomeText.WithUsername, rs.WelcomeText.WithoutUsername, u),
			})
			if err != nil {
				return err
			}
		}
	case ev.Kind == platform.EventMessage && ev.Chat.IsGroup():
		return w.onGroupMessage(ctx, rs, ev)
	case ev.Kind == platform.EventMessage && ev.Chat.Kind == platform.ChatPrivate:
		if !rs.Contact || rs.ContactText == "" {
			return nil
		}
		return w.gated(ctx, job{
			kind:     kindContact,
			to:       ev.Chat,
			user:     ev.From,
			key:      ledger.ContactKey(ev.From.ID),
			local:    "c:" + strconv.FormatInt(ev.From.ID, 10),
			cooldown: rs.ContactCooldown,
			delay:    rs.ContactDelay,
			text:     reply.Render(rs.ContactText, ev.From),
		})
	}
	return nil
}

// onGroupMessage answers a keyword question in the group, then follows up
// privately with the asker.
func (w *Worker) onGroupMessage(ctx context.Context, rs ReplySettings, ev platform.Event) error {
	if !rs.Keyword || ev.Message == nil || rs.KeywordText.WithUsername == "" {
		return nil
	}
	text := ev.Message.Text
	if !rs.Filter.Accept(text) || !rs.Matcher.Match(text) {
		return nil
	}
	u := ev.From
	err := w.gated(ctx, job{
		kind:     kindKeyword,
		to:       ev.Chat,
		user:     u,
		key:      ledger.KeywordKey(ev.Chat.ID, u.ID),
		local:    "g:" + pair(ev.Chat.ID, u.ID),
		cooldown: rs.GroupCooldown,
		delay:    rs.GroupDelay,
		text:     reply.Pick(rs.KeywordText.WithUsername, rs.KeywordText.WithoutUsername, u),
	})
	if err != nil || !rs.PrivateFollowUp || rs.PrivateText == "" {
		return err
	}
	return w.gated(ctx, job{
		kind:     kindPrivate,
		to:       platform.Chat{ID: u.ID, Kind: platform.ChatPrivate},
		user:     u,
		key:      ledger.PrivateKey(u.ID),
		local:    "p:" + strconv.FormatInt(u.ID, 10),
		cooldown: rs.ContactCooldown,
		delay:    rs.PrivateDelay,
		text:     reply.Render(rs.PrivateText, u),
	})
}

// gated sends j.text once every gate passes: pause, sender, local cooldown,
// quarantine, then the shared ledger before and after the humanized delay.
func (w *Worker) gated(ctx context.Context, j job) error {
	rs := w.d.Settings().Reply
	log := w.log.With(logx.String("kind", j.kind), logx.Chat(j.to.ID), logx.Int64("user_id", j.user.ID))

	if w.ctrl.IsPaused() {
		log.Debug("skip: account paused")
		return nil
	}
	if j.user.ID == 0 || j.user.ID == w.self.ID || j.user.IsBot || w.d.Managed(j.user.ID) || rs.Exclude.Excluded(j.user) {
		log.Debug("skip: sender not eligible")
		return nil
	}
	if !w.takeCooldown(j.local, j.cooldown) {
		log.Debug("skip: cooldown")
		return nil
	}
	if w.quarantined(j.to.ID) {
		log.Debug("skip: recipient quarantined")
		return nil
	}
	if w.d.Ledger.HasRecentResponse(ctx, j.key, rs.LedgerWindow, rs.LedgerMax) {
		log.Debug("skip: answered by another account")
		return nil
	}
	if !w.d.Sleep(ctx, w.between(j.delay)) {
		return nil
	}
	// Another account may have answered while we waited.
	if w.d.Ledger.HasRecentResponse(ctx, j.key, rs.LedgerWindow, rs.LedgerMax) {
		log.Debug("skip: answered by another account during delay")
		return nil
	}
	if w.ctrl.IsPaused() {
		return nil
	}
	if err := w.d.Ledger.RegisterResponse(ctx, j.key); err != nil {
		log.Warn("ledger register failed", logx.Err(err))
	}

	_, err := w.d.Client.SendMessage(ctx, j.to.ID, j.text)
	w.audit(ctx, j, err)
	if err == nil {
		log.Info("reply sent")
		w.publish(eventbus.ReplySent, eventbus.ReplyData{
			Kind: j.kind, ChatID: j.to.ID, ChatTitle: j.to.Title, User: j.user.Display(), Text: j.text,
		})
		return nil
	}

	switch platform.KindOf(err) {
	case platform.KindRateLimited:
		wait, _ := platform.RateLimitWait(err)
		until := w.ctrl.OnRateLimited(wait, false)
		w.publish(eventbus.AccountPaused, eventbus.PauseData{Until: until, Wait: wait})
	case platform.KindPermissionDenied:
		until := w.quarantineFor(j.to.ID, w.d.Settings().Quarantine)
		log.Warn("recipient unreachable; quarantined", logx.Time("until", until), logx.Err(err))
		w.publish(eventbus.RecipientQuarantined, eventbus.PauseData{Until: until})
	case platform.KindUnauthorized:
		return fmt.Errorf("%w: send %s: %v", ErrUnauthorized, j.kind, err)
	default:
		if ctx.Err() == nil {
			log.Warn("reply failed", logx.Err(err))
		}
	}
	return nil
}

// takeCooldown reports whether key is free and, if so, claims it.
func (w *Worker) takeCooldown(key string, d time.Duration) bool {
	now := w.d.Now()
	w.mu.Lock()
	defer w.mu.Unlock()
	if until, ok := w.cooldowns[key]; ok && now.Before(until) {
		return false
	}
	w.cooldowns[key] = now.Add(d)
	return true
}

func (w *Worker) quarantined(chatID int64) bool {
	now := w.d.Now()
	w.mu.Lock()
	defer w.mu.Unlock()
	until, ok := w.quarantine[chatID]
	return ok && now.Before(until)
}

func (w *Worker) quarantineFor(chatID int64, d time.Duration) time.Time {
	until := w.d.Now().Add(d)
	w.mu.Lock()
	w.quarantine[chatID] = until
	w.mu.Unlock()
	return until
}

// expireGates drops elapsed cooldowns and quarantines.
func (w *Worker) expireGates() {
	now := w.d.Now()
	w.mu.Lock()
	defer w.mu.Unlock()
	for k, until := range w.cooldowns {
		if !now.Before(until) {
			delete(w.cooldowns, k)
		}
	}
	for k, until := range w.quarantine {
		if !now.Before(until) {
			delete(w.quarantine, k)
		}
	}
}

func (w *Worker) audit(ctx context.Context, j job, err error) {
	e := storage.AuditEntry{
		At:      w.d.Now(),
		Account: w.d.Name,
		RunID:   w.runID,
		Action:  j.kind,
		ChatID:  j.to.ID,
		Target:  j.user.Display(),
		OK:      err == nil,
	}
	if err != nil {
		e.Error = err.Error()
	}
	if aerr := w.d.Store.AppendAudit(ctx, e); aerr != nil {
		w.log.Debug("audit append failed", logx.Err(aerr))
	}
}

func pair(a, b int64) string { return strconv.FormatInt(a, 10) + ":" + strconv.FormatInt(b, 10) }
