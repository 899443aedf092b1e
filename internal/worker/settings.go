package worker

import (
	"time"

	"relayfleet/internal/backoff"
	"relayfleet/internal/config"
	"relayfleet/internal/forward"
	"relayfleet/internal/reply"
)

// Range is a uniform random delay.
type Range struct{ Min, Max time.Duration }

// ReplySettings is the compiled reply section.
type ReplySettings struct {
	Welcome         bool
	Keyword         bool
	PrivateFollowUp bool
	Contact         bool

	Matcher *reply.Matcher
	Exclude *reply.Exclusions
	Filter  reply.Filter

	WelcomeText config.Templates
	KeywordText config.Templates
	PrivateText string
	ContactText string

	WelcomeDelay Range
	GroupDelay   Range
	PrivateDelay Range
	ContactDelay Range

	GroupCooldown   time.Duration
	ContactCooldown time.Duration
	LedgerWindow    time.Duration
	LedgerMax       int
}

// Settings is everything a worker reads from configuration. Workers fetch
// the current value at each decision, so a reload takes effect immediately.
type Settings struct {
	Flood   backoff.Config
	Forward forward.Settings
	Reply   ReplySettings

	Keepalive         time.Duration
	KeepaliveJitter   time.Duration
	KeepaliveFailures int
	Autosave          time.Duration
	Quarantine        time.Duration
	ConnectAttempts   int
	ConnectDelay      time.Duration
	EventBuffer       int
}

func rng(r config.DelayRange, path string, lo, hi time.Duration) Range {
	mn, mx, err := r.Resolve(path, lo, hi)
	if err != nil {
		return Range{lo, hi}
	}
	return Range{mn, mx}
}

// Resolve compiles cfg into Settings. cfg is expected to have passed
// config.Validate; unparsable values fall back to defaults.
func Resolve(cfg *config.Config) *Settings {
	w, r, f, fl := cfg.Worker, cfg.Reply, cfg.Forward, cfg.Flood
	s := &Settings{
		Flood: backoff.Config{
			Window:         config.MustDuration(fl.Window, 0),
			Cap:            fl.Cap,
			BaseExtra:      config.MustDuration(fl.BaseExtra, 0),
			MinFloor:       config.MustDuration(fl.MinFloor, 0),
			JitterFraction: fl.JitterFraction,
		},
		Keepalive:         config.MustDuration(w.Keepalive, 5*time.Minute),
		KeepaliveJitter:   config.MustDuration(w.KeepaliveJitter, time.Minute),
		KeepaliveFailures: w.KeepaliveFailures,
		Autosave:          config.MustDuration(w.Autosave, time.Minute),
		Quarantine:        config.MustDuration(w.Quarantine, 24*time.Hour),
		ConnectAttempts:   w.ConnectAttempts,
		ConnectDelay:      time.Second,
		EventBuffer:       w.EventBuffer,
	}
	if s.KeepaliveFailures <= 0 {
		s.KeepaliveFailures = 3
	}
	if s.ConnectAttempts <= 0 {
		s.ConnectAttempts = 5
	}
	if s.EventBuffer <= 0 {
		s.EventBuffer = 256
	}
	if fl.JitterFraction == 0 {
		s.Flood.JitterFraction = backoff.DefaultConfig().JitterFraction
	}

	filter := reply.DefaultFilter()
	if r.MaxLen > 0 {
		filter.MaxLen = r.MaxLen
	}
	if r.MaxNewlines > 0 {
		filter.MaxNewlines = r.MaxNewlines
	}
	if r.MaxOddChars > 0 {
		filter.MaxOdd = r.MaxOddChars
	}
	s.Reply = ReplySettings{
		Welcome:         r.Welcome,
		Keyword:         r.Keyword,
		PrivateFollowUp: r.PrivateFollowUp,
		Contact:         r.Contact,
		Matcher:         reply.NewMatcher(r.Keywords),
		Exclude:         reply.NewExclusions(r.Exclude),
		Filter:          filter,
		WelcomeText:     r.WelcomeText,
		KeywordText:     r.KeywordText,
		PrivateText:     r.PrivateText,
		ContactText:     r.ContactText,
		WelcomeDelay:    rng(r.WelcomeDelay, "reply.welcome_delay", 2*time.Second, 5*time.Second),
		GroupDelay:      rng(r.GroupDelay, "reply.group_delay", 2500*time.Millisecond, 5500*time.Millisecond),
		PrivateDelay:    rng(r.PrivateDelay, "reply.private_delay", 1500*time.Millisecond, 4*time.Second),
		ContactDelay:    rng(r.ContactDelay, "reply.contact_delay", 600*time.Millisecond, 1600*time.Millisecond),
		GroupCooldown:   config.MustDuration(r.GroupCooldown, 15*time.Second),
		ContactCooldown: config.MustDuration(r.ContactCooldown, 5*time.Minute),
		LedgerWindow:    config.MustDuration(r.LedgerWindow, 2*time.Minute),
		LedgerMax:       r.LedgerMax,
	}
	if s.Reply.LedgerMax <= 0 {
		s.Reply.LedgerMax = 1
	}

	def := forward.DefaultSettings()
	fw := forward.Settings{
		Enabled:         f.Enabled,
		Source:          f.Source,
		BatchSize:       f.BatchSize,
		MediaOnly:       f.MediaOnly,
		Allow:           f.Allow,
		ExcludeIDs:      f.ExcludeIDs,
		ExcludeTitles:   f.ExcludeTitles,
		DialogTTL:       config.MustDuration(f.DialogTTL, def.DialogTTL),
		RoundCap:        f.RoundCap,
		DailyCap:        f.DailyCap,
		ResendCooldown:  config.MustDuration(f.ResendCooldown, def.ResendCooldown),
		IdleScale:       f.IdleScale,
		PerDelivery:     config.MustDuration(f.PerDelivery, def.PerDelivery),
		Footer:          f.Footer,
		PermissionPause: config.MustDuration(f.PermissionPause, def.PermissionPause),
	}
	p := rng(f.Pacing, "forward.pacing", def.PacingMin, def.PacingMax)
	fw.PacingMin, fw.PacingMax = p.Min, p.Max
	ri := rng(f.RoundInterval, "forward.round_interval", def.IntervalMin, def.IntervalMax)
	fw.IntervalMin, fw.IntervalMax = ri.Min, ri.Max
	fd := rng(f.FooterDelay, "forward.footer_delay", def.FooterMin, def.FooterMax)
	fw.FooterMin, fw.FooterMax = fd.Min, fd.Max
	s.Forward = fw
	return s
}
