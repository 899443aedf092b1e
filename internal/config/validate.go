package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validate checks a parsed config before it is committed.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if len(cfg.Accounts) == 0 {
		add(errors.New("accounts: at least one account is required"))
	}
	seen := map[string]bool{}
	for i, a := range cfg.Accounts {
		name := strings.TrimSpace(a.Name)
		switch {
		case name == "":
			add(fmt.Errorf("accounts[%d].name is required", i))
		case seen[name]:
			add(fmt.Errorf("accounts[%d].name %q is duplicated", i, name))
		case strings.ContainsAny(name, `/\:`):
			add(fmt.Errorf("accounts[%d].name %q must not contain path separators", i, name))
		}
		seen[name] = true
		if strings.TrimSpace(a.Token) == "" && !a.Disabled {
			add(fmt.Errorf("accounts[%d].token is required", i))
		}
	}

	if strings.TrimSpace(cfg.State.Path) == "" {
		add(errors.New("state.path is required"))
	}
	if strings.TrimSpace(cfg.Ledger.Path) == "" {
		add(errors.New("ledger.path is required"))
	}

	durations := map[string]string{
		"state.busy_timeout":       cfg.State.BusyTimeout,
		"ledger.retention":         cfg.Ledger.Retention,
		"ledger.busy_timeout":      cfg.Ledger.BusyTimeout,
		"supervisor.restart_min":   cfg.Supervisor.RestartMin,
		"supervisor.restart_max":   cfg.Supervisor.RestartMax,
		"supervisor.reset_after":   cfg.Supervisor.ResetAfter,
		"flood.window":             cfg.Flood.Window,
		"flood.base_extra":         cfg.Flood.BaseExtra,
		"flood.min_floor":          cfg.Flood.MinFloor,
		"worker.keepalive":         cfg.Worker.Keepalive,
		"worker.keepalive_jitter":  cfg.Worker.KeepaliveJitter,
		"worker.autosave":          cfg.Worker.Autosave,
		"worker.quarantine":        cfg.Worker.Quarantine,
		"reply.group_cooldown":     cfg.Reply.GroupCooldown,
		"reply.contact_cooldown":   cfg.Reply.ContactCooldown,
		"reply.ledger_window":      cfg.Reply.LedgerWindow,
		"forward.dialog_ttl":       cfg.Forward.DialogTTL,
		"forward.resend_cooldown":  cfg.Forward.ResendCooldown,
		"forward.per_delivery":     cfg.Forward.PerDelivery,
		"forward.permission_pause": cfg.Forward.PermissionPause,
	}
	for path, raw := range durations {
		_, err := ParseDurationField(path, raw)
		add(err)
	}
	ranges := map[string]DelayRange{
		"reply.welcome_delay":    cfg.Reply.WelcomeDelay,
		"reply.group_delay":      cfg.Reply.GroupDelay,
		"reply.private_delay":    cfg.Reply.PrivateDelay,
		"reply.contact_delay":    cfg.Reply.ContactDelay,
		"forward.pacing":         cfg.Forward.Pacing,
		"forward.round_interval": cfg.Forward.RoundInterval,
		"forward.footer_delay":   cfg.Forward.FooterDelay,
	}
	for path, r := range ranges {
		_, _, err := r.Resolve(path, 0, 0)
		add(err)
	}

	if cfg.Flood.Cap != 0 && cfg.Flood.Cap < 1 {
		add(errors.New("flood.cap must be >= 1"))
	}
	if cfg.Flood.JitterFraction < 0 {
		add(errors.New("flood.jitter_fraction must be >= 0"))
	}
	if cfg.Forward.Enabled && cfg.Forward.Source == 0 {
		add(errors.New("forward.source is required when forwarding is enabled"))
	}
	if cfg.Forward.IdleScale < 0 {
		add(errors.New("forward.idle_scale must be >= 0"))
	}

	if op := cfg.Operator; op != nil && op.Enabled {
		if strings.TrimSpace(op.BotToken) == "" || op.ChatID == 0 {
			add(errors.New("operator: bot_token and chat_id are required when enabled"))
		}
		for path, raw := range map[string]string{
			"operator.retry_base":      op.RetryBase,
			"operator.retry_max_delay": op.RetryMaxDelay,
			"operator.dedup_window":    op.DedupWindow,
		} {
			_, err := ParseDurationField(path, raw)
			add(err)
		}
		if spec := strings.TrimSpace(op.DailySummary); spec != "" {
			if _, err := cron.ParseStandard(spec); err != nil {
				add(fmt.Errorf("operator.daily_summary: %w", err))
			}
		}
	}
	return errors.Join(errs...)
}
