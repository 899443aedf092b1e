package config

// Config is the whole runtime configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Omitted or zero values fall back to the defaults listed on each section.
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	State      StateConfig      `json:"state"`
	Ledger     LedgerConfig     `json:"ledger"`
	Operator   *OperatorConfig  `json:"operator,omitempty"`
	Supervisor SupervisorConfig `json:"supervisor"`
	Flood      FloodConfig      `json:"flood"`
	Worker     WorkerConfig     `json:"worker"`
	Reply      ReplyConfig      `json:"reply"`
	Forward    ForwardConfig    `json:"forward"`
	Accounts   []AccountConfig  `json:"accounts"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StateConfig selects the per-account snapshot store.
//
// Example:
//
//	"state": { "driver": "file", "path": "./state" }
type StateConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// LedgerConfig selects the shared response ledger. Every process that
// should coordinate must point at the same path.
//
// Defaults: driver "file", retention "24h".
type LedgerConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	Retention   string `json:"retention,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// OperatorConfig controls the operator log channel. Omit the section to
// disable notifications.
//
// Defaults:
//   - workers: 1, queue_size: 256, rate_per_sec: 1
//   - retry_max: 3, retry_base: "500ms", retry_max_delay: "10s"
//   - dedup_window: "30s", dedup_max_entries: 512
//   - daily_summary: "" (disabled); a cron spec such as "0 21 * * *"
type OperatorConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	ChatID   int64  `json:"chat_id"`

	Workers         int    `json:"workers,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty"`
	RatePerSec      int    `json:"rate_per_sec,omitempty"`
	RetryMax        int    `json:"retry_max,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	DedupWindow     string `json:"dedup_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`

	// NotifyReplies reports every welcome, keyword and contact reply.
	NotifyReplies bool   `json:"notify_replies,omitempty"`
	DailySummary  string `json:"daily_summary,omitempty"`
	Timezone      string `json:"timezone,omitempty"`
}

// SupervisorConfig controls account restarts.
// Defaults: restart_min "5s", restart_max "5m", reset_after "30m".
type SupervisorConfig struct {
	RestartMin string `json:"restart_min,omitempty"`
	RestartMax string `json:"restart_max,omitempty"`
	ResetAfter string `json:"reset_after,omitempty"`
}

// FloodConfig tunes the rate-limit backoff.
// Defaults: window "30m", cap 3.0, base_extra "5s", min_floor "5s", jitter_fraction 0.5.
type FloodConfig struct {
	Window         string  `json:"window,omitempty"`
	Cap            float64 `json:"cap,omitempty"`
	BaseExtra      string  `json:"base_extra,omitempty"`
	MinFloor       string  `json:"min_floor,omitempty"`
	JitterFraction float64 `json:"jitter_fraction,omitempty"`
}

// WorkerConfig controls per-account housekeeping.
//
// Defaults:
//   - keepalive: "5m" +/- keepalive_jitter "1m"; keepalive_failures: 3
//   - autosave: "60s"; quarantine: "24h"
//   - connect_attempts: 5; event_buffer: 256
type WorkerConfig struct {
	Keepalive         string `json:"keepalive,omitempty"`
	KeepaliveJitter   string `json:"keepalive_jitter,omitempty"`
	KeepaliveFailures int    `json:"keepalive_failures,omitempty"`
	Autosave          string `json:"autosave,omitempty"`
	Quarantine        string `json:"quarantine,omitempty"`
	ConnectAttempts   int    `json:"connect_attempts,omitempty"`
	EventBuffer       int    `json:"event_buffer,omitempty"`
}

// DelayRange is a uniform random delay between Min and Max.
type DelayRange struct {
	Min string `json:"min"`
	Max string `json:"max"`
}

// Templates holds the two variants of a reply: one for senders with a
// username and one for senders without. Placeholders: {username}, {name},
// {id}, {mention}.
type Templates struct {
	WithUsername    string `json:"with_username"`
	WithoutUsername string `json:"without_username,omitempty"`
}

// ReplyConfig controls automated replies.
//
// Defaults:
//   - welcome_delay 2s..5s, group_delay 2.5s..5.5s, private_delay 1.5s..4s, contact_delay 0.6s..1.6s
//   - group_cooldown "15s", contact_cooldown "5m"
//   - ledger_window "2m", ledger_max 1
//   - max_len 400, max_newlines 3, max_odd_chars 6
type ReplyConfig struct {
	Welcome         bool `json:"welcome"`
	Keyword         bool `json:"keyword"`
	PrivateFollowUp bool `json:"private_follow_up"`
	Contact         bool `json:"contact"`

	Keywords []string `json:"keywords,omitempty"`
	Exclude  []string `json:"exclude,omitempty"`

	WelcomeText Templates `json:"welcome_text"`
	KeywordText Templates `json:"keyword_text"`
	PrivateText string    `json:"private_text,omitempty"`
	ContactText string    `json:"contact_text,omitempty"`

	WelcomeDelay DelayRange `json:"welcome_delay"`
	GroupDelay   DelayRange `json:"group_delay"`
	PrivateDelay DelayRange `json:"private_delay"`
	ContactDelay DelayRange `json:"contact_delay"`

	GroupCooldown   string `json:"group_cooldown,omitempty"`
	ContactCooldown string `json:"contact_cooldown,omitempty"`
	LedgerWindow    string `json:"ledger_window,omitempty"`
	LedgerMax       int    `json:"ledger_max,omitempty"`

	MaxLen      int `json:"max_len,omitempty"`
	MaxNewlines int `json:"max_newlines,omitempty"`
	MaxOddChars int `json:"max_odd_chars,omitempty"`
}

// ForwardConfig controls re-broadcasting of source posts.
//
// Defaults:
//   - batch_size 3, dialog_ttl "10m", round_cap 10, daily_cap 3
//   - resend_cooldown "6h", pacing 2s..5s, round_interval 10m..15m
//   - idle_scale 2.0, per_delivery "30s", footer_delay 1s..3s
//   - permission_pause "1h", global_concurrency 3
type ForwardConfig struct {
	Enabled   bool  `json:"enabled"`
	Source    int64 `json:"source"`
	BatchSize int   `json:"batch_size,omitempty"`
	MediaOnly bool  `json:"media_only,omitempty"`

	Allow         []int64  `json:"allow,omitempty"`
	ExcludeIDs    []int64  `json:"exclude_ids,omitempty"`
	ExcludeTitles []string `json:"exclude_titles,omitempty"`

	DialogTTL      string `json:"dialog_ttl,omitempty"`
	RoundCap       int    `json:"round_cap,omitempty"`
	DailyCap       int    `json:"daily_cap,omitempty"`
	ResendCooldown string `json:"resend_cooldown,omitempty"`

	Pacing        DelayRange `json:"pacing"`
	RoundInterval DelayRange `json:"round_interval"`
	IdleScale     float64    `json:"idle_scale,omitempty"`
	PerDelivery   string     `json:"per_delivery,omitempty"`

	Footer      string     `json:"footer,omitempty"`
	FooterDelay DelayRange `json:"footer_delay"`

	PermissionPause   string `json:"permission_pause,omitempty"`
	GlobalConcurrency int    `json:"global_concurrency,omitempty"`
}

// AccountConfig is one managed account.
type AccountConfig struct {
	Name     string `json:"name"`
	Token    string `json:"token"`
	Disabled bool   `json:"disabled,omitempty"`
	// NoForward disables the forward scheduler for this account only.
	NoForward bool `json:"no_forward,omitempty"`
}
