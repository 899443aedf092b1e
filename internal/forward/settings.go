package forward

import "time"

// Settings tunes one scheduler. It is re-read at the start of every round
// so config reloads apply without a restart.
type Settings struct {
	Enabled   bool
	Source    int64
	BatchSize int
	MediaOnly bool

	Allow         []int64
	ExcludeIDs    []int64
	ExcludeTitles []string

	DialogTTL      time.Duration
	RoundCap       int // destinations attempted per round
	DailyCap       int // deliveries per destination per day
	ResendCooldown time.Duration

	PacingMin, PacingMax     time.Duration
	IntervalMin, IntervalMax time.Duration
	IdleScale                float64
	PerDelivery              time.Duration

	Footer               string
	FooterMin, FooterMax time.Duration

	PermissionPause time.Duration
}

func DefaultSettings() Settings {
	return Settings{
		BatchSize:       3,
		DialogTTL:       10 * time.Minute,
		RoundCap:        10,
		DailyCap:        3,
		ResendCooldown:  6 * time.Hour,
		PacingMin:       2 * time.Second,
		PacingMax:       5 * time.Second,
		IntervalMin:     10 * time.Minute,
		IntervalMax:     15 * time.Minute,
		IdleScale:       2.0,
		PerDelivery:     30 * time.Second,
		FooterMin:       time.Second,
		FooterMax:       3 * time.Second,
		PermissionPause: time.Hour,
	}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.BatchSize <= 0 {
		s.BatchSize = d.BatchSize
	}
	if s.DialogTTL <= 0 {
		s.DialogTTL = d.DialogTTL
	}
	if s.RoundCap <= 0 {
		s.RoundCap = d.RoundCap
	}
	if s.DailyCap <= 0 {
		s.DailyCap = d.DailyCap
	}
	if s.ResendCooldown <= 0 {
		s.ResendCooldown = d.ResendCooldown
	}
	if s.IntervalMax <= 0 {
		s.IntervalMin, s.IntervalMax = d.IntervalMin, d.IntervalMax
	}
	if s.IdleScale <= 0 {
		s.IdleScale = d.IdleScale
	}
	if s.PermissionPause <= 0 {
		s.PermissionPause = d.PermissionPause
	}
	return s
}
