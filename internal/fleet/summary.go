package fleet

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"relayfleet/internal/config"
	"relayfleet/internal/notifier"
	"relayfleet/pkg/logx"
	"relayfleet/pkg/tgui"
)

func summarySpec(cfg *config.Config) [2]string {
	if cfg.Operator == nil || !cfg.Operator.Enabled {
		return [2]string{}
	}
	return [2]string{strings.TrimSpace(cfg.Operator.DailySummary), strings.TrimSpace(cfg.Operator.Timezone)}
}

// startSummary schedules the daily report when one is configured.
func (f *Fleet) startSummary(ctx context.Context, cfg *config.Config) error {
	spec := summarySpec(cfg)
	if spec[0] == "" {
		return nil
	}
	loc := time.Local
	if spec[1] != "" {
		l, err := time.LoadLocation(spec[1])
		if err != nil {
			return fmt.Errorf("operator.timezone: %w", err)
		}
		loc = l
	}
	c := cron.New(cron.WithLocation(loc))
	if _, err := c.AddFunc(spec[0], func() { f.sendSummary(ctx) }); err != nil {
		return fmt.Errorf("operator.daily_summary: %w", err)
	}
	c.Start()

	f.mu.Lock()
	f.cron = c
	f.mu.Unlock()
	f.log.Info("daily summary scheduled", logx.String("spec", spec[0]), logx.String("tz", loc.String()))
	return nil
}

func (f *Fleet) stopSummary(ctx context.Context) {
	f.mu.Lock()
	c := f.cron
	f.cron = nil
	f.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

func (f *Fleet) restartSummary(cfg *config.Config) {
	if f.sv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	f.stopSummary(ctx)
	cancel()
	if err := f.startSummary(f.sv.Context(), cfg); err != nil {
		f.log.Warn("daily summary disabled", logx.Err(err))
	}
}

// Summary renders the counters gathered since the previous call and resets them.
func (f *Fleet) Summary() string {
	statuses := f.Status()

	f.mu.Lock()
	counts := f.tally
	f.tally = map[string]*tally{}
	f.mu.Unlock()

	var b strings.Builder
	b.WriteString(tgui.B("Daily summary").String())
	total := 0
	for _, st := range statuses {
		t := counts[st.Name]
		if t == nil {
			t = &tally{}
		}
		total += t.Delivered
		fmt.Fprintf(&b, "\n%s (%s): %d forwarded in %d rounds, %d replies", tgui.Esc(st.Name), st.State, t.Delivered, t.Rounds, t.Replies)
		if t.Pauses > 0 {
			fmt.Fprintf(&b, ", %d pauses", t.Pauses)
		}
		if t.Quarantined > 0 {
			fmt.Fprintf(&b, ", %d quarantined", t.Quarantined)
		}
	}
	fmt.Fprintf(&b, "\nTotal forwarded: %d", total)
	return b.String()
}

func (f *Fleet) sendSummary(ctx context.Context) {
	f.notify(ctx, notifier.PriorityInfo, f.Summary(), "")
}
