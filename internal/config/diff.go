package config

import (
	"strings"

	"github.com/google/go-cmp/cmp"

	logx "relayfleet/pkg/logx"
)

// ChangeSummary describes what a reload changed. Attrs never carry secrets.
type ChangeSummary struct {
	Changed []string
	// Restart lists changed sections that only take effect after a restart.
	Restart []string
	Attrs   []logx.Field
}

func (s ChangeSummary) Empty() bool { return len(s.Changed) == 0 }

// SummarizeChange compares two configs section by section.
func SummarizeChange(oldCfg, newCfg *Config) ChangeSummary {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var s ChangeSummary
	mark := func(section string, restart bool, attrs ...logx.Field) {
		s.Changed = append(s.Changed, section)
		if restart {
			s.Restart = append(s.Restart, section)
		}
		s.Attrs = append(s.Attrs, attrs...)
	}

	if !cmp.Equal(oldCfg.Logging, newCfg.Logging) {
		mark("logging", false,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if !cmp.Equal(oldCfg.State, newCfg.State) {
		mark("state", true, logx.String("state.driver", newCfg.State.Driver))
	}
	if !cmp.Equal(oldCfg.Ledger, newCfg.Ledger) {
		mark("ledger", true, logx.String("ledger.driver", newCfg.Ledger.Driver))
	}
	if !cmp.Equal(redactOperator(oldCfg.Operator), redactOperator(newCfg.Operator)) {
		op := redactOperator(newCfg.Operator)
		mark("operator", true,
			logx.Bool("operator.enabled", op.Enabled),
			logx.Bool("operator.token_set", op.BotToken != ""),
			logx.String("operator.daily_summary", op.DailySummary),
		)
	}
	if !cmp.Equal(oldCfg.Supervisor, newCfg.Supervisor) {
		mark("supervisor", true)
	}
	if !cmp.Equal(oldCfg.Flood, newCfg.Flood) {
		mark("flood", false, logx.String("flood.window", newCfg.Flood.Window))
	}
	if !cmp.Equal(oldCfg.Worker, newCfg.Worker) {
		mark("worker", true)
	}
	if !cmp.Equal(oldCfg.Reply, newCfg.Reply) {
		mark("reply", false,
			logx.Int("reply.keywords", len(newCfg.Reply.Keywords)),
			logx.Int("reply.exclude", len(newCfg.Reply.Exclude)),
		)
	}
	if !cmp.Equal(oldCfg.Forward, newCfg.Forward) {
		restart := oldCfg.Forward.GlobalConcurrency != newCfg.Forward.GlobalConcurrency ||
			oldCfg.Forward.Source != newCfg.Forward.Source
		mark("forward", restart,
			logx.Bool("forward.enabled", newCfg.Forward.Enabled),
			logx.Int("forward.daily_cap", newCfg.Forward.DailyCap),
		)
	}
	if !cmp.Equal(accountNames(oldCfg.Accounts), accountNames(newCfg.Accounts)) ||
		!cmp.Equal(tokenHashes(oldCfg.Accounts), tokenHashes(newCfg.Accounts)) {
		mark("accounts", true, logx.Int("accounts.count", len(newCfg.Accounts)))
	}
	return s
}

// redactOperator replaces the token with a marker so it never reaches logs.
func redactOperator(op *OperatorConfig) OperatorConfig {
	if op == nil {
		return OperatorConfig{}
	}
	out := *op
	if strings.TrimSpace(out.BotToken) != "" {
		out.BotToken = "set"
	}
	return out
}

func accountNames(as []AccountConfig) []string {
	out := make([]string, 0, len(as))
	for _, a := range as {
		flag := ""
		if a.Disabled {
			flag = "!"
		}
		if a.NoForward {
			flag += "~"
		}
		out = append(out, flag+a.Name)
	}
	return out
}

// tokenHashes detects token rotation.
func tokenHashes(as []AccountConfig) []uint64 {
	out := make([]uint64, 0, len(as))
	for _, a := range as {
		out = append(out, hashString(a.Token))
	}
	return out
}
