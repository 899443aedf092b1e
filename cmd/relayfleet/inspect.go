package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"relayfleet/internal/app"
	"relayfleet/internal/config"
	"relayfleet/internal/ledger"
	"relayfleet/internal/state"
	"relayfleet/internal/storage"
	logx "relayfleet/pkg/logx"
)

// openStores loads the config and opens the stores without starting accounts.
func openStores(path string) (*config.Config, storage.Store, ledger.Ledger, error) {
	cfg, err := config.NewManager(path).Load()
	if err != nil {
		return nil, nil, nil, err
	}
	store, led, err := app.OpenStores(cfg, logx.NewConsole("WARN"))
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, store, led, nil
}

func newLedgerCmd(o *rootOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the shared response ledger",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "List every key with its registration count and latest time",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, store, led, err := openStores(o.config)
			if err != nil {
				return err
			}
			defer store.Close()
			defer led.Close()
			return showLedger(ctxOf(cmd), cmd.OutOrStdout(), led)
		},
	}

	var (
		window     time.Duration
		maxAllowed int
	)
	check := &cobra.Command{
		Use:   "check <key>",
		Short: "Report whether key has reached its limit within window",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, led, err := openStores(o.config)
			if err != nil {
				return err
			}
			defer store.Close()
			defer led.Close()
			recent := led.HasRecentResponse(ctxOf(cmd), args[0], window, maxAllowed)
			verdict := "clear"
			if recent {
				verdict = "recent"
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", args[0], verdict)
			return err
		},
	}
	check.Flags().DurationVar(&window, "window", 2*time.Minute, "lookback window")
	check.Flags().IntVar(&maxAllowed, "max", 1, "responses allowed within the window")

	cmd.AddCommand(show, check)
	return cmd
}

func showLedger(ctx context.Context, w io.Writer, led ledger.Ledger) error {
	entries, err := led.Entries(ctx)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		ts := entries[k]
		if len(ts) == 0 {
			continue
		}
		last := slices.MaxFunc(ts, func(a, b time.Time) int { return a.Compare(b) })
		if _, err := fmt.Fprintf(w, "%s\t%d\t%s\n", k, len(ts), last.Format(time.RFC3339)); err != nil {
			return err
		}
	}
	return nil
}

type accountReport struct {
	state.Snapshot
	Session *state.Session `json:"session,omitempty"`
}

func newStateCmd(o *rootOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect persisted per-account state",
	}
	show := &cobra.Command{
		Use:   "show [account...]",
		Short: "Print pause state, counters and forward history as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, led, err := openStores(o.config)
			if err != nil {
				return err
			}
			defer store.Close()
			defer led.Close()
			if len(args) == 0 {
				for _, a := range cfg.Accounts {
					args = append(args, a.Name)
				}
			}
			return showState(ctxOf(cmd), cmd.OutOrStdout(), store, args)
		},
	}
	cmd.AddCommand(show)
	return cmd
}

func showState(ctx context.Context, w io.Writer, store storage.Store, names []string) error {
	out := make([]accountReport, 0, len(names))
	for _, name := range names {
		acct, err := state.Load(ctx, store, name, time.Now)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		r := accountReport{Snapshot: acct.Snapshot()}
		if s, ok, err := state.LoadSession(ctx, store, name); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		} else if ok {
			r.Session = &s
		}
		out = append(out, r)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func ctxOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
