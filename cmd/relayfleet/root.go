package main

import "github.com/spf13/cobra"

type rootOpts struct {
	config string
}

func newRootCmd() *cobra.Command {
	o := &rootOpts{}
	root := &cobra.Command{
		Use:           "relayfleet",
		Short:         "Run and inspect a fleet of chat automation accounts",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&o.config, "config", "c", "./config.yaml", "path to config (json or yaml)")

	root.AddCommand(
		newRunCmd(o),
		newLedgerCmd(o),
		newStateCmd(o),
	)
	return root
}
