package main

import (
	"github.com/spf13/cobra"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func newRootCmd() *cobra.Command {
	c := &cobra.Command{
		Use:           "wellrelay",
		Short:         "Replicate a well's data to a remote consumer",
		Version:       version,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Usage()
		},
	}
	c.AddCommand(newRunCmd())
	c.AddCommand(newLoginCmd())
	return c
}
