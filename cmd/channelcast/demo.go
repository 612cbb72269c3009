package main

import (
	"github.com/spf13/cobra"

	"channelcast/internal/demo"
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "run the two-channel sample session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return demo.Run(cmd.OutOrStdout())
	},
}
