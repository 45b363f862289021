package main

import (
	"github.com/spf13/cobra"

	"subscribe_nexus/internal/app"
)

var fastestCmd = &cobra.Command{
	Use:   "fastest",
	Short: "Probe existing subscriptions and keep the fastest proxies",
	Long:  "Loads the existing subscription list (local and remote), probes every node and uploads fastest_proxies.yaml to the output gist.",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		runCommand(cmd, app.CommandFastest, fastestOpts)
	},
}

var fastestOpts app.Options

func init() {
	fastestCmd.Flags().IntVarP(&fastestOpts.MaxCount, "max", "m", 0, "Maximum number of proxies to keep (0 uses the ini value)")
	fastestCmd.Flags().BoolVarP(&fastestOpts.Invisible, "invisible", "i", false, "Hide progress bars")

	rootCmd.AddCommand(fastestCmd)
}
