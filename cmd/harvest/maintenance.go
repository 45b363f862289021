package main

import (
	"github.com/spf13/cobra"

	"subscribe_nexus/internal/app"
)

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Drop expired or exhausted subscriptions",
	Long:  "Re-checks every subscription in subscribes.txt against the lifecycle thresholds in harvest.ini and writes back the survivors.",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		runCommand(cmd, app.CommandRefresh, app.Options{})
	},
}

var convertCmd = &cobra.Command{
	Use:   "convert",
	Short: "Republish v2ray.txt with a fresh date marker",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		runCommand(cmd, app.CommandConvert, app.Options{})
	},
}

var customCmd = &cobra.Command{
	Use:   "custom",
	Short: "Convert the links in CUSTOMIZE_LINK into a VMess subscription",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		runCommand(cmd, app.CommandCustom, app.Options{})
	},
}

func init() {
	rootCmd.AddCommand(refreshCmd, convertCmd, customCmd)
}
