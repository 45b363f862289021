package main

import (
	"github.com/spf13/cobra"

	"subscribe_nexus/internal/app"
)

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Run the full collection pipeline",
	Long:  "Assigns tasks from existing subscriptions and discovered sites, fetches and probes every node, then writes clash.yaml, v2ray.txt and subscribes.txt and publishes them when gist credentials are configured.",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		runCommand(cmd, app.CommandCollect, collectOpts)
	},
}

var collectOpts app.Options

func init() {
	collectCmd.Flags().BoolVarP(&collectOpts.Refresh, "refresh", "r", false, "Only refresh existing subscriptions, skip site discovery")
	collectCmd.Flags().BoolVarP(&collectOpts.Overwrite, "overwrite", "o", false, "Re-crawl the channel even when a domain table exists")
	collectCmd.Flags().IntVarP(&collectOpts.Pages, "pages", "p", 0, "Number of channel pages to crawl (0 uses the ini value)")
	collectCmd.Flags().IntVarP(&collectOpts.Num, "num", "n", 0, "Number of concurrent fetch workers (0 uses the ini value)")
	collectCmd.Flags().IntVarP(&collectOpts.MaxCount, "max", "m", 0, "Maximum number of proxies to publish (0 uses the ini value)")
	collectCmd.Flags().BoolVarP(&collectOpts.Invisible, "invisible", "i", false, "Hide progress bars")

	rootCmd.AddCommand(collectCmd)
}
