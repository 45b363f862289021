// Package main implements the harvest CLI, which collects free proxy
// subscriptions, probes their nodes and publishes the fastest ones.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"subscribe_nexus/internal/app"
)

var rootCmd = &cobra.Command{
	Use:   "harvest",
	Short: "Collect, probe and publish free proxy subscriptions",
	Long: `harvest discovers subscription sources from local files, a remote gist and a
Telegram channel, fetches and normalizes their proxy nodes, probes every node
through a local proxy engine and publishes the fastest ones.`,
	SilenceUsage: true,
}

var (
	configDir string
	exitCode  int
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "configdir", "configs", "Path to config directory")
}

// runCommand 执行子命令并记录退出码，cobra 本身只处理参数错误。
func runCommand(cmd *cobra.Command, command string, opts app.Options) {
	opts.ConfigDir = configDir
	opts.Stderr = cmd.ErrOrStderr()
	exitCode = app.Main(cmd.Context(), command, opts)
}

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(app.ExitFailure)
	}
	os.Exit(exitCode)
}
