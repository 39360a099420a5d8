package main

import (
	"fmt"
	"os"

	"github.com/fentz26/cadence/internal/config"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "cadence",
	Short: "cadence - paced outreach over one shared browser",
	Long: `cadence drives prospects through a connect, message and follow-up lifecycle.
All work runs inside a single browser context and is gated by a per-campaign
admission policy that starts disabled.`,
	SilenceUsage: true,
	// No RunE - defaults to showing help when no subcommand is provided
}

var (
	apiAddr    string
	configPath string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "http://127.0.0.1:7477", "API server address")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.HomePath(), "Path to config file")

	// Add subcommands
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(campaignCmd)
	rootCmd.AddCommand(prospectCmd)
	rootCmd.AddCommand(cycleCmd)
	rootCmd.AddCommand(admissionCmd)
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(tuiCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
