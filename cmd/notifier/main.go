// Command notifier runs the event-to-notification dispatch service.
package main

import (
	"fmt"
	"os"

	"github.com/bissquit/agentic-notifier/internal/version"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "notifier",
	Short:         "Event-to-notification dispatcher",
	Long:          "Consumes events from JetStream, routes them through rules and delivers email notifications exactly once per recipient.",
	Version:       version.String(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("NOTIFIER_CONFIG"), "path to the YAML config file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(rulesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
