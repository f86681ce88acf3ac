package main

import (
	"fmt"

	"github.com/bissquit/agentic-notifier/internal/config"
	"github.com/bissquit/agentic-notifier/internal/notifications"
	"github.com/bissquit/agentic-notifier/internal/rules"
	"github.com/spf13/cobra"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Inspect routing rules",
}

var templatesDir string

var rulesCheckCmd = &cobra.Command{
	Use:   "check [file]",
	Short: "Validate a rules file against the available templates",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runRulesCheck,
}

func init() {
	rulesCheckCmd.Flags().StringVar(&templatesDir, "templates", "", "template override directory")
	rulesCmd.AddCommand(rulesCheckCmd)
}

func runRulesCheck(cmd *cobra.Command, args []string) error {
	defaults := config.Default()
	file := defaults.Rules.File
	if len(args) == 1 {
		file = args[0]
	}

	renderer, err := notifications.NewRenderer(templatesDir)
	if err != nil {
		return err
	}

	set, err := rules.LoadFile(file)
	if err != nil {
		return err
	}
	if err := rules.Check(set, renderer); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s: %d rules OK\n", file, len(set))
	return nil
}
