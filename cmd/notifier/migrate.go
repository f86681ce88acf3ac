package main

import (
	"errors"

	"github.com/bissquit/agentic-notifier/internal/config"
	"github.com/bissquit/agentic-notifier/migrations"
	"github.com/spf13/cobra"
)

var (
	databaseURL string
	downSteps   int
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the postgres ledger schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(_ *cobra.Command, _ []string) error {
		url, err := resolveDatabaseURL()
		if err != nil {
			return err
		}
		return migrations.Up(url)
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back migrations",
	RunE: func(_ *cobra.Command, _ []string) error {
		url, err := resolveDatabaseURL()
		if err != nil {
			return err
		}
		return migrations.Down(url, downSteps)
	},
}

func init() {
	migrateCmd.PersistentFlags().StringVar(&databaseURL, "database-url", "", "postgres URL (defaults to ledger.postgres.url)")
	migrateDownCmd.Flags().IntVar(&downSteps, "steps", 1, "number of migrations to roll back, 0 rolls back all")

	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateDownCmd)
}

func resolveDatabaseURL() (string, error) {
	if databaseURL != "" {
		return databaseURL, nil
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return "", err
	}
	if cfg.Ledger.Postgres.URL == "" {
		return "", errors.New("no database URL: set --database-url or ledger.postgres.url")
	}
	return cfg.Ledger.Postgres.URL, nil
}
