package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zulandar/switchboard/internal/config"
	"github.com/zulandar/switchboard/internal/db"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
	}
	cmd.AddCommand(newDBMigrateCmd())
	return cmd
}

func newDBMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the archive and counter tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBMigrate(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "switchboard.yaml", "path to Switchboard config file")
	return cmd
}

func runDBMigrate(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if !cfg.Database.Enabled() {
		return fmt.Errorf("db: no database configured in %s (add database.driver)", configPath)
	}

	gormDB, err := db.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close(gormDB)

	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	fmt.Fprintf(out, "Migrated %d tables (%s)\n", len(db.AllModels()), cfg.Database.Driver)
	return nil
}
