package cmd

import (
	"errors"
	"fmt"
	"github.com/arcward/watchman/watchman"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the database and run migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if cfg.DatabaseType == "" {
			return errors.New(
				"database type not set (must be one of: sqlite, postgres)",
			)
		}
		if cfg.Database == "" {
			return errors.New(
				"database not set (must be a valid database connection " +
					"string or sqlite file path)",
			)
		}

		db, err := watchman.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			return fmt.Errorf("error creating database: %w", err)
		}
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			defer func() {
				_ = sqlDB.Close()
			}()
		}

		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "Database ready (%s: %s)\n", cfg.DatabaseType, cfg.Database)
		_, _ = fmt.Fprintln(
			out,
			"Initialization complete. Register slash commands with the "+
				"'register' subcommand, then start the bot with 'run'.",
		)
		return nil
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(initCmd)
}
