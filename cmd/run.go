package cmd

import (
	"fmt"
	"github.com/arcward/watchman/watchman"
	"github.com/spf13/cobra"
	"log/slog"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Starts the bot, the reminder poller and (optionally) the admin API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			bot, err := watchman.New(cfg)
			if err != nil {
				return fmt.Errorf("error creating bot: %w", err)
			}
			slog.InfoContext(
				ctx,
				"starting watchman",
				"version", watchman.Version,
				"config", cfg,
			)

			if err = bot.Run(ctx); err != nil {
				return fmt.Errorf("error running bot: %w", err)
			}
			return nil
		},
	}
)

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(runCmd)
}
