package cmd

import (
	"fmt"
	"github.com/arcward/watchman/watchman"
	"github.com/bwmarrin/discordgo"
	"github.com/spf13/cobra"
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Overwrite the bot's slash commands, then exit",
	Long: "Overwrites the application's slash commands with /reminder. " +
		"Commands are registered globally, unless a guild ID is configured.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		bot, err := watchman.New(cfg)
		if err != nil {
			return fmt.Errorf("error creating bot: %w", err)
		}

		created, err := bot.RegisterSlashCommands(discordgo.WithContext(ctx))
		if err != nil {
			return fmt.Errorf("error registering commands: %w", err)
		}

		out := cmd.OutOrStdout()
		for _, c := range created {
			_, _ = fmt.Fprintf(out, "registered /%s (id: %s)\n", c.Name, c.ID)
		}
		return nil
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(registerCmd)
}
