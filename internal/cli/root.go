package cli

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

// NewRootCommand builds the oauth2cred command tree.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&App{})
}

func newRootCommand(app *App) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "oauth2cred",
		Short: "OAuth2 credential manager",
		Long: `oauth2cred keeps the OAuth2 credentials stored in the local account database usable:
it checks access tokens locally and online, refreshes them with the refresh token when
they are no longer valid, and exposes the result to scripts and an admin API.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return app.configure()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			app.Close()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&app.configPath, "config", "", "Config file (default ~/.config/oauth2cred/config.yaml)")
	flags.StringVar(&app.dbPath, "db", "", "Account database path")
	flags.StringVar(&app.provider, "provider", "", "Provider whose accounts are managed")
	flags.BoolVar(&app.debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(NewListCommand(app))
	rootCmd.AddCommand(NewShowCommand(app))
	rootCmd.AddCommand(NewCreateCommand(app))
	rootCmd.AddCommand(NewUpdateCommand(app))
	rootCmd.AddCommand(NewDeleteCommand(app))
	rootCmd.AddCommand(NewEnableCommand(app, true))
	rootCmd.AddCommand(NewEnableCommand(app, false))
	rootCmd.AddCommand(NewStatusCommand(app))
	rootCmd.AddCommand(NewTestCommand(app))
	rootCmd.AddCommand(NewUserInfoCommand(app))
	rootCmd.AddCommand(NewTokenCommand(app))
	rootCmd.AddCommand(NewRefreshCommand(app))
	rootCmd.AddCommand(NewAPICommand(app))
	rootCmd.AddCommand(NewStatsCommand(app))
	rootCmd.AddCommand(NewHistoryCommand(app))
	rootCmd.AddCommand(NewAPIKeyCommand(app))
	rootCmd.AddCommand(NewServeCommand(app))
	rootCmd.AddCommand(NewVersionCommand())

	return rootCmd
}

// Execute runs the root command
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// accountArg reads the optional account id argument; 0 selects the default
// account.
func accountArg(args []string) (int, error) {
	if len(args) == 0 {
		return 0, nil
	}
	id, err := strconv.Atoi(args[0])
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid account id %q", args[0])
	}
	return id, nil
}
