package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pysugar/oauth2-credentials/internal/auth/token"
	"github.com/pysugar/oauth2-credentials/internal/credential"
	"github.com/pysugar/oauth2-credentials/internal/db"
	"github.com/pysugar/oauth2-credentials/internal/upstream"
	"github.com/pysugar/oauth2-credentials/internal/version"
	"github.com/spf13/cobra"
)

func NewStatsCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show store and token event statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.open(false); err != nil {
				return err
			}
			stats, err := app.store.Stats(cmd.Context(), app.cfg.Provider)
			if err != nil {
				return err
			}
			events := app.events.Stats()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "Accounts:\t%d total, %d %s, %d enabled\n",
				stats.TotalAccounts, stats.ProviderAccounts, app.cfg.Provider, stats.EnabledAccounts)
			fmt.Fprintf(w, "Database:\t%s (%s)\n", stats.DatabasePath, humanize.Bytes(uint64(stats.DatabaseSize)))
			fmt.Fprintf(w, "Token events:\t%s (%s ok, %s failed)\n",
				humanize.Comma(events.TotalEvents), humanize.Comma(events.SuccessCount), humanize.Comma(events.ErrorCount))
			return w.Flush()
		},
	}
}

func NewHistoryCommand(app *App) *cobra.Command {
	var (
		limit    int
		clearAll bool
	)
	cmd := &cobra.Command{
		Use:   "history [account-id]",
		Short: "Show recent token refreshes and online checks",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := accountArg(args)
			if err != nil {
				return err
			}
			if clearAll && id != 0 {
				return errors.New("--clear removes the history of every account, omit the account id")
			}
			if err := app.open(false); err != nil {
				return err
			}

			if clearAll {
				if err := app.events.Clear(cmd.Context()); err != nil {
					return credential.Wrap(credential.KindStoreUnavailable, err, "clear token events")
				}
				fmt.Fprintln(cmd.OutOrStdout(), "🗑️ Cleared token event history")
				return nil
			}

			events := app.events.Events(cmd.Context(), id, limit)
			out := cmd.OutOrStdout()
			if len(events) == 0 {
				fmt.Fprintln(out, "No token events recorded")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "WHEN\tACCOUNT\tOPERATION\tOUTCOME\tSTATUS\tDURATION\tERROR")
			for _, ev := range events {
				status := "-"
				if ev.Status != 0 {
					status = fmt.Sprint(ev.Status)
				}
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%dms\t%s\n",
					humanize.Time(time.UnixMilli(ev.Timestamp)), ev.AccountID, ev.Operation, ev.Outcome,
					status, ev.Duration, ev.Error)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of events")
	cmd.Flags().BoolVar(&clearAll, "clear", false, "Delete every recorded event")
	return cmd
}

func NewAPICommand(app *App) *cobra.Command {
	var accountID int
	apiCmd := &cobra.Command{
		Use:   "api",
		Short: "Call the provider API with a valid token",
	}
	apiCmd.PersistentFlags().IntVar(&accountID, "account", 0, "Account id (default account when 0)")

	getCmd := &cobra.Command{
		Use:   "get <path>",
		Short: "Send an authenticated GET request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAPI(cmd, app, accountID, func(c *upstream.Client) (*upstream.Response, error) {
				return c.Get(cmd.Context(), args[0])
			})
		},
	}

	var data string
	postCmd := &cobra.Command{
		Use:   "post <path>",
		Short: "Send an authenticated POST request with a JSON body",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !json.Valid([]byte(data)) {
				return errors.New("--data must be valid JSON")
			}
			return runAPI(cmd, app, accountID, func(c *upstream.Client) (*upstream.Response, error) {
				return c.Post(cmd.Context(), args[0], []byte(data))
			})
		},
	}
	postCmd.Flags().StringVarP(&data, "data", "d", "{}", "JSON request body")

	apiCmd.AddCommand(getCmd, postCmd)
	return apiCmd
}

func runAPI(cmd *cobra.Command, app *App, accountID int, call func(*upstream.Client) (*upstream.Response, error)) error {
	if accountID < 0 {
		return fmt.Errorf("invalid account id %d", accountID)
	}
	if err := app.open(false); err != nil {
		return err
	}
	tok, err := app.manager.GetValidAccessToken(cmd.Context(), token.ByID(accountID))
	if err != nil {
		return err
	}

	client := app.newClient(tok.Server)
	client.SetBearerToken(tok.AccessToken)
	resp, err := call(client)
	if resp != nil {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "HTTP %d\n", resp.Status)
		if len(resp.Body) > 0 {
			fmt.Fprintln(out, string(resp.Body))
		}
	}
	return err
}

func NewAPIKeyCommand(app *App) *cobra.Command {
	var regenerate bool
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Print or rotate the admin API key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.open(false); err != nil {
				return err
			}
			var (
				key string
				err error
			)
			if regenerate {
				key, err = db.RegenerateAPIKey(app.gdb)
			} else {
				key, err = db.EnsureAPIKey(app.gdb)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	}
	cmd.Flags().BoolVar(&regenerate, "regenerate", false, "Replace the key with a new one")
	return cmd
}

func NewVersionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
		},
	}
	// Needs neither config nor database.
	cmd.PersistentPreRun = func(*cobra.Command, []string) {}
	cmd.PersistentPostRun = func(*cobra.Command, []string) {}
	return cmd
}
