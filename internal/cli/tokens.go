package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/pysugar/oauth2-credentials/internal/auth/token"
	"github.com/pysugar/oauth2-credentials/internal/credential"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func NewStatusCommand(app *App) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status [account-id]",
		Short: "Check token status locally and online",
		Long: `Check the access token of one account, or of every account of the provider
when no id is given. The local estimate comes from the issue timestamp and
expires_in; the online check calls the provider's user-info endpoint.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := accountArg(args)
			if err != nil {
				return err
			}
			if err := app.open(false); err != nil {
				return err
			}
			if id != 0 {
				return runStatusOne(cmd, app, id, asJSON)
			}
			return runStatusAll(cmd, app, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")
	return cmd
}

func runStatusOne(cmd *cobra.Command, app *App, id int, asJSON bool) error {
	report, err := app.manager.CheckStatus(cmd.Context(), token.ByID(id))
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(cmd.OutOrStdout(), report)
	}
	printReport(cmd.OutOrStdout(), report)
	return nil
}

func runStatusAll(cmd *cobra.Command, app *App, asJSON bool) error {
	ctx := cmd.Context()
	accounts, err := app.store.ListAccounts(ctx, app.cfg.Provider)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(accounts) == 0 && !asJSON {
		fmt.Fprintf(out, "No %s accounts found\n", app.cfg.Provider)
		return nil
	}

	reports := make([]*token.StatusReport, 0, len(accounts))
	for _, acc := range accounts {
		if !acc.Enabled {
			if !asJSON {
				fmt.Fprintf(out, "⏸️ Account %d (%s): disabled\n", acc.ID, acc.DisplayName)
			}
			continue
		}
		report, err := app.manager.CheckStatus(ctx, token.ByID(acc.ID))
		if err != nil {
			if !asJSON {
				fmt.Fprintf(out, "❌ Account %d (%s): %v\n", acc.ID, acc.DisplayName, err)
			}
			continue
		}
		reports = append(reports, report)
		if !asJSON {
			printReport(out, report)
		}
	}
	if asJSON {
		return printJSON(out, reports)
	}
	return nil
}

func printReport(w io.Writer, r *token.StatusReport) {
	mark := "✅"
	if !r.Status.Serviceable() {
		mark = "❌"
	}
	fmt.Fprintf(w, "%s Account %d (%s): %s\n", mark, r.Credential.AccountID, r.Credential.DisplayName, r.Status.Reason)
	fmt.Fprintf(w, "   local expiry: %s\n", expirationText(r.Expiration))
}

func NewTestCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "test [account-id]",
		Short: "Check the access token online only",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := accountArg(args)
			if err != nil {
				return err
			}
			if err := app.open(false); err != nil {
				return err
			}
			cred, err := app.store.GetCredential(cmd.Context(), id, app.cfg.Provider)
			if err != nil {
				return err
			}
			if !cred.IsValid() {
				return credential.Errorf(credential.KindIncompleteCredential, "account %d has no access token or server", cred.AccountID)
			}

			status := app.manager.Resolver().Probe(cmd.Context(), cred)
			if !status.IsValid {
				return &credential.Error{Kind: status.Kind, Detail: fmt.Sprintf("account %d: %s", cred.AccountID, status.Reason)}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✅ Account %d: %s\n", cred.AccountID, status.Reason)
			return nil
		},
	}
}

func NewUserInfoCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "userinfo [account-id]",
		Short: "Fetch the user-info document with a valid token",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := accountArg(args)
			if err != nil {
				return err
			}
			if err := app.open(false); err != nil {
				return err
			}
			info, err := app.manager.UserInfo(cmd.Context(), token.ByID(id))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), info)
		},
	}
}

func NewTokenCommand(app *App) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "token [account-id]",
		Short: "Print a valid access token, refreshing it when needed",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := accountArg(args)
			if err != nil {
				return err
			}
			if err := app.open(false); err != nil {
				return err
			}
			tok, err := app.manager.GetValidAccessToken(cmd.Context(), token.ByID(id))
			if err != nil {
				return err
			}
			if tok.Refreshed {
				log.Info().Int("account_id", tok.AccountID).Msg("🔄 Token was refreshed")
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), tok)
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok.AccessToken)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print token details as JSON")
	return cmd
}

func NewRefreshCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh [account-id]",
		Short: "Refresh the access token regardless of its status",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := accountArg(args)
			if err != nil {
				return err
			}
			if err := app.open(false); err != nil {
				return err
			}
			tok, err := app.manager.ForceRefresh(cmd.Context(), token.ByID(id))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "✅ Refreshed account %d: %s\n", tok.AccountID, token.MaskToken(tok.AccessToken))
			if tok.ExpiresAt != nil {
				fmt.Fprintf(out, "   expires at %s\n", tok.ExpiresAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}
