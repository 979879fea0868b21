package cli

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pysugar/oauth2-credentials/internal/auth/token"
	"github.com/pysugar/oauth2-credentials/internal/credential"
	"github.com/spf13/cobra"
)

func NewListCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List accounts of the provider",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd, app)
		},
	}
}

func runList(cmd *cobra.Command, app *App) error {
	if err := app.open(false); err != nil {
		return err
	}
	accounts, err := app.store.ListAccounts(cmd.Context(), app.cfg.Provider)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(accounts) == 0 {
		fmt.Fprintf(out, "No %s accounts found\n", app.cfg.Provider)
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tENABLED\tTOKEN ISSUED")
	for _, acc := range accounts {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", acc.ID, acc.DisplayName, yesNo(acc.Enabled), relativeTime(acc.TokenCreatedAt))
	}
	return w.Flush()
}

// credentialView is the masked form of a credential shown by `show`.
type credentialView struct {
	AccountID   int                         `json:"account_id"`
	DisplayName string                      `json:"display_name,omitempty"`
	Server      string                      `json:"server,omitempty"`
	ClientID    string                      `json:"client_id,omitempty"`
	Username    string                      `json:"username,omitempty"`
	AccessToken string                      `json:"access_token,omitempty"`
	HasRefresh  bool                        `json:"has_refresh_token"`
	ExpiresIn   int                         `json:"expires_in"`
	Expiration  credential.ExpirationStatus `json:"expiration"`
	JWT         *token.JWTClaims            `json:"jwt,omitempty"`
	Incomplete  bool                        `json:"incomplete,omitempty"`
}

func NewShowCommand(app *App) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show [account-id]",
		Short: "Show an account's credential with tokens masked",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := accountArg(args)
			if err != nil {
				return err
			}
			return runShow(cmd, app, id, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")
	return cmd
}

func runShow(cmd *cobra.Command, app *App, id int, asJSON bool) error {
	if err := app.open(false); err != nil {
		return err
	}
	ctx := cmd.Context()
	cred, err := app.store.GetCredential(ctx, id, app.cfg.Provider)
	if err != nil {
		return err
	}

	view := credentialView{
		AccountID:   cred.AccountID,
		DisplayName: cred.DisplayName,
		Server:      cred.Server,
		ClientID:    cred.ClientID,
		Username:    cred.Username,
		AccessToken: token.MaskToken(cred.AccessToken),
		HasRefresh:  cred.HasRefreshToken(),
		ExpiresIn:   cred.ExpiresIn,
		Expiration:  app.manager.Resolver().Estimate(ctx, cred),
		Incomplete:  !cred.IsValid(),
	}
	if claims, err := token.InspectJWT(cred.AccessToken); err == nil {
		view.JWT = claims
	}

	out := cmd.OutOrStdout()
	if asJSON {
		return printJSON(out, view)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Account:\t%d\t%s\n", view.AccountID, view.DisplayName)
	fmt.Fprintf(w, "Server:\t%s\n", orDash(view.Server))
	fmt.Fprintf(w, "Client ID:\t%s\n", orDash(view.ClientID))
	fmt.Fprintf(w, "Username:\t%s\n", orDash(view.Username))
	fmt.Fprintf(w, "Access token:\t%s\n", orDash(view.AccessToken))
	fmt.Fprintf(w, "Refresh token:\t%s\n", yesNo(view.HasRefresh))
	fmt.Fprintf(w, "Expires in:\t%s\n", expiresInText(view.ExpiresIn))
	fmt.Fprintf(w, "Local expiry:\t%s\n", expirationText(view.Expiration))
	if view.JWT != nil && view.JWT.ExpiresAt != nil {
		fmt.Fprintf(w, "JWT exp:\t%s (%s)\n", view.JWT.ExpiresAt.Format(time.RFC3339), humanize.Time(*view.JWT.ExpiresAt))
	}
	if view.Incomplete {
		fmt.Fprintln(w, "⚠️ Credential is incomplete:\tan access token and a server are required")
	}
	return w.Flush()
}

func NewCreateCommand(app *App) *cobra.Command {
	var (
		name string
		cred credential.Credential
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an account with a credential",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.open(true); err != nil {
				return err
			}
			id, err := app.store.CreateAccount(cmd.Context(), name, &cred, app.cfg.Provider)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✅ Created account %d (%s)\n", id, name)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&name, "name", "", "Display name")
	flags.StringVar(&cred.Server, "server", "", "Provider base URL")
	flags.StringVar(&cred.ClientID, "client-id", "", "OAuth2 client id")
	flags.StringVar(&cred.AccessToken, "access-token", "", "Access token")
	flags.StringVar(&cred.RefreshToken, "refresh-token", "", "Refresh token")
	flags.StringVar(&cred.Username, "username", "", "Username")
	flags.IntVar(&cred.ExpiresIn, "expires-in", 0, "Access token lifetime in seconds (0 = unknown)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("server")
	return cmd
}

// updateFlags maps update flags onto credential setting keys.
var updateFlags = []struct {
	flag string
	key  string
}{
	{"server", credential.KeyServer},
	{"client-id", credential.KeyClientID},
	{"access-token", credential.KeyAccessToken},
	{"refresh-token", credential.KeyRefreshToken},
	{"username", credential.KeyUsername},
}

func NewUpdateCommand(app *App) *cobra.Command {
	var (
		name      string
		values    = map[string]*string{}
		expiresIn int
	)
	cmd := &cobra.Command{
		Use:   "update <account-id>",
		Short: "Update fields of an account",
		Long: `Update the display name and credential fields of an account. All changes
are applied together; if any value is rejected nothing is written.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := accountArg(args)
			if err != nil {
				return err
			}
			flags := cmd.Flags()

			fields := map[string]string{}
			for _, f := range updateFlags {
				if flags.Changed(f.flag) {
					fields[f.key] = *values[f.flag]
				}
			}
			if flags.Changed("expires-in") {
				if expiresIn < 0 {
					return errors.New("--expires-in must not be negative")
				}
				fields[credential.KeyExpiresIn] = strconv.Itoa(expiresIn)
			}
			var newName *string
			if flags.Changed("name") {
				newName = &name
			}
			if newName == nil && len(fields) == 0 {
				return errors.New("nothing to update, pass at least one field flag")
			}

			if err := app.open(false); err != nil {
				return err
			}
			if err := app.store.UpdateFields(cmd.Context(), id, newName, fields); err != nil {
				return err
			}
			changed := len(fields)
			if newName != nil {
				changed++
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✅ Updated %d field(s) of account %d\n", changed, id)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&name, "name", "", "Display name")
	for _, f := range updateFlags {
		values[f.flag] = flags.String(f.flag, "", "New "+strings.ReplaceAll(f.key, "_", " "))
	}
	flags.IntVar(&expiresIn, "expires-in", 0, "Access token lifetime in seconds")
	return cmd
}

func NewDeleteCommand(app *App) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "delete <account-id>",
		Short: "Delete an account and its credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := accountArg(args)
			if err != nil {
				return err
			}
			if !yes && !confirm(cmd.InOrStdin(), cmd.OutOrStdout(), fmt.Sprintf("Delete account %d?", id)) {
				fmt.Fprintln(cmd.OutOrStdout(), "Aborted")
				return nil
			}
			if err := app.open(false); err != nil {
				return err
			}
			if err := app.store.DeleteAccount(cmd.Context(), id); err != nil {
				return err
			}
			if err := app.events.Forget(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "🗑️ Deleted account %d\n", id)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")
	return cmd
}

func NewEnableCommand(app *App, enabled bool) *cobra.Command {
	use, short := "enable", "Enable an account"
	if !enabled {
		use, short = "disable", "Disable an account"
	}
	return &cobra.Command{
		Use:   use + " <account-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := accountArg(args)
			if err != nil {
				return err
			}
			if err := app.open(false); err != nil {
				return err
			}
			if err := app.store.SetEnabled(cmd.Context(), id, enabled); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✅ Account %d %sd\n", id, use)
			return nil
		},
	}
}

func confirm(in io.Reader, out io.Writer, question string) bool {
	fmt.Fprintf(out, "%s [y/N]: ", question)
	answer, _ := bufio.NewReader(in).ReadString('\n')
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func relativeTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return humanize.Time(*t)
}

func expiresInText(seconds int) string {
	if seconds <= 0 {
		return "unknown"
	}
	d := time.Duration(seconds) * time.Second
	return fmt.Sprintf("%ds (%s)", seconds, token.FormatRemaining(&d))
}

func expirationText(exp credential.ExpirationStatus) string {
	if !exp.HasExpiration {
		return "unknown"
	}
	at := exp.ExpiresAt.Format(time.RFC3339)
	if exp.IsExpired {
		return "expired at " + at
	}
	remaining := exp.RemainingTime
	return fmt.Sprintf("%s (%s left)", at, token.FormatRemaining(&remaining))
}
