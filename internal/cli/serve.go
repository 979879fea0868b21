package cli

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pysugar/oauth2-credentials/internal/api"
	"github.com/pysugar/oauth2-credentials/internal/auth/token"
	"github.com/pysugar/oauth2-credentials/internal/db"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func NewServeCommand(app *App) *cobra.Command {
	var (
		listen          string
		refreshInterval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the admin HTTP API",
		Long: `Serve the admin API on --listen. Requests under /api must carry the admin
API key (see "oauth2cred apikey") or the admin password. With --refresh-interval
the tokens of every enabled account are refreshed in the background.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			if flags.Changed("listen") {
				app.cfg.Listen = listen
			}
			if flags.Changed("refresh-interval") {
				app.cfg.RefreshInterval = refreshInterval
			}
			return runServe(cmd, app)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&listen, "listen", "", "Listen address (default from config, 127.0.0.1:8086)")
	flags.DurationVar(&refreshInterval, "refresh-interval", 0, "Background refresh interval (0 disables)")
	flags.BoolVar(&app.jsonLogs, "log-json", false, "Write JSON log lines instead of console output")
	return cmd
}

func runServe(cmd *cobra.Command, app *App) error {
	if err := app.open(false); err != nil {
		return err
	}

	key, err := db.EnsureAPIKey(app.gdb)
	if err != nil {
		return err
	}
	log.Info().Str("api_key", token.MaskToken(key)).Msg("🔑 Admin API key loaded, print it with `oauth2cred apikey`")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if app.cfg.RefreshInterval > 0 {
		app.manager.StartRefreshLoop(ctx, app.cfg.RefreshInterval)
	}

	handler := api.NewRouter(api.Deps{
		DB:            app.gdb,
		Store:         app.store,
		Tokens:        app.manager,
		Events:        app.events,
		AdminPassword: app.cfg.AdminPassword,
	})
	return api.Serve(ctx, app.cfg.Listen, handler)
}
