// Package api assembles the admin HTTP server.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/pysugar/oauth2-credentials/internal/api/handlers"
	"github.com/pysugar/oauth2-credentials/internal/api/middleware"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Deps are the services the API is built on.
type Deps struct {
	DB            *gorm.DB
	Store         handlers.AccountStore
	Tokens        handlers.TokenService
	Events        handlers.EventLog
	AdminPassword string
}

// NewRouter wires every route.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.AccessLog)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", handlers.HealthHandler())

	provider := d.Tokens.Provider()
	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.AdminAuth(d.DB, d.AdminPassword))

		r.Get("/accounts", handlers.AccountsHandler(d.Store, provider))
		r.Get("/accounts/{id}/status", handlers.AccountStatusHandler(d.Tokens))
		r.Post("/accounts/{id}/refresh", handlers.RefreshAccountHandler(d.Tokens))
		r.Get("/accounts/{id}/token", handlers.AccountTokenHandler(d.Tokens))
		r.Get("/accounts/{id}/userinfo", handlers.UserInfoHandler(d.Tokens))
		r.Post("/accounts/{id}/enable", handlers.SetEnabledHandler(d.Store, true))
		r.Post("/accounts/{id}/disable", handlers.SetEnabledHandler(d.Store, false))
		r.Delete("/accounts/{id}", handlers.DeleteAccountHandler(d.Store, d.Events))

		r.Get("/token", handlers.DefaultTokenHandler(d.Tokens))
		r.Get("/stats", handlers.StatsHandler(d.Store, d.Events, provider))
		r.Get("/events", handlers.EventsHandler(d.Events))
	})

	return r
}

// Serve runs the API on addr until ctx is cancelled, then shuts down
// gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("🚀 Admin API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	log.Info().Msg("🛑 Shutting down admin API")
	return srv.Shutdown(shutdownCtx)
}
