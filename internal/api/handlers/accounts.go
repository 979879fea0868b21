package handlers

import (
	"net/http"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/pysugar/oauth2-credentials/internal/auth/token"
	"github.com/pysugar/oauth2-credentials/internal/logging"
)

// AccountsHandler lists the provider's accounts
func AccountsHandler(store AccountStore, provider string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accounts, err := store.ListAccounts(r.Context(), provider)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"provider": provider,
			"accounts": accounts,
		})
	}
}

// AccountStatusHandler reports the local and online status of an account
func AccountStatusHandler(tokens TokenService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := accountID(w, r)
		if !ok {
			return
		}
		report, err := tokens.CheckStatus(r.Context(), token.ByID(id))
		if err != nil {
			writeError(w, r, err)
			return
		}

		var remaining *string
		if report.Status.RemainingTime != nil {
			s := token.FormatRemaining(report.Status.RemainingTime)
			remaining = &s
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"account_id":  id,
			"server":      report.Credential.Server,
			"has_refresh": report.Credential.HasRefreshToken(),
			"expiration":  report.Expiration,
			"status":      report.Status,
			"remaining":   remaining,
		})
	}
}

// RefreshAccountHandler forces a refresh of an account's token
func RefreshAccountHandler(tokens TokenService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := accountID(w, r)
		if !ok {
			return
		}
		tok, err := tokens.ForceRefresh(r.Context(), token.ByID(id))
		if err != nil {
			writeError(w, r, err)
			return
		}
		logger := logging.FromContext(r.Context())
		logger.Info().Int("account_id", id).Msg("✅ Token refreshed via API")
		writeJSON(w, http.StatusOK, map[string]any{
			"status":     "ok",
			"account_id": tok.AccountID,
			"expires_at": tok.ExpiresAt,
		})
	}
}

// AccountTokenHandler returns a valid access token of an account
func AccountTokenHandler(tokens TokenService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := accountID(w, r)
		if !ok {
			return
		}
		serveToken(w, r, tokens, token.ByID(id))
	}
}

// DefaultTokenHandler returns a valid access token of the default account
func DefaultTokenHandler(tokens TokenService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		serveToken(w, r, tokens, token.Default())
	}
}

func serveToken(w http.ResponseWriter, r *http.Request, tokens TokenService, sel token.Selector) {
	tok, err := tokens.GetValidAccessToken(r.Context(), sel)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, tok)
}

// UserInfoHandler fetches the provider's user-info for an account
func UserInfoHandler(tokens TokenService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := accountID(w, r)
		if !ok {
			return
		}
		info, err := tokens.UserInfo(r.Context(), token.ByID(id))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, info)
	}
}

// SetEnabledHandler enables or disables an account
func SetEnabledHandler(store AccountStore, enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := accountID(w, r)
		if !ok {
			return
		}
		if err := store.SetEnabled(r.Context(), id, enabled); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":     "ok",
			"account_id": id,
			"enabled":    enabled,
		})
	}
}

// DeleteAccountHandler removes an account and its event history
func DeleteAccountHandler(store AccountStore, events EventLog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := accountID(w, r)
		if !ok {
			return
		}
		if err := store.DeleteAccount(r.Context(), id); err != nil {
			writeError(w, r, err)
			return
		}
		logger := logging.FromContext(r.Context())
		if err := events.Forget(r.Context(), id); err != nil {
			logger.Warn().Err(err).Int("account_id", id).Msg("⚠️ Failed to drop event history")
		}
		logger.Info().Int("account_id", id).Msg("🗑️ Account deleted via API")
		w.WriteHeader(http.StatusNoContent)
	}
}

// StatsHandler summarises accounts and token events
func StatsHandler(store AccountStore, events EventLog, provider string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := store.Stats(r.Context(), provider)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"provider":      provider,
			"accounts":      stats,
			"database_size": humanize.Bytes(uint64(stats.DatabaseSize)),
			"events":        events.Stats(),
		})
	}
}

// EventsHandler lists token events, newest first
func EventsHandler(events EventLog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		accountID, _ := strconv.Atoi(query.Get("account_id"))
		limit, _ := strconv.Atoi(query.Get("limit"))
		if limit <= 0 || limit > 1000 {
			limit = 100
		}
		list := events.Events(r.Context(), accountID, limit)
		writeJSON(w, http.StatusOK, map[string]any{
			"events": list,
			"count":  len(list),
		})
	}
}
