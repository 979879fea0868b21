// Package handlers serves the credential admin API.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/pysugar/oauth2-credentials/internal/auth/token"
	"github.com/pysugar/oauth2-credentials/internal/credential"
	"github.com/pysugar/oauth2-credentials/internal/db/models"
	"github.com/pysugar/oauth2-credentials/internal/logging"
)

// AccountStore is the account administration the API exposes.
type AccountStore interface {
	ListAccounts(ctx context.Context, provider string) ([]credential.AccountSummary, error)
	SetEnabled(ctx context.Context, accountID int, enabled bool) error
	DeleteAccount(ctx context.Context, accountID int) error
	Stats(ctx context.Context, provider string) (*credential.Stats, error)
}

// TokenService hands out and inspects tokens.
type TokenService interface {
	Provider() string
	GetValidAccessToken(ctx context.Context, sel token.Selector) (*token.ValidToken, error)
	ForceRefresh(ctx context.Context, sel token.Selector) (*token.ValidToken, error)
	CheckStatus(ctx context.Context, sel token.Selector) (*token.StatusReport, error)
	UserInfo(ctx context.Context, sel token.Selector) (*credential.UserInfo, error)
}

// EventLog is the token event history.
type EventLog interface {
	Events(ctx context.Context, accountID, limit int) []models.TokenEvent
	Stats() models.TokenEventStats
	Forget(ctx context.Context, accountID int) error
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a credential error kind onto an HTTP status.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := credential.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case credential.KindNotFound:
		status = http.StatusNotFound
	case credential.KindIncompleteCredential:
		status = http.StatusUnprocessableEntity
	case credential.KindStoreUnavailable:
		status = http.StatusServiceUnavailable
	case credential.KindTimeout:
		status = http.StatusGatewayTimeout
	case credential.KindUnauthorized, credential.KindLocallyExpired, credential.KindServerError,
		credential.KindNetworkError, credential.KindParseError:
		status = http.StatusBadGateway
	}

	logger := logging.FromContext(r.Context())
	logger.Warn().Err(err).Str("path", r.URL.Path).Int("status", status).Msg("❌ API request failed")

	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": err.Error(),
			"kind":    kind,
		},
	})
}

func accountID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || id <= 0 {
		http.Error(w, "Invalid account ID", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// HealthHandler reports liveness.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
