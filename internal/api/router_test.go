package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pysugar/oauth2-credentials/internal/auth/token"
	"github.com/pysugar/oauth2-credentials/internal/credential"
	"github.com/pysugar/oauth2-credentials/internal/db"
	"github.com/pysugar/oauth2-credentials/internal/db/models"
	"github.com/pysugar/oauth2-credentials/internal/monitor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fakeTokens struct {
	provider string
	tokens   map[int]*token.ValidToken
	err      error
	refreshs int
}

func (f *fakeTokens) Provider() string { return f.provider }

func (f *fakeTokens) GetValidAccessToken(_ context.Context, sel token.Selector) (*token.ValidToken, error) {
	if f.err != nil {
		return nil, f.err
	}
	id := sel.AccountID
	if id == 0 {
		id = 1
	}
	tok, ok := f.tokens[id]
	if !ok {
		return nil, credential.Errorf(credential.KindNotFound, "account %d", id)
	}
	return tok, nil
}

func (f *fakeTokens) ForceRefresh(ctx context.Context, sel token.Selector) (*token.ValidToken, error) {
	f.refreshs++
	return f.GetValidAccessToken(ctx, sel)
}

func (f *fakeTokens) CheckStatus(_ context.Context, sel token.Selector) (*token.StatusReport, error) {
	remaining := 30 * time.Minute
	return &token.StatusReport{
		Credential: &credential.Credential{AccountID: sel.AccountID, Server: "https://auth.example.com", RefreshToken: "R"},
		Status:     credential.TokenStatus{IsValid: true, Reason: "token valid", RemainingTime: &remaining},
	}, nil
}

func (f *fakeTokens) UserInfo(context.Context, token.Selector) (*credential.UserInfo, error) {
	return &credential.UserInfo{Sub: "42", Name: "Alice"}, nil
}

type testEnv struct {
	gdb     *gorm.DB
	store   *db.CredentialStore
	events  *monitor.TokenMonitor
	tokens  *fakeTokens
	handler http.Handler
}

func newTestEnv(t *testing.T, adminPassword string) *testEnv {
	t.Helper()
	path := filepath.Join(t.TempDir(), "accounts.db")
	gdb, err := db.InitDB(db.Options{Path: path, Create: true})
	require.NoError(t, err)

	env := &testEnv{
		gdb:    gdb,
		store:  db.NewCredentialStore(gdb, db.WithPath(path)),
		events: monitor.NewTokenMonitor(gdb),
		tokens: &fakeTokens{
			provider: credential.DefaultProvider,
			tokens:   map[int]*token.ValidToken{1: {AccountID: 1, AccessToken: "A1", Server: "https://auth.example.com"}},
		},
	}
	env.handler = NewRouter(Deps{
		DB:            gdb,
		Store:         env.store,
		Tokens:        env.tokens,
		Events:        env.events,
		AdminPassword: adminPassword,
	})
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, mutate func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if mutate != nil {
		mutate(req)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, "")
	rec := env.do(t, http.MethodGet, "/healthz", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestRequestIDEchoed(t *testing.T) {
	env := newTestEnv(t, "")
	rec := env.do(t, http.MethodGet, "/healthz", func(r *http.Request) {
		r.Header.Set("X-Request-ID", "abc-123")
	})
	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
}

func TestAdminAuth(t *testing.T) {
	env := newTestEnv(t, "hunter2")
	key, err := db.EnsureAPIKey(env.gdb)
	require.NoError(t, err)

	rec := env.do(t, http.MethodGet, "/api/accounts", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Basic")

	rec = env.do(t, http.MethodGet, "/api/accounts", func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+key)
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/accounts", func(r *http.Request) {
		r.Header.Set("X-API-Key", key)
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/accounts", func(r *http.Request) {
		r.SetBasicAuth("admin", "hunter2")
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/accounts", func(r *http.Request) {
		r.SetBasicAuth("admin", "wrong")
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminAuth_OpenWhenUnconfigured(t *testing.T) {
	env := newTestEnv(t, "")
	rec := env.do(t, http.MethodGet, "/api/accounts", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAccountsLifecycle(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()
	id, err := env.store.CreateAccount(ctx, "Alice", &credential.Credential{AccessToken: "A1", Server: "https://auth.example.com"}, "")
	require.NoError(t, err)
	env.events.Record(ctx, models.TokenEvent{AccountID: id, Operation: monitor.OperationRefresh, Outcome: monitor.OutcomeOK})

	rec := env.do(t, http.MethodGet, "/api/accounts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	accounts := decode(t, rec)["accounts"].([]any)
	require.Len(t, accounts, 1)
	assert.Equal(t, "Alice", accounts[0].(map[string]any)["display_name"])

	rec = env.do(t, http.MethodPost, "/api/accounts/1/disable", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["enabled"])

	rec = env.do(t, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode(t, rec)
	assert.EqualValues(t, 0, stats["accounts"].(map[string]any)["enabled_accounts"])
	assert.EqualValues(t, 1, stats["events"].(map[string]any)["total_events"])

	rec = env.do(t, http.MethodGet, "/api/events?account_id=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode(t, rec)["count"])

	rec = env.do(t, http.MethodDelete, "/api/accounts/1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, env.events.Events(ctx, id, 10))

	rec = env.do(t, http.MethodDelete, "/api/accounts/1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTokenRoutes(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.do(t, http.MethodGet, "/api/token", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "A1", decode(t, rec)["access_token"])
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	rec = env.do(t, http.MethodGet, "/api/accounts/1/token", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/accounts/5/token", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/accounts/abc/token", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/accounts/1/refresh", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, env.tokens.refreshs)

	rec = env.do(t, http.MethodGet, "/api/accounts/1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode(t, rec)
	assert.Equal(t, "30m 0s", status["remaining"])
	assert.Equal(t, true, status["has_refresh"])

	rec = env.do(t, http.MethodGet, "/api/accounts/1/userinfo", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Alice", decode(t, rec)["name"])
}

func TestTokenErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{credential.Errorf(credential.KindIncompleteCredential, "x"), http.StatusUnprocessableEntity},
		{&credential.Error{Kind: credential.KindUnauthorized, Status: 401}, http.StatusBadGateway},
		{credential.Errorf(credential.KindTimeout, "x"), http.StatusGatewayTimeout},
		{credential.Errorf(credential.KindStoreUnavailable, "x"), http.StatusServiceUnavailable},
		{credential.Errorf(credential.KindValidationFailed, "x"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		env := newTestEnv(t, "")
		env.tokens.err = tt.err
		rec := env.do(t, http.MethodGet, "/api/token", nil)
		assert.Equal(t, tt.want, rec.Code, tt.err.Error())
		assert.True(t, strings.Contains(rec.Body.String(), credential.KindOf(tt.err).String()))
	}
}
