package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/pysugar/oauth2-credentials/internal/config"
	"github.com/pysugar/oauth2-credentials/internal/credential"
	"github.com/pysugar/oauth2-credentials/internal/upstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider accepts the tokens in valid and hands out A2/R2 on refresh.
type fakeProvider struct {
	mu        sync.Mutex
	valid     map[string]bool
	refreshes int
	srv       *httptest.Server
}

func newFakeProvider(t *testing.T, valid ...string) *fakeProvider {
	t.Helper()
	p := &fakeProvider{valid: map[string]bool{}}
	for _, v := range valid {
		p.valid[v] = true
	}

	p.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		defer p.mu.Unlock()

		if r.URL.Path == upstream.TokenPath {
			p.refreshes++
			p.valid["A2"] = true
			w.Header().Set("Content-Type", "application/json")
			io.WriteString(w, `{"access_token":"A2","refresh_token":"R2","expires_in":3600}`)
			return
		}

		bearer := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !p.valid[bearer] {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case upstream.UserInfoPath:
			io.WriteString(w, `{"sub":"42","preferred_username":"alice"}`)
		default:
			body, _ := io.ReadAll(r.Body)
			io.WriteString(w, r.Method+" "+r.URL.Path+" "+string(body))
		}
	}))
	t.Cleanup(p.srv.Close)
	return p
}

func (p *fakeProvider) refreshCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refreshes
}

// isolate points config resolution at an empty home and returns a fresh
// database path.
func isolate(t *testing.T) string {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	for _, env := range []string{
		config.EnvConfigFile, config.EnvDBPath, config.EnvProvider, config.EnvProbeTimeout,
		config.EnvAPITimeout, config.EnvListen, config.EnvAdminPassword, config.EnvRefreshInterval,
	} {
		t.Setenv(env, "")
	}
	t.Setenv(config.EnvLogLevel, "disabled")
	return filepath.Join(t.TempDir(), "accounts.db")
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := run(t, "", args...)
	require.NoError(t, err, "oauth2cred %s", strings.Join(args, " "))
	return out
}

func createAccount(t *testing.T, dbPath, server, name, accessToken string) {
	t.Helper()
	out := mustRun(t, "--db", dbPath, "create",
		"--name", name, "--server", server,
		"--client-id", "cli", "--access-token", accessToken, "--refresh-token", "R1",
		"--expires-in", "3600")
	require.Contains(t, out, "Created account")
}

func TestCreateListShow(t *testing.T) {
	dbPath := isolate(t)
	p := newFakeProvider(t, "A1")
	createAccount(t, dbPath, p.srv.URL, "alice", "A1")

	out := mustRun(t, "--db", dbPath, "list")
	assert.Contains(t, out, "alice")
	assert.Contains(t, out, "yes")

	out = mustRun(t, "--db", dbPath, "show", "1", "--json")
	var view credentialView
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	assert.Equal(t, 1, view.AccountID)
	assert.Equal(t, "**", view.AccessToken)
	assert.True(t, view.HasRefresh)
	assert.True(t, view.Expiration.HasExpiration)
	assert.False(t, view.Expiration.IsExpired)
	assert.False(t, view.Incomplete)

	out = mustRun(t, "--db", dbPath, "show")
	assert.Contains(t, out, p.srv.URL)
	assert.NotContains(t, out, "A1")
}

func TestListMissingDatabase(t *testing.T) {
	dbPath := isolate(t)
	_, err := run(t, "", "--db", dbPath, "list")
	require.Error(t, err)
	assert.True(t, credential.IsKind(err, credential.KindStoreUnavailable))
}

func TestTokenRefreshesRejectedToken(t *testing.T) {
	dbPath := isolate(t)
	p := newFakeProvider(t)
	createAccount(t, dbPath, p.srv.URL, "alice", "stale")

	out := mustRun(t, "--db", dbPath, "token")
	assert.Equal(t, "A2\n", out)
	assert.Equal(t, 1, p.refreshCount())

	out = mustRun(t, "--db", dbPath, "token", "1")
	assert.Equal(t, "A2\n", out)
	assert.Equal(t, 1, p.refreshCount(), "a valid token must not be refreshed again")

	out = mustRun(t, "--db", dbPath, "history", "1")
	assert.Contains(t, out, "refresh")
	assert.Contains(t, out, "probe")
	assert.Contains(t, out, "unauthorized")
}

func TestRefreshAndUserInfo(t *testing.T) {
	dbPath := isolate(t)
	p := newFakeProvider(t, "A1")
	createAccount(t, dbPath, p.srv.URL, "alice", "A1")

	out := mustRun(t, "--db", dbPath, "refresh", "1")
	assert.Contains(t, out, "Refreshed account 1")
	assert.Equal(t, 1, p.refreshCount())

	out = mustRun(t, "--db", dbPath, "userinfo")
	var info credential.UserInfo
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, "42", info.Sub)
	assert.Equal(t, "alice", info.PreferredUsername)
}

func TestStatusAllAccounts(t *testing.T) {
	dbPath := isolate(t)
	p := newFakeProvider(t, "A1")
	createAccount(t, dbPath, p.srv.URL, "alice", "A1")
	createAccount(t, dbPath, p.srv.URL, "bob", "B1")
	mustRun(t, "--db", dbPath, "disable", "2")

	out := mustRun(t, "--db", dbPath, "status")
	assert.Contains(t, out, "Account 1 (alice): token valid")
	assert.Contains(t, out, "Account 2 (bob): disabled")
	assert.Equal(t, 0, p.refreshCount(), "status never refreshes")
}

func TestTestCommandReportsRejection(t *testing.T) {
	dbPath := isolate(t)
	p := newFakeProvider(t)
	createAccount(t, dbPath, p.srv.URL, "alice", "A1")

	_, err := run(t, "", "--db", dbPath, "test", "1")
	require.Error(t, err)
	assert.True(t, credential.IsKind(err, credential.KindUnauthorized))
	assert.Equal(t, 0, p.refreshCount())
}

func TestUpdate(t *testing.T) {
	dbPath := isolate(t)
	p := newFakeProvider(t, "A9")
	createAccount(t, dbPath, p.srv.URL, "alice", "A1")

	_, err := run(t, "", "--db", dbPath, "update", "1")
	require.Error(t, err)

	out := mustRun(t, "--db", dbPath, "update", "1", "--name", "alice2", "--access-token", "A9", "--expires-in", "60")
	assert.Contains(t, out, "Updated 3 field(s)")

	out = mustRun(t, "--db", dbPath, "token", "1")
	assert.Equal(t, "A9\n", out)
	assert.Contains(t, mustRun(t, "--db", dbPath, "list"), "alice2")
}

func TestUpdateRejectedChangesNothing(t *testing.T) {
	dbPath := isolate(t)
	p := newFakeProvider(t, "A1")
	createAccount(t, dbPath, p.srv.URL, "alice", "A1")

	_, err := run(t, "", "--db", dbPath, "update", "1", "--name", "mallory", "--access-token", "NEWTOKEN", "--expires-in", "-5")
	require.Error(t, err)

	out := mustRun(t, "--db", dbPath, "show", "1", "--json")
	var view credentialView
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	assert.Equal(t, "alice", view.DisplayName)
	assert.Equal(t, 3600, view.ExpiresIn)
	assert.Equal(t, "A1\n", mustRun(t, "--db", dbPath, "token", "1"))
	assert.Equal(t, 0, p.refreshCount())
}

func TestDeleteAsksForConfirmation(t *testing.T) {
	dbPath := isolate(t)
	p := newFakeProvider(t)
	createAccount(t, dbPath, p.srv.URL, "alice", "A1")

	out, err := run(t, "n\n", "--db", dbPath, "delete", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "Aborted")
	assert.Contains(t, mustRun(t, "--db", dbPath, "list"), "alice")

	out, err = run(t, "yes\n", "--db", dbPath, "delete", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted account 1")
	assert.Contains(t, mustRun(t, "--db", dbPath, "list"), "No "+credential.DefaultProvider+" accounts found")
}

func TestHistoryClear(t *testing.T) {
	dbPath := isolate(t)
	p := newFakeProvider(t)
	createAccount(t, dbPath, p.srv.URL, "alice", "stale")
	mustRun(t, "--db", dbPath, "token")

	_, err := run(t, "", "--db", dbPath, "history", "1", "--clear")
	require.Error(t, err)
	assert.Contains(t, mustRun(t, "--db", dbPath, "history"), "refresh")

	out := mustRun(t, "--db", dbPath, "history", "--clear")
	assert.Contains(t, out, "Cleared token event history")
	assert.Contains(t, mustRun(t, "--db", dbPath, "history"), "No token events recorded")
	assert.Contains(t, mustRun(t, "--db", dbPath, "stats"), "0 (0 ok, 0 failed)")
}

func TestAPIPassthrough(t *testing.T) {
	dbPath := isolate(t)
	p := newFakeProvider(t, "A1")
	createAccount(t, dbPath, p.srv.URL, "alice", "A1")

	out := mustRun(t, "--db", dbPath, "api", "get", "/api/items")
	assert.Contains(t, out, "HTTP 200")
	assert.Contains(t, out, "GET /api/items")

	out = mustRun(t, "--db", dbPath, "api", "post", "/api/items", "--data", `{"a":1}`)
	assert.Contains(t, out, `POST /api/items {"a":1}`)

	_, err := run(t, "", "--db", dbPath, "api", "post", "/api/items", "--data", "{nope")
	assert.Error(t, err)
}

func TestStatsAndAPIKey(t *testing.T) {
	dbPath := isolate(t)
	p := newFakeProvider(t, "A1")
	createAccount(t, dbPath, p.srv.URL, "alice", "A1")

	out := mustRun(t, "--db", dbPath, "stats")
	assert.Contains(t, out, "1 total")
	assert.Contains(t, out, dbPath)

	key := strings.TrimSpace(mustRun(t, "--db", dbPath, "apikey"))
	assert.True(t, strings.HasPrefix(key, "sk-"))
	assert.Len(t, key, 35)
	assert.Equal(t, key, strings.TrimSpace(mustRun(t, "--db", dbPath, "apikey")))

	rotated := strings.TrimSpace(mustRun(t, "--db", dbPath, "apikey", "--regenerate"))
	assert.NotEqual(t, key, rotated)
}

func TestVersionNeedsNoDatabase(t *testing.T) {
	isolate(t)
	t.Setenv(config.EnvProbeTimeout, "not-a-duration")
	out := mustRun(t, "version")
	assert.True(t, strings.HasPrefix(out, "oauth2cred "))
}

func TestAccountArg(t *testing.T) {
	id, err := accountArg(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, id)

	id, err = accountArg([]string{"12"})
	require.NoError(t, err)
	assert.Equal(t, 12, id)

	for _, bad := range []string{"0", "-3", "abc"} {
		_, err := accountArg([]string{bad})
		assert.Error(t, err, bad)
	}
}
