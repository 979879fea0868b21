package token

import (
	"context"
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/pysugar/oauth2-credentials/internal/credential"
	"github.com/pysugar/oauth2-credentials/internal/monitor"
	"golang.org/x/sync/singleflight"
)

// Store is the persistence the manager reads credentials from and writes
// refreshed credentials to.
type Store interface {
	TimestampReader
	GetCredential(ctx context.Context, accountID int, provider string) (*credential.Credential, error)
	// ReplaceCredential must persist cred and re-stamp the token timestamp
	// in one transaction.
	ReplaceCredential(ctx context.Context, accountID int, cred *credential.Credential) error
	ListAccounts(ctx context.Context, provider string) ([]credential.AccountSummary, error)
}

// Selector picks the account a call operates on.
type Selector struct {
	AccountID int
}

// ByID selects an explicit account.
func ByID(id int) Selector { return Selector{AccountID: id} }

// Default selects the provider's default account.
func Default() Selector { return Selector{} }

func (s Selector) String() string {
	if s.AccountID == 0 {
		return "default account"
	}
	return "account " + strconv.Itoa(s.AccountID)
}

// ValidToken is an access token the manager considers usable.
type ValidToken struct {
	AccountID   int        `json:"account_id"`
	AccessToken string     `json:"access_token"`
	Server      string     `json:"server"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	Refreshed   bool       `json:"refreshed"`
}

// StatusReport is the full picture of one account's token.
type StatusReport struct {
	Credential *credential.Credential      `json:"credential"`
	Expiration credential.ExpirationStatus `json:"expiration"`
	Status     credential.TokenStatus      `json:"status"`
}

// Manager hands out valid access tokens, refreshing them when needed.
type Manager struct {
	store    Store
	clients  ClientFactory
	resolver *Resolver
	group    singleflight.Group
	options
}

// NewManager creates a manager over store, talking to providers through
// clients built by the factory.
func NewManager(store Store, clients ClientFactory, opts ...Option) *Manager {
	return &Manager{
		store:    store,
		clients:  clients,
		resolver: NewResolver(store, clients, opts...),
		options:  newOptions(opts),
	}
}

// Provider returns the provider whose accounts the manager serves.
func (m *Manager) Provider() string { return m.provider }

// Resolver exposes the status resolver the manager uses.
func (m *Manager) Resolver() *Resolver { return m.resolver }

// GetValidAccessToken returns a usable access token for the selected
// account. A token that passes the local and online checks is returned
// unchanged; otherwise it is refreshed and the replacement persisted. When
// no token can be produced the error is a *credential.Error saying why.
func (m *Manager) GetValidAccessToken(ctx context.Context, sel Selector) (tok *ValidToken, err error) {
	defer m.recoverPanic("get valid access token", sel, &err)

	cred, err := m.loadUsable(ctx, sel)
	if err != nil {
		return nil, err
	}

	status := m.resolver.Resolve(ctx, cred)
	if status.Serviceable() {
		m.logger.Debug().Int("account_id", cred.AccountID).Str("token", MaskToken(cred.AccessToken)).
			Msg("🎫 Using stored token")
		return &ValidToken{
			AccountID:   cred.AccountID,
			AccessToken: cred.AccessToken,
			Server:      cred.Server,
			ExpiresAt:   status.ExpiresAt,
		}, nil
	}

	if !cred.HasRefreshToken() {
		m.logger.Warn().Int("account_id", cred.AccountID).Str("reason", status.Reason).
			Msg("❌ Token unusable and no refresh token available")
		return nil, &credential.Error{
			Kind:   status.Kind,
			Detail: fmt.Sprintf("token unusable (%s) and no refresh token to renew it", status.Reason),
		}
	}

	if status.Kind == credential.KindServerError {
		m.logger.Warn().Int("account_id", cred.AccountID).Str("reason", status.Reason).
			Msg("⚠️ Token could not be confirmed, refreshing anyway")
	} else {
		m.logger.Info().Int("account_id", cred.AccountID).Str("reason", status.Reason).
			Msg("🔄 Token not valid, refreshing")
	}
	return m.refresh(ctx, cred)
}

// ForceRefresh refreshes the selected account's token regardless of its
// current status.
func (m *Manager) ForceRefresh(ctx context.Context, sel Selector) (tok *ValidToken, err error) {
	defer m.recoverPanic("force refresh", sel, &err)

	cred, err := m.loadUsable(ctx, sel)
	if err != nil {
		return nil, err
	}
	if !cred.HasRefreshToken() {
		return nil, credential.Errorf(credential.KindIncompleteCredential, "%s has no refresh token", sel)
	}
	return m.refresh(ctx, cred)
}

// CheckStatus reports the local estimate and the resolved status of the
// selected account without refreshing anything. Incomplete credentials are
// reported, not rejected.
func (m *Manager) CheckStatus(ctx context.Context, sel Selector) (report *StatusReport, err error) {
	defer m.recoverPanic("check status", sel, &err)

	cred, err := m.store.GetCredential(ctx, sel.AccountID, m.provider)
	if err != nil {
		return nil, err
	}

	report = &StatusReport{Credential: cred}
	if cred.IsValid() {
		report.Expiration = m.resolver.Estimate(ctx, cred)
	}
	report.Status = m.resolver.Resolve(ctx, cred)
	return report, nil
}

// UserInfo fetches the user-info document with a valid token of the
// selected account.
func (m *Manager) UserInfo(ctx context.Context, sel Selector) (*credential.UserInfo, error) {
	tok, err := m.GetValidAccessToken(ctx, sel)
	if err != nil {
		return nil, err
	}
	client := m.clients(tok.Server)
	client.SetBearerToken(tok.AccessToken)
	return client.GetUserInfo(ctx)
}

func (m *Manager) loadUsable(ctx context.Context, sel Selector) (*credential.Credential, error) {
	cred, err := m.store.GetCredential(ctx, sel.AccountID, m.provider)
	if err != nil {
		m.logger.Warn().Err(err).Str("selector", sel.String()).Msg("❌ No credential found")
		return nil, err
	}
	if !cred.IsValid() {
		m.logger.Warn().Int("account_id", cred.AccountID).Msg("❌ Credential is missing its access token or server")
		return nil, credential.Errorf(credential.KindIncompleteCredential, "account %d has no access token or server", cred.AccountID)
	}
	return cred, nil
}

// refresh collapses concurrent refreshes of the same account into one
// exchange. The exchange runs detached from the caller that started it,
// bounded by the refresh timeout, so other callers waiting on the same
// flight are not failed by that caller's cancellation.
func (m *Manager) refresh(ctx context.Context, cred *credential.Credential) (*ValidToken, error) {
	v, err, shared := m.group.Do(strconv.Itoa(cred.AccountID), func() (any, error) {
		exchangeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.refreshTimeout)
		defer cancel()
		return m.exchange(exchangeCtx, cred)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		m.logger.Debug().Int("account_id", cred.AccountID).Msg("Joined in-flight refresh")
	}
	tok := *v.(*ValidToken)
	return &tok, nil
}

func (m *Manager) exchange(ctx context.Context, cred *credential.Credential) (*ValidToken, error) {
	client := m.clients(cred.Server)

	start := time.Now()
	fields, err := client.RefreshToken(ctx, cred.AccessToken, cred.RefreshToken, cred.ClientID)
	recordEvent(ctx, m.events, cred.AccountID, monitor.OperationRefresh, start, err)
	if err != nil {
		if isPermanentRefreshError(err) {
			m.logger.Error().Err(err).Int("account_id", cred.AccountID).
				Msg("🔒 Refresh token rejected, re-login required")
		} else {
			m.logger.Warn().Err(err).Int("account_id", cred.AccountID).Msg("❌ Refresh token failed")
		}
		return nil, err
	}

	next := cred.WithRefresh(fields)
	if err := m.store.ReplaceCredential(ctx, cred.AccountID, next); err != nil {
		m.logger.Error().Err(err).Int("account_id", cred.AccountID).Msg("⚠️ Failed to save refreshed token")
		return nil, err
	}
	if fields.RefreshToken != "" && fields.RefreshToken != cred.RefreshToken {
		m.logger.Info().Int("account_id", cred.AccountID).Msg("🔄 Rotated refresh token")
	}

	tok := &ValidToken{
		AccountID:   cred.AccountID,
		AccessToken: next.AccessToken,
		Server:      next.Server,
		Refreshed:   true,
	}
	if next.ExpiresIn > 0 {
		expiresAt := m.now().Add(time.Duration(next.ExpiresIn) * time.Second)
		tok.ExpiresAt = &expiresAt
	}
	m.logger.Info().Int("account_id", cred.AccountID).Str("token", MaskToken(next.AccessToken)).
		Int("expires_in", next.ExpiresIn).Msg("✅ Refreshed token")
	return tok, nil
}

// StartRefreshLoop refreshes due tokens of every enabled account on each
// tick until ctx is done.
func (m *Manager) StartRefreshLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.RefreshDue(ctx)
			}
		}
	}()
	m.logger.Info().Dur("interval", interval).Msg("🔄 Token refresh loop started")
}

// RefreshDue runs GetValidAccessToken for every enabled account, which
// refreshes the ones whose tokens are no longer valid. It returns how many
// accounts ended up with a usable token and how many did not.
func (m *Manager) RefreshDue(ctx context.Context) (ok, failed int) {
	accounts, err := m.store.ListAccounts(ctx, m.provider)
	if err != nil {
		m.logger.Warn().Err(err).Msg("⚠️ Failed to list accounts for refresh")
		return 0, 0
	}

	for _, acc := range accounts {
		if !acc.Enabled {
			continue
		}
		if _, err := m.GetValidAccessToken(ctx, ByID(acc.ID)); err != nil {
			failed++
			continue
		}
		ok++
	}
	m.logger.Debug().Int("ok", ok).Int("failed", failed).Msg("Refresh sweep finished")
	return ok, failed
}

func (m *Manager) recoverPanic(op string, sel Selector, errp *error) {
	if r := recover(); r != nil {
		m.logger.Error().Str("selector", sel.String()).Str("stack", string(debug.Stack())).
			Msgf("💥 Unexpected failure during %s: %v", op, r)
		*errp = credential.Errorf(credential.KindValidationFailed, "unexpected failure during %s: %v", op, r)
	}
}

// MaskToken shortens a token for logs.
func MaskToken(t string) string {
	if len(t) < 20 {
		return strings.Repeat("*", len(t))
	}
	return t[:6] + "..." + t[len(t)-6:]
}

// isPermanentRefreshError reports whether the provider rejected the refresh
// token itself, so retrying will not help.
func isPermanentRefreshError(err error) bool {
	if err == nil {
		return false
	}
	if credential.IsKind(err, credential.KindUnauthorized) {
		return true
	}
	msg := strings.ToLower(err.Error())
	permanentMarkers := []string{
		"invalid_grant",
		"invalid_client",
		"unauthorized_client",
		"revoked",
	}
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
