// Package credential holds the account credential record and the derived
// token state shared by the store, the API client and the token manager.
package credential

import (
	"strconv"
	"time"
)

// Setting keys persisted per account.
const (
	KeyAccessToken    = "access_token"
	KeyRefreshToken   = "refresh_token"
	KeyServer         = "server"
	KeyClientID       = "client_id"
	KeyUsername       = "username"
	KeyExpiresIn      = "expires_in"
	KeyTokenCreatedAt = "token_created_at"
)

// DefaultProvider is the provider name used when none is configured.
const DefaultProvider = "gzweibo-oauth2"

// Credential is the OAuth2 credential set of one account.
type Credential struct {
	AccountID    int    `json:"account_id"`
	DisplayName  string `json:"display_name,omitempty"`
	Server       string `json:"server,omitempty"`
	ClientID     string `json:"client_id,omitempty"`
	Username     string `json:"username,omitempty"`
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int    `json:"expires_in"` // seconds, 0 = unknown
}

// IsValid reports whether the credential is minimally usable.
func (c *Credential) IsValid() bool {
	return c != nil && c.AccessToken != "" && c.Server != ""
}

// HasRefreshToken reports whether a refresh exchange can be attempted.
func (c *Credential) HasRefreshToken() bool {
	return c != nil && c.RefreshToken != ""
}

// Settings flattens the credential into its persisted key/value form.
// Empty values are omitted.
func (c *Credential) Settings() map[string]string {
	settings := make(map[string]string, 6)
	put := func(key, value string) {
		if value != "" {
			settings[key] = value
		}
	}
	put(KeyAccessToken, c.AccessToken)
	put(KeyRefreshToken, c.RefreshToken)
	put(KeyServer, c.Server)
	put(KeyClientID, c.ClientID)
	put(KeyUsername, c.Username)
	if c.ExpiresIn > 0 {
		settings[KeyExpiresIn] = strconv.Itoa(c.ExpiresIn)
	}
	return settings
}

// WithRefresh builds the replacement credential after a successful refresh.
// Identity fields carry over; the refresh token is kept when the provider
// did not rotate it.
func (c *Credential) WithRefresh(r *RefreshedFields) *Credential {
	next := &Credential{
		AccountID:    c.AccountID,
		DisplayName:  c.DisplayName,
		Server:       c.Server,
		ClientID:     c.ClientID,
		Username:     c.Username,
		AccessToken:  r.AccessToken,
		RefreshToken: c.RefreshToken,
		ExpiresIn:    r.ExpiresIn,
	}
	if r.RefreshToken != "" {
		next.RefreshToken = r.RefreshToken
	}
	return next
}

// AccountSummary is one row of the account listing.
type AccountSummary struct {
	ID             int        `json:"id"`
	DisplayName    string     `json:"display_name"`
	Provider       string     `json:"provider"`
	Enabled        bool       `json:"enabled"`
	TokenCreatedAt *time.Time `json:"token_created_at,omitempty"`
}

// RefreshedFields is what a refresh exchange returns.
type RefreshedFields struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int    `json:"expires_in"`
}

// UserInfo is the provider's user-info document. Every field is optional.
type UserInfo struct {
	Sub               string `json:"sub,omitempty"`
	Name              string `json:"name,omitempty"`
	Email             string `json:"email,omitempty"`
	PreferredUsername string `json:"preferred_username,omitempty"`
	Picture           string `json:"picture,omitempty"`
	GivenName         string `json:"given_name,omitempty"`
	FamilyName        string `json:"family_name,omitempty"`
}

// ExpirationStatus is the local, timestamp-based expiry estimate.
type ExpirationStatus struct {
	HasExpiration bool          `json:"has_expiration"`
	CreatedAt     *time.Time    `json:"created_at,omitempty"`
	ExpiresAt     *time.Time    `json:"expires_at,omitempty"`
	IsExpired     bool          `json:"is_expired"`
	RemainingTime time.Duration `json:"remaining_time"`
}

// TokenStatus is the resolved verdict on an access token.
type TokenStatus struct {
	IsValid       bool           `json:"is_valid"`
	IsExpired     bool           `json:"is_expired"`
	Reason        string         `json:"reason"`
	Kind          Kind           `json:"kind"`
	ExpiresAt     *time.Time     `json:"expires_at,omitempty"`
	RemainingTime *time.Duration `json:"remaining_time,omitempty"`
}

// Serviceable reports whether the token can be used as-is.
func (s TokenStatus) Serviceable() bool {
	return s.IsValid && !s.IsExpired
}

// Stats summarises the store contents.
type Stats struct {
	TotalAccounts    int64  `json:"total_accounts"`
	ProviderAccounts int64  `json:"provider_accounts"`
	EnabledAccounts  int64  `json:"enabled_accounts"`
	DatabaseSize     int64  `json:"database_size_bytes"`
	DatabasePath     string `json:"database_path"`
}
