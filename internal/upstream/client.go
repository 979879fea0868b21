package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pysugar/oauth2-credentials/internal/credential"
	"github.com/pysugar/oauth2-credentials/internal/util"
	"github.com/pysugar/oauth2-credentials/internal/version"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

const (
	// UserInfoPath is the provider's OpenID user-info endpoint
	UserInfoPath = "/connect/userinfo"
	// TokenPath is the provider's token endpoint
	TokenPath = "/connect/token"

	// DefaultTimeout bounds every call made through the client
	DefaultTimeout = 30 * time.Second

	maxBodyBytes = 1 << 20
)

// Client talks to one OAuth2 provider: bearer-authenticated API calls and
// the refresh-token exchange.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger

	mu    sync.RWMutex
	token string
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a client for the provider at baseURL
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
		logger:     log.Logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetBearerToken sets the access token presented on authenticated calls.
func (c *Client) SetBearerToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) bearerToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// authorized wraps the HTTP client so every request carries the bearer token.
func (c *Client) authorized() (*http.Client, error) {
	token := c.bearerToken()
	if token == "" {
		return nil, credential.Errorf(credential.KindIncompleteCredential, "no bearer token set")
	}
	base := c.httpClient.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	return &http.Client{
		Timeout: c.httpClient.Timeout,
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}),
			Base:   base,
		},
	}, nil
}

// GetUserInfo fetches the user-info document for the current bearer token.
// Missing fields are left empty.
func (c *Client) GetUserInfo(ctx context.Context) (*credential.UserInfo, error) {
	body, err := c.getAuthorized(ctx, UserInfoPath)
	if err != nil {
		return nil, err
	}

	var info credential.UserInfo
	if len(bytes.TrimSpace(body)) == 0 {
		return &info, nil
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, credential.Wrap(credential.KindParseError, err, "decode user info")
	}
	return &info, nil
}

// TestToken checks the bearer token against the user-info endpoint. Only the
// status code matters; the body is discarded.
func (c *Client) TestToken(ctx context.Context) error {
	_, err := c.getAuthorized(ctx, UserInfoPath)
	return err
}

func (c *Client) getAuthorized(ctx context.Context, path string) ([]byte, error) {
	hc, err := c.authorized()
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, credential.Wrap(credential.KindValidationFailed, err, "build request")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent())

	resp, err := hc.Do(req)
	if err != nil {
		return nil, classifyTransportErr(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, classifyTransportErr(err)
	}
	if err := statusErr(resp.StatusCode, body); err != nil {
		c.logger.Debug().Int("status", resp.StatusCode).Str("path", path).
			Str("body", util.TruncateBytes(body)).Msg("❌ Authenticated request rejected")
		return nil, err
	}
	return body, nil
}

// Response is the raw result of a generic API call.
type Response struct {
	Status int
	Body   []byte
}

// Get issues an authenticated GET against endpoint, relative to the base URL.
func (c *Client) Get(ctx context.Context, endpoint string) (*Response, error) {
	return c.send(ctx, http.MethodGet, endpoint, nil)
}

// Post issues an authenticated POST with a JSON body.
func (c *Client) Post(ctx context.Context, endpoint string, payload []byte) (*Response, error) {
	return c.send(ctx, http.MethodPost, endpoint, payload)
}

func (c *Client) send(ctx context.Context, method, endpoint string, payload []byte) (*Response, error) {
	hc, err := c.authorized()
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reqBody)
	if err != nil {
		return nil, credential.Wrap(credential.KindValidationFailed, err, "build request")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent())
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := hc.Do(req)
	if err != nil {
		return nil, classifyTransportErr(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, classifyTransportErr(err)
	}
	c.logger.Debug().Str("method", method).Str("endpoint", endpoint).Int("status", resp.StatusCode).Msg("API call")
	return &Response{Status: resp.StatusCode, Body: body}, statusErr(resp.StatusCode, body)
}

// RefreshToken exchanges the refresh token for a new access token.
// expires_in falls back to 0 when the provider omits it or sends garbage.
func (c *Client) RefreshToken(ctx context.Context, accessToken, refreshToken, clientID string) (*credential.RefreshedFields, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"access_token":  {accessToken},
		"refresh_token": {refreshToken},
		"client_id":     {clientID},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+TokenPath, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, credential.Wrap(credential.KindValidationFailed, err, "build refresh request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportErr(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, classifyTransportErr(err)
	}
	if err := statusErr(resp.StatusCode, body); err != nil {
		c.logger.Warn().Int("status", resp.StatusCode).Str("body", util.TruncateBytes(body)).
			Msg("❌ Refresh token exchange failed")
		return nil, err
	}

	fields, err := parseRefreshResponse(body)
	if err != nil {
		return nil, err
	}
	c.logger.Debug().Int("expires_in", fields.ExpiresIn).Bool("rotated", fields.RefreshToken != "").
		Msg("✅ Refresh token exchange succeeded")
	return fields, nil
}

func parseRefreshResponse(body []byte) (*credential.RefreshedFields, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, credential.Wrap(credential.KindParseError, err, "decode token response")
	}
	accessToken, _ := raw["access_token"].(string)
	if accessToken == "" {
		return nil, credential.Errorf(credential.KindParseError, "token response has no access_token")
	}
	refreshToken, _ := raw["refresh_token"].(string)

	return &credential.RefreshedFields{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    parseExpiresIn(raw["expires_in"]),
	}, nil
}

func parseExpiresIn(v any) int {
	var s string
	switch t := v.(type) {
	case json.Number:
		s = t.String()
	case string:
		s = strings.TrimSpace(t)
	default:
		return 0
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f > 0 {
		return int(f)
	}
	return 0
}

// oauthError is the RFC 6749 error body.
type oauthError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

func statusErr(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	detail := http.StatusText(status)
	var oerr oauthError
	if json.Unmarshal(body, &oerr) == nil && oerr.Error != "" {
		detail = oerr.Error
		if oerr.ErrorDescription != "" {
			detail += ": " + oerr.ErrorDescription
		}
	}
	kind := credential.KindServerError
	if status == http.StatusUnauthorized {
		kind = credential.KindUnauthorized
	}
	return &credential.Error{Kind: kind, Status: status, Detail: detail}
}

func classifyTransportErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return credential.Wrap(credential.KindTimeout, err, "request timed out")
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return credential.Wrap(credential.KindTimeout, err, "request timed out")
	}
	if errors.Is(err, context.Canceled) {
		return credential.Wrap(credential.KindValidationFailed, err, "request canceled")
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) || errors.As(err, &netErr) {
		return credential.Wrap(credential.KindNetworkError, err, "")
	}
	return credential.Wrap(credential.KindValidationFailed, err, "")
}

func userAgent() string {
	return fmt.Sprintf("oauth2cred/%s", version.Version)
}
