package token

import (
	"context"
	"time"

	"golang.org/x/oauth2"
)

// unknownExpiryReuse is how long a token without a known expiry is reused
// before the manager is asked again.
const unknownExpiryReuse = time.Minute

type managerSource struct {
	ctx context.Context
	m   *Manager
	sel Selector
}

func (s *managerSource) Token() (*oauth2.Token, error) {
	vt, err := s.m.GetValidAccessToken(s.ctx, s.sel)
	if err != nil {
		return nil, err
	}
	tok := &oauth2.Token{AccessToken: vt.AccessToken, TokenType: "Bearer"}
	if vt.ExpiresAt != nil {
		tok.Expiry = *vt.ExpiresAt
	} else {
		tok.Expiry = s.m.now().Add(unknownExpiryReuse)
	}
	return tok, nil
}

// TokenSource adapts the manager to oauth2.TokenSource, so
// oauth2.NewClient(ctx, m.TokenSource(ctx, sel)) yields an HTTP client that
// always presents a valid token of the selected account.
func (m *Manager) TokenSource(ctx context.Context, sel Selector) oauth2.TokenSource {
	return oauth2.ReuseTokenSource(nil, &managerSource{ctx: ctx, m: m, sel: sel})
}
