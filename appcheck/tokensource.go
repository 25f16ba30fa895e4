package appcheck

import (
	"context"

	"golang.org/x/oauth2"
)

// TokenType is the oauth2 token type reported by TokenSource.
const TokenType = "AppCheck"

// ExtraExpireTimeMillis is the oauth2.Token extra key holding the server supplied expiry.
const ExtraExpireTimeMillis = "expireTimeMillis"

// tokenSource adapts a Provider to oauth2.TokenSource.
type tokenSource struct {
	ctx      context.Context
	provider *Provider
}

// Compile-time check to ensure tokenSource implements oauth2.TokenSource
var _ oauth2.TokenSource = (*tokenSource)(nil)

// TokenSource returns an oauth2.TokenSource backed by the provider.
// The oauth2 token expires at the provider's local cache expiry.
// oauth2.TokenSource has no context parameter, so ctx is used for every call.
func (p *Provider) TokenSource(ctx context.Context) oauth2.TokenSource {
	if ctx == nil {
		ctx = context.Background()
	}
	return &tokenSource{ctx: ctx, provider: p}
}

// Token implements oauth2.TokenSource.
func (s *tokenSource) Token() (*oauth2.Token, error) {
	c, err := s.provider.exchange(s.ctx, true)
	if err != nil {
		return nil, err
	}

	token := &oauth2.Token{
		AccessToken: c.token.Token,
		TokenType:   TokenType,
		Expiry:      c.expiry,
	}
	return token.WithExtra(map[string]any{
		ExtraExpireTimeMillis: c.token.ExpireTimeMillis,
	}), nil
}
