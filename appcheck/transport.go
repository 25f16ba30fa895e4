package appcheck

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// DefaultHeader carries the token on outgoing requests.
const DefaultHeader = "X-Firebase-AppCheck"

// TokenGetter returns a valid token. *Provider implements it.
type TokenGetter interface {
	Token(ctx context.Context) (*Token, error)
}

// Compile-time check to ensure Provider implements TokenGetter
var _ TokenGetter = (*Provider)(nil)

// Transport is an http.RoundTripper that adds a token header to outgoing requests.
type Transport struct {
	// Base is the underlying transport. If nil, http.DefaultTransport is used.
	Base http.RoundTripper

	// Source provides tokens.
	Source TokenGetter

	// Header names the request header. If empty, DefaultHeader is used.
	Header string
}

// Compile-time check that Transport implements http.RoundTripper.
var _ http.RoundTripper = (*Transport)(nil)

// NewTransport creates a Transport using DefaultHeader.
func NewTransport(source TokenGetter, base http.RoundTripper) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{
		Base:   base,
		Source: source,
		Header: DefaultHeader,
	}
}

// RoundTrip fetches a token with the request context and sets it on a clone of req.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	// RoundTrip must close the request body, including on errors
	if t.Source == nil {
		closeBody(req)
		return nil, errors.New("appcheck: transport has no token source")
	}

	token, err := t.Source.Token(req.Context())
	if err != nil {
		closeBody(req)
		return nil, fmt.Errorf("appcheck: failed to get token: %w", err)
	}

	header := t.Header
	if header == "" {
		header = DefaultHeader
	}

	reqClone := req.Clone(req.Context())
	reqClone.Header.Set(header, token.Token)

	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	return base.RoundTrip(reqClone)
}

func closeBody(req *http.Request) {
	if req.Body != nil {
		_ = req.Body.Close()
	}
}
