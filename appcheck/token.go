package appcheck

import (
	"errors"
	"time"
)

var (
	// ErrInvalidChallengeToken is returned when the exchange endpoint answers with an empty token.
	ErrInvalidChallengeToken = errors.New("appcheck: invalid turnstile token")

	// ErrMalformedResponse is returned when the exchange response body is not a JSON token.
	ErrMalformedResponse = errors.New("appcheck: malformed exchange response")

	// ErrProviderClosed is returned to callers still waiting when the provider is closed.
	ErrProviderClosed = errors.New("appcheck: provider closed")
)

// Token is an application-integrity token issued by the exchange endpoint.
// A Token is never mutated; a later exchange replaces it.
type Token struct {
	Token            string `json:"token"`
	ExpireTimeMillis int64  `json:"expireTimeMillis"`
}

// ExpireTime returns the server supplied expiry. It is informational only,
// the provider caches tokens for TokenTTL regardless of this value.
func (t *Token) ExpireTime() time.Time {
	if t == nil || t.ExpireTimeMillis == 0 {
		return time.Time{}
	}
	return time.UnixMilli(t.ExpireTimeMillis)
}

// exchangeRequest is the body POSTed to the exchange endpoint.
// Field order is part of the wire format.
type exchangeRequest struct {
	TurnstileToken string `json:"turnstileToken"`
	LimitedUse     bool   `json:"limitedUse"`
}
