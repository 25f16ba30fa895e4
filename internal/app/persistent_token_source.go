package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/oauth2"

	"github.com/florianilch/turnstile-appcheck/appcheck"
	"github.com/florianilch/turnstile-appcheck/internal/tokenstore"
)

// PersistentTokenSource wraps an oauth2.TokenSource with token persistence, so a token
// exchanged by one process is served to the next until its local expiry.
// The store is read lazily on the first Token call.
type PersistentTokenSource struct {
	source     oauth2.TokenSource
	tokenStore tokenstore.TokenStore
	now        func() time.Time

	stored func() (tokenstore.Record, bool)

	lastToken atomic.Pointer[string]
	writeMu   sync.Mutex
}

// Compile-time check to ensure PersistentTokenSource implements oauth2.TokenSource
var _ oauth2.TokenSource = (*PersistentTokenSource)(nil)

// NewPersistentTokenSource creates a PersistentTokenSource.
// No I/O is performed until the first Token call.
func NewPersistentTokenSource(source oauth2.TokenSource, tokenStore tokenstore.TokenStore) (*PersistentTokenSource, error) {
	if source == nil {
		return nil, fmt.Errorf("missing token source")
	}
	if tokenStore == nil {
		return nil, fmt.Errorf("missing token store")
	}

	p := &PersistentTokenSource{
		source:     source,
		tokenStore: tokenStore,
		now:        time.Now,
	}

	p.stored = sync.OnceValues(p.readStored)

	return p, nil
}

// readStored performs the one-time read of the persisted record.
// A missing or unreadable record is not fatal; the next exchange replaces it.
func (p *PersistentTokenSource) readStored() (tokenstore.Record, bool) {
	// oauth2.TokenSource.Token() has no context parameter
	ctx := context.Background()

	record, err := p.tokenStore.Read(ctx)
	if errors.Is(err, tokenstore.ErrNotFound) {
		return tokenstore.Record{}, false
	}
	if err != nil {
		slog.WarnContext(ctx, "ignoring unreadable stored token", "error", err)
		return tokenstore.Record{}, false
	}

	token := record.Token
	p.lastToken.Store(&token)

	return record, true
}

// Token returns the stored token while it is valid, otherwise a token from the wrapped
// source, persisting it when it changed.
func (p *PersistentTokenSource) Token() (*oauth2.Token, error) {
	if record, ok := p.stored(); ok && record.Valid(p.now()) {
		slog.Debug("using stored app check token", "cached_until", record.CachedUntil.Format(time.RFC3339))
		return recordToken(record), nil
	}

	freshToken, err := p.source.Token()
	if err != nil {
		return nil, fmt.Errorf("getting token from token source: %w", err)
	}

	lastPtr := p.lastToken.Load()
	last := ""
	if lastPtr != nil {
		last = *lastPtr
	}

	if freshToken.AccessToken != "" && freshToken.AccessToken != last {
		p.writeMu.Lock()
		ctx := context.Background()
		if err := p.tokenStore.Write(ctx, tokenRecord(freshToken)); err != nil {
			// The token is still usable, the next run just exchanges again
			slog.ErrorContext(ctx, "failed to persist app check token", "error", err)
		} else {
			newToken := freshToken.AccessToken
			p.lastToken.Store(&newToken)
		}
		p.writeMu.Unlock()
	}

	return freshToken, nil
}

// recordToken converts a stored record into the oauth2 form produced by appcheck.
func recordToken(r tokenstore.Record) *oauth2.Token {
	token := &oauth2.Token{
		AccessToken: r.Token,
		TokenType:   appcheck.TokenType,
		Expiry:      r.CachedUntil,
	}
	return token.WithExtra(map[string]any{
		appcheck.ExtraExpireTimeMillis: r.ExpireTimeMillis,
	})
}

// tokenRecord converts an oauth2 token from appcheck into a record.
func tokenRecord(t *oauth2.Token) tokenstore.Record {
	expireTimeMillis, _ := t.Extra(appcheck.ExtraExpireTimeMillis).(int64)
	return tokenstore.Record{
		Token:            t.AccessToken,
		ExpireTimeMillis: expireTimeMillis,
		CachedUntil:      t.Expiry,
	}
}
