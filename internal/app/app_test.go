package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/florianilch/turnstile-appcheck/appcheck"
	"github.com/florianilch/turnstile-appcheck/internal/tokenstore"
)

// memoryStore is an in-memory TokenStore.
type memoryStore struct {
	record   tokenstore.Record
	has      bool
	readErr  error
	writeErr error
	reads    int
	writes   int
}

func (m *memoryStore) Read(context.Context) (tokenstore.Record, error) {
	m.reads++
	if m.readErr != nil {
		return tokenstore.Record{}, m.readErr
	}
	if !m.has {
		return tokenstore.Record{}, tokenstore.ErrNotFound
	}
	return m.record, nil
}

func (m *memoryStore) Write(_ context.Context, r tokenstore.Record) error {
	m.writes++
	if m.writeErr != nil {
		return m.writeErr
	}
	m.record = r
	m.has = true
	return nil
}

// countingSource issues a fresh app check style token per call.
type countingSource struct {
	calls  int
	expiry time.Time
	err    error
}

func (c *countingSource) Token() (*oauth2.Token, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	token := &oauth2.Token{
		AccessToken: fmt.Sprintf("fresh-%d", c.calls),
		TokenType:   appcheck.TokenType,
		Expiry:      c.expiry,
	}
	return token.WithExtra(map[string]any{appcheck.ExtraExpireTimeMillis: int64(42)}), nil
}

func TestPersistentTokenSourceUsesValidStoredToken(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store := &memoryStore{
		has: true,
		record: tokenstore.Record{
			Token:            "stored",
			ExpireTimeMillis: 7,
			CachedUntil:      now.Add(10 * time.Minute),
		},
	}
	source := &countingSource{expiry: now.Add(time.Hour)}

	p, err := NewPersistentTokenSource(source, store)
	if err != nil {
		t.Fatalf("NewPersistentTokenSource() error = %v", err)
	}
	p.now = func() time.Time { return now }

	for range 2 {
		token, err := p.Token()
		if err != nil {
			t.Fatalf("Token() error = %v", err)
		}
		if token.AccessToken != "stored" || !token.Expiry.Equal(now.Add(10*time.Minute)) {
			t.Errorf("Token() = %+v, want stored token", token)
		}
		if got, _ := token.Extra(appcheck.ExtraExpireTimeMillis).(int64); got != 7 {
			t.Errorf("expireTimeMillis extra = %v, want 7", got)
		}
	}

	if source.calls != 0 {
		t.Errorf("source called %d times, want 0", source.calls)
	}
	if store.reads != 1 {
		t.Errorf("store read %d times, want 1", store.reads)
	}
}

func TestPersistentTokenSourceRefreshesExpiredToken(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store := &memoryStore{
		has:    true,
		record: tokenstore.Record{Token: "stale", CachedUntil: now},
	}
	source := &countingSource{expiry: now.Add(time.Hour)}

	p, err := NewPersistentTokenSource(source, store)
	if err != nil {
		t.Fatalf("NewPersistentTokenSource() error = %v", err)
	}
	p.now = func() time.Time { return now }

	token, err := p.Token()
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if token.AccessToken != "fresh-1" {
		t.Errorf("Token() = %q, want fresh-1", token.AccessToken)
	}
	if store.writes != 1 {
		t.Fatalf("store written %d times, want 1", store.writes)
	}
	if store.record.Token != "fresh-1" || store.record.ExpireTimeMillis != 42 || !store.record.CachedUntil.Equal(now.Add(time.Hour)) {
		t.Errorf("stored record = %+v", store.record)
	}
}

func TestPersistentTokenSourceSkipsUnchangedWrite(t *testing.T) {
	store := &memoryStore{}
	source := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "same", Expiry: time.Now().Add(time.Hour)})

	p, err := NewPersistentTokenSource(source, store)
	if err != nil {
		t.Fatalf("NewPersistentTokenSource() error = %v", err)
	}

	for range 3 {
		if _, err := p.Token(); err != nil {
			t.Fatalf("Token() error = %v", err)
		}
	}
	if store.writes != 1 {
		t.Errorf("store written %d times, want 1", store.writes)
	}
}

func TestPersistentTokenSourceToleratesStoreFailures(t *testing.T) {
	store := &memoryStore{
		readErr:  errors.New("corrupted"),
		writeErr: errors.New("disk full"),
	}
	source := &countingSource{expiry: time.Now().Add(time.Hour)}

	p, err := NewPersistentTokenSource(source, store)
	if err != nil {
		t.Fatalf("NewPersistentTokenSource() error = %v", err)
	}

	token, err := p.Token()
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if token.AccessToken != "fresh-1" {
		t.Errorf("Token() = %q", token.AccessToken)
	}
}

func TestPersistentTokenSourcePropagatesSourceError(t *testing.T) {
	p, err := NewPersistentTokenSource(&countingSource{err: appcheck.ErrInvalidChallengeToken}, &memoryStore{})
	if err != nil {
		t.Fatalf("NewPersistentTokenSource() error = %v", err)
	}

	if _, err := p.Token(); !errors.Is(err, appcheck.ErrInvalidChallengeToken) {
		t.Errorf("Token() error = %v, want ErrInvalidChallengeToken", err)
	}
}

func TestNewPersistentTokenSourceValidation(t *testing.T) {
	if _, err := NewPersistentTokenSource(nil, &memoryStore{}); err == nil {
		t.Error("nil source: error = nil, want error")
	}
	if _, err := NewPersistentTokenSource(&countingSource{}, nil); err == nil {
		t.Error("nil store: error = nil, want error")
	}
}

func newExchangeEndpoint(t *testing.T, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()

	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)

	return server, &requests
}

func tokenConfig(t *testing.T, url string, storage CacheStorageType) *Config {
	t.Helper()

	cfg := &Config{
		Exchange:  ExchangeConfig{URL: url, SiteKey: "1x00000000000000000000AA"},
		Challenge: ChallengeConfig{Response: "XXXX.DUMMY.TOKEN.XXXX"},
		Cache:     CacheConfig{Storage: storage},
	}
	if storage == CacheStorageFile {
		cfg.Cache.File = filepath.Join(t.TempDir(), "token.json")
	}
	if err := cfg.ApplyDefaults(); err != nil {
		t.Fatalf("ApplyDefaults() error = %v", err)
	}
	return cfg
}

func TestFetchToken(t *testing.T) {
	server, requests := newExchangeEndpoint(t, `{"token":"cli-token","expireTimeMillis":1700000000000}`)
	cfg := tokenConfig(t, server.URL, CacheStorageNone)

	before := time.Now()
	result, err := FetchToken(context.Background(), cfg)
	if err != nil {
		t.Fatalf("FetchToken() error = %v", err)
	}

	if result.Token.Token != "cli-token" || result.Token.ExpireTimeMillis != 1700000000000 {
		t.Errorf("token = %+v", result.Token)
	}
	if result.CachedUntil.Before(before.Add(time.Hour)) {
		t.Errorf("CachedUntil = %v, want at least one hour after %v", result.CachedUntil, before)
	}
	if n := requests.Load(); n != 1 {
		t.Errorf("got %d exchange requests, want 1", n)
	}
}

func TestFetchTokenReusesFileCache(t *testing.T) {
	server, requests := newExchangeEndpoint(t, `{"token":"cached-token","expireTimeMillis":0}`)
	cfg := tokenConfig(t, server.URL, CacheStorageFile)

	for range 2 {
		result, err := FetchToken(context.Background(), cfg)
		if err != nil {
			t.Fatalf("FetchToken() error = %v", err)
		}
		if result.Token.Token != "cached-token" {
			t.Errorf("token = %+v", result.Token)
		}
	}

	if n := requests.Load(); n != 1 {
		t.Errorf("got %d exchange requests, want 1", n)
	}
}

func TestFetchTokenEmptyToken(t *testing.T) {
	server, _ := newExchangeEndpoint(t, `{"token":"","expireTimeMillis":0}`)
	cfg := tokenConfig(t, server.URL, CacheStorageNone)

	if _, err := FetchToken(context.Background(), cfg); !errors.Is(err, appcheck.ErrInvalidChallengeToken) {
		t.Errorf("FetchToken() error = %v, want ErrInvalidChallengeToken", err)
	}
}

func TestFetchTokenRequiresResponse(t *testing.T) {
	cfg := tokenConfig(t, "https://example.com/exchange", CacheStorageNone)
	cfg.Challenge.Response = ""

	if _, err := FetchToken(context.Background(), cfg); err == nil {
		t.Error("FetchToken() error = nil, want error")
	}
}

func serveConfig(t *testing.T) *Config {
	t.Helper()

	cfg := &Config{
		Exchange: ExchangeConfig{URL: "https://example.com/exchange", SiteKey: "1x00000000000000000000AA"},
		Cache:    CacheConfig{Storage: CacheStorageNone},
		Server:   ServerConfig{AssetsDir: t.TempDir()},
	}
	if err := cfg.ApplyDefaults(); err != nil {
		t.Fatalf("ApplyDefaults() error = %v", err)
	}
	// Any free port
	cfg.Server.Port = 0
	return cfg
}

func TestNewRequiresAssetsDir(t *testing.T) {
	cfg := serveConfig(t)
	cfg.Server.AssetsDir = ""

	if _, err := New(cfg); err == nil {
		t.Error("New() error = nil, want error")
	}
}

func TestAppStartAndShutdown(t *testing.T) {
	a, err := New(serveConfig(t))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- a.Start(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for a.server.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("dev server did not start listening")
		}
		time.Sleep(10 * time.Millisecond)
	}

	client := &http.Client{
		Timeout:   5 * time.Second,
		Transport: &http.Transport{DisableKeepAlives: true},
	}
	healthURL := "http://" + a.server.Addr().String() + "/healthz"

	resp, err := client.Get(healthURL)
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /healthz status = %d, want 200", resp.StatusCode)
	}

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start() did not return after cancellation")
	}

	if resp, err := client.Get(healthURL); err == nil {
		_ = resp.Body.Close()
		t.Error("dev server still serving after shutdown")
	}
}

func TestAppStartFailsOnBusyAddress(t *testing.T) {
	first, err := New(serveConfig(t))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- first.Start(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for first.server.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("dev server did not start listening")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cfg := serveConfig(t)
	cfg.Server.Port = uint16(first.server.Addr().(*net.TCPAddr).Port)
	second, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := second.Start(context.Background()); err == nil {
		t.Error("Start() on busy address error = nil, want error")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("first Start() error = %v", err)
	}
}
