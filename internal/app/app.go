package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"github.com/florianilch/turnstile-appcheck/appcheck"
	"github.com/florianilch/turnstile-appcheck/internal/devserver"
	"github.com/florianilch/turnstile-appcheck/internal/headless"
)

// App orchestrates the lifecycle of the dev server.
type App struct {
	cfg    *Config
	server *devserver.Server
}

// New creates a new App instance.
func New(cfg *Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.ValidateForServe(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	server, err := devserver.New(devserver.Options{
		AssetsDir:   cfg.Server.AssetsDir,
		ExchangeURL: cfg.Exchange.URL,
		SiteKey:     cfg.Exchange.SiteKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create dev server: %w", err)
	}

	return &App{
		cfg:    cfg,
		server: server,
	}, nil
}

// Start starts all services and blocks until shutdown is triggered.
// Uses errgroup for runtime error monitoring and shutdown function collection for coordinated cleanup.
func (a *App) Start(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	address := a.cfg.Server.Host + ":" + strconv.FormatUint(uint64(a.cfg.Server.Port), 10)
	var shutdownFuncs []func(context.Context) error

	slog.InfoContext(gCtx, "starting dev server", "address", address)
	serverErrCh, err := a.server.Start(gCtx, address)
	if err != nil {
		return fmt.Errorf("dev server startup failed: %w", err)
	}
	shutdownFuncs = append(shutdownFuncs, a.server.Shutdown)

	// Monitor runtime errors - errgroup cancels context on first error
	g.Go(func() error {
		select {
		case err := <-serverErrCh:
			if err != nil {
				slog.ErrorContext(gCtx, "dev server runtime error", "error", err)
				return fmt.Errorf("dev server: %w", err)
			}
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	slog.InfoContext(gCtx, "application ready", "url", "http://"+a.server.Addr().String()+"/")

	runtimeErr := g.Wait()

	slog.InfoContext(gCtx, "shutting down services")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Shutdown.Timeout)
	defer cancel()

	var errs []error
	if runtimeErr != nil {
		errs = append(errs, fmt.Errorf("runtime: %w", runtimeErr))
	}

	for i := len(shutdownFuncs) - 1; i >= 0; i-- {
		if err := shutdownFuncs[i](shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "service shutdown failed", "error", err)
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	slog.Info("application stopped")
	return nil
}

// FetchResult is a token obtained by FetchToken.
type FetchResult struct {
	Token       *appcheck.Token
	CachedUntil time.Time
}

// FetchToken exchanges the configured challenge response for a token without a browser.
// With cache storage configured, a token stored by an earlier run is reused until its
// local expiry.
func FetchToken(ctx context.Context, cfg *Config) (*FetchResult, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.ValidateForToken(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	doc, err := headless.NewDocument(cfg.Challenge.Response, slog.Default())
	if err != nil {
		return nil, fmt.Errorf("failed to create headless document: %w", err)
	}

	provider, err := appcheck.New(doc, cfg.ProviderConfig(),
		appcheck.WithHTTPClient(&http.Client{Timeout: cfg.Exchange.Timeout}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider: %w", err)
	}
	defer func() { _ = provider.Close() }()

	source, err := newTokenSource(ctx, cfg.Cache, provider)
	if err != nil {
		return nil, err
	}

	token, err := source.Token()
	if err != nil {
		return nil, err
	}

	record := tokenRecord(token)
	return &FetchResult{
		Token: &appcheck.Token{
			Token:            record.Token,
			ExpireTimeMillis: record.ExpireTimeMillis,
		},
		CachedUntil: record.CachedUntil,
	}, nil
}

// newTokenSource wraps the provider with persistence when cache storage is configured.
func newTokenSource(ctx context.Context, cfg CacheConfig, provider *appcheck.Provider) (oauth2.TokenSource, error) {
	store, err := cfg.NewTokenStore()
	if err != nil {
		return nil, fmt.Errorf("failed to create token store: %w", err)
	}

	source := provider.TokenSource(ctx)
	if store == nil {
		return source, nil
	}

	return NewPersistentTokenSource(source, store)
}
