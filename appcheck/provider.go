package appcheck

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

const (
	// ScriptURL is the Turnstile loader script.
	ScriptURL = "https://challenges.cloudflare.com/turnstile/v0/api.js"

	// ContainerID is the id of the hidden element the widget renders into.
	ContainerID = "turnstile-widget"
	// ContainerClass is the class of the hidden widget element.
	ContainerClass = "cf-turnstile"
	// ContainerStyle hides the widget element.
	ContainerStyle = "display: none;"

	// CallbackPrefix prefixes the global name of the per-provider ready callback.
	CallbackPrefix = "onloadTurnstileCallback"

	// TokenTTL is how long an exchanged token is served from cache.
	TokenTTL = time.Hour

	// DefaultExchangeTimeout bounds a single exchange request.
	DefaultExchangeTimeout = 30 * time.Second
)

const tracerName = "github.com/florianilch/turnstile-appcheck/appcheck"

// Config holds the provider configuration.
type Config struct {
	// TokenExchangeURL receives the POSTed challenge response.
	TokenExchangeURL string `json:"token_exchange_url" validate:"required,url"`
	// SiteKey identifies the widget configuration to Turnstile.
	SiteKey string `json:"site_key" validate:"required"`
}

// Validate checks the configuration using its struct tags.
func (c Config) Validate() error {
	return validator.New().Struct(c)
}

// cachedToken pairs a token with its local expiry.
type cachedToken struct {
	token  *Token
	expiry time.Time
}

// Provider obtains tokens by exchanging Turnstile challenge responses.
// It is safe for concurrent use.
type Provider struct {
	cfg            Config
	httpClient     *http.Client
	now            func() time.Time
	logger         *slog.Logger
	tracerProvider trace.TracerProvider
	tracer         trace.Tracer

	callbackName string

	// ready is closed once the widget has completed its first challenge.
	ready     chan struct{}
	readyOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	onload     func(Widget)
	unregister func()
	widget     Widget
	cached     *cachedToken

	flight singleflight.Group
}

// New creates a Provider and injects the widget container and loader script into doc.
func New(doc Document, cfg Config, opts ...Option) (*Provider, error) {
	if doc == nil {
		return nil, errors.New("appcheck: missing document")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("appcheck: invalid config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	p := &Provider{
		cfg:            cfg,
		httpClient:     &http.Client{Timeout: DefaultExchangeTimeout},
		now:            time.Now,
		logger:         slog.Default(),
		tracerProvider: otel.GetTracerProvider(),
		callbackName:   CallbackPrefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		ready:          make(chan struct{}),
		ctx:            ctx,
		cancel:         cancel,
	}

	for _, opt := range opts {
		opt(p)
	}

	p.tracer = p.tracerProvider.Tracer(tracerName)

	p.mu.Lock()
	p.onload = p.renderWidget
	p.mu.Unlock()

	unregister := doc.RegisterCallback(p.callbackName, p.handleLoad)

	p.mu.Lock()
	if p.onload != nil {
		p.unregister = unregister
	} else if unregister != nil {
		// Already fired during registration.
		defer unregister()
	}
	p.mu.Unlock()

	container := Element{
		Tag:   "div",
		ID:    ContainerID,
		Class: ContainerClass,
		Style: ContainerStyle,
	}
	if err := doc.AppendElement(container); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("appcheck: appending widget container: %w", err)
	}

	script := Element{
		Tag: "script",
		Src: scriptSrc(p.callbackName),
	}
	if err := doc.AppendElement(script); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("appcheck: appending loader script: %w", err)
	}

	return p, nil
}

// scriptSrc builds the loader URL in explicit render mode with the given onload callback.
func scriptSrc(callbackName string) string {
	return ScriptURL + "?render=explicit&onload=" + url.QueryEscape(callbackName)
}

// CallbackName returns the global name the loader script calls once Turnstile is ready.
func (p *Provider) CallbackName() string {
	return p.callbackName
}

// SiteKey returns the configured Turnstile site key.
func (p *Provider) SiteKey() string {
	return p.cfg.SiteKey
}

// Token returns a cached token or exchanges a fresh challenge response for one.
// It blocks until the widget has completed a challenge, ctx is done or the provider is closed.
func (p *Provider) Token(ctx context.Context) (*Token, error) {
	c, err := p.exchange(ctx, true)
	if err != nil {
		return nil, err
	}
	return c.token, nil
}

// LimitedUseToken is an alias of Token. The exchange request is always marked limited use,
// so both return the same token.
func (p *Provider) LimitedUseToken(ctx context.Context) (*Token, error) {
	return p.Token(ctx)
}

// Close stops pending waits with ErrProviderClosed and drops a pending ready callback.
// Cached tokens are no longer served afterwards.
func (p *Provider) Close() error {
	p.cancel()

	p.mu.Lock()
	unregister := p.unregister
	p.unregister = nil
	p.onload = nil
	p.mu.Unlock()

	if unregister != nil {
		unregister()
	}
	return nil
}

// handleLoad is registered as the global ready callback. Only the first call has an effect.
func (p *Provider) handleLoad(w Widget) {
	p.mu.Lock()
	onload := p.onload
	unregister := p.unregister
	p.onload = nil
	p.unregister = nil
	p.mu.Unlock()

	if onload == nil {
		return
	}
	if unregister != nil {
		unregister()
	}
	onload(w)
}

// renderWidget renders the widget into the container. The first completed challenge
// fulfils the readiness signal; the response itself is read on demand.
func (p *Provider) renderWidget(w Widget) {
	p.mu.Lock()
	p.widget = w
	p.mu.Unlock()

	err := w.Render(ContainerID, RenderOptions{
		SiteKey: p.cfg.SiteKey,
		Callback: func(string) {
			p.readyOnce.Do(func() { close(p.ready) })
		},
	})
	if err != nil {
		p.logger.Error("failed to render turnstile widget", "error", err)
	}
}

// cachedEntry returns the cached token if it is still before its local expiry.
func (p *Provider) cachedEntry() (*cachedToken, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached != nil && p.now().Before(p.cached.expiry) {
		return p.cached, true
	}
	return nil, false
}

// exchange serves from cache or joins the single in-flight exchange.
func (p *Provider) exchange(ctx context.Context, limitedUse bool) (*cachedToken, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if p.ctx.Err() != nil {
		return nil, ErrProviderClosed
	}

	if c, ok := p.cachedEntry(); ok {
		return c, nil
	}

	// The shared exchange outlives any single caller but not the provider.
	ch := p.flight.DoChan(fmt.Sprintf("limitedUse=%t", limitedUse), func() (any, error) {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		defer cancel()
		stop := context.AfterFunc(p.ctx, cancel)
		defer stop()

		return p.renderAndExchange(fctx, limitedUse)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*cachedToken), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// renderAndExchange waits for the widget, exchanges its response and caches the result.
func (p *Provider) renderAndExchange(ctx context.Context, limitedUse bool) (*cachedToken, error) {
	ctx, span := p.tracer.Start(ctx, "appcheck.exchange",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.Bool("appcheck.limited_use", limitedUse)),
	)
	defer span.End()

	c, err := p.doExchange(ctx, limitedUse)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return c, nil
}

func (p *Provider) doExchange(ctx context.Context, limitedUse bool) (*cachedToken, error) {
	// A flight that just finished may have filled the cache.
	if c, ok := p.cachedEntry(); ok {
		return c, nil
	}

	if err := p.waitReady(ctx); err != nil {
		return nil, err
	}

	p.mu.Lock()
	widget := p.widget
	p.mu.Unlock()

	response, err := widget.GetResponse("#" + ContainerID)
	if err != nil {
		return nil, fmt.Errorf("appcheck: reading turnstile response: %w", err)
	}

	token, err := p.post(ctx, exchangeRequest{TurnstileToken: response, LimitedUse: limitedUse})
	if err != nil {
		return nil, err
	}

	if token.Token == "" {
		return nil, ErrInvalidChallengeToken
	}

	// Local expiry only; ExpireTimeMillis from the server is not consulted.
	c := &cachedToken{token: token, expiry: p.now().Add(TokenTTL)}

	p.mu.Lock()
	p.cached = c
	p.mu.Unlock()

	if err := widget.Reset(ContainerID); err != nil {
		p.logger.WarnContext(ctx, "failed to reset turnstile widget", "error", err)
	}

	p.logger.DebugContext(ctx, "obtained app check token", "cached_until", c.expiry.Format(time.RFC3339))

	return c, nil
}

// waitReady blocks until the widget completed a challenge.
func (p *Provider) waitReady(ctx context.Context) error {
	select {
	case <-p.ready:
		return nil
	case <-p.ctx.Done():
		return ErrProviderClosed
	case <-ctx.Done():
		if p.ctx.Err() != nil {
			return ErrProviderClosed
		}
		return ctx.Err()
	}
}

// post sends the challenge response to the exchange endpoint and decodes the token.
// The HTTP status is not checked, only the body.
func (p *Provider) post(ctx context.Context, payload exchangeRequest) (*Token, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("appcheck: marshaling exchange request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.TokenExchangeURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("appcheck: creating exchange request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("appcheck: exchange request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		p.logger.WarnContext(ctx, "exchange endpoint returned non-success status", "status", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("appcheck: reading exchange response: %w", err)
	}

	// The whole body must be a single JSON document.
	var token Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("%w (status %d): %w", ErrMalformedResponse, resp.StatusCode, err)
	}

	return &token, nil
}
