package appcheck

import (
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Option configures a Provider.
type Option func(*Provider)

// WithHTTPClient sets the client used for exchange requests.
// The default client has a DefaultExchangeTimeout timeout.
func WithHTTPClient(client *http.Client) Option {
	return func(p *Provider) {
		if client != nil {
			p.httpClient = client
		}
	}
}

// WithClock replaces time.Now for cache expiry decisions.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) {
		if now != nil {
			p.now = now
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithTracerProvider sets the tracer provider used for exchange spans.
// Defaults to the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(p *Provider) {
		if tp != nil {
			p.tracerProvider = tp
		}
	}
}
