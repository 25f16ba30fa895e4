package appcheck_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/florianilch/turnstile-appcheck/appcheck"
)

func newRecordingTracerProvider(t *testing.T) (*sdktrace.TracerProvider, *tracetest.SpanRecorder) {
	t.Helper()

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	return tp, recorder
}

func exchangeSpan(t *testing.T, recorder *tracetest.SpanRecorder) sdktrace.ReadOnlySpan {
	t.Helper()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("got %d ended spans, want 1", len(spans))
	}
	if spans[0].Name() != "appcheck.exchange" {
		t.Fatalf("span name = %q, want appcheck.exchange", spans[0].Name())
	}
	return spans[0]
}

func hasAttribute(span sdktrace.ReadOnlySpan, want attribute.KeyValue) bool {
	for _, kv := range span.Attributes() {
		if kv == want {
			return true
		}
	}
	return false
}

func TestExchangeSpan(t *testing.T) {
	tp, recorder := newRecordingTracerProvider(t)
	server := newExchangeServer(t, sequentialTokens)
	p, _ := newReadyProvider(t, server.URL, appcheck.WithTracerProvider(tp))

	if _, err := p.Token(context.Background()); err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	// Served from cache, no second span.
	if _, err := p.LimitedUseToken(context.Background()); err != nil {
		t.Fatalf("LimitedUseToken() error = %v", err)
	}

	span := exchangeSpan(t, recorder)
	if !hasAttribute(span, attribute.Bool("appcheck.limited_use", true)) {
		t.Errorf("span attributes = %v, want appcheck.limited_use=true", span.Attributes())
	}
	if span.Status().Code == codes.Error {
		t.Errorf("span status = %v, want not error", span.Status())
	}
}

func TestExchangeSpanRecordsError(t *testing.T) {
	tp, recorder := newRecordingTracerProvider(t)
	server := newExchangeServer(t, func(int) (int, string) {
		return http.StatusOK, `{"token":"","expireTimeMillis":0}`
	})
	p, _ := newReadyProvider(t, server.URL, appcheck.WithTracerProvider(tp))

	if _, err := p.Token(context.Background()); !errors.Is(err, appcheck.ErrInvalidChallengeToken) {
		t.Fatalf("Token() error = %v, want ErrInvalidChallengeToken", err)
	}

	span := exchangeSpan(t, recorder)
	if span.Status().Code != codes.Error {
		t.Errorf("span status = %v, want error", span.Status())
	}
	if span.Status().Description != appcheck.ErrInvalidChallengeToken.Error() {
		t.Errorf("span status description = %q", span.Status().Description)
	}
	if len(span.Events()) == 0 || span.Events()[0].Name != "exception" {
		t.Errorf("span events = %v, want recorded exception", span.Events())
	}
}

// syncBuffer is a bytes.Buffer safe for concurrent writes from log handlers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestNonSuccessStatusIsLogged(t *testing.T) {
	var logs syncBuffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelWarn}))

	server := newExchangeServer(t, func(int) (int, string) {
		return http.StatusServiceUnavailable, `{"token":"issued-anyway","expireTimeMillis":0}`
	})
	p, _ := newReadyProvider(t, server.URL, appcheck.WithLogger(logger))

	if _, err := p.Token(context.Background()); err != nil {
		t.Fatalf("Token() error = %v", err)
	}

	out := logs.String()
	if !strings.Contains(out, "level=WARN") || !strings.Contains(out, "non-success status") || !strings.Contains(out, "status=503") {
		t.Errorf("logs = %q, want warn with status=503", out)
	}
}
