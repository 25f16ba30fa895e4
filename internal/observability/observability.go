// Package observability sets up process-wide logging and tracing.
//
// Logs go to stderr through a slog text or JSON handler by default. With an
// exporter configured, slog is bridged into an OpenTelemetry LoggerProvider,
// records below the configured level are dropped before export, and spans are
// exported through the same kind of exporter.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/contrib/processors/minsev"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/log/global"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// instrumentationName identifies log records bridged from slog.
const instrumentationName = "github.com/florianilch/turnstile-appcheck"

// Supported exporters
const (
	ExporterNone     = "none"
	ExporterStdout   = "stdout"
	ExporterOTLPHTTP = "otlp-http"
	ExporterOTLPGRPC = "otlp-grpc"
)

// ShutdownFunc flushes and releases exporter resources.
type ShutdownFunc func(context.Context) error

func noopShutdown(context.Context) error { return nil }

// Instrument configures the default slog logger and, with an exporter, the global tracer
// provider. The returned ShutdownFunc must be called before exit to flush exported data.
func Instrument(ctx context.Context, level slog.Level, format string, exporter string) (ShutdownFunc, error) {
	if exporter == "" || exporter == ExporterNone {
		handler, err := newHandler(level, format)
		if err != nil {
			return nil, err
		}
		slog.SetDefault(slog.New(handler))
		return noopShutdown, nil
	}

	processor, err := newProcessor(ctx, exporter)
	if err != nil {
		return nil, err
	}

	spanExporter, err := newSpanExporter(ctx, exporter)
	if err != nil {
		_ = processor.Shutdown(ctx)
		return nil, err
	}

	loggerProvider := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(minsev.NewLogProcessor(processor, severity(level))),
	)
	global.SetLoggerProvider(loggerProvider)

	tracerProvider := sdktrace.NewTracerProvider(sdktrace.WithBatcher(spanExporter))
	otel.SetTracerProvider(tracerProvider)

	slog.SetDefault(slog.New(otelslog.NewHandler(instrumentationName, otelslog.WithLoggerProvider(loggerProvider))))

	return func(ctx context.Context) error {
		// Spans first so their final log records still reach the logger provider
		return errors.Join(tracerProvider.Shutdown(ctx), loggerProvider.Shutdown(ctx))
	}, nil
}

func newHandler(level slog.Level, format string) (slog.Handler, error) {
	opts := &slog.HandlerOptions{Level: level}

	switch format {
	case "", "text":
		return slog.NewTextHandler(os.Stderr, opts), nil
	case "json":
		return slog.NewJSONHandler(os.Stderr, opts), nil
	default:
		return nil, fmt.Errorf("unsupported log format: %s", format)
	}
}

func newProcessor(ctx context.Context, exporter string) (sdklog.Processor, error) {
	switch exporter {
	case ExporterStdout:
		// stdout carries command output
		exp, err := stdoutlog.New(stdoutlog.WithWriter(os.Stderr))
		if err != nil {
			return nil, fmt.Errorf("creating stdout log exporter: %w", err)
		}
		return sdklog.NewSimpleProcessor(exp), nil
	case ExporterOTLPHTTP:
		exp, err := otlploghttp.New(ctx)
		if err != nil {
			return nil, fmt.Errorf("creating OTLP/HTTP log exporter: %w", err)
		}
		return sdklog.NewBatchProcessor(exp), nil
	case ExporterOTLPGRPC:
		exp, err := otlploggrpc.New(ctx)
		if err != nil {
			return nil, fmt.Errorf("creating OTLP/gRPC log exporter: %w", err)
		}
		return sdklog.NewBatchProcessor(exp), nil
	default:
		return nil, fmt.Errorf("unsupported log exporter: %s", exporter)
	}
}

func newSpanExporter(ctx context.Context, exporter string) (sdktrace.SpanExporter, error) {
	switch exporter {
	case ExporterStdout:
		exp, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr))
		if err != nil {
			return nil, fmt.Errorf("creating stdout span exporter: %w", err)
		}
		return exp, nil
	case ExporterOTLPHTTP:
		exp, err := otlptracehttp.New(ctx)
		if err != nil {
			return nil, fmt.Errorf("creating OTLP/HTTP span exporter: %w", err)
		}
		return exp, nil
	case ExporterOTLPGRPC:
		exp, err := otlptracegrpc.New(ctx)
		if err != nil {
			return nil, fmt.Errorf("creating OTLP/gRPC span exporter: %w", err)
		}
		return exp, nil
	default:
		return nil, fmt.Errorf("unsupported trace exporter: %s", exporter)
	}
}

// severity maps a slog level onto the closest minimum severity.
func severity(level slog.Level) minsev.Severity {
	switch {
	case level < slog.LevelInfo:
		return minsev.SeverityDebug
	case level < slog.LevelWarn:
		return minsev.SeverityInfo
	case level < slog.LevelError:
		return minsev.SeverityWarn
	default:
		return minsev.SeverityError
	}
}
