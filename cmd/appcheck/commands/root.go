package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/florianilch/turnstile-appcheck/internal/app"
	"github.com/florianilch/turnstile-appcheck/internal/observability"
)

// Output modes of the token command
const (
	outputAuto = "auto"
	outputText = "text"
	outputJSON = "json"
)

// Execute runs the root command with the given context and arguments.
func Execute(ctx context.Context, args []string) error {
	cmd := &cli.Command{
		Name:  "appcheck",
		Usage: "Turnstile backed App Check tokens",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to config file",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "log level (debug|info|warn|error)",
				Value: slog.LevelInfo.String(),
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "log format (text|json)",
				Value: string(app.DefaultConfigLogFormat),
			},
			&cli.StringFlag{
				Name:  "log-exporter",
				Usage: "log exporter (none|stdout|otlp-http|otlp-grpc)",
				Value: string(app.DefaultConfigLogExporter),
			},
		},
		Commands: []*cli.Command{
			tokenCommand(),
			serveCommand(),
		},
	}

	return cmd.Run(ctx, args)
}

func exchangeFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "exchange--url",
			Usage: "token exchange endpoint",
		},
		&cli.StringFlag{
			Name:  "exchange--site-key",
			Usage: "Turnstile site key",
		},
	}
}

func tokenCommand() *cli.Command {
	flags := append(exchangeFlags(),
		&cli.DurationFlag{
			Name:  "exchange--timeout",
			Usage: "exchange request timeout",
			Value: app.DefaultConfigExchangeTimeout,
		},
		&cli.StringFlag{
			Name:  "challenge--response",
			Usage: "widget response sent to the exchange endpoint",
		},
		&cli.StringFlag{
			Name:  "cache--storage",
			Usage: "token cache storage (none|file|keyring)",
			Value: string(app.DefaultConfigCacheStorage),
		},
		&cli.StringFlag{
			Name:  "cache--file",
			Usage: "token cache file for file storage",
		},
		&cli.StringFlag{
			Name:  "output",
			Usage: "output format (auto|text|json)",
			Value: outputAuto,
			Validator: func(s string) error {
				switch s {
				case outputAuto, outputText, outputJSON:
					return nil
				}
				return fmt.Errorf("unsupported output format: %s", s)
			},
		},
	)

	return &cli.Command{
		Name:   "token",
		Usage:  "exchange a challenge response for a token without a browser",
		Flags:  flags,
		Action: tokenAction,
	}
}

func serveCommand() *cli.Command {
	flags := append(exchangeFlags(),
		&cli.StringFlag{
			Name:  "server--host",
			Usage: "server host",
			Value: app.DefaultConfigServerHost,
		},
		&cli.IntFlag{
			Name:  "server--port",
			Usage: "server port",
			Value: int(app.DefaultConfigServerPort),
		},
		&cli.StringFlag{
			Name:  "server--assets-dir",
			Usage: "directory holding appcheck.wasm and wasm_exec.js",
		},
	)

	return &cli.Command{
		Name:   "serve",
		Usage:  "serve the wasm build for manual testing in a browser",
		Flags:  flags,
		Action: serveAction,
	}
}

// setup loads configuration and installs logging for a command.
func setup(ctx context.Context, cmd *cli.Command) (*app.Config, observability.ShutdownFunc, error) {
	cfg, err := loadConfig(cmd.String("config"), cmd, os.Environ)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	shutdown, err := observability.Instrument(ctx, cfg.LogLevel, string(cfg.LogFormat), string(cfg.LogExporter))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up observability layer: %w", err)
	}

	return cfg, shutdown, nil
}

func flushLogs(shutdown observability.ShutdownFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to flush logs: %v\n", err)
	}
}

func tokenAction(ctx context.Context, cmd *cli.Command) error {
	cfg, shutdown, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer flushLogs(shutdown)

	result, err := app.FetchToken(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to fetch token: %w", err)
	}

	return writeToken(cmd.Root().Writer, cmd.String("output"), result)
}

func serveAction(ctx context.Context, cmd *cli.Command) error {
	cfg, shutdown, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer flushLogs(shutdown)

	application, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create app: %w", err)
	}

	slog.InfoContext(ctx, "starting")

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("app failed to start: %w", err)
	}

	slog.InfoContext(ctx, "stopped gracefully")
	return nil
}

// tokenOutput is the JSON shape printed by the token command.
type tokenOutput struct {
	Token            string    `json:"token"`
	ExpireTimeMillis int64     `json:"expireTimeMillis"`
	CachedUntil      time.Time `json:"cachedUntil"`
}

// writeToken prints result in the requested mode.
// Auto mode prints text to terminals and JSON to everything else.
func writeToken(w io.Writer, mode string, result *app.FetchResult) error {
	if w == nil {
		w = os.Stdout
	}
	if mode == outputAuto {
		mode = outputJSON
		if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			mode = outputText
		}
	}

	switch mode {
	case outputText:
		_, err := fmt.Fprintf(w, "%s\n\nvalid until %s\n",
			result.Token.Token, result.CachedUntil.Local().Format(time.RFC1123))
		return err
	case outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(tokenOutput{
			Token:            result.Token.Token,
			ExpireTimeMillis: result.Token.ExpireTimeMillis,
			CachedUntil:      result.CachedUntil,
		})
	default:
		return fmt.Errorf("unsupported output format: %s", mode)
	}
}
