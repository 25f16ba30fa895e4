// Command appcheck fetches Turnstile backed App Check tokens and serves the wasm build.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/florianilch/turnstile-appcheck/cmd/appcheck/commands"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := commands.Execute(ctx, os.Args)
	stop()

	if err != nil {
		fmt.Fprintf(os.Stderr, "appcheck: %v\n", err)
		os.Exit(1)
	}
}
