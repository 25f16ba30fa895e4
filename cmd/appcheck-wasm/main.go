//go:build js && wasm

// Command appcheck-wasm exposes the token provider to the embedding page.
//
// After the module starts, the page can call
//
//	const provider = newTurnstileAppCheckProvider(tokenExchangeUrl, siteKey);
//	const { token, expireTimeMillis } = await provider.getToken();
package main

import (
	"context"
	"log/slog"
	"syscall/js"

	"github.com/florianilch/turnstile-appcheck/appcheck"
	"github.com/florianilch/turnstile-appcheck/internal/browser"
)

func main() {
	js.Global().Set("newTurnstileAppCheckProvider", js.FuncOf(newProvider))
	slog.Info("turnstile app check provider loaded")

	// Keep the exported functions alive for the page lifetime.
	select {}
}

// newProvider returns a JS object with getSiteKey, getToken and getLimitedUseToken,
// or an Error if the provider could not be created.
func newProvider(this js.Value, args []js.Value) any {
	if len(args) < 2 {
		return jsError("newTurnstileAppCheckProvider(tokenExchangeUrl, siteKey) requires two arguments")
	}

	doc, err := browser.NewDocument()
	if err != nil {
		return jsError(err.Error())
	}

	p, err := appcheck.New(doc, appcheck.Config{
		TokenExchangeURL: args[0].String(),
		SiteKey:          args[1].String(),
	})
	if err != nil {
		slog.Error("failed to create provider", "error", err)
		return jsError(err.Error())
	}

	return js.ValueOf(map[string]any{
		"getSiteKey": js.FuncOf(func(js.Value, []js.Value) any {
			return p.SiteKey()
		}),
		"getToken": js.FuncOf(func(js.Value, []js.Value) any {
			return promise(p.Token)
		}),
		"getLimitedUseToken": js.FuncOf(func(js.Value, []js.Value) any {
			return promise(p.LimitedUseToken)
		}),
	})
}

// promise runs fn off the event loop and settles a JS Promise with its result.
func promise(fn func(context.Context) (*appcheck.Token, error)) js.Value {
	executor := js.FuncOf(func(this js.Value, args []js.Value) any {
		resolve, reject := args[0], args[1]

		go func() {
			token, err := fn(context.Background())
			if err != nil {
				reject.Invoke(jsError(err.Error()))
				return
			}
			resolve.Invoke(map[string]any{
				"token":            token.Token,
				"expireTimeMillis": token.ExpireTimeMillis,
			})
		}()

		return nil
	})
	// The executor runs synchronously inside the Promise constructor.
	defer executor.Release()

	return js.Global().Get("Promise").New(executor)
}

func jsError(msg string) js.Value {
	return js.Global().Get("Error").New(msg)
}
