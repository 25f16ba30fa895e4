// Package appcheck obtains application-integrity tokens by exchanging a Cloudflare
// Turnstile challenge response for a signed token at a backend endpoint.
//
// A Provider injects a hidden widget container and the Turnstile loader script into a
// Document, waits until the widget has completed a challenge, reads the widget response,
// POSTs it to the configured exchange URL and caches the issued token for one hour.
//
// The page and the widget library are reached through the Document and Widget interfaces.
// Browser builds use a syscall/js backed host; tests and the CLI use in-process hosts.
//
// # Quick Start
//
//	provider, err := appcheck.New(doc, appcheck.Config{
//	    TokenExchangeURL: "https://example.com/api/appcheck/exchange",
//	    SiteKey:          "1x00000000000000000000AA",
//	})
//	if err != nil {
//	    return err
//	}
//	defer provider.Close()
//
//	token, err := provider.Token(ctx)
//
// # Notes
//
//   - The local cache expiry is always one hour after a successful exchange. The server
//     supplied expireTimeMillis is decoded but not used for caching.
//   - LimitedUseToken currently behaves exactly like Token.
//   - The HTTP status of the exchange response is not checked; only the body is decoded.
//   - The default HTTP client gives up after DefaultExchangeTimeout (30s). Pass a client
//     without a timeout through WithHTTPClient to wait indefinitely.
//   - The response body must be exactly one JSON document; anything else is
//     ErrMalformedResponse.
package appcheck
