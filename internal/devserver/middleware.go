package devserver

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/httplog/v3"
)

// Recovery turns handler panics into HTTP 500 responses.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				// The request logger records the panic itself
				writeJSONError(r.Context(), w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// Logging logs requests except static asset fetches below debug level.
func Logging(logger *slog.Logger) func(http.Handler) http.Handler {
	return httplog.RequestLogger(logger, &httplog.Options{
		Schema: httplog.SchemaECS.Concise(true),

		// Static assets are fetched on every page load and only interesting when debugging
		Skip: func(req *http.Request, respStatus int) bool {
			return strings.HasPrefix(req.URL.Path, "/static/") && respStatus < 400 &&
				!logger.Enabled(req.Context(), slog.LevelDebug)
		},

		LogRequestHeaders:  []string{"Content-Type", "Origin"},
		LogResponseHeaders: []string{},
		LogRequestBody:     nil,
		LogResponseBody:    nil,

		RecoverPanics: false, // use dedicated middleware, panics are logged regardless
	})
}
