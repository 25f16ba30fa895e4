package devserver

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

//go:embed index.html.tmpl
var indexSource string

var indexTemplate = template.Must(template.New("index").Parse(indexSource))

// Options configures the dev server.
type Options struct {
	// AssetsDir holds appcheck.wasm and wasm_exec.js.
	AssetsDir string
	// ExchangeURL and SiteKey are passed to the provider constructor on the page.
	ExchangeURL string
	SiteKey     string
	// Logger for request logs. Defaults to slog.Default().
	Logger *slog.Logger
}

// Server serves a page that runs the wasm build of the provider.
type Server struct {
	router chi.Router
	opts   Options
	server *http.Server

	mu   sync.Mutex
	addr net.Addr
}

// Compile-time check that Server implements http.Handler
var _ http.Handler = (*Server)(nil)

// New creates the dev server routes.
func New(opts Options) (*Server, error) {
	if opts.AssetsDir == "" {
		return nil, errors.New("missing assets directory")
	}
	if opts.ExchangeURL == "" || opts.SiteKey == "" {
		return nil, errors.New("missing exchange url or site key")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Server{opts: opts}

	r := chi.NewRouter()
	r.Use(Logging(opts.Logger), Recovery)

	r.Get("/", s.index)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(r.Context(), w, map[string]string{"status": "ok"}, http.StatusOK)
	})
	r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.Dir(opts.AssetsDir))))
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(r.Context(), w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	s.router = r
	return s, nil
}

// ServeHTTP implements http.Handler interface
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) index(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err := indexTemplate.Execute(w, struct {
		ExchangeURL string
		SiteKey     string
	}{
		ExchangeURL: s.opts.ExchangeURL,
		SiteKey:     s.opts.SiteKey,
	})
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to render index page", "error", err)
	}
}

// Start starts the HTTP server in the background and returns immediately.
// Returns a channel for runtime errors and a startup error if any.
//
// Startup errors (port in use, permission denied) are returned immediately.
// Runtime errors are sent to the error channel.
//
// The caller is responsible for calling Shutdown() to stop the server.
func (s *Server) Start(ctx context.Context, address string) (<-chan error, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	s.mu.Lock()
	s.addr = listener.Addr()
	s.mu.Unlock()

	s.server = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      time.Minute, // wasm binaries can be large
		IdleTimeout:       90 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)

	go func() {
		err := s.server.Serve(listener)
		// Only report error if not from graceful shutdown
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	return errCh, nil
}

// Addr returns the listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Shutdown performs graceful shutdown of the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	if err := s.server.Shutdown(ctx); err != nil {
		// Graceful shutdown failed - force close
		_ = s.server.Close()
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	return nil
}
