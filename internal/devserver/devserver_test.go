package devserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "wasm_exec.js"), []byte("// go runtime glue"), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	s, err := New(Options{
		AssetsDir:   dir,
		ExchangeURL: "https://example.com/api/exchange",
		SiteKey:     "1x00000000000000000000AA",
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s, dir
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{name: "missing assets", opts: Options{ExchangeURL: "https://example.com", SiteKey: "k"}},
		{name: "missing exchange url", opts: Options{AssetsDir: ".", SiteKey: "k"}},
		{name: "missing site key", opts: Options{AssetsDir: ".", ExchangeURL: "https://example.com"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.opts); err == nil {
				t.Error("New() error = nil, want error")
			}
		})
	}
}

func TestRoutes(t *testing.T) {
	s, _ := newTestServer(t)

	tests := []struct {
		name         string
		path         string
		wantStatus   int
		wantContains []string
	}{
		{
			name:         "index page",
			path:         "/",
			wantStatus:   http.StatusOK,
			wantContains: []string{`"1x00000000000000000000AA"`, "newTurnstileAppCheckProvider", "/static/appcheck.wasm"},
		},
		{
			name:         "health",
			path:         "/healthz",
			wantStatus:   http.StatusOK,
			wantContains: []string{`"status":"ok"`},
		},
		{
			name:         "static asset",
			path:         "/static/wasm_exec.js",
			wantStatus:   http.StatusOK,
			wantContains: []string{"go runtime glue"},
		},
		{
			name:         "unknown route",
			path:         "/nope",
			wantStatus:   http.StatusNotFound,
			wantContains: []string{`"error":"Not Found"`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			body := rec.Body.String()
			for _, want := range tt.wantContains {
				if !strings.Contains(body, want) {
					t.Errorf("body missing %q:\n%s", want, body)
				}
			}
		})
	}
}

func TestRecovery(t *testing.T) {
	h := Recovery(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	var resp ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if resp.Error != http.StatusText(http.StatusInternalServerError) {
		t.Errorf("error = %q", resp.Error)
	}
}

func TestStartShutdown(t *testing.T) {
	s, _ := newTestServer(t)

	if s.Addr() != nil {
		t.Errorf("Addr() before Start = %v, want nil", s.Addr())
	}

	errCh, err := s.Start(context.Background(), "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if s.Addr() == nil {
		t.Fatal("Addr() after Start = nil")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	if err, ok := <-errCh; ok && err != nil {
		t.Errorf("runtime error after shutdown: %v", err)
	}
}

func TestShutdownWithoutStart(t *testing.T) {
	s, _ := newTestServer(t)
	if err := s.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}
