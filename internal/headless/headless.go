// Package headless provides an appcheck.Document that runs without a browser.
//
// The loader script is never fetched. Appending it immediately calls the registered ready
// callback with a Widget that completes every challenge with a fixed response, which makes
// Turnstile test keys (for example site key 1x00000000000000000000AA with the response
// XXXX.DUMMY.TOKEN.XXXX) usable from the command line.
package headless

import (
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/florianilch/turnstile-appcheck/appcheck"
)

// Document is a page without a DOM.
type Document struct {
	widget *Widget
	logger *slog.Logger

	mu        sync.Mutex
	callbacks map[string]func(appcheck.Widget)
}

// Compile-time check to ensure Document implements appcheck.Document
var _ appcheck.Document = (*Document)(nil)

// NewDocument creates a Document whose widget answers challenges with response.
func NewDocument(response string, logger *slog.Logger) (*Document, error) {
	if response == "" {
		return nil, fmt.Errorf("challenge response cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Document{
		widget:    newWidget(response),
		logger:    logger,
		callbacks: make(map[string]func(appcheck.Widget)),
	}, nil
}

// Widget returns the widget handed to ready callbacks.
func (d *Document) Widget() *Widget {
	return d.widget
}

// AppendElement loads scripts by calling the callback named in their onload parameter.
// Other elements are ignored.
func (d *Document) AppendElement(el appcheck.Element) error {
	if el.Tag != "script" {
		d.logger.Debug("headless document ignoring element", "tag", el.Tag, "id", el.ID)
		return nil
	}

	src, err := url.Parse(el.Src)
	if err != nil {
		return fmt.Errorf("parsing script src: %w", err)
	}
	name := src.Query().Get("onload")
	if name == "" {
		return nil
	}

	d.mu.Lock()
	fn, ok := d.callbacks[name]
	d.mu.Unlock()

	if !ok {
		return fmt.Errorf("script onload callback %q not registered", name)
	}

	d.logger.Debug("headless document loaded script", "src", el.Src)
	fn(d.widget)
	return nil
}

// RegisterCallback records fn under name.
func (d *Document) RegisterCallback(name string, fn func(appcheck.Widget)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.callbacks[name] = fn

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.callbacks, name)
	}
}

// Widget completes challenges instantly with a fixed response.
type Widget struct {
	response string

	mu        sync.Mutex
	callbacks map[string]func(string)
	resets    int
}

// Compile-time check to ensure Widget implements appcheck.Widget
var _ appcheck.Widget = (*Widget)(nil)

func newWidget(response string) *Widget {
	return &Widget{
		response:  response,
		callbacks: make(map[string]func(string)),
	}
}

// Render completes the first challenge right away.
func (w *Widget) Render(containerID string, opts appcheck.RenderOptions) error {
	w.mu.Lock()
	w.callbacks[containerID] = opts.Callback
	w.mu.Unlock()

	w.complete(containerID)
	return nil
}

// GetResponse returns the fixed response for a rendered widget selected by "#id".
func (w *Widget) GetResponse(selector string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(selector) < 2 || selector[0] != '#' {
		return "", fmt.Errorf("unsupported selector %q", selector)
	}
	if _, ok := w.callbacks[selector[1:]]; !ok {
		return "", fmt.Errorf("no widget rendered for %q", selector)
	}
	return w.response, nil
}

// Reset starts and completes a new challenge.
func (w *Widget) Reset(containerID string) error {
	w.mu.Lock()
	_, ok := w.callbacks[containerID]
	if ok {
		w.resets++
	}
	w.mu.Unlock()

	if !ok {
		return fmt.Errorf("no widget rendered for %q", containerID)
	}
	w.complete(containerID)
	return nil
}

// Resets returns how many challenges were restarted.
func (w *Widget) Resets() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.resets
}

func (w *Widget) complete(containerID string) {
	w.mu.Lock()
	fn := w.callbacks[containerID]
	w.mu.Unlock()

	if fn != nil {
		fn(w.response)
	}
}
