// Package appchecktest provides in-memory Document and Widget doubles and HTTP helpers
// for testing code built on appcheck.
package appchecktest

import (
	"io"
	"maps"
	"net/http"
	"slices"
	"strings"
	"sync"

	"github.com/florianilch/turnstile-appcheck/appcheck"
)

// Document records appended elements and registered callbacks.
type Document struct {
	// AppendErr, if set, is returned by AppendElement.
	AppendErr error

	mu        sync.Mutex
	elements  []appcheck.Element
	callbacks map[string]func(appcheck.Widget)
}

// Compile-time check to ensure Document implements appcheck.Document
var _ appcheck.Document = (*Document)(nil)

// NewDocument creates an empty Document.
func NewDocument() *Document {
	return &Document{
		callbacks: make(map[string]func(appcheck.Widget)),
	}
}

// AppendElement records el.
func (d *Document) AppendElement(el appcheck.Element) error {
	if d.AppendErr != nil {
		return d.AppendErr
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.elements = append(d.elements, el)
	return nil
}

// RegisterCallback records fn under name until the returned func is called.
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

// Elements returns the appended elements in order.
func (d *Document) Elements() []appcheck.Element {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.elements)
}

// Callbacks returns the names of currently registered callbacks, sorted.
func (d *Document) Callbacks() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Sorted(maps.Keys(d.callbacks))
}

// Call invokes the callback registered under name, as the loader script would.
// It reports whether a callback was registered.
func (d *Document) Call(name string, w appcheck.Widget) bool {
	d.mu.Lock()
	fn, ok := d.callbacks[name]
	d.mu.Unlock()

	if !ok {
		return false
	}
	fn(w)
	return true
}

// Load invokes every registered callback with w and returns how many were called.
func (d *Document) Load(w appcheck.Widget) int {
	d.mu.Lock()
	fns := slices.Collect(maps.Values(d.callbacks))
	d.mu.Unlock()

	for _, fn := range fns {
		fn(w)
	}
	return len(fns)
}

// RenderCall records one Widget.Render invocation.
type RenderCall struct {
	ContainerID string
	SiteKey     string
}

// Widget is a scriptable challenge widget.
// Error fields must be set before the widget is used.
type Widget struct {
	RenderErr   error
	ResponseErr error
	ResetErr    error

	mu        sync.Mutex
	response  string
	renders   []RenderCall
	callbacks map[string]func(string)
	selectors []string
	resets    map[string]int
}

// Compile-time check to ensure Widget implements appcheck.Widget
var _ appcheck.Widget = (*Widget)(nil)

// NewWidget creates a Widget that yields response from GetResponse.
func NewWidget(response string) *Widget {
	return &Widget{
		response:  response,
		callbacks: make(map[string]func(string)),
		resets:    make(map[string]int),
	}
}

// Render records the call and keeps the completion callback for Complete.
func (w *Widget) Render(containerID string, opts appcheck.RenderOptions) error {
	if w.RenderErr != nil {
		return w.RenderErr
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.renders = append(w.renders, RenderCall{ContainerID: containerID, SiteKey: opts.SiteKey})
	w.callbacks[containerID] = opts.Callback
	return nil
}

// GetResponse returns the configured response.
func (w *Widget) GetResponse(selector string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.selectors = append(w.selectors, selector)

	if w.ResponseErr != nil {
		return "", w.ResponseErr
	}
	return w.response, nil
}

// Reset counts resets per container id.
func (w *Widget) Reset(containerID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.resets[containerID]++
	return w.ResetErr
}

// SetResponse changes the response returned from now on.
func (w *Widget) SetResponse(response string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.response = response
}

// Complete fires the completion callback of every rendered container with the current response.
func (w *Widget) Complete() {
	w.mu.Lock()
	response := w.response
	fns := slices.Collect(maps.Values(w.callbacks))
	w.mu.Unlock()

	for _, fn := range fns {
		if fn != nil {
			fn(response)
		}
	}
}

// Renders returns recorded Render calls.
func (w *Widget) Renders() []RenderCall {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Clone(w.renders)
}

// Selectors returns the selectors passed to GetResponse.
func (w *Widget) Selectors() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Clone(w.selectors)
}

// Resets returns how often Reset was called for containerID.
func (w *Widget) Resets(containerID string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.resets[containerID]
}

// RoundTripFunc allows inlining http.RoundTripper implementations.
type RoundTripFunc func(*http.Request) (*http.Response, error)

// RoundTrip calls the underlying function.
func (f RoundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// StaticJSONResponse returns a RoundTripper that always responds with body and status 200.
func StaticJSONResponse(body string) RoundTripFunc {
	return func(req *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Content-Type": []string{"application/json"}},
			Body:       io.NopCloser(strings.NewReader(body)),
			Request:    req,
		}, nil
	}
}
