//go:build js && wasm

// Package browser implements appcheck.Document and appcheck.Widget on top of the page DOM
// and the global turnstile object, using syscall/js.
package browser

import (
	"errors"
	"fmt"
	"sync"
	"syscall/js"

	"github.com/florianilch/turnstile-appcheck/appcheck"
)

// Document is the current page.
type Document struct {
	global js.Value
	doc    js.Value
}

// Compile-time check to ensure Document implements appcheck.Document
var _ appcheck.Document = (*Document)(nil)

// NewDocument returns the page document. It fails outside a browser main thread.
func NewDocument() (*Document, error) {
	global := js.Global()
	doc := global.Get("document")
	if doc.IsUndefined() || doc.IsNull() {
		return nil, errors.New("no document available")
	}

	return &Document{global: global, doc: doc}, nil
}

// AppendElement creates el and appends it to document.body.
func (d *Document) AppendElement(el appcheck.Element) (err error) {
	defer catch(&err)

	body := d.doc.Get("body")
	if body.IsUndefined() || body.IsNull() {
		return errors.New("document has no body")
	}

	node := d.doc.Call("createElement", el.Tag)
	if el.ID != "" {
		node.Set("id", el.ID)
	}
	if el.Class != "" {
		node.Set("className", el.Class)
	}
	if el.Style != "" {
		node.Call("setAttribute", "style", el.Style)
	}
	if el.Src != "" {
		node.Set("src", el.Src)
	}

	body.Call("appendChild", node)
	return nil
}

// RegisterCallback defines a global function name that hands window.turnstile to fn.
func (d *Document) RegisterCallback(name string, fn func(appcheck.Widget)) func() {
	cb := js.FuncOf(func(this js.Value, args []js.Value) any {
		fn(&Widget{doc: d.doc, api: d.global.Get("turnstile")})
		return nil
	})
	d.global.Set(name, cb)

	var once sync.Once
	return func() {
		once.Do(func() {
			d.global.Delete(name)
			// Release is allowed while cb is still running.
			cb.Release()
		})
	}
}

// Widget wraps the global turnstile object.
type Widget struct {
	doc js.Value
	api js.Value

	mu        sync.Mutex
	callbacks []js.Func
}

// Compile-time check to ensure Widget implements appcheck.Widget
var _ appcheck.Widget = (*Widget)(nil)

// Render calls turnstile.render on the element with containerID.
func (w *Widget) Render(containerID string, opts appcheck.RenderOptions) (err error) {
	defer catch(&err)

	if w.api.IsUndefined() || w.api.IsNull() {
		return errors.New("turnstile is not loaded")
	}

	el := w.doc.Call("getElementById", containerID)
	if el.IsNull() {
		return fmt.Errorf("element %q not found", containerID)
	}

	// Lives as long as the page; turnstile may call it after every reset.
	cb := js.FuncOf(func(this js.Value, args []js.Value) any {
		response := ""
		if len(args) > 0 && args[0].Type() == js.TypeString {
			response = args[0].String()
		}
		if opts.Callback != nil {
			opts.Callback(response)
		}
		return nil
	})

	w.mu.Lock()
	w.callbacks = append(w.callbacks, cb)
	w.mu.Unlock()

	w.api.Call("render", el, map[string]any{
		"sitekey":  opts.SiteKey,
		"callback": cb,
	})
	return nil
}

// GetResponse calls turnstile.getResponse(selector).
func (w *Widget) GetResponse(selector string) (response string, err error) {
	defer catch(&err)

	v := w.api.Call("getResponse", selector)
	if v.Type() != js.TypeString {
		return "", fmt.Errorf("no turnstile response for %q", selector)
	}
	return v.String(), nil
}

// Reset calls turnstile.reset(containerID).
func (w *Widget) Reset(containerID string) (err error) {
	defer catch(&err)

	w.api.Call("reset", containerID)
	return nil
}

// catch converts a thrown JavaScript exception into an error.
func catch(err *error) {
	r := recover()
	if r == nil {
		return
	}
	if jsErr, ok := r.(js.Error); ok {
		*err = fmt.Errorf("javascript: %w", jsErr)
		return
	}
	panic(r)
}
