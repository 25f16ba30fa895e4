package appcheck

// Element describes a DOM element the provider appends to the document body.
type Element struct {
	Tag   string
	ID    string
	Class string
	Style string
	Src   string
}

// RenderOptions are passed to Widget.Render.
type RenderOptions struct {
	SiteKey string
	// Callback is invoked by the widget each time it completes a challenge.
	Callback func(response string)
}

// Widget is the challenge widget library loaded by the injected script.
type Widget interface {
	// Render draws the widget into the element with the given id.
	Render(containerID string, opts RenderOptions) error

	// GetResponse returns the current challenge response for the widget matching selector.
	GetResponse(selector string) (string, error)

	// Reset discards the current response so the widget can produce a fresh one.
	Reset(containerID string) error
}

// Document is the page the provider injects its elements into.
type Document interface {
	// AppendElement appends el to the document body.
	AppendElement(el Element) error

	// RegisterCallback makes fn callable under the global name. The loaded script calls it
	// with the widget library once it is ready. The returned func removes the registration.
	RegisterCallback(name string, fn func(Widget)) (unregister func())
}
