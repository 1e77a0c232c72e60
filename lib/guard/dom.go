// Package guard implements the checkout-interception decision engine: it decides
// whether a page can start a checkout, instruments the page's purchase buttons
// exactly once, keeps that instrumentation current as the page mutates, and
// interrupts the first checkout attempt of a browsing session with an
// intervention prompt.
//
// The engine never touches a browser directly. Everything it needs from the
// page is expressed by the interfaces in this file, so the same engine runs
// against an in-memory HTML document (lib/htmldom) or a live Chromium tab
// (lib/cdphost).
package guard

// Element is a node of the monitored page. ID must be stable for the lifetime
// of the node in the document and unique within it.
type Element interface {
	ID() string
	Text() string
	// AddClickListener registers l as a capture-phase click listener so that it
	// runs before any listener the host page attached itself.
	AddClickListener(l ClickListener) error
}

// ClickEvent is a click dispatched to an instrumented element.
type ClickEvent interface {
	Target() Element
	PreventDefault()
	StopPropagation()
}

// ClickListener handles a click synchronously; cancelling has to happen
// before it returns.
type ClickListener func(ClickEvent)

// Document is read-only access to the monitored page.
type Document interface {
	// URL is the full current location, including client-side route changes.
	URL() string
	// QueryAll returns the elements matching a CSS selector in document order.
	// A selector with no matches returns an empty slice and no error.
	QueryAll(selector string) ([]Element, error)
	// Texts returns every text node of the document in document order.
	Texts() ([]string, error)
}

// ChangeSource delivers structural change notifications for the document body
// subtree. The callback may be invoked from any goroutine and must not block.
type ChangeSource interface {
	Observe(fn func()) (stop func())
}

// Navigator performs the only navigations the guard ever initiates.
type Navigator interface {
	Reload() error
	Open(url string) error
}

// Renderer shows and removes the intervention surface. Render must not invoke
// the prompt callbacks before it returns.
type Renderer interface {
	Render(p Prompt) error
	Dismiss() error
}

// Host bundles the page capabilities a Guard is wired to.
type Host interface {
	Document
	ChangeSource
	Navigator
	Renderer
}

// StateMirror is implemented by hosts that have to decide clicks before the
// guard sees them (for example a page agent across a CDP connection). The guard
// pushes every observed state so the host can mirror it.
type StateMirror interface {
	MirrorState(s State)
}

// DocumentReplacer is implemented by hosts whose document can be replaced by a
// full reload. Session flags survive a reload; per-document instrumentation
// does not.
type DocumentReplacer interface {
	Replaced() <-chan struct{}
}
