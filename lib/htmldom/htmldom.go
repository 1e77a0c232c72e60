// Package htmldom is an in-memory page host for the checkout guard. It parses
// real HTML with goquery, gives every element a stable identity for its
// lifetime in the document, dispatches clicks through a capture and a bubble
// phase, and notifies observers of structural changes the way a
// MutationObserver would.
package htmldom

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"github.com/buynothing/guard/lib/guard"
	"github.com/nrednav/cuid2"
	"golang.org/x/net/html"
)

var (
	ErrDetached       = errors.New("element is not attached to the document")
	ErrUnknownElement = errors.New("element does not belong to this document")
	ErrSurfaceOpen    = errors.New("intervention surface already rendered")
	ErrNoSurface      = errors.New("no intervention surface rendered")
)

// Document is a single browser tab: a URL, the parsed page, the listeners
// attached to it, and whatever the page asked the browser to do (reloads,
// new tabs, default actions).
type Document struct {
	mu     sync.Mutex
	url    string
	source string
	doc    *goquery.Document

	ids     map[*html.Node]string
	nodes   map[string]*html.Node
	capture map[*html.Node][]guard.ClickListener
	bubble  map[*html.Node][]guard.ClickListener

	observers    map[int]func()
	nextObserver int

	prompt    *guard.Prompt
	mirrored  guard.State
	reloads   int
	opened    []string
	activated []string

	replaced chan struct{}
}

var (
	_ guard.Host             = (*Document)(nil)
	_ guard.StateMirror      = (*Document)(nil)
	_ guard.DocumentReplacer = (*Document)(nil)
)

// New loads source as the document served at url. Reload re-parses the same
// source.
func New(url, source string) (*Document, error) {
	d := &Document{
		url:       url,
		source:    source,
		observers: make(map[int]func()),
		replaced:  make(chan struct{}, 1),
	}
	if err := d.loadLocked(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Document) loadLocked() error {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(d.source))
	if err != nil {
		return fmt.Errorf("parse document: %w", err)
	}
	d.doc = doc
	d.ids = make(map[*html.Node]string)
	d.nodes = make(map[string]*html.Node)
	d.capture = make(map[*html.Node][]guard.ClickListener)
	d.bubble = make(map[*html.Node][]guard.ClickListener)
	d.prompt = nil
	return nil
}

func (d *Document) URL() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.url
}

// QueryAll returns the elements matching selector in document order. An
// invalid selector is an error; no match is an empty slice.
func (d *Document) QueryAll(selector string) ([]guard.Element, error) {
	m, err := cascadia.Compile(selector)
	if err != nil {
		return nil, fmt.Errorf("compile selector %q: %w", selector, err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	sel := d.doc.FindMatcher(m)
	out := make([]guard.Element, 0, sel.Length())
	for _, n := range sel.Nodes {
		out = append(out, d.elementLocked(n))
	}
	return out, nil
}

// Texts returns every non-blank text node outside script and style elements.
func (d *Document) Texts() ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		if n.Type == html.TextNode {
			if t := strings.TrimSpace(n.Data); t != "" {
				out = append(out, t)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range d.doc.Nodes {
		walk(n)
	}
	return out, nil
}

// Observe registers fn for structural changes. fn is called after the change
// is applied, on the goroutine that made it, with no lock held.
func (d *Document) Observe(fn func()) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextObserver
	d.nextObserver++
	d.observers[id] = fn
	return func() {
		d.mu.Lock()
		delete(d.observers, id)
		d.mu.Unlock()
	}
}

func (d *Document) notify() {
	d.mu.Lock()
	fns := make([]func(), 0, len(d.observers))
	for _, fn := range d.observers {
		fns = append(fns, fn)
	}
	d.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Find returns the first element matching selector, or nil.
func (d *Document) Find(selector string) guard.Element {
	els, err := d.QueryAll(selector)
	if err != nil || len(els) == 0 {
		return nil
	}
	return els[0]
}

// AppendHTML parses fragment and appends it to the first element matching
// parent, as client-side rendering would.
func (d *Document) AppendHTML(parent, fragment string) error {
	m, err := cascadia.Compile(parent)
	if err != nil {
		return fmt.Errorf("compile selector %q: %w", parent, err)
	}
	d.mu.Lock()
	target := d.doc.FindMatcher(m).First()
	if target.Length() == 0 {
		d.mu.Unlock()
		return fmt.Errorf("no element matches %q", parent)
	}
	target.AppendHtml(fragment)
	d.mu.Unlock()
	d.notify()
	return nil
}

// Remove detaches every element matching selector.
func (d *Document) Remove(selector string) error {
	m, err := cascadia.Compile(selector)
	if err != nil {
		return fmt.Errorf("compile selector %q: %w", selector, err)
	}
	d.mu.Lock()
	removed := d.doc.FindMatcher(m).Remove().Length()
	d.mu.Unlock()
	if removed > 0 {
		d.notify()
	}
	return nil
}

// SetBody replaces the body's children, as a client-side router does when it
// swaps views.
func (d *Document) SetBody(fragment string) {
	d.mu.Lock()
	body := d.doc.Find("body")
	body.Empty()
	body.AppendHtml(fragment)
	d.mu.Unlock()
	d.notify()
}

// Navigate changes the URL without replacing the document (a history.pushState
// route change).
func (d *Document) Navigate(url string) {
	d.mu.Lock()
	d.url = url
	d.mu.Unlock()
}

// Reload replaces the document with a fresh parse of its source. Listeners,
// observers and element identities of the old document are gone afterwards.
func (d *Document) Reload() error {
	d.mu.Lock()
	d.reloads++
	d.observers = make(map[int]func())
	err := d.loadLocked()
	d.mu.Unlock()
	if err != nil {
		return err
	}
	select {
	case d.replaced <- struct{}{}:
	default:
	}
	return nil
}

func (d *Document) Replaced() <-chan struct{} {
	return d.replaced
}

// Reloads returns how many times the document was reloaded.
func (d *Document) Reloads() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reloads
}

// Open records a URL opened in a new tab.
func (d *Document) Open(url string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opened = append(d.opened, url)
	return nil
}

// Opened returns the URLs opened in new tabs, oldest first.
func (d *Document) Opened() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.opened...)
}

// Activated returns the ids of elements whose default click action ran, i.e.
// clicks nobody prevented.
func (d *Document) Activated() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.activated...)
}

// MirrorState records the last session state the guard pushed.
func (d *Document) MirrorState(s guard.State) {
	d.mu.Lock()
	d.mirrored = s
	d.mu.Unlock()
}

// Mirrored returns the last state passed to MirrorState.
func (d *Document) Mirrored() guard.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mirrored
}

// HTML renders the current document.
func (d *Document) HTML() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Html()
}

func (d *Document) elementLocked(n *html.Node) *element {
	id, ok := d.ids[n]
	if !ok {
		id = cuid2.Generate()
		d.ids[n] = id
		d.nodes[id] = n
	}
	return &element{doc: d, node: n, id: id}
}

func (d *Document) attachedLocked(n *html.Node) bool {
	root := d.doc.Nodes[0]
	for p := n; p != nil; p = p.Parent {
		if p == root {
			return true
		}
	}
	return false
}

type element struct {
	doc  *Document
	node *html.Node
	id   string
}

func (e *element) ID() string { return e.id }

func (e *element) Text() string {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return goquery.NewDocumentFromNode(e.node).Text()
}

// AddClickListener registers a capture-phase listener.
func (e *element) AddClickListener(l guard.ClickListener) error {
	d := e.doc
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.nodes[e.id] != e.node {
		return ErrUnknownElement
	}
	if !d.attachedLocked(e.node) {
		return ErrDetached
	}
	d.capture[e.node] = append(d.capture[e.node], l)
	return nil
}
