package guard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeElement struct {
	id        string
	text      string
	failNext  bool
	listeners []ClickListener
}

func (e *fakeElement) ID() string   { return e.id }
func (e *fakeElement) Text() string { return e.text }

func (e *fakeElement) AddClickListener(l ClickListener) error {
	if e.failNext {
		e.failNext = false
		return errors.New("element detached")
	}
	e.listeners = append(e.listeners, l)
	return nil
}

type fakeEvent struct {
	target    Element
	prevented bool
	stopped   bool
}

func (e *fakeEvent) Target() Element  { return e.target }
func (e *fakeEvent) PreventDefault()  { e.prevented = true }
func (e *fakeEvent) StopPropagation() { e.stopped = true }

// click runs every listener of el and reports whether the click was cancelled.
func (e *fakeElement) click() bool {
	ev := &fakeEvent{target: e}
	for _, l := range e.listeners {
		l(ev)
	}
	return ev.prevented
}

type fakeDoc struct {
	url      string
	elements map[string][]*fakeElement
	texts    []string
	bad      map[string]bool
}

func newFakeDoc(url string) *fakeDoc {
	return &fakeDoc{url: url, elements: make(map[string][]*fakeElement), bad: make(map[string]bool)}
}

func (d *fakeDoc) add(selector, text string) *fakeElement {
	el := &fakeElement{id: fmt.Sprintf("el-%d", d.count()), text: text}
	d.elements[selector] = append(d.elements[selector], el)
	return el
}

func (d *fakeDoc) count() int {
	n := 0
	for _, els := range d.elements {
		n += len(els)
	}
	return n
}

func (d *fakeDoc) URL() string { return d.url }

func (d *fakeDoc) QueryAll(selector string) ([]Element, error) {
	if d.bad[selector] {
		return nil, fmt.Errorf("bad selector %q", selector)
	}
	out := make([]Element, 0, len(d.elements[selector]))
	for _, el := range d.elements[selector] {
		out = append(out, el)
	}
	return out, nil
}

func (d *fakeDoc) Texts() ([]string, error) { return d.texts, nil }

// fixedRand always picks the same template index.
type fixedRand int

func (r fixedRand) IntN(n int) int { return int(r) % n }

type failingStore struct{}

func (failingStore) Get(context.Context, Flag) (bool, error) {
	return false, errors.New("store offline")
}
func (failingStore) Set(context.Context, Flag) error { return errors.New("store offline") }
func (failingStore) Clear(context.Context) error     { return errors.New("store offline") }
func (failingStore) SetIfUnset(context.Context, Flag) (bool, error) {
	return false, errors.New("store offline")
}

// fakeHost is a Host over fakeDoc that records what the guard asked for.
type fakeHost struct {
	*fakeDoc

	mu        sync.Mutex
	observers []func()
	prompts   []Prompt
	dismissed int
	reloads   int
	opened    []string
	renderErr error
}

func newFakeHost(url string) *fakeHost {
	return &fakeHost{fakeDoc: newFakeDoc(url)}
}

func (h *fakeHost) Observe(fn func()) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.observers = append(h.observers, fn)
	return func() {}
}

func (h *fakeHost) Reload() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reloads++
	return nil
}

func (h *fakeHost) Open(url string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.opened = append(h.opened, url)
	return nil
}

func (h *fakeHost) Render(p Prompt) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.renderErr != nil {
		return h.renderErr
	}
	h.prompts = append(h.prompts, p)
	return nil
}

func (h *fakeHost) Dismiss() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dismissed++
	return nil
}

func (h *fakeHost) reloadCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reloads
}

func (h *fakeHost) lastPrompt() Prompt {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.prompts[len(h.prompts)-1]
}
