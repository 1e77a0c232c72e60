package htmldom

import (
	"fmt"

	"github.com/buynothing/guard/lib/guard"
	"golang.org/x/net/html"
)

type clickEvent struct {
	target    guard.Element
	prevented bool
	stopped   bool
}

func (e *clickEvent) Target() guard.Element { return e.target }
func (e *clickEvent) PreventDefault()       { e.prevented = true }
func (e *clickEvent) StopPropagation()      { e.stopped = true }

// AddListener registers a bubble-phase listener, the way the page's own
// scripts attach click handlers.
func (d *Document) AddListener(el guard.Element, l guard.ClickListener) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.nodes[el.ID()]
	if !ok {
		return ErrUnknownElement
	}
	d.bubble[n] = append(d.bubble[n], l)
	return nil
}

// Click dispatches a click on el: capture listeners from the root down to the
// target, then bubble listeners from the target up. StopPropagation ends the
// dispatch after the current node. If no listener prevented the default
// action, the action runs: buttons of the intervention surface resolve it and
// every other element is recorded as activated. Click reports whether the
// default action was prevented.
func (d *Document) Click(el guard.Element) (bool, error) {
	d.mu.Lock()
	n, ok := d.nodes[el.ID()]
	if !ok {
		d.mu.Unlock()
		return false, ErrUnknownElement
	}
	if !d.attachedLocked(n) {
		d.mu.Unlock()
		return false, ErrDetached
	}
	var path []*html.Node
	for p := n; p != nil; p = p.Parent {
		path = append(path, p)
	}
	// per-node listener snapshots, capture order first
	var phases [][]guard.ClickListener
	for i := len(path) - 1; i >= 0; i-- {
		phases = append(phases, append([]guard.ClickListener(nil), d.capture[path[i]]...))
	}
	for _, p := range path {
		phases = append(phases, append([]guard.ClickListener(nil), d.bubble[p]...))
	}
	target := d.elementLocked(n)
	d.mu.Unlock()

	ev := &clickEvent{target: target}
	for _, listeners := range phases {
		for _, l := range listeners {
			l(ev)
		}
		if ev.stopped {
			break
		}
	}
	if ev.prevented {
		return true, nil
	}
	return false, d.activate(n, target.ID())
}

// ClickSelector clicks the first element matching selector.
func (d *Document) ClickSelector(selector string) (bool, error) {
	el := d.Find(selector)
	if el == nil {
		return false, fmt.Errorf("no element matches %q", selector)
	}
	return d.Click(el)
}

func (d *Document) activate(n *html.Node, id string) error {
	if choice, ok := d.surfaceChoice(n); ok {
		return d.Choose(choice)
	}
	d.mu.Lock()
	d.activated = append(d.activated, id)
	d.mu.Unlock()
	return nil
}

// surfaceChoice reports the choice carried by a button inside the rendered
// surface.
func (d *Document) surfaceChoice(n *html.Node) (guard.Choice, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.prompt == nil {
		return "", false
	}
	var raw string
	for _, a := range n.Attr {
		if a.Key == "data-choice" {
			raw = a.Val
		}
	}
	if raw == "" {
		return "", false
	}
	for p := n; p != nil; p = p.Parent {
		for _, a := range p.Attr {
			if a.Key == "id" && a.Val == guard.ModalID {
				c, err := guard.ParseChoice(raw)
				return c, err == nil
			}
		}
	}
	return "", false
}

// Render inserts the intervention surface at the end of the body. A second
// surface is refused while one is rendered.
func (d *Document) Render(p guard.Prompt) error {
	d.mu.Lock()
	if d.prompt != nil || d.doc.Find("#"+guard.ModalID).Length() > 0 {
		d.mu.Unlock()
		return ErrSurfaceOpen
	}
	d.doc.Find("body").AppendHtml(p.Markup())
	d.prompt = &p
	d.mu.Unlock()
	d.notify()
	return nil
}

// Dismiss removes the surface.
func (d *Document) Dismiss() error {
	d.mu.Lock()
	if d.prompt == nil {
		d.mu.Unlock()
		return ErrNoSurface
	}
	d.doc.Find("#" + guard.ModalID).Remove()
	d.prompt = nil
	d.mu.Unlock()
	d.notify()
	return nil
}

// Prompt returns the rendered prompt, if any.
func (d *Document) Prompt() (guard.Prompt, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.prompt == nil {
		return guard.Prompt{}, false
	}
	return *d.prompt, true
}

// Choose answers the rendered surface as the shopper would.
func (d *Document) Choose(c guard.Choice) error {
	p, ok := d.Prompt()
	if !ok {
		return ErrNoSurface
	}
	p.Choose(c)
	return nil
}
