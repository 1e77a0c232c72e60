package guard

import (
	"log/slog"
	"sync"
)

// Registry instruments purchase buttons exactly once per element. The set of
// guarded elements lives here, keyed by element identity, so the host page's
// own attributes are never touched.
type Registry struct {
	mu      sync.Mutex
	guarded map[string]struct{}
	logger  *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{guarded: make(map[string]struct{}), logger: logger}
}

// Instrument walks selectors in order and attaches l to every matching element
// that is not guarded yet. It returns the number of listeners attached by this
// call; a repeated call over an unchanged document returns 0.
//
// An element is marked before its listener is attached, so a concurrent or
// re-entrant scan never attaches twice. If the attach fails (typically the
// element left the document mid-scan) the mark is dropped again.
func (r *Registry) Instrument(doc Document, selectors []string, l ClickListener) int {
	attached := 0
	for _, sel := range selectors {
		els, err := doc.QueryAll(sel)
		if err != nil {
			r.logger.Debug("button query failed", "selector", sel, "err", err)
			continue
		}
		for _, el := range els {
			if !r.mark(el.ID()) {
				continue
			}
			if err := el.AddClickListener(l); err != nil {
				r.unmark(el.ID())
				r.logger.Debug("dropping element that could not be instrumented", "selector", sel, "err", err)
				continue
			}
			attached++
			r.logger.Info("protected checkout button", "selector", sel, "element", el.ID())
		}
	}
	return attached
}

// Guarded reports whether the element with id has been instrumented.
func (r *Registry) Guarded(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.guarded[id]
	return ok
}

// Len returns the number of guarded elements.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.guarded)
}

// Reset forgets every element. Hosts call it when the document is replaced.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.guarded = make(map[string]struct{})
	r.mu.Unlock()
}

func (r *Registry) mark(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.guarded[id]; ok {
		return false
	}
	r.guarded[id] = struct{}{}
	return true
}

func (r *Registry) unmark(id string) {
	r.mu.Lock()
	delete(r.guarded, id)
	r.mu.Unlock()
}
