package guard

import (
	"context"
	"fmt"
	"time"
)

// Run initializes the guard for the current page and keeps its
// instrumentation current until ctx is done:
//
//   - mutation batches from the host trigger a re-scan (coalesced, at most one
//     pending);
//   - every poll interval the URL is compared with the last one seen, and a
//     change re-runs Initialize after the settle delay, which catches
//     single-page-app navigation;
//   - hosts that replace their document on reload get a fresh instrumentation
//     pass with the session flags intact.
func (g *Guard) Run(ctx context.Context) error {
	g.mu.Lock()
	g.ctx = ctx
	g.lastURL = g.host.URL()
	g.mu.Unlock()

	g.safely("initialize", func() { g.Initialize() })

	var replaced <-chan struct{}
	if r, ok := g.host.(DocumentReplacer); ok {
		replaced = r.Replaced()
	}

	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()
	defer g.stopObserving()

	var settle <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-g.rescan:
			g.safely("rescan", func() { g.Scan() })
		case <-ticker.C:
			if g.urlChanged() {
				settle = time.After(g.settleDelay)
			}
		case <-settle:
			settle = nil
			g.safely("navigation", func() { g.Initialize() })
		case <-replaced:
			g.resetDocument()
			g.safely("reload", func() { g.Initialize() })
		}
	}
}

// signalRescan is the ChangeSource callback. It never blocks: if a scan is
// already pending the batch is folded into it.
func (g *Guard) signalRescan() {
	select {
	case g.rescan <- struct{}{}:
	default:
	}
}

func (g *Guard) urlChanged() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	current := g.host.URL()
	if current == g.lastURL {
		return false
	}
	g.logger.Info("navigation detected", "from", g.lastURL, "to", current)
	g.lastURL = current
	return true
}

// resetDocument forgets everything tied to the previous document.
func (g *Guard) resetDocument() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopObserve != nil {
		g.stopObserve()
		g.stopObserve = nil
	}
	g.observing = false
	g.surfaceOpen = false
	g.registry.Reset()
	g.lastURL = g.host.URL()
	g.logger.Info("document replaced", "url", g.lastURL)
}

func (g *Guard) stopObserving() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopObserve != nil {
		g.stopObserve()
		g.stopObserve = nil
	}
	g.observing = false
}

// safely runs fn and turns a panic into a log line, so one bad mutation batch
// cannot end observation for the rest of the document's life.
func (g *Guard) safely(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("guard step failed", "step", what, "err", fmt.Sprint(r))
		}
	}()
	fn()
}
