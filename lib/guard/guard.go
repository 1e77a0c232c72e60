package guard

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultPollInterval = time.Second
	DefaultSettleDelay  = time.Second
	DefaultReloadDelay  = 100 * time.Millisecond
)

// ErrNoSurface is returned by Resolve when no intervention is open.
var ErrNoSurface = errors.New("no intervention surface is open")

// Options configures a Guard. Zero values select defaults.
type Options struct {
	Rules    Rules
	Session  string
	Store    SessionStore
	Reporter Reporter
	Rand     RandSource
	Now      func() time.Time
	Logger   *slog.Logger

	PollInterval time.Duration
	SettleDelay  time.Duration
	ReloadDelay  time.Duration
}

// Guard watches one browsing session (one tab) and interrupts its first
// checkout attempt. All state changes (session flags, the guarded element set,
// the open-surface marker, rules) happen under a single mutex, which gives the
// same serialization a browser event loop would.
type Guard struct {
	host     Host
	session  string
	store    SessionStore
	reporter Reporter
	now      func() time.Time
	logger   *slog.Logger

	pollInterval time.Duration
	settleDelay  time.Duration
	reloadDelay  time.Duration

	registry *Registry
	machine  *Machine
	composer *Composer

	mu          sync.Mutex
	ctx         context.Context
	rules       Rules
	classifier  *Classifier
	observing   bool
	stopObserve func()
	surfaceOpen bool
	lastURL     string

	// rescan coalesces mutation batches into a single pending scan
	rescan chan struct{}
}

// New wires a Guard to host.
func New(host Host, opts Options) *Guard {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	if opts.Reporter == nil {
		opts.Reporter = discardReporter{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = DefaultSettleDelay
	}
	if opts.ReloadDelay <= 0 {
		opts.ReloadDelay = DefaultReloadDelay
	}
	rules := opts.Rules.normalize()
	logger := opts.Logger.With("component", "guard", "session", opts.Session)

	return &Guard{
		host:         host,
		session:      opts.Session,
		store:        opts.Store,
		reporter:     opts.Reporter,
		now:          opts.Now,
		logger:       logger,
		pollInterval: opts.PollInterval,
		settleDelay:  opts.SettleDelay,
		reloadDelay:  opts.ReloadDelay,
		registry:     NewRegistry(logger),
		machine:      NewMachine(opts.Store),
		composer:     NewComposer(opts.Rand),
		ctx:          context.Background(),
		rules:        rules,
		classifier:   NewClassifier(rules, logger),
		rescan:       make(chan struct{}, 1),
	}
}

// Initialize runs the classify -> instrument pipeline for the current page and
// installs the change watcher the first time the page qualifies. It reports
// whether the page is checkout-capable.
func (g *Guard) Initialize() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	url := g.host.URL()
	if !g.classifier.Classify(url, g.host) {
		g.logger.Info("not a checkout page, standing by", "url", url)
		return false
	}
	g.logger.Info("checkout page detected, setting up protection", "url", url)
	g.registry.Instrument(g.host, g.rules.ButtonSelectors, g.onClick)
	if !g.observing {
		g.stopObserve = g.host.Observe(g.signalRescan)
		g.observing = true
	}
	g.mirrorLocked()
	return true
}

// Scan instruments any purchase button not yet guarded and returns how many
// listeners it attached. Attachment is complete when Scan returns.
func (g *Guard) Scan() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.registry.Instrument(g.host, g.rules.ButtonSelectors, g.onClick)
}

// SetRules swaps the heuristics and rescans with the new selectors.
func (g *Guard) SetRules(r Rules) {
	g.mu.Lock()
	g.rules = r.normalize()
	g.classifier = NewClassifier(g.rules, g.logger)
	observing := g.observing
	g.mu.Unlock()
	if observing {
		g.signalRescan()
	}
}

// State returns the session's intervention state.
func (g *Guard) State() (State, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.machine.State(g.ctx)
}

// Instrumented returns the number of guarded elements in the current document.
func (g *Guard) Instrumented() int {
	return g.registry.Len()
}

// SurfaceOpen reports whether an intervention is waiting for an answer.
func (g *Guard) SurfaceOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.surfaceOpen
}

// onClick is the capture-phase listener attached to every guarded element.
// The decision runs against a recording event and is only applied to ev once
// it completed, so a failing decision lets the click through.
func (g *Guard) onClick(ev ClickEvent) {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec := &recordedClick{ClickEvent: ev}
	ok := false
	g.safely("click", func() {
		g.decideLocked(rec)
		ok = true
	})
	if !ok {
		g.mirrorLocked()
		return
	}
	if rec.prevented {
		ev.PreventDefault()
	}
	if rec.stopped {
		ev.StopPropagation()
	}
}

func (g *Guard) decideLocked(ev ClickEvent) {
	ctx := g.ctx
	decision, err := g.machine.Click(ctx)
	if err != nil {
		// failing open: an unreadable session never blocks a purchase
		g.logger.Warn("session store unavailable, allowing click", "err", err)
		return
	}
	if decision == Allow {
		g.logger.Debug("allowing checkout click", "element", elementID(ev))
		g.mirrorLocked()
		return
	}

	g.logger.Info("intercepted checkout click", "element", elementID(ev))
	g.presentLocked(ctx)
	ev.PreventDefault()
	ev.StopPropagation()
	g.mirrorLocked()
}

// recordedClick holds back cancellation until the decision is complete.
type recordedClick struct {
	ClickEvent
	prevented bool
	stopped   bool
}

func (c *recordedClick) PreventDefault()  { c.prevented = true }
func (c *recordedClick) StopPropagation() { c.stopped = true }

func (g *Guard) presentLocked(ctx context.Context) {
	if g.surfaceOpen {
		return
	}
	total := ScrapeCartTotal(g.host, g.rules.CartTotalSelectors)
	name := ScrapeUserName(g.host, g.rules.UserNameSelectors)
	msg := g.composer.Compose(g.now(), total, name)

	prompt := Prompt{
		Message:    msg,
		HTML:       HighlightPrices(msg),
		CartTotal:  total,
		OnPractice: func() { g.resolveLogged(ChoicePractice) },
		OnSleep:    func() { g.resolveLogged(ChoiceSleep) },
		OnContinue: func() { g.resolveLogged(ChoiceContinue) },
	}
	if err := g.host.Render(prompt); err != nil {
		g.logger.Warn("failed to render intervention", "err", err)
	} else {
		g.surfaceOpen = true
	}

	d := Detection{
		Action:    ActionCheckoutDetected,
		CartTotal: total,
		URL:       g.host.URL(),
		Session:   g.session,
		At:        g.now(),
	}
	go func() {
		if err := g.reporter.Report(context.WithoutCancel(ctx), d); err != nil {
			g.logger.Debug("failed to report checkout", "err", err)
		}
	}()
}

// Resolve applies the shopper's answer to the open intervention.
func (g *Guard) Resolve(c Choice) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.surfaceOpen {
		return ErrNoSurface
	}
	resolveErr := g.machine.Resolve(g.ctx, c)
	g.surfaceOpen = false
	if err := g.host.Dismiss(); err != nil {
		g.logger.Debug("failed to dismiss intervention", "err", err)
	}
	g.logger.Info("intervention resolved", "choice", c)

	switch c {
	case ChoicePractice:
		if err := g.host.Open(g.rules.PracticeURL); err != nil {
			g.logger.Warn("failed to open practice store", "url", g.rules.PracticeURL, "err", err)
		}
	case ChoiceContinue:
		if resolveErr == nil {
			time.AfterFunc(g.reloadDelay, func() {
				if err := g.host.Reload(); err != nil {
					g.logger.Warn("failed to reload after bypass", "err", err)
				}
			})
		}
	}
	g.mirrorLocked()
	return resolveErr
}

func (g *Guard) resolveLogged(c Choice) {
	if err := g.Resolve(c); err != nil {
		g.logger.Warn("failed to resolve intervention", "choice", c, "err", err)
	}
}

func (g *Guard) mirrorLocked() {
	m, ok := g.host.(StateMirror)
	if !ok {
		return
	}
	s, err := g.machine.State(g.ctx)
	if err != nil {
		// an unknown state mirrors as not armed, so the page lets clicks through
		s = StateShown
	}
	m.MirrorState(s)
}

func elementID(ev ClickEvent) string {
	if t := ev.Target(); t != nil {
		return t.ID()
	}
	return ""
}
