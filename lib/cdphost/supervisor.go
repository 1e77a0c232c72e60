package cdphost

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/buynothing/guard/lib/cdp"
	"github.com/buynothing/guard/lib/guard"
)

const (
	reconnectDelay = 2 * time.Second
	upstreamWait   = 30 * time.Second
)

// Upstream reports the browser's DevTools websocket URL and its changes.
type Upstream interface {
	Wait(ctx context.Context, timeout time.Duration) (string, error)
	Watch() (<-chan string, func())
}

// StoreFactory returns the session store for a tab session.
type StoreFactory func(session string) guard.SessionStore

// TabGuard is the guard running in one page target.
type TabGuard struct {
	TargetID string
	Guard    *guard.Guard
}

// Supervisor runs one guard per page tab of the browser. It follows tabs as
// they open and close, reconnects when Chromium restarts, and keeps each tab's
// session store so flags survive reconnects.
type Supervisor struct {
	upstream Upstream
	options  guard.Options
	newStore StoreFactory
	logger   *slog.Logger

	mu     sync.Mutex
	rules  guard.Rules
	stores map[string]guard.SessionStore
	guards []TabGuard
}

// NewSupervisor builds a supervisor. opts is the template for every guard;
// Session and Store are filled per tab. A nil newStore keeps flags in memory.
func NewSupervisor(upstream Upstream, opts guard.Options, newStore StoreFactory, logger *slog.Logger) *Supervisor {
	if newStore == nil {
		newStore = func(string) guard.SessionStore { return guard.NewMemoryStore() }
	}
	return &Supervisor{
		upstream: upstream,
		options:  opts,
		newStore: newStore,
		logger:   logger,
		rules:    opts.Rules,
		stores:   make(map[string]guard.SessionStore),
	}
}

// Run attaches, guards and re-attaches until ctx is done.
func (s *Supervisor) Run(ctx context.Context) error {
	updates, unsubscribe := s.upstream.Watch()
	defer unsubscribe()

	for {
		url, err := s.upstream.Wait(ctx, upstreamWait)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warn("waiting for devtools upstream", "err", err)
			continue
		}

		s.session(ctx, url, updates)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reconnectDelay):
		}
	}
}

// session runs one connection's lifetime.
func (s *Supervisor) session(ctx context.Context, url string, updates <-chan string) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	client, err := cdp.Dial(ctx, url, s.logger, cdp.DialOptions{})
	if err != nil {
		s.logger.Error("CDP dial failed", "err", err)
		return
	}
	defer client.Close()

	created := make(chan cdp.TargetInfo, 16)
	off := client.On("Target.targetCreated", func(ev cdp.Event) {
		info, err := cdp.CreatedTarget(ev)
		if err != nil || info.Type != "page" {
			return
		}
		select {
		case created <- info:
		case <-ctx.Done():
		}
	})
	defer off()

	if err := client.SetDiscoverTargets(ctx); err != nil {
		s.logger.Error("failed to enable target discovery", "err", err)
		return
	}
	pages, err := client.Pages(ctx)
	if err != nil {
		s.logger.Error("failed to list page targets", "err", err)
		return
	}

	var wg sync.WaitGroup
	gone := make(chan string)
	tabs := make(map[string]bool)
	start := func(t cdp.TargetInfo) {
		if tabs[t.TargetID] {
			return
		}
		tabs[t.TargetID] = true
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.guardTab(ctx, client, t)
			select {
			case gone <- t.TargetID:
			case <-ctx.Done():
			}
		}()
	}
	for _, p := range pages {
		start(p)
	}

wait:
	for {
		select {
		case <-ctx.Done():
		case t := <-created:
			start(t)
			continue
		case id := <-gone:
			delete(tabs, id)
			continue
		case <-client.Done():
			s.logger.Info("CDP connection lost, reconnecting")
		case next, ok := <-updates:
			if ok && next == url {
				continue
			}
			s.logger.Info("devtools upstream changed, reconnecting", "url", next)
		}
		break wait
	}
	cancel()
	wg.Wait()
}

// guardTab attaches to one page target and runs its guard until the tab goes
// away or ctx is done.
func (s *Supervisor) guardTab(ctx context.Context, client *cdp.Client, target cdp.TargetInfo) {
	host, err := Attach(ctx, client, target, s.logger)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("failed to attach to page", "target", target.TargetID, "err", err)
		}
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-host.Done():
			s.logger.Info("page target gone", "target", target.TargetID)
			cancel()
		case <-ctx.Done():
		}
	}()

	g := guard.New(host, s.optionsFor(target.TargetID))
	s.track(target.TargetID, g)
	defer s.untrack(target.TargetID)

	if err := g.Run(ctx); err != nil {
		s.logger.Error("guard stopped", "target", target.TargetID, "err", err)
	}
}

func (s *Supervisor) optionsFor(session string) guard.Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	store, ok := s.stores[session]
	if !ok {
		store = s.newStore(session)
		s.stores[session] = store
	}
	opts := s.options
	opts.Session = session
	opts.Store = store
	opts.Rules = s.rules
	return opts
}

func (s *Supervisor) track(targetID string, g *guard.Guard) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.guards = append(s.guards, TabGuard{TargetID: targetID, Guard: g})
	// rules may have changed between optionsFor and now
	g.SetRules(s.rules)
}

func (s *Supervisor) untrack(targetID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, tg := range s.guards {
		if tg.TargetID == targetID {
			s.guards = append(s.guards[:i:i], s.guards[i+1:]...)
			return
		}
	}
}

// Guards returns the running guards in the order their tabs were attached.
func (s *Supervisor) Guards() []TabGuard {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TabGuard(nil), s.guards...)
}

// SetRules applies new rules to every running guard and to every later one.
func (s *Supervisor) SetRules(r guard.Rules) {
	s.mu.Lock()
	s.rules = r
	guards := append([]TabGuard(nil), s.guards...)
	s.mu.Unlock()
	for _, tg := range guards {
		tg.Guard.SetRules(r)
	}
}
