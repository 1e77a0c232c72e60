// Package cdphost runs the checkout guard against a live Chromium tab over the
// DevTools protocol.
package cdphost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/buynothing/guard/lib/cdp"
	"github.com/buynothing/guard/lib/guard"
)

const agentCallTimeout = 5 * time.Second

var (
	ErrDetached    = errors.New("element is not attached to the document")
	ErrSurfaceOpen = errors.New("intervention surface already rendered")
)

// session is the part of a CDP target session the host uses.
type session interface {
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
	Evaluate(ctx context.Context, expression string, awaitPromise bool) (json.RawMessage, error)
}

// opener opens new tabs.
type opener interface {
	CreateTarget(ctx context.Context, url string) (string, error)
}

// Host is a guard.Host backed by one Chromium tab.
type Host struct {
	ctx     context.Context
	logger  *slog.Logger
	sess    session
	browser opener

	mu           sync.Mutex
	listeners    map[string][]guard.ClickListener
	observers    map[int]func()
	nextObserver int
	prompt       *guard.Prompt
	armed        bool

	replaced  chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

var (
	_ guard.Host             = (*Host)(nil)
	_ guard.StateMirror      = (*Host)(nil)
	_ guard.DocumentReplacer = (*Host)(nil)
)

func newHost(ctx context.Context, sess session, browser opener, logger *slog.Logger) *Host {
	return &Host{
		ctx:       ctx,
		logger:    logger,
		sess:      sess,
		browser:   browser,
		listeners: make(map[string][]guard.ClickListener),
		observers: make(map[int]func()),
		armed:     true,
		replaced:  make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Attach attaches to target, installs the agent in its current and future
// documents, and routes the tab's events to the returned host. The host is
// closed when ctx is done or the connection goes away.
func Attach(ctx context.Context, client *cdp.Client, target cdp.TargetInfo, logger *slog.Logger) (*Host, error) {
	sess, err := client.Attach(ctx, target.TargetID)
	if err != nil {
		return nil, err
	}
	logger = logger.With("target", target.TargetID)
	h := newHost(ctx, sess, client, logger)

	off := client.On("", func(ev cdp.Event) {
		if ev.SessionID == sess.ID || (ev.SessionID == "" && strings.HasPrefix(ev.Method, "Target.")) {
			h.handleEvent(sess.ID, target.TargetID, ev)
		}
	})
	go func() {
		select {
		case <-ctx.Done():
		case <-client.Done():
		case <-h.done:
		}
		off()
		h.Close()
	}()

	if err := h.install(ctx); err != nil {
		h.Close()
		return nil, err
	}
	logger.Info("attached to page target", "url", target.URL, "session", sess.ID)
	return h, nil
}

func (h *Host) install(ctx context.Context) error {
	if _, err := h.sess.Call(ctx, "Runtime.addBinding", map[string]any{"name": bindingName}); err != nil {
		return fmt.Errorf("add binding: %w", err)
	}
	if _, err := h.sess.Call(ctx, "Page.addScriptToEvaluateOnNewDocument", map[string]any{"source": agentScript}); err != nil {
		return fmt.Errorf("add agent script: %w", err)
	}
	if _, err := h.sess.Evaluate(ctx, agentScript, false); err != nil {
		return fmt.Errorf("inject agent: %w", err)
	}
	return nil
}

// Done is closed once the tab is gone or detached.
func (h *Host) Done() <-chan struct{} {
	return h.done
}

// Close stops routing events to the host.
func (h *Host) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// invoke calls an agent function with JSON-encoded arguments and decodes its
// return value into out (which may be nil).
func (h *Host) invoke(out any, name string, args ...any) error {
	if args == nil {
		args = []any{}
	}
	rawArgs, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("marshal agent args: %w", err)
	}
	expr := fmt.Sprintf(`(() => {
		const agent = window.%s;
		if (!agent) throw new Error("guard agent not installed");
		return agent.invoke(%q, %s);
	})()`, agentGlobal, name, rawArgs)

	ctx, cancel := context.WithTimeout(h.ctx, agentCallTimeout)
	defer cancel()
	raw, err := h.sess.Evaluate(ctx, expr, false)
	if err != nil {
		return fmt.Errorf("agent %s: %w", name, err)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode agent %s: %w", name, err)
	}
	return nil
}

func (h *Host) URL() string {
	var url string
	if err := h.invoke(&url, "url"); err != nil {
		h.logger.Debug("failed to read page URL", "err", err)
	}
	return url
}

func (h *Host) QueryAll(selector string) ([]guard.Element, error) {
	var found []struct {
		ID string `json:"id"`
	}
	if err := h.invoke(&found, "query", selector); err != nil {
		return nil, err
	}
	out := make([]guard.Element, 0, len(found))
	for _, f := range found {
		out = append(out, &element{host: h, id: f.ID})
	}
	return out, nil
}

func (h *Host) Texts() ([]string, error) {
	var texts []string
	if err := h.invoke(&texts, "texts"); err != nil {
		return nil, err
	}
	return texts, nil
}

// Observe registers fn for the agent's throttled mutation reports.
func (h *Host) Observe(fn func()) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextObserver
	h.nextObserver++
	h.observers[id] = fn
	return func() {
		h.mu.Lock()
		delete(h.observers, id)
		h.mu.Unlock()
	}
}

func (h *Host) Reload() error {
	ctx, cancel := context.WithTimeout(h.ctx, agentCallTimeout)
	defer cancel()
	_, err := h.sess.Call(ctx, "Page.reload", map[string]any{"ignoreCache": false})
	return err
}

func (h *Host) Open(url string) error {
	ctx, cancel := context.WithTimeout(h.ctx, agentCallTimeout)
	defer cancel()
	_, err := h.browser.CreateTarget(ctx, url)
	return err
}

func (h *Host) Render(p guard.Prompt) error {
	var ok bool
	if err := h.invoke(&ok, "render", p.Markup()); err != nil {
		return err
	}
	if !ok {
		return ErrSurfaceOpen
	}
	h.mu.Lock()
	h.prompt = &p
	h.mu.Unlock()
	return nil
}

func (h *Host) Dismiss() error {
	h.mu.Lock()
	h.prompt = nil
	h.mu.Unlock()
	return h.invoke(nil, "dismiss")
}

// MirrorState arms the agent while the session is Idle.
func (h *Host) MirrorState(s guard.State) {
	armed := s == guard.StateIdle
	h.mu.Lock()
	h.armed = armed
	h.mu.Unlock()
	if err := h.invoke(nil, "arm", armed); err != nil {
		h.logger.Debug("failed to mirror state", "state", s, "err", err)
	}
}

func (h *Host) Replaced() <-chan struct{} {
	return h.replaced
}

type element struct {
	host *Host
	id   string
}

func (e *element) ID() string { return e.id }

func (e *element) Text() string {
	var text string
	if err := e.host.invoke(&text, "text", e.id); err != nil {
		e.host.logger.Debug("failed to read element text", "element", e.id, "err", err)
	}
	return text
}

func (e *element) AddClickListener(l guard.ClickListener) error {
	h := e.host
	h.mu.Lock()
	armed := h.armed
	h.mu.Unlock()

	var ok bool
	if err := h.invoke(&ok, "listen", e.id, armed); err != nil {
		return err
	}
	if !ok {
		return ErrDetached
	}
	h.mu.Lock()
	h.listeners[e.id] = append(h.listeners[e.id], l)
	h.mu.Unlock()
	return nil
}
