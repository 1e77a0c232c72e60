package cdphost

import (
	"encoding/json"

	"github.com/buynothing/guard/lib/cdp"
	"github.com/buynothing/guard/lib/guard"
)

type agentMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	Cancelled bool   `json:"cancelled,omitempty"`
	Choice    string `json:"choice,omitempty"`
}

type clickEvent struct {
	target    guard.Element
	prevented bool
	stopped   bool
}

func (e *clickEvent) Target() guard.Element { return e.target }
func (e *clickEvent) PreventDefault()       { e.prevented = true }
func (e *clickEvent) StopPropagation()      { e.stopped = true }

func (h *Host) handleEvent(sessionID, targetID string, ev cdp.Event) {
	switch ev.Method {
	case "Runtime.bindingCalled":
		var params struct {
			Name    string `json:"name"`
			Payload string `json:"payload"`
		}
		if err := json.Unmarshal(ev.Params, &params); err != nil || params.Name != bindingName {
			return
		}
		var msg agentMessage
		if err := json.Unmarshal([]byte(params.Payload), &msg); err != nil {
			h.logger.Debug("ignoring malformed agent message", "err", err)
			return
		}
		h.handleAgent(msg)

	case "Page.frameNavigated":
		var params struct {
			Frame struct {
				ParentID string `json:"parentId"`
				URL      string `json:"url"`
			} `json:"frame"`
		}
		if err := json.Unmarshal(ev.Params, &params); err != nil || params.Frame.ParentID != "" {
			return
		}
		h.documentReplaced(params.Frame.URL)

	case "Target.detachedFromTarget":
		var params struct {
			SessionID string `json:"sessionId"`
		}
		if json.Unmarshal(ev.Params, &params) == nil && params.SessionID == sessionID {
			h.logger.Info("detached from target")
			h.Close()
		}

	case "Target.targetDestroyed":
		var params struct {
			TargetID string `json:"targetId"`
		}
		if json.Unmarshal(ev.Params, &params) == nil && params.TargetID == targetID {
			h.logger.Info("target destroyed")
			h.Close()
		}
	}
}

func (h *Host) handleAgent(msg agentMessage) {
	switch msg.Type {
	case "mutation":
		h.mu.Lock()
		fns := make([]func(), 0, len(h.observers))
		for _, fn := range h.observers {
			fns = append(fns, fn)
		}
		h.mu.Unlock()
		for _, fn := range fns {
			fn()
		}

	case "click":
		h.dispatchClick(msg.ID, msg.Cancelled)

	case "choice":
		c, err := guard.ParseChoice(msg.Choice)
		if err != nil {
			h.logger.Debug("ignoring unknown choice", "choice", msg.Choice)
			return
		}
		h.mu.Lock()
		p := h.prompt
		h.mu.Unlock()
		if p == nil {
			// surface rendered by an earlier connection; its guard is gone
			h.logger.Info("choice without an open surface", "choice", c)
			if err := h.invoke(nil, "dismiss"); err != nil {
				h.logger.Debug("failed to dismiss stale surface", "err", err)
			}
			return
		}
		p.Choose(c)
	}
}

// dispatchClick runs the guard listeners for a click the agent already
// decided. A click the agent cancelled but the guard allows is replayed once;
// a click the agent let through cannot be taken back.
func (h *Host) dispatchClick(id string, cancelled bool) {
	h.mu.Lock()
	listeners := append([]guard.ClickListener(nil), h.listeners[id]...)
	h.mu.Unlock()

	ev := &clickEvent{target: &element{host: h, id: id}}
	for _, l := range listeners {
		l(ev)
		if ev.stopped {
			break
		}
	}

	switch {
	case cancelled && !ev.prevented:
		var ok bool
		if err := h.invoke(&ok, "replay", id); err != nil || !ok {
			h.logger.Warn("failed to replay allowed click", "element", id, "err", err)
		}
	case !cancelled && ev.prevented:
		h.logger.Warn("click went through before it could be intercepted", "element", id)
	}
}

// documentReplaced forgets everything tied to the previous document.
func (h *Host) documentReplaced(url string) {
	h.mu.Lock()
	h.listeners = make(map[string][]guard.ClickListener)
	h.prompt = nil
	h.mu.Unlock()
	h.logger.Debug("document replaced", "url", url)
	select {
	case h.replaced <- struct{}{}:
	default:
	}
}
