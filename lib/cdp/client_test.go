package cdp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeBrowser answers CDP commands from a table and can push events.
type fakeBrowser struct {
	t       *testing.T
	srv     *httptest.Server
	replies map[string]func(params json.RawMessage) (any, *Error)

	mu   sync.Mutex
	conn *websocket.Conn
	seen []message
}

func newFakeBrowser(t *testing.T, replies map[string]func(json.RawMessage) (any, *Error)) *fakeBrowser {
	fb := &fakeBrowser{t: t, replies: replies}
	fb.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		fb.mu.Lock()
		fb.conn = conn
		fb.mu.Unlock()
		ctx := r.Context()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var msg message
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			fb.mu.Lock()
			fb.seen = append(fb.seen, msg)
			fb.mu.Unlock()

			resp := message{ID: msg.ID, SessionID: msg.SessionID}
			if fn, ok := fb.replies[msg.Method]; ok {
				result, cdpErr := fn(msg.Params)
				resp.Error = cdpErr
				if result != nil {
					resp.Result, _ = json.Marshal(result)
				}
			} else {
				resp.Result = json.RawMessage(`{}`)
			}
			out, _ := json.Marshal(resp)
			if err := conn.Write(ctx, websocket.MessageText, out); err != nil {
				return
			}
		}
	}))
	t.Cleanup(fb.srv.Close)
	return fb
}

func (fb *fakeBrowser) url() string {
	return "ws" + strings.TrimPrefix(fb.srv.URL, "http") + "/devtools/browser/test"
}

func (fb *fakeBrowser) push(method, sessionID string, params any) {
	raw, _ := json.Marshal(params)
	out, _ := json.Marshal(message{Method: method, Params: raw, SessionID: sessionID})
	fb.mu.Lock()
	conn := fb.conn
	fb.mu.Unlock()
	require.NotNil(fb.t, conn)
	require.NoError(fb.t, conn.Write(context.Background(), websocket.MessageText, out))
}

func (fb *fakeBrowser) methods() []string {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	var out []string
	for _, m := range fb.seen {
		out = append(out, m.Method)
	}
	return out
}

func dial(t *testing.T, fb *fakeBrowser) *Client {
	t.Helper()
	c, err := Dial(context.Background(), fb.url(), silentLogger(), DialOptions{Attempts: 3, Delay: 10 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCallAndAttach(t *testing.T) {
	t.Parallel()
	fb := newFakeBrowser(t, map[string]func(json.RawMessage) (any, *Error){
		"Target.getTargets": func(json.RawMessage) (any, *Error) {
			return map[string]any{"targetInfos": []TargetInfo{
				{TargetID: "sw", Type: "service_worker"},
				{TargetID: "tab-1", Type: "page", URL: "https://shop.example/"},
			}}, nil
		},
		"Target.attachToTarget": func(p json.RawMessage) (any, *Error) {
			var params struct {
				TargetID string `json:"targetId"`
				Flatten  bool   `json:"flatten"`
			}
			_ = json.Unmarshal(p, &params)
			if !params.Flatten {
				return nil, &Error{Code: -32000, Message: "flatten required"}
			}
			return map[string]string{"sessionId": "S-" + params.TargetID}, nil
		},
		"Runtime.evaluate": func(p json.RawMessage) (any, *Error) {
			var params struct {
				Expression string `json:"expression"`
			}
			_ = json.Unmarshal(p, &params)
			if params.Expression == "boom()" {
				return map[string]any{
					"result":           map[string]any{"type": "object", "subtype": "error"},
					"exceptionDetails": map[string]any{"text": "Uncaught", "exception": map[string]string{"description": "ReferenceError: boom is not defined"}},
				}, nil
			}
			return map[string]any{"result": map[string]any{"type": "number", "value": 42}}, nil
		},
	})
	c := dial(t, fb)
	ctx := context.Background()

	pages, err := c.Pages(ctx)
	require.NoError(t, err)
	require.Len(t, pages, 1)
	assert.Equal(t, "tab-1", pages[0].TargetID)

	s, err := c.Attach(ctx, pages[0].TargetID)
	require.NoError(t, err)
	assert.Equal(t, "S-tab-1", s.ID)
	require.NoError(t, c.SetDiscoverTargets(ctx))
	assert.Equal(t, []string{"Target.getTargets", "Target.attachToTarget", "Runtime.enable", "Page.enable", "Target.setDiscoverTargets"}, fb.methods())

	var n int
	require.NoError(t, s.EvaluateInto(ctx, "6*7", &n))
	assert.Equal(t, 42, n)

	_, err = s.Evaluate(ctx, "boom()", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ReferenceError")
}

func TestCreatedTarget(t *testing.T) {
	t.Parallel()
	raw, _ := json.Marshal(map[string]any{"targetInfo": map[string]any{"targetId": "tab-2", "type": "page", "url": "https://shop.example/cart"}})
	info, err := CreatedTarget(Event{Method: "Target.targetCreated", Params: raw})
	require.NoError(t, err)
	assert.Equal(t, TargetInfo{TargetID: "tab-2", Type: "page", URL: "https://shop.example/cart"}, info)

	_, err = CreatedTarget(Event{Method: "Target.targetCreated", Params: json.RawMessage(`[`)})
	assert.Error(t, err)
}

func TestCallReturnsProtocolErrors(t *testing.T) {
	t.Parallel()
	fb := newFakeBrowser(t, map[string]func(json.RawMessage) (any, *Error){
		"Page.reload": func(json.RawMessage) (any, *Error) {
			return nil, &Error{Code: -32601, Message: "'Page.reload' wasn't found"}
		},
	})
	c := dial(t, fb)

	_, err := c.Call(context.Background(), "S-1", "Page.reload", nil)
	var cdpErr *Error
	require.ErrorAs(t, err, &cdpErr)
	assert.Equal(t, -32601, cdpErr.Code)
}

func TestEventHandlersMayCall(t *testing.T) {
	t.Parallel()
	fb := newFakeBrowser(t, nil)
	c := dial(t, fb)

	got := make(chan string, 1)
	off := c.On("Runtime.bindingCalled", func(ev Event) {
		// a handler issuing a call must not stall the read loop
		_, err := c.Call(context.Background(), ev.SessionID, "Runtime.evaluate", map[string]string{"expression": "1"})
		if err == nil {
			got <- ev.SessionID
		}
	})
	c.On("Other.event", func(Event) { t.Error("unexpected handler") })

	require.Eventually(t, func() bool {
		fb.mu.Lock()
		defer fb.mu.Unlock()
		return fb.conn != nil
	}, time.Second, 5*time.Millisecond)
	fb.push("Runtime.bindingCalled", "S-9", map[string]string{"name": "x", "payload": "{}"})

	select {
	case sid := <-got:
		assert.Equal(t, "S-9", sid)
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not run")
	}
	off()
}

func TestDoneOnDisconnect(t *testing.T) {
	t.Parallel()
	fb := newFakeBrowser(t, nil)
	c := dial(t, fb)

	require.Eventually(t, func() bool {
		fb.mu.Lock()
		defer fb.mu.Unlock()
		return fb.conn != nil
	}, time.Second, 5*time.Millisecond)
	fb.mu.Lock()
	_ = fb.conn.Close(websocket.StatusGoingAway, "browser exit")
	fb.mu.Unlock()

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not notice the disconnect")
	}
	_, err := c.Call(context.Background(), "", "Target.getTargets", nil)
	assert.Error(t, err)
}

func TestDialGivesUp(t *testing.T) {
	t.Parallel()
	_, err := Dial(context.Background(), "ws://127.0.0.1:1/devtools/browser/x", silentLogger(), DialOptions{Attempts: 2, Delay: time.Millisecond})
	assert.Error(t, err)
}
