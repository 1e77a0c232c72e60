// Package cdp is a small Chrome DevTools Protocol client: one browser-level
// websocket, request/response correlation by message id, flattened target
// sessions and an event dispatcher that runs handlers off the read loop.
package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	retry "github.com/avast/retry-go/v5"
	"github.com/coder/websocket"
)

const (
	callTimeout = 30 * time.Second
	eventBuffer = 1024
)

// ErrClosed is returned for calls on a closed or disconnected client.
var ErrClosed = errors.New("cdp connection closed")

type message struct {
	ID        int64           `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *Error          `json:"error,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

// Error is a protocol-level error returned by the browser.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("cdp error %d: %s", e.Code, e.Message)
}

// Event is a protocol event. SessionID is empty for browser-level events.
type Event struct {
	Method    string
	Params    json.RawMessage
	SessionID string
}

type handler struct {
	id     int64
	method string
	fn     func(Event)
}

// Client is a browser-level CDP connection.
type Client struct {
	logger *slog.Logger
	conn   *websocket.Conn
	msgID  atomic.Int64

	mu        sync.Mutex
	pending   map[int64]chan message
	handlers  []handler
	handlerID int64

	events    chan Event
	closeOnce sync.Once
	doneOnce  sync.Once
	done      chan struct{}
}

// DialOptions tunes Dial.
type DialOptions struct {
	Attempts uint
	Delay    time.Duration
}

// Dial connects to a browser-level DevTools websocket URL, retrying while the
// browser is still starting.
func Dial(ctx context.Context, wsURL string, logger *slog.Logger, opts DialOptions) (*Client, error) {
	parsed, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("invalid devtools URL: %w", err)
	}
	if opts.Attempts == 0 {
		opts.Attempts = 10
	}
	if opts.Delay == 0 {
		opts.Delay = 500 * time.Millisecond
	}

	var conn *websocket.Conn
	err = retry.New(
		retry.Attempts(opts.Attempts),
		retry.Delay(opts.Delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	).Do(func() error {
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		c, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
			HTTPHeader: http.Header{"Host": []string{parsed.Host}},
		})
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to CDP: %w", err)
	}
	conn.SetReadLimit(100 * 1024 * 1024)

	c := &Client{
		logger:  logger,
		conn:    conn,
		pending: make(map[int64]chan message),
		events:  make(chan Event, eventBuffer),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	go c.dispatchLoop()
	return c, nil
}

// Done is closed once the connection is gone, whether by Close or by the
// browser going away.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close shuts the connection down. It is safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close(websocket.StatusNormalClosure, "client closing")
		c.shutdown()
	})
	return err
}

func (c *Client) shutdown() {
	c.doneOnce.Do(func() { close(c.done) })
}

// On registers fn for events named method ("" for every event). Handlers run
// one at a time on a dedicated goroutine and may issue calls.
func (c *Client) On(method string, fn func(Event)) (off func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlerID++
	id := c.handlerID
	c.handlers = append(c.handlers, handler{id: id, method: method, fn: fn})
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, h := range c.handlers {
			if h.id == id {
				c.handlers = append(c.handlers[:i:i], c.handlers[i+1:]...)
				return
			}
		}
	}
}

// Call sends a command and waits for its result. sessionID targets a
// flattened session; empty means the browser itself.
func (c *Client) Call(ctx context.Context, sessionID, method string, params any) (json.RawMessage, error) {
	id := c.msgID.Add(1)

	var paramsRaw json.RawMessage
	if params != nil {
		var err error
		paramsRaw, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
	}
	data, err := json.Marshal(message{ID: id, Method: method, Params: paramsRaw, SessionID: sessionID})
	if err != nil {
		return nil, fmt.Errorf("marshal CDP message: %w", err)
	}

	resultCh := make(chan message, 1)
	c.mu.Lock()
	c.pending[id] = resultCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	select {
	case <-c.done:
		return nil, ErrClosed
	default:
	}
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return nil, fmt.Errorf("write CDP: %w", err)
	}

	timer := time.NewTimer(callTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-resultCh:
		if res.Error != nil {
			return nil, fmt.Errorf("%s: %w", method, res.Error)
		}
		return res.Result, nil
	case <-timer.C:
		return nil, fmt.Errorf("CDP call timed out: %s", method)
	case <-c.done:
		return nil, ErrClosed
	}
}

func (c *Client) readLoop() {
	defer c.shutdown()
	defer close(c.events)
	ctx := context.Background()
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Warn("CDP read error", "err", err)
			}
			return
		}

		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Error("CDP unmarshal error", "err", err)
			continue
		}

		if msg.ID > 0 {
			c.mu.Lock()
			ch, ok := c.pending[msg.ID]
			c.mu.Unlock()
			if ok {
				ch <- msg
			}
			continue
		}

		select {
		case c.events <- Event{Method: msg.Method, Params: msg.Params, SessionID: msg.SessionID}:
		default:
			c.logger.Warn("dropping CDP event, dispatcher is behind", "method", msg.Method)
		}
	}
}

func (c *Client) dispatchLoop() {
	for ev := range c.events {
		c.mu.Lock()
		var fns []func(Event)
		for _, h := range c.handlers {
			if h.method == "" || h.method == ev.Method {
				fns = append(fns, h.fn)
			}
		}
		c.mu.Unlock()
		for _, fn := range fns {
			fn(ev)
		}
	}
}
