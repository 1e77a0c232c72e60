package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/buynothing/guard/lib/guard"
)

// Client talks to a remote collector. It satisfies guard.Reporter.
type Client struct {
	baseURL string
	http    *http.Client
}

var _ guard.Reporter = (*Client)(nil)

// NewClient returns a client for the collector at baseURL.
func NewClient(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 5 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: hc}
}

// Report posts a detection.
func (c *Client) Report(ctx context.Context, d guard.Detection) error {
	body, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode detection: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/events", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, http.StatusCreated, nil)
}

// Last fetches the most recent attempt; ErrNotFound when there is none.
func (c *Client) Last(ctx context.Context) (Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/events/last", nil)
	if err != nil {
		return Event{}, err
	}
	var ev Event
	if err := c.do(req, http.StatusOK, &ev); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// Stats fetches the collector's statistics.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/stats", nil)
	if err != nil {
		return Stats{}, err
	}
	var st Stats
	if err := c.do(req, http.StatusOK, &st); err != nil {
		return Stats{}, err
	}
	return st, nil
}

func (c *Client) do(req *http.Request, want int, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound && req.Method == http.MethodGet {
		return ErrNotFound
	}
	if resp.StatusCode != want {
		var e errorResponse
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		if json.Unmarshal(msg, &e) == nil && e.Message != "" {
			return fmt.Errorf("%s %s: %s: %s", req.Method, req.URL.Path, resp.Status, e.Message)
		}
		return fmt.Errorf("%s %s: %s", req.Method, req.URL.Path, resp.Status)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}
