package cdp

import (
	"context"
	"encoding/json"
	"fmt"
)

// TargetInfo describes a browser target.
type TargetInfo struct {
	TargetID string `json:"targetId"`
	Type     string `json:"type"`
	URL      string `json:"url"`
	Title    string `json:"title"`
	Attached bool   `json:"attached"`
}

// Targets lists the browser's targets.
func (c *Client) Targets(ctx context.Context) ([]TargetInfo, error) {
	result, err := c.Call(ctx, "", "Target.getTargets", nil)
	if err != nil {
		return nil, fmt.Errorf("getTargets: %w", err)
	}
	var resp struct {
		TargetInfos []TargetInfo `json:"targetInfos"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal targets: %w", err)
	}
	return resp.TargetInfos, nil
}

// Pages lists the browser's page targets.
func (c *Client) Pages(ctx context.Context) ([]TargetInfo, error) {
	targets, err := c.Targets(ctx)
	if err != nil {
		return nil, err
	}
	var pages []TargetInfo
	for _, t := range targets {
		if t.Type == "page" {
			pages = append(pages, t)
		}
	}
	return pages, nil
}

// SetDiscoverTargets turns on Target.targetCreated, targetInfoChanged and
// targetDestroyed events for the whole browser. Chromium answers with a
// targetCreated event for every target that already exists.
func (c *Client) SetDiscoverTargets(ctx context.Context) error {
	if _, err := c.Call(ctx, "", "Target.setDiscoverTargets", map[string]any{"discover": true}); err != nil {
		return fmt.Errorf("setDiscoverTargets: %w", err)
	}
	return nil
}

// CreatedTarget decodes a Target.targetCreated event.
func CreatedTarget(ev Event) (TargetInfo, error) {
	var params struct {
		TargetInfo TargetInfo `json:"targetInfo"`
	}
	if err := json.Unmarshal(ev.Params, &params); err != nil {
		return TargetInfo{}, fmt.Errorf("unmarshal targetCreated: %w", err)
	}
	return params.TargetInfo, nil
}

// CreateTarget opens url in a new tab.
func (c *Client) CreateTarget(ctx context.Context, url string) (string, error) {
	result, err := c.Call(ctx, "", "Target.createTarget", map[string]any{"url": url})
	if err != nil {
		return "", fmt.Errorf("createTarget: %w", err)
	}
	var resp struct {
		TargetID string `json:"targetId"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return "", fmt.Errorf("unmarshal createTarget: %w", err)
	}
	return resp.TargetID, nil
}

// Session is a flattened session attached to one target.
type Session struct {
	client   *Client
	ID       string
	TargetID string
}

// Attach attaches to a target with flatten: true and enables the Runtime and
// Page domains on the new session.
func (c *Client) Attach(ctx context.Context, targetID string) (*Session, error) {
	result, err := c.Call(ctx, "", "Target.attachToTarget", map[string]any{
		"targetId": targetID,
		"flatten":  true,
	})
	if err != nil {
		return nil, fmt.Errorf("attachToTarget: %w", err)
	}
	var resp struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal attach: %w", err)
	}
	s := &Session{client: c, ID: resp.SessionID, TargetID: targetID}
	for _, domain := range []string{"Runtime.enable", "Page.enable"} {
		if _, err := s.Call(ctx, domain, nil); err != nil {
			return nil, fmt.Errorf("%s: %w", domain, err)
		}
	}
	return s, nil
}

// Client returns the connection the session lives on.
func (s *Session) Client() *Client {
	return s.client
}

// Call sends a command to the session's target.
func (s *Session) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return s.client.Call(ctx, s.ID, method, params)
}

// Evaluate runs expression in the page's main world and returns its value.
// Exceptions thrown by the page come back as errors.
func (s *Session) Evaluate(ctx context.Context, expression string, awaitPromise bool) (json.RawMessage, error) {
	result, err := s.Call(ctx, "Runtime.evaluate", map[string]any{
		"expression":    expression,
		"awaitPromise":  awaitPromise,
		"returnByValue": true,
	})
	if err != nil {
		return nil, err
	}

	var evalResult struct {
		Result struct {
			Type        string          `json:"type"`
			Value       json.RawMessage `json:"value"`
			Description string          `json:"description"`
			Subtype     string          `json:"subtype"`
		} `json:"result"`
		ExceptionDetails *struct {
			Text      string `json:"text"`
			Exception struct {
				Description string `json:"description"`
			} `json:"exception"`
		} `json:"exceptionDetails"`
	}
	if err := json.Unmarshal(result, &evalResult); err != nil {
		return nil, fmt.Errorf("unmarshal eval result: %w", err)
	}
	if evalResult.ExceptionDetails != nil {
		errMsg := evalResult.ExceptionDetails.Text
		if evalResult.ExceptionDetails.Exception.Description != "" {
			errMsg = evalResult.ExceptionDetails.Exception.Description
		}
		return nil, fmt.Errorf("JS exception: %s", errMsg)
	}
	if evalResult.Result.Subtype == "error" {
		return nil, fmt.Errorf("JS error: %s", evalResult.Result.Description)
	}
	return evalResult.Result.Value, nil
}

// EvaluateInto is Evaluate decoding the value into out.
func (s *Session) EvaluateInto(ctx context.Context, expression string, out any) error {
	raw, err := s.Evaluate(ctx, expression, false)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("unmarshal eval value: %w", err)
	}
	return nil
}
