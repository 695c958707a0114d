// Package agentrpc is the client for the agent process running inside a
// sandbox. The agent exposes a small HTTP API on the sandbox endpoint: a
// prompt call returning structured response parts, a health probe, and a
// websocket event stream publishing live progress while a prompt runs.
package agentrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Part is one piece of an agent response.
type Part struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// PromptResult is the agent's complete answer to one prompt.
type PromptResult struct {
	Parts []Part `json:"parts"`
}

// Event is a progress event emitted by the agent while working.
type Event struct {
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Client talks to one sandbox's agent. Construction is pure; no network
// traffic happens until a method is called.
type Client struct {
	baseURL string
	http    *http.Client
	dialer  *websocket.Dialer
}

const defaultPromptTimeout = 5 * time.Minute

// New returns a client bound to the given endpoint, e.g.
// "http://127.0.0.1:12345".
func New(endpoint string) *Client {
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(endpoint), "/"),
		http: &http.Client{
			Timeout: defaultPromptTimeout,
		},
		dialer: websocket.DefaultDialer,
	}
}

// Endpoint returns the base URL the client is bound to.
func (c *Client) Endpoint() string {
	return c.baseURL
}

// Healthy probes the agent's health endpoint. Any transport error or non-2xx
// status reports unhealthy.
func (c *Client) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/health", nil)
	if err != nil {
		return false
	}
	res, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<10))
	return res.StatusCode >= 200 && res.StatusCode < 300
}

// Prompt sends one prompt to the agent and waits for the full structured
// response.
func (c *Client) Prompt(ctx context.Context, text string) (PromptResult, error) {
	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return PromptResult{}, fmt.Errorf("marshal prompt: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/prompt", bytes.NewReader(payload))
	if err != nil {
		return PromptResult{}, fmt.Errorf("create prompt request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return PromptResult{}, fmt.Errorf("send prompt: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return PromptResult{}, fmt.Errorf("agent prompt status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var out PromptResult
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return PromptResult{}, fmt.Errorf("decode prompt response: %w", err)
	}
	return out, nil
}

// Text flattens a prompt result to the concatenated text of its text parts.
func (r PromptResult) Text() string {
	var b strings.Builder
	for _, part := range r.Parts {
		if part.Type == "text" {
			b.WriteString(part.Text)
		}
	}
	return b.String()
}

// EventStream subscribes to the agent's websocket event feed. Events are
// delivered on the returned channel until the context is canceled or the
// connection drops; the channel is closed either way. The subscription is
// best-effort: callers must treat a dial failure as non-fatal.
func (c *Client) EventStream(ctx context.Context) (<-chan Event, error) {
	wsURL, err := c.eventURL()
	if err != nil {
		return nil, err
	}

	conn, res, err := c.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if res != nil && res.Body != nil {
			_ = res.Body.Close()
		}
		return nil, fmt.Errorf("dial agent event stream: %w", err)
	}

	events := make(chan Event, 64)
	done := make(chan struct{})

	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	go func() {
		defer close(events)
		defer close(done)
		defer conn.Close()
		for {
			var ev Event
			if err := conn.ReadJSON(&ev); err != nil {
				return
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	return events, nil
}

func (c *Client) eventURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse agent endpoint %q: %w", c.baseURL, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported agent endpoint scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/events"
	return u.String(), nil
}
