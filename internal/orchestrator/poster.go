package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// WebhookPoster delivers replies and typing signals to a chat relay over
// HTTP.
type WebhookPoster struct {
	URL    string
	Client *http.Client
}

func NewWebhookPoster(url string) *WebhookPoster {
	return &WebhookPoster{
		URL:    url,
		Client: &http.Client{Timeout: 15 * time.Second},
	}
}

func (p *WebhookPoster) Post(ctx context.Context, threadID, text string) error {
	return p.send(ctx, map[string]string{
		"type":      "message",
		"thread_id": threadID,
		"text":      text,
	})
}

func (p *WebhookPoster) Typing(ctx context.Context, threadID string) error {
	return p.send(ctx, map[string]string{
		"type":      "typing",
		"thread_id": threadID,
	})
}

func (p *WebhookPoster) send(ctx context.Context, payload map[string]string) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("webhook status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// LogPoster is the poster used when no webhook is configured: replies still
// land in the registry and the response body, so only the push channel is
// missing.
type LogPoster struct {
	Logger *log.Logger
}

func (p *LogPoster) Post(_ context.Context, threadID, text string) error {
	p.Logger.Info("reply ready", "thread_id", threadID, "chars", len(text))
	return nil
}

func (p *LogPoster) Typing(context.Context, string) error { return nil }
