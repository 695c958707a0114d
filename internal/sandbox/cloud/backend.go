// Package cloud runs sandboxes on a remote managed sandbox service. Compute
// units are created through the service's HTTP API and bound to block-storage
// volumes the backend finds (or creates) by tag, so a thread's volume is
// rediscoverable after the registry row is gone.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/burrowhq/burrow/internal/agentrpc"
	"github.com/burrowhq/burrow/internal/alloc"
	"github.com/burrowhq/burrow/internal/sandbox"
)

const (
	sessionIDPrefix = "cloud:"

	tagThreadID  = "ThreadId"
	tagManagedBy = "ManagedBy"
	managedBy    = "burrow"

	defaultVolumeSizeGB  = 10
	defaultHealthTimeout = 120 * time.Second
	defaultPollInterval  = 2 * time.Second

	maxErrorBody = 4 << 10
)

type Config struct {
	BaseURL       string
	Token         string
	Image         string
	VolumeSizeGB  int
	HealthTimeout time.Duration
	PollInterval  time.Duration
}

func (c *Config) applyDefaults() {
	if c.VolumeSizeGB == 0 {
		c.VolumeSizeGB = defaultVolumeSizeGB
	}
	if c.HealthTimeout == 0 {
		c.HealthTimeout = defaultHealthTimeout
	}
	if c.PollInterval == 0 {
		c.PollInterval = defaultPollInterval
	}
}

// Backend implements sandbox.Backend against the managed service API.
type Backend struct {
	cfg    Config
	http   *http.Client
	logger *log.Logger
	now    func() time.Time

	healthy func(ctx context.Context, endpoint string) bool
}

func New(cfg Config, logger *log.Logger) (*Backend, error) {
	cfg.applyDefaults()
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("cloud backend requires a base url")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("parse cloud base url %q: %w", cfg.BaseURL, err)
	}
	return &Backend{
		cfg:    cfg,
		http:   &http.Client{Timeout: 30 * time.Second},
		logger: logger,
		now:    time.Now,
		healthy: func(ctx context.Context, endpoint string) bool {
			return agentrpc.New(endpoint).Healthy(ctx)
		},
	}, nil
}

func (b *Backend) Name() string { return "cloud" }

// remoteSandbox mirrors the service's sandbox resource.
type remoteSandbox struct {
	ID       string `json:"id"`
	ThreadID string `json:"thread_id"`
	State    string `json:"state"` // pending|running|stopped
	Endpoint string `json:"endpoint"`
	VolumeID string `json:"volume_id"`
}

type remoteVolume struct {
	ID   string            `json:"id"`
	Name string            `json:"name"`
	Tags map[string]string `json:"tags"`
}

func (b *Backend) GetOrCreateSession(ctx context.Context, threadID, userID string) (sandbox.Session, error) {
	existing, err := b.findSandbox(ctx, threadID)
	if err != nil {
		return sandbox.Session{}, &sandbox.ProvisionError{ThreadID: threadID, Cause: err}
	}

	switch {
	case existing != nil && existing.State == "running":
		return b.sessionFor(threadID, existing), nil
	case existing != nil && existing.State == "stopped":
		// Restarting keeps the compute unit's identity and its volume
		// attachment; the service never hands out a new endpoint for it.
		if err := b.post(ctx, fmt.Sprintf("/v1/sandboxes/%s/start", existing.ID), nil, nil); err != nil {
			return sandbox.Session{}, &sandbox.ProvisionError{ThreadID: threadID, Cause: fmt.Errorf("restart sandbox %q: %w", existing.ID, err)}
		}
		started, err := b.awaitRunning(ctx, threadID, existing.ID)
		if err != nil {
			return sandbox.Session{}, err
		}
		return b.sessionFor(threadID, started), nil
	}

	volume, err := b.ensureVolume(ctx, threadID)
	if err != nil {
		return sandbox.Session{}, &sandbox.ProvisionError{ThreadID: threadID, Cause: err}
	}

	var created remoteSandbox
	err = b.post(ctx, "/v1/sandboxes", map[string]any{
		"thread_id": threadID,
		"user_id":   userID,
		"volume_id": volume.ID,
		"image":     b.cfg.Image,
	}, &created)
	if err != nil {
		return sandbox.Session{}, &sandbox.ProvisionError{ThreadID: threadID, Cause: fmt.Errorf("create sandbox: %w", err)}
	}

	running, err := b.awaitRunning(ctx, threadID, created.ID)
	if err != nil {
		return sandbox.Session{}, err
	}
	b.logger.Info("provisioned cloud sandbox", "thread_id", threadID, "sandbox_id", running.ID, "volume_id", volume.ID)
	return b.sessionFor(threadID, running), nil
}

func (b *Backend) StopSandbox(ctx context.Context, sessionID string) error {
	id, err := parseSessionID(sessionID)
	if err != nil {
		return err
	}
	if err := b.post(ctx, fmt.Sprintf("/v1/sandboxes/%s/stop", id), nil, nil); err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("stop sandbox %q: %w", id, err)
	}
	b.logger.Info("stopped cloud sandbox", "sandbox_id", id)
	return nil
}

func (b *Backend) IsSandboxActive(ctx context.Context, sessionID string) (bool, error) {
	id, err := parseSessionID(sessionID)
	if err != nil {
		return false, err
	}
	var sb remoteSandbox
	if err := b.get(ctx, fmt.Sprintf("/v1/sandboxes/%s", id), &sb); err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("get sandbox %q: %w", id, err)
	}
	return sb.State == "running", nil
}

func (b *Backend) ClientForSession(session sandbox.Session) *agentrpc.Client {
	return agentrpc.New(session.Endpoint)
}

// Doctor verifies the service is reachable with the configured credentials.
func (b *Backend) Doctor(ctx context.Context) (*sandbox.DoctorReport, error) {
	report := &sandbox.DoctorReport{Backend: b.Name()}
	if err := b.get(ctx, "/v1/whoami", &struct{}{}); err != nil {
		msg := fmt.Sprintf("service unreachable: %v", err)
		if isAuthError(err) {
			msg = fmt.Sprintf("credentials rejected: %v", err)
		}
		report.Checks = append(report.Checks, sandbox.DoctorCheck{
			Name: "api-reachable", Status: "fail", Message: msg,
		})
		return report, nil
	}
	report.Checks = append(report.Checks, sandbox.DoctorCheck{
		Name: "api-reachable", Status: "pass", Message: "service reachable, credentials accepted",
	})
	return report, nil
}

// findSandbox looks up the thread's sandbox through the service's by-thread
// index. Absence is not an error.
func (b *Backend) findSandbox(ctx context.Context, threadID string) (*remoteSandbox, error) {
	var sb remoteSandbox
	path := "/v1/sandboxes/by-thread/" + url.PathEscape(threadID)
	if err := b.get(ctx, path, &sb); err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("find sandbox for thread %q: %w", threadID, err)
	}
	return &sb, nil
}

// ensureVolume finds the thread's volume by tag, creating it when absent.
// Tag lookup, not name lookup, so renames on the service side cannot orphan
// the volume.
func (b *Backend) ensureVolume(ctx context.Context, threadID string) (*remoteVolume, error) {
	var listed struct {
		Volumes []remoteVolume `json:"volumes"`
	}
	q := url.Values{}
	q.Set("tag:"+tagThreadID, threadID)
	q.Set("tag:"+tagManagedBy, managedBy)
	if err := b.get(ctx, "/v1/volumes?"+q.Encode(), &listed); err != nil {
		return nil, fmt.Errorf("list volumes for thread %q: %w", threadID, err)
	}
	if len(listed.Volumes) > 0 {
		return &listed.Volumes[0], nil
	}

	var created remoteVolume
	err := b.post(ctx, "/v1/volumes", map[string]any{
		"name":    alloc.VolumeNameForThread(threadID),
		"size_gb": b.cfg.VolumeSizeGB,
		"tags": map[string]string{
			tagThreadID:  threadID,
			tagManagedBy: managedBy,
		},
	}, &created)
	if err != nil {
		return nil, fmt.Errorf("create volume for thread %q: %w", threadID, err)
	}
	return &created, nil
}

// awaitRunning polls the sandbox resource until the service reports it
// running and its agent endpoint answers. On timeout the compute unit is
// stopped; the volume stays.
func (b *Backend) awaitRunning(ctx context.Context, threadID, id string) (*remoteSandbox, error) {
	deadline := b.now().Add(b.cfg.HealthTimeout)
	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()

	for {
		var sb remoteSandbox
		if err := b.get(ctx, fmt.Sprintf("/v1/sandboxes/%s", id), &sb); err == nil {
			if sb.State == "running" && sb.Endpoint != "" && b.healthy(ctx, sb.Endpoint) {
				return &sb, nil
			}
		}
		if b.now().After(deadline) {
			b.rollback(id)
			return nil, &sandbox.ProvisionError{
				ThreadID: threadID,
				Cause:    fmt.Errorf("sandbox %q did not become ready within %s", id, b.cfg.HealthTimeout),
			}
		}
		select {
		case <-ctx.Done():
			b.rollback(id)
			return nil, &sandbox.ProvisionError{ThreadID: threadID, Cause: ctx.Err()}
		case <-ticker.C:
		}
	}
}

func (b *Backend) rollback(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := b.post(ctx, fmt.Sprintf("/v1/sandboxes/%s/stop", id), nil, nil); err != nil && !isNotFound(err) {
		b.logger.Warn("failed to stop sandbox after failed provision", "sandbox_id", id, "error", err)
	}
}

func (b *Backend) sessionFor(threadID string, sb *remoteSandbox) sandbox.Session {
	now := b.now().UTC()
	return sandbox.Session{
		ThreadID:         threadID,
		BackendSessionID: sessionIDPrefix + sb.ID,
		VolumeID:         sb.VolumeID,
		Endpoint:         sb.Endpoint,
		Status:           sandbox.StatusActive,
		CreatedAt:        now,
		LastActivity:     now,
	}
}

func parseSessionID(sessionID string) (string, error) {
	id, ok := strings.CutPrefix(sessionID, sessionIDPrefix)
	if !ok || id == "" {
		return "", fmt.Errorf("session id %q is not a cloud session", sessionID)
	}
	return id, nil
}

type apiError struct {
	StatusCode int
	Body       string
}

func (e *apiError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("api returned status %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("api returned status %d", e.StatusCode)
}

func (b *Backend) get(ctx context.Context, path string, out any) error {
	return b.do(ctx, http.MethodGet, path, nil, out)
}

func (b *Backend) post(ctx context.Context, path string, payload, out any) error {
	return b.do(ctx, http.MethodPost, path, payload, out)
}

func (b *Backend) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, b.cfg.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if b.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+b.cfg.Token)
	}

	resp, err := b.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &apiError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func isNotFound(err error) bool {
	var apiErr *apiError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

func isAuthError(err error) bool {
	var apiErr *apiError
	return errors.As(err, &apiErr) &&
		(apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden)
}
