// Package docker runs sandboxes as containers on a local container runtime,
// driving the docker CLI. Each thread gets one named container bound to one
// named volume; the container is disposable, the volume is not.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/burrowhq/burrow/internal/agentrpc"
	"github.com/burrowhq/burrow/internal/alloc"
	"github.com/burrowhq/burrow/internal/sandbox"
)

const (
	// backendSessionID layout: docker:<container>:<host port>. Opaque to
	// callers, parsed only here.
	sessionIDPrefix = "docker:"

	defaultImage         = "ghcr.io/burrowhq/burrow-agent:latest"
	defaultAgentPort     = 8377
	defaultWorkdir       = "/workspace"
	defaultHealthTimeout = 60 * time.Second
	defaultPollInterval  = time.Second
	defaultStopGrace     = 10 * time.Second

	// How many candidate host ports to try before giving up on a thread.
	maxPortAttempts = 16
)

// Config tunes the backend. Zero values fall back to defaults.
type Config struct {
	Image         string
	AgentPort     int
	Workdir       string
	HealthTimeout time.Duration
	PollInterval  time.Duration
	StopGrace     time.Duration
}

func (c *Config) applyDefaults() {
	if c.Image == "" {
		c.Image = defaultImage
	}
	if c.AgentPort == 0 {
		c.AgentPort = defaultAgentPort
	}
	if c.Workdir == "" {
		c.Workdir = defaultWorkdir
	}
	if c.HealthTimeout == 0 {
		c.HealthTimeout = defaultHealthTimeout
	}
	if c.PollInterval == 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.StopGrace == 0 {
		c.StopGrace = defaultStopGrace
	}
}

// Backend implements sandbox.Backend on top of the docker CLI.
type Backend struct {
	cfg    Config
	logger *log.Logger

	// Seams for tests.
	run      func(ctx context.Context, args ...string) (string, error)
	portFree func(port int) bool
	healthy  func(ctx context.Context, endpoint string) bool
	now      func() time.Time
}

func New(cfg Config, logger *log.Logger) *Backend {
	cfg.applyDefaults()
	return &Backend{
		cfg:      cfg,
		logger:   logger,
		run:      runDocker,
		portFree: portFree,
		healthy: func(ctx context.Context, endpoint string) bool {
			return agentrpc.New(endpoint).Healthy(ctx)
		},
		now: time.Now,
	}
}

func (b *Backend) Name() string { return "docker" }

func (b *Backend) GetOrCreateSession(ctx context.Context, threadID, userID string) (sandbox.Session, error) {
	container := alloc.NameForThread(threadID)
	volume := alloc.VolumeNameForThread(threadID)

	state, port, err := b.containerState(ctx, container)
	if err != nil {
		return sandbox.Session{}, err
	}

	switch state {
	case containerRunning:
		return b.sessionFor(threadID, container, volume, port), nil
	case containerStopped:
		// Restart the existing container rather than recreating it, so the
		// published port and any in-container state survive.
		if _, err := b.run(ctx, "start", container); err != nil {
			return sandbox.Session{}, &sandbox.ProvisionError{ThreadID: threadID, Cause: fmt.Errorf("restart container %q: %w", container, err)}
		}
		if err := b.awaitHealthy(ctx, threadID, container, port); err != nil {
			return sandbox.Session{}, err
		}
		b.logger.Info("restarted sandbox container", "thread_id", threadID, "container", container, "port", port)
		return b.sessionFor(threadID, container, volume, port), nil
	}

	if err := b.ensureVolume(ctx, volume); err != nil {
		return sandbox.Session{}, &sandbox.ProvisionError{ThreadID: threadID, Cause: err}
	}

	port, err = b.pickPort(threadID)
	if err != nil {
		return sandbox.Session{}, &sandbox.ProvisionError{ThreadID: threadID, Cause: err}
	}

	args := []string{
		"run", "-d",
		"--name", container,
		"--label", "managed-by=burrow",
		"--label", "thread-id=" + threadID,
		"-v", volume + ":" + b.cfg.Workdir,
		"-p", fmt.Sprintf("127.0.0.1:%d:%d", port, b.cfg.AgentPort),
		"-e", "BURROW_THREAD_ID=" + threadID,
		"-e", "BURROW_USER_ID=" + userID,
		b.cfg.Image,
	}
	if _, err := b.run(ctx, args...); err != nil {
		return sandbox.Session{}, &sandbox.ProvisionError{ThreadID: threadID, Cause: fmt.Errorf("create container %q: %w", container, err)}
	}

	if err := b.awaitHealthy(ctx, threadID, container, port); err != nil {
		return sandbox.Session{}, err
	}

	b.logger.Info("provisioned sandbox container", "thread_id", threadID, "container", container, "port", port)
	return b.sessionFor(threadID, container, volume, port), nil
}

func (b *Backend) StopSandbox(ctx context.Context, sessionID string) error {
	container, _, err := parseSessionID(sessionID)
	if err != nil {
		return err
	}
	grace := strconv.Itoa(int(b.cfg.StopGrace.Seconds()))
	if _, err := b.run(ctx, "stop", "-t", grace, container); err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("stop container %q: %w", container, err)
	}
	b.logger.Info("stopped sandbox container", "container", container)
	return nil
}

func (b *Backend) IsSandboxActive(ctx context.Context, sessionID string) (bool, error) {
	container, _, err := parseSessionID(sessionID)
	if err != nil {
		return false, err
	}
	out, err := b.run(ctx, "inspect", "-f", "{{.State.Running}}", container)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("inspect container %q: %w", container, err)
	}
	return strings.TrimSpace(out) == "true", nil
}

func (b *Backend) ClientForSession(session sandbox.Session) *agentrpc.Client {
	return agentrpc.New(session.Endpoint)
}

// Doctor reports whether the local runtime can host sandboxes.
func (b *Backend) Doctor(ctx context.Context) (*sandbox.DoctorReport, error) {
	report := &sandbox.DoctorReport{Backend: b.Name()}

	if _, err := exec.LookPath("docker"); err != nil {
		report.Checks = append(report.Checks, sandbox.DoctorCheck{
			Name: "docker-binary", Status: "fail", Message: "docker not found in PATH",
		})
		return report, nil
	}
	report.Checks = append(report.Checks, sandbox.DoctorCheck{
		Name: "docker-binary", Status: "pass", Message: "docker found in PATH",
	})

	if _, err := b.run(ctx, "info", "--format", "{{.ServerVersion}}"); err != nil {
		report.Checks = append(report.Checks, sandbox.DoctorCheck{
			Name: "docker-daemon", Status: "fail", Message: fmt.Sprintf("daemon unreachable: %v", err),
		})
		return report, nil
	}
	report.Checks = append(report.Checks, sandbox.DoctorCheck{
		Name: "docker-daemon", Status: "pass", Message: "daemon reachable",
	})

	if _, err := b.run(ctx, "image", "inspect", b.cfg.Image); err != nil {
		report.Checks = append(report.Checks, sandbox.DoctorCheck{
			Name: "agent-image", Status: "warn", Message: fmt.Sprintf("image %q not present locally, first provision will pull it", b.cfg.Image),
		})
	} else {
		report.Checks = append(report.Checks, sandbox.DoctorCheck{
			Name: "agent-image", Status: "pass", Message: fmt.Sprintf("image %q present", b.cfg.Image),
		})
	}
	return report, nil
}

type containerState int

const (
	containerAbsent containerState = iota
	containerRunning
	containerStopped
)

// containerState inspects the container and, when present, recovers its
// published host port so restarts reuse it.
func (b *Backend) containerState(ctx context.Context, container string) (containerState, int, error) {
	out, err := b.run(ctx, "inspect", "-f",
		`{{.State.Running}} {{range $p, $conf := .HostConfig.PortBindings}}{{(index $conf 0).HostPort}}{{end}}`,
		container)
	if err != nil {
		if isNotFound(err) {
			return containerAbsent, 0, nil
		}
		return containerAbsent, 0, fmt.Errorf("inspect container %q: %w", container, err)
	}
	fields := strings.Fields(strings.TrimSpace(out))
	if len(fields) < 2 {
		return containerAbsent, 0, fmt.Errorf("inspect container %q: unexpected output %q", container, out)
	}
	port, err := strconv.Atoi(fields[1])
	if err != nil {
		return containerAbsent, 0, fmt.Errorf("inspect container %q: bad host port %q", container, fields[1])
	}
	if fields[0] == "true" {
		return containerRunning, port, nil
	}
	return containerStopped, port, nil
}

func (b *Backend) ensureVolume(ctx context.Context, volume string) error {
	if _, err := b.run(ctx, "volume", "inspect", volume); err == nil {
		return nil
	}
	if _, err := b.run(ctx, "volume", "create", "--label", "managed-by=burrow", volume); err != nil {
		return fmt.Errorf("create volume %q: %w", volume, err)
	}
	return nil
}

// pickPort starts at the thread's deterministic port and walks forward until
// a free one is found, bounding the search.
func (b *Backend) pickPort(threadID string) (int, error) {
	port := alloc.PortForThread(threadID)
	for i := 0; i < maxPortAttempts; i++ {
		if b.portFree(port) {
			return port, nil
		}
		port = alloc.NextPort(port)
	}
	return 0, fmt.Errorf("no free port within %d attempts of %d", maxPortAttempts, alloc.PortForThread(threadID))
}

// awaitHealthy polls the agent endpoint until it answers or the bounded wait
// expires. On timeout the container is torn down; the volume is kept so the
// thread's files survive the failed provision.
func (b *Backend) awaitHealthy(ctx context.Context, threadID, container string, port int) error {
	endpoint := endpointFor(port)
	deadline := b.now().Add(b.cfg.HealthTimeout)

	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if b.healthy(ctx, endpoint) {
			return nil
		}
		if b.now().After(deadline) {
			b.rollback(container)
			return &sandbox.ProvisionError{
				ThreadID: threadID,
				Cause:    fmt.Errorf("container %q did not become healthy within %s", container, b.cfg.HealthTimeout),
			}
		}
		select {
		case <-ctx.Done():
			b.rollback(container)
			return &sandbox.ProvisionError{ThreadID: threadID, Cause: ctx.Err()}
		case <-ticker.C:
		}
	}
}

// rollback removes a failed container. Uses a fresh context so cleanup still
// runs when the caller's context is already cancelled.
func (b *Backend) rollback(container string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := b.run(ctx, "rm", "-f", container); err != nil && !isNotFound(err) {
		b.logger.Warn("failed to remove container after failed provision", "container", container, "error", err)
	}
}

func (b *Backend) sessionFor(threadID, container, volume string, port int) sandbox.Session {
	now := b.now().UTC()
	return sandbox.Session{
		ThreadID:         threadID,
		BackendSessionID: fmt.Sprintf("%s%s:%d", sessionIDPrefix, container, port),
		VolumeID:         volume,
		Endpoint:         endpointFor(port),
		Status:           sandbox.StatusActive,
		CreatedAt:        now,
		LastActivity:     now,
	}
}

func endpointFor(port int) string {
	return fmt.Sprintf("http://127.0.0.1:%d", port)
}

func parseSessionID(sessionID string) (container string, port int, err error) {
	rest, ok := strings.CutPrefix(sessionID, sessionIDPrefix)
	if !ok {
		return "", 0, fmt.Errorf("session id %q is not a docker session", sessionID)
	}
	container, portStr, ok := strings.Cut(rest, ":")
	if !ok || container == "" {
		return "", 0, fmt.Errorf("malformed docker session id %q", sessionID)
	}
	port, err = strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("malformed docker session id %q: %w", sessionID, err)
	}
	return container, port, nil
}

func runDocker(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "docker", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			// CommandContext may surface "signal: killed" instead of the
			// context error.
			return "", ctx.Err()
		}
		errText := strings.TrimSpace(stderr.String())
		if errText == "" {
			errText = strings.TrimSpace(stdout.String())
		}
		if errText != "" {
			return "", fmt.Errorf("docker %s: %w: %s", args[0], err, errText)
		}
		return "", fmt.Errorf("docker %s: %w", args[0], err)
	}
	return stdout.String(), nil
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no such container") ||
		strings.Contains(msg, "no such object") ||
		strings.Contains(msg, "no such volume") ||
		strings.Contains(msg, "not found")
}

func portFree(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}
