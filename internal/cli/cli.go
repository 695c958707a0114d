package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"

	"github.com/burrowhq/burrow/internal/endpoint"
	"github.com/burrowhq/burrow/internal/observability"
	"github.com/burrowhq/burrow/internal/ops"
	"github.com/burrowhq/burrow/internal/orchestrator"
	"github.com/burrowhq/burrow/internal/paths"
	"github.com/burrowhq/burrow/internal/reaper"
	"github.com/burrowhq/burrow/internal/registry"
	"github.com/burrowhq/burrow/internal/runtimeconfig"
	"github.com/burrowhq/burrow/internal/sandbox"
	"github.com/burrowhq/burrow/internal/sandbox/cloud"
	"github.com/burrowhq/burrow/internal/sandbox/docker"
	"github.com/burrowhq/burrow/internal/session"
	"github.com/burrowhq/burrow/internal/state"
)

type runtimeContext struct {
	Stdout     *os.File
	Config     runtimeconfig.Config
	ConfigPath string
	Version    string
}

type CLI struct {
	Serve    ServeCommand    `cmd:"" help:"Run the burrow session server"`
	Sessions SessionsCommand `cmd:"" help:"Inspect and manage sessions"`
	Reap     ReapCommand     `cmd:"" help:"Stop sessions idle past the timeout"`
	Doctor   DoctorCommand   `cmd:"" help:"Run environment and backend diagnostics"`
	Config   ConfigCommand   `cmd:"" help:"Configuration commands"`
	Version  VersionCommand  `cmd:"" help:"Print the burrow version"`
}

type ServeCommand struct {
	Listen   string `help:"Ops listen endpoint (host:port, unix://path, or absolute socket path)"`
	Backend  string `help:"Sandbox backend (docker|cloud; defaults to runtime config or docker)"`
	Webhook  string `help:"Relay webhook for replies and typing signals"`
	LogLevel string `help:"Server log level (debug|info|warn|error)"`
}

type SessionsCommand struct {
	List SessionsListCommand `cmd:"" default:"withargs" help:"List registered sessions"`
	Show SessionsShowCommand `cmd:"" help:"Show one thread's session"`
	Stop SessionsStopCommand `cmd:"" help:"Stop one thread's sandbox"`
}

type SessionsListCommand struct {
	Status string `help:"Filter by status (active|idle|stopped)"`
	JSON   bool   `help:"Print sessions as JSON"`
}

type SessionsShowCommand struct {
	Thread string `arg:"" help:"Thread ID"`
	JSON   bool   `help:"Print session as JSON"`
}

type SessionsStopCommand struct {
	Thread      string `arg:"" help:"Thread ID"`
	Backend     string `help:"Sandbox backend (docker|cloud; defaults to runtime config or docker)"`
	Unsubscribe bool   `help:"Also drop the thread's subscription"`
}

type ReapCommand struct {
	Backend     string `help:"Sandbox backend (docker|cloud; defaults to runtime config or docker)"`
	IdleMinutes int64  `help:"Override the idle timeout in minutes"`
	LogLevel    string `help:"Log level (debug|info|warn|error)"`
}

type DoctorCommand struct {
	Backend string `help:"Sandbox backend to diagnose (defaults to runtime config or docker)"`
	JSON    bool   `help:"Print doctor report as JSON"`
}

type ConfigCommand struct {
	Init ConfigInitCommand `cmd:"" help:"Write a starter config file"`
}

type ConfigInitCommand struct {
	Force bool `help:"Overwrite an existing config file"`
}

type VersionCommand struct{}

type exitCodeError struct {
	code int
}

func (e exitCodeError) Error() string {
	return fmt.Sprintf("command failed with exit code %d", e.code)
}

func (e exitCodeError) ExitCode() int {
	return e.code
}

type hasExitCode interface {
	ExitCode() int
}

func Run(args []string, version string) error {
	cfg, cfgPath, err := runtimeconfig.Load()
	if err != nil {
		return err
	}

	runtimeCtx := &runtimeContext{
		Stdout:     os.Stdout,
		Config:     cfg,
		ConfigPath: cfgPath,
		Version:    version,
	}

	cli := CLI{}
	parser, err := kong.New(
		&cli,
		kong.Name("burrow"),
		kong.Description("Sandbox session orchestration for conversation threads"),
	)
	if err != nil {
		return err
	}

	ctx, err := parser.Parse(args)
	if err != nil {
		return err
	}
	return ctx.Run(runtimeCtx)
}

func ExitCode(err error) int {
	var codeErr hasExitCode
	if errors.As(err, &codeErr) {
		return codeErr.ExitCode()
	}
	return 1
}

func (c *ServeCommand) Run(ctx *runtimeContext) error {
	logger, err := newLogger(c.LogLevel, "server")
	if err != nil {
		return err
	}

	ep, err := endpoint.ResolveListen(firstNonEmpty(c.Listen, ctx.Config.Ops.Listen))
	if err != nil {
		return err
	}

	store, err := openStore(ctx.Config)
	if err != nil {
		return err
	}
	defer store.Close()

	backend, err := buildBackend(ctx.Config, c.Backend, logger)
	if err != nil {
		return err
	}

	reg := registry.New(store)
	manager := session.NewManager(backend, reg, store, logger.With("component", "session"))
	metrics := observability.NewMetrics("burrow")
	rp := reaper.New(manager, store, metrics, logger.With("component", "reaper"), reaper.Config{
		IdleTimeout: ctx.Config.Session.IdleTimeout(),
		Interval:    ctx.Config.Session.ReapInterval(),
	})

	var poster orchestrator.Poster = &orchestrator.LogPoster{Logger: logger.With("component", "poster")}
	if c.Webhook != "" {
		poster = orchestrator.NewWebhookPoster(c.Webhook)
	}
	orch := orchestrator.New(manager, reg, store,
		orchestrator.SubscriptionDecider{},
		poster, metrics, logger.With("component", "orchestrator"),
		orchestrator.Config{LockTTL: ctx.Config.Session.LockTTL()})

	server := ops.NewServer(ep.Address, manager, reg, store, rp, orch, metrics, logger.With("component", "ops"))

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go rp.Run(runCtx)

	errCh := make(chan error, 1)
	go func() {
		if ep.Network == "unix" {
			_ = os.Remove(ep.Address)
			ln, err := net.Listen("unix", ep.Address)
			if err != nil {
				errCh <- err
				return
			}
			errCh <- server.Serve(ln)
			return
		}
		errCh <- server.ListenAndServe()
	}()

	logger.Info("burrow serving", "backend", backend.Name(), "listen", ep.Address, "version", ctx.Version)
	select {
	case err := <-errCh:
		return err
	case <-runCtx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func (c *SessionsListCommand) Run(ctx *runtimeContext) error {
	store, err := openStore(ctx.Config)
	if err != nil {
		return err
	}
	defer store.Close()
	reg := registry.New(store)

	var recs []registry.Record
	if c.Status != "" {
		recs, err = reg.ListByStatus(context.Background(), sandbox.Status(c.Status))
	} else {
		recs, err = reg.ListSessions(context.Background())
	}
	if err != nil {
		return err
	}

	if c.JSON {
		enc := json.NewEncoder(ctx.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(recs)
	}

	w := tabwriter.NewWriter(ctx.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "THREAD\tSTATUS\tBACKEND SESSION\tLAST ACTIVITY")
	for _, rec := range recs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			rec.Session.ThreadID,
			rec.Session.Status,
			rec.Session.BackendSessionID,
			rec.Session.LastActivity.Local().Format(time.RFC3339),
		)
	}
	return w.Flush()
}

func (c *SessionsShowCommand) Run(ctx *runtimeContext) error {
	store, err := openStore(ctx.Config)
	if err != nil {
		return err
	}
	defer store.Close()
	reg := registry.New(store)

	rec, err := reg.GetSession(context.Background(), c.Thread)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("no session for thread %q", c.Thread)
	}

	if c.JSON {
		enc := json.NewEncoder(ctx.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	}

	s := rec.Session
	_, err = fmt.Fprintf(ctx.Stdout,
		"thread: %s\nstatus: %s\nbackend session: %s\nvolume: %s\nendpoint: %s\ncreated: %s\nlast activity: %s\n",
		s.ThreadID, s.Status, s.BackendSessionID, s.VolumeID, s.Endpoint,
		s.CreatedAt.Local().Format(time.RFC3339),
		s.LastActivity.Local().Format(time.RFC3339),
	)
	return err
}

func (c *SessionsStopCommand) Run(ctx *runtimeContext) error {
	logger, err := newLogger("", "cli")
	if err != nil {
		return err
	}
	store, err := openStore(ctx.Config)
	if err != nil {
		return err
	}
	defer store.Close()

	backend, err := buildBackend(ctx.Config, c.Backend, logger)
	if err != nil {
		return err
	}
	manager := session.NewManager(backend, registry.New(store), store, logger)

	runCtx := context.Background()
	lock, err := store.AcquireLock(runCtx, c.Thread, time.Minute)
	if err != nil {
		return err
	}
	if lock == nil {
		return fmt.Errorf("thread %q is busy, try again", c.Thread)
	}
	defer func() {
		if err := store.ReleaseLock(runCtx, lock); err != nil {
			logger.Warn("failed to release thread lock", "thread_id", c.Thread, "error", err)
		}
	}()

	if err := manager.Stop(runCtx, c.Thread); err != nil {
		return err
	}
	if c.Unsubscribe {
		if err := manager.Unsubscribe(runCtx, c.Thread); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(ctx.Stdout, "stopped session for thread %s\n", c.Thread)
	return err
}

func (c *ReapCommand) Run(ctx *runtimeContext) error {
	logger, err := newLogger(c.LogLevel, "reaper")
	if err != nil {
		return err
	}
	store, err := openStore(ctx.Config)
	if err != nil {
		return err
	}
	defer store.Close()

	backend, err := buildBackend(ctx.Config, c.Backend, logger)
	if err != nil {
		return err
	}
	manager := session.NewManager(backend, registry.New(store), store, logger)

	idleTimeout := ctx.Config.Session.IdleTimeout()
	if c.IdleMinutes > 0 {
		idleTimeout = time.Duration(c.IdleMinutes) * time.Minute
	}
	rp := reaper.New(manager, store, observability.NewMetrics("burrow"), logger, reaper.Config{
		IdleTimeout: idleTimeout,
		Interval:    time.Minute,
	})

	n, err := rp.Sweep(context.Background())
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(ctx.Stdout, "reaped %d idle session(s)\n", n)
	return err
}

func (c *DoctorCommand) Run(ctx *runtimeContext) error {
	logger, err := newLogger("", "doctor")
	if err != nil {
		return err
	}
	backend, err := buildBackend(ctx.Config, c.Backend, logger)
	if err != nil {
		return err
	}
	reporter, ok := backend.(sandbox.DoctorReporter)
	if !ok {
		return fmt.Errorf("backend %q has no diagnostics", backend.Name())
	}

	report, err := reporter.Doctor(context.Background())
	if err != nil {
		return err
	}

	if c.JSON {
		enc := json.NewEncoder(ctx.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(ctx.Stdout, "backend: %s\n", report.Backend)
		for _, check := range report.Checks {
			fmt.Fprintf(ctx.Stdout, "  [%s] %s: %s\n", check.Status, check.Name, check.Message)
		}
	}

	for _, check := range report.Checks {
		if check.Status == "fail" {
			return exitCodeError{code: 1}
		}
	}
	return nil
}

func (c *ConfigInitCommand) Run(ctx *runtimeContext) error {
	path := ctx.ConfigPath
	if _, err := os.Stat(path); err == nil && !c.Force {
		return fmt.Errorf("config already exists at %s (use --force to overwrite)", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(runtimeconfig.Example()), 0o600); err != nil {
		return err
	}
	_, err := fmt.Fprintf(ctx.Stdout, "wrote %s\n", path)
	return err
}

func (c *VersionCommand) Run(ctx *runtimeContext) error {
	_, err := fmt.Fprintf(ctx.Stdout, "burrow %s\n", ctx.Version)
	return err
}

func openStore(cfg runtimeconfig.Config) (*state.Store, error) {
	path := strings.TrimSpace(cfg.StateDB)
	if path == "" {
		var err error
		path, err = paths.StateDBPath()
		if err != nil {
			return nil, err
		}
	}
	return state.Open(path)
}

func buildBackend(cfg runtimeconfig.Config, name string, logger *log.Logger) (sandbox.Backend, error) {
	selected := strings.TrimSpace(name)
	if selected == "" {
		selected = cfg.DefaultBackend
	}
	if selected == "" {
		selected = "docker"
	}

	switch selected {
	case "docker":
		d := cfg.Backends.Docker
		return docker.New(docker.Config{
			Image:         d.Image,
			AgentPort:     d.AgentPort,
			Workdir:       d.Workdir,
			HealthTimeout: time.Duration(d.HealthSeconds) * time.Second,
			StopGrace:     time.Duration(d.StopGraceSecs) * time.Second,
		}, logger.With("backend", "docker")), nil
	case "cloud":
		cl := cfg.Backends.Cloud
		return cloud.New(cloud.Config{
			BaseURL:       cl.BaseURL,
			Token:         cl.Token,
			Image:         cl.Image,
			VolumeSizeGB:  cl.VolumeSizeGB,
			HealthTimeout: time.Duration(cl.HealthSeconds) * time.Second,
		}, logger.With("backend", "cloud"))
	default:
		return nil, fmt.Errorf("unknown backend %q (expected docker or cloud)", selected)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func newLogger(rawLevel, component string) (*log.Logger, error) {
	levelName := strings.TrimSpace(strings.ToLower(rawLevel))
	if levelName == "" {
		levelName = "info"
	}
	level, err := log.ParseLevel(levelName)
	if err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", rawLevel, err)
	}
	logger := log.NewWithOptions(os.Stderr, log.Options{
		Level:     level,
		Formatter: log.TextFormatter,
	})
	return logger.With("component", component), nil
}
