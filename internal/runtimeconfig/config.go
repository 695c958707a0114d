package runtimeconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	DefaultBackend string   `yaml:"default_backend"`
	Backends       Backends `yaml:"backends"`
	Session        Session  `yaml:"session"`
	Ops            Ops      `yaml:"ops"`
	StateDB        string   `yaml:"state_db"`
}

type Backends struct {
	Docker DockerConfig `yaml:"docker"`
	Cloud  CloudConfig  `yaml:"cloud"`
}

type DockerConfig struct {
	Image         string `yaml:"image"`
	AgentPort     int    `yaml:"agent_port"`
	Workdir       string `yaml:"workdir"`
	HealthSeconds int64  `yaml:"health_seconds"` // provision readiness timeout
	StopGraceSecs int64  `yaml:"stop_grace_seconds"`
}

type CloudConfig struct {
	BaseURL       string `yaml:"base_url"`
	Token         string `yaml:"token"`
	Image         string `yaml:"image"`
	VolumeSizeGB  int    `yaml:"volume_size_gb"`
	HealthSeconds int64  `yaml:"health_seconds"`
}

type Session struct {
	IdleTimeoutMinutes int64 `yaml:"idle_timeout_minutes"`
	ReapIntervalMins   int64 `yaml:"reap_interval_minutes"`
	LockTTLSeconds     int64 `yaml:"lock_ttl_seconds"`
}

type Ops struct {
	Listen string `yaml:"listen"`
}

func (s Session) IdleTimeout() time.Duration {
	if s.IdleTimeoutMinutes <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(s.IdleTimeoutMinutes) * time.Minute
}

func (s Session) ReapInterval() time.Duration {
	if s.ReapIntervalMins <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(s.ReapIntervalMins) * time.Minute
}

func (s Session) LockTTL() time.Duration {
	if s.LockTTLSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(s.LockTTLSeconds) * time.Second
}

func Path() (string, error) {
	configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME"))
	if configHome != "" {
		return filepath.Join(configHome, "burrow", "config.yaml"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "burrow", "config.yaml"), nil
}

func Load() (Config, string, error) {
	path, err := Path()
	if err != nil {
		return Config{}, "", err
	}
	cfg, err := LoadFile(path)
	return cfg, path, err
}

// LoadFile reads the config at path. A missing file yields the zero config,
// not an error: every field has a usable default.
func LoadFile(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}

	cfg := Config{}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.DefaultBackend = strings.TrimSpace(cfg.DefaultBackend)
	return cfg, nil
}

// Example renders a commented starter config for `burrow config init`.
func Example() string {
	return `# burrow configuration
default_backend: docker

backends:
  docker:
    image: ghcr.io/burrowhq/burrow-agent:latest
    # agent_port: 8377
    # workdir: /workspace
    # health_seconds: 60
    # stop_grace_seconds: 10
  cloud:
    # base_url: https://sandboxes.example.com
    # token: ...
    # image: burrow-agent:latest
    # volume_size_gb: 10

session:
  idle_timeout_minutes: 30
  reap_interval_minutes: 5
  # lock_ttl_seconds: 300

ops:
  listen: 127.0.0.1:7866

# state_db defaults to $XDG_STATE_HOME/burrow/state.db
`
}
