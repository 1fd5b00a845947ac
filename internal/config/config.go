package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"suiteline/internal/logger"
)

// Mixed terminal policies applied when an execution's agents end in an unsupported combination.
const (
	MixedTerminalError = "error"
	MixedTerminalFail  = "fail"
)

// Config models suiteline.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Heartbeat struct {
		Timeout            time.Duration `yaml:"timeout"`
		CrashCheckSchedule string        `yaml:"crash_check_schedule"`
	} `yaml:"heartbeat"`
	Scheduler struct {
		DefaultBatchSize  int    `yaml:"default_batch_size"`
		LockSweepSchedule string `yaml:"lock_sweep_schedule"`
	} `yaml:"scheduler"`
	Orchestrator struct {
		GracePeriod           time.Duration `yaml:"grace_period"`
		FinalizeSweepSchedule string        `yaml:"finalize_sweep_schedule"`
		MixedTerminalPolicy   string        `yaml:"mixed_terminal_policy"`
	} `yaml:"orchestrator"`
	Runtime  RuntimeConfig   `yaml:"runtime"`
	Log      logger.Config   `yaml:"log"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type RuntimeConfig struct {
	Driver      string            `yaml:"driver"`     // docker, none
	ServerURL   string            `yaml:"server_url"` // API base URL handed to agents
	DockerHost  string            `yaml:"docker_host"`
	Image       string            `yaml:"image"`
	Network     string            `yaml:"network"`
	StopTimeout time.Duration     `yaml:"stop_timeout"`
	Env         map[string]string `yaml:"env"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Load reads and validates config from workspace. A missing file yields the defaults.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Heartbeat.Timeout <= 0 {
		return fmt.Errorf("config.heartbeat.timeout must be positive")
	}
	if c.Orchestrator.GracePeriod < 0 {
		return fmt.Errorf("config.orchestrator.grace_period must not be negative")
	}
	if c.Scheduler.DefaultBatchSize <= 0 {
		return fmt.Errorf("config.scheduler.default_batch_size must be positive")
	}
	switch c.Orchestrator.MixedTerminalPolicy {
	case MixedTerminalError, MixedTerminalFail:
	default:
		return fmt.Errorf("config.orchestrator.mixed_terminal_policy must be %q or %q", MixedTerminalError, MixedTerminalFail)
	}
	schedules := map[string]string{
		"heartbeat.crash_check_schedule":       c.Heartbeat.CrashCheckSchedule,
		"scheduler.lock_sweep_schedule":        c.Scheduler.LockSweepSchedule,
		"orchestrator.finalize_sweep_schedule": c.Orchestrator.FinalizeSweepSchedule,
	}
	for key, spec := range schedules {
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("config.%s: %w", key, err)
		}
	}
	switch c.Runtime.Driver {
	case "docker":
		if strings.TrimSpace(c.Runtime.Image) == "" {
			return fmt.Errorf("config.runtime.image is required for the docker driver")
		}
	case "none":
	default:
		return fmt.Errorf("config.runtime.driver must be docker or none")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "suiteline.yml")
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(DefaultYAML), &cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

// FromYAML parses config from raw YAML bytes on top of the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const DefaultYAML = `server:
  addr: 127.0.0.1:8420
  base_path: /v1

heartbeat:
  timeout: 60s
  crash_check_schedule: "@every 15s"

scheduler:
  default_batch_size: 10
  lock_sweep_schedule: "@every 5m"

orchestrator:
  grace_period: 10s
  finalize_sweep_schedule: "@every 1m"
  mixed_terminal_policy: error

runtime:
  driver: none
  server_url: http://127.0.0.1:8420/v1
  stop_timeout: 10s

log:
  level: info
  format: console
  output: stdout
  max_size: 100
  max_backups: 5
  max_age: 30
`
