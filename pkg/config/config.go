// Package config loads rookery configuration: defaults, overlaid by an
// optional YAML file, overlaid by environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Gateway  GatewayConfig  `yaml:"gateway"`
	Agent    AgentConfig    `yaml:"agent"`
	Hub      HubConfig      `yaml:"hub"`
	Routing  RoutingConfig  `yaml:"routing"`
	Poll     PollConfig     `yaml:"poll"`
	Storage  StorageConfig  `yaml:"storage"`
	Summary  SummaryConfig  `yaml:"summary"`
	Shutdown ShutdownConfig `yaml:"shutdown"`
	LogLevel string         `yaml:"log_level" env:"ROOKERY_LOG_LEVEL"`
}

// GatewayConfig covers the HTTP/WebSocket surface.
type GatewayConfig struct {
	Host   string `yaml:"host" env:"ROOKERY_HOST"`
	Port   int    `yaml:"port" env:"ROOKERY_PORT"`
	APIKey string `yaml:"api_key" env:"ROOKERY_API_KEY"`
}

// AgentConfig covers the claude subprocess layer. ModelTiers is ordered
// strongest-first; tier escalation walks down the list on repeated
// empty-output failures.
type AgentConfig struct {
	Binary     string        `yaml:"binary" env:"ROOKERY_CLAUDE_BIN"`
	ModelTiers []string      `yaml:"model_tiers"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

type HubConfig struct {
	MaxMessages int `yaml:"max_messages"`
	MinContext  int `yaml:"min_context"`
}

type RoutingConfig struct {
	QueueBound      int           `yaml:"queue_bound"`
	MentionCooldown time.Duration `yaml:"mention_cooldown"`
	MaxChainDepth   int           `yaml:"max_chain_depth"`
}

type PollConfig struct {
	Interval        time.Duration `yaml:"interval"`
	StaleAfter      time.Duration `yaml:"stale_after"`
	HeartbeatWarn   time.Duration `yaml:"heartbeat_warn"`
	MaxDispatchTick int           `yaml:"max_dispatch_per_tick"`
	DigestCron      string        `yaml:"digest_cron"`
}

type StorageConfig struct {
	DataDir string `yaml:"data_dir" env:"ROOKERY_DATA_DIR"`
}

// SummaryConfig drives background history compaction. Threshold is the
// message count past which a session gets summarized.
type SummaryConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Model     string `yaml:"model"`
	Threshold int    `yaml:"threshold"`
	KeepTail  int    `yaml:"keep_tail"`
}

type ShutdownConfig struct {
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

// Default returns the built-in configuration.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Gateway: GatewayConfig{
			Host: "127.0.0.1",
			Port: 9390,
		},
		Agent: AgentConfig{
			Binary:     "claude",
			ModelTiers: []string{"sonnet", "haiku"},
			Timeout:    10 * time.Minute,
			MaxRetries: 2,
		},
		Hub: HubConfig{
			MaxMessages: 200,
			MinContext:  3,
		},
		Routing: RoutingConfig{
			QueueBound:      3,
			MentionCooldown: 60 * time.Second,
			MaxChainDepth:   3,
		},
		Poll: PollConfig{
			Interval:        30 * time.Second,
			StaleAfter:      10 * time.Minute,
			HeartbeatWarn:   15 * time.Minute,
			MaxDispatchTick: 4,
			DigestCron:      "", // disabled unless set, e.g. "0 * * * *"
		},
		Storage: StorageConfig{
			DataDir: filepath.Join(home, ".rookery"),
		},
		Summary: SummaryConfig{
			Enabled:   true,
			Model:     "claude-3-5-haiku-latest",
			Threshold: 50,
			KeepTail:  10,
		},
		Shutdown: ShutdownConfig{
			DrainTimeout: 30 * time.Second,
		},
		LogLevel: "info",
	}
}

// Load builds a Config from defaults, the YAML file at path (if it
// exists), and environment variables, in that precedence order.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Hub.MaxMessages <= 0 {
		return fmt.Errorf("hub.max_messages must be positive, got %d", c.Hub.MaxMessages)
	}
	if c.Routing.QueueBound <= 0 {
		return fmt.Errorf("routing.queue_bound must be positive, got %d", c.Routing.QueueBound)
	}
	if c.Routing.MaxChainDepth <= 0 {
		return fmt.Errorf("routing.max_chain_depth must be positive, got %d", c.Routing.MaxChainDepth)
	}
	if len(c.Agent.ModelTiers) == 0 {
		return fmt.Errorf("agent.model_tiers must not be empty")
	}
	return nil
}

// SessionsDir is where per-bot session records live.
func (c *Config) SessionsDir() string { return filepath.Join(c.Storage.DataDir, "sessions") }

// HistoryDBPath is the sqlite chat history database.
func (c *Config) HistoryDBPath() string { return filepath.Join(c.Storage.DataDir, "history.db") }

// SnapshotPath is where interrupted-session snapshots are written at
// shutdown and consumed (then deleted) at startup.
func (c *Config) SnapshotPath() string {
	return filepath.Join(c.Storage.DataDir, "interrupted_sessions.json")
}
