// Package config handles reading and writing .sluice/config.yaml.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the top-level structure for .sluice/config.yaml.
type Config struct {
	Version   int             `yaml:"version"`
	Server    ServerConfig    `yaml:"server"`
	Plans     PlansConfig     `yaml:"plans"`
	Gate      GateConfig      `yaml:"gate"`
	Stream    StreamConfig    `yaml:"stream"`
	Execution ExecutionConfig `yaml:"execution"`
}

// ServerConfig controls the API server.
type ServerConfig struct {
	Listen string `yaml:"listen"` // host:port; port 0 picks a free port
}

// PlansConfig locates the wave plans and names the default one.
type PlansConfig struct {
	File    string `yaml:"file"`    // relative to the project directory
	Default string `yaml:"default"` // plan used when a start request names none
	Watch   bool   `yaml:"watch"`   // reload the file while serving
}

// GateConfig controls the checkpoint approval wait.
type GateConfig struct {
	PollInterval    int `yaml:"poll_interval"`    // seconds between durable-state re-reads
	ApprovalTimeout int `yaml:"approval_timeout"` // seconds; 0 waits forever
}

// StreamConfig controls the event stream keep-alive.
type StreamConfig struct {
	PingInterval    int `yaml:"ping_interval"`     // seconds between server pings
	MissedPingLimit int `yaml:"missed_ping_limit"` // intervals without traffic before disconnect
}

// ExecutionConfig controls task execution behaviour.
type ExecutionConfig struct {
	RejectPolicy string `yaml:"reject_policy"` // "advance" | "regenerate"
	TaskTimeout  int    `yaml:"task_timeout"`  // seconds per task; 0 means no limit
}

// RejectPolicy values. Advance records feedback and moves on as if the
// checkpoint had been approved; regenerate re-runs the task with the
// feedback before asking for approval again.
const (
	RejectAdvance    = "advance"
	RejectRegenerate = "regenerate"
)

// configFileName is the path relative to the project root.
const configDir = ".sluice"
const configFile = "config.yaml"

// ReadConfig reads .sluice/config.yaml from the given project directory.
// dir is the project root (not .sluice/ itself).
// Returns an error if the file is not found or YAML is malformed.
func ReadConfig(dir string) (*Config, error) {
	path := filepath.Join(dir, configDir, configFile)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// WriteConfig writes cfg to .sluice/config.yaml in the given project
// directory. Creates the .sluice/ directory if it does not exist.
func WriteConfig(dir string, cfg *Config) error {
	dirPath := filepath.Join(dir, configDir)
	if err := os.MkdirAll(dirPath, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}

	path := filepath.Join(dirPath, configFile)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	return nil
}

// Validate rejects values the scheduler cannot run with.
func (c *Config) Validate() error {
	switch c.Execution.RejectPolicy {
	case RejectAdvance, RejectRegenerate:
	case "":
		c.Execution.RejectPolicy = RejectAdvance
	default:
		return fmt.Errorf("unknown reject_policy %q", c.Execution.RejectPolicy)
	}

	if c.Gate.PollInterval < 0 || c.Gate.ApprovalTimeout < 0 {
		return fmt.Errorf("gate intervals must not be negative")
	}
	if c.Stream.PingInterval < 0 || c.Stream.MissedPingLimit < 0 {
		return fmt.Errorf("stream intervals must not be negative")
	}

	return nil
}

// DBPath returns the SQLite database location under dir.
func DBPath(dir string) string {
	return filepath.Join(dir, configDir, "sluice.db")
}

// PlansPath returns the absolute location of the configured plans file.
func PlansPath(dir string, cfg *Config) string {
	if filepath.IsAbs(cfg.Plans.File) {
		return cfg.Plans.File
	}
	return filepath.Join(dir, cfg.Plans.File)
}

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Version: 1,
		Server: ServerConfig{
			Listen: "127.0.0.1:8640",
		},
		Plans: PlansConfig{
			File:    "plans.yaml",
			Default: "demo", // the plan "sluice init" scaffolds
			Watch:   true,
		},
		Gate: GateConfig{
			PollInterval:    1,
			ApprovalTimeout: 0,
		},
		Stream: StreamConfig{
			PingInterval:    30,
			MissedPingLimit: 3,
		},
		Execution: ExecutionConfig{
			RejectPolicy: RejectAdvance,
			TaskTimeout:  600,
		},
	}
}
