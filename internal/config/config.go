package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the daemon configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Container ContainerConfig `yaml:"container"`
	Terminal  TerminalConfig  `yaml:"terminal"`
	Store     StoreConfig     `yaml:"store"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type WorkspaceConfig struct {
	// UsersDir is the parent directory holding one workspace per session.
	UsersDir string `yaml:"users_dir"`
}

type ContainerConfig struct {
	Image string `yaml:"image"`
	// Memory is the container memory ceiling, docker syntax (e.g. "512m").
	Memory string `yaml:"memory"`
	// CPUShares is the relative CPU weight (docker --cpu-shares).
	CPUShares int `yaml:"cpu_shares"`
	// RuntimeTimeout bounds each individual runtime call during teardown.
	RuntimeTimeout time.Duration `yaml:"runtime_timeout"`
}

type TerminalConfig struct {
	Shell string `yaml:"shell"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Default returns the built-in configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads configuration from a file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()

	// Override with environment variables if present
	if addr := os.Getenv("COVE_ADDR"); addr != "" {
		cfg.Server.Addr = addr
	}
	if image := os.Getenv("COVE_IMAGE"); image != "" {
		cfg.Container.Image = image
	}
	if dir := os.Getenv("COVE_USERS_DIR"); dir != "" {
		cfg.Workspace.UsersDir = dir
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8337"
	}
	if c.Workspace.UsersDir == "" {
		c.Workspace.UsersDir = filepath.Join(dataDir(), "users")
	}
	if c.Container.Image == "" {
		c.Container.Image = "ubuntu:24.04"
	}
	if c.Container.Memory == "" {
		c.Container.Memory = "512m"
	}
	if c.Container.CPUShares == 0 {
		c.Container.CPUShares = 512
	}
	if c.Container.RuntimeTimeout == 0 {
		c.Container.RuntimeTimeout = 10 * time.Second
	}
	if c.Terminal.Shell == "" {
		c.Terminal.Shell = "/bin/bash"
	}
	if c.Store.Path == "" {
		c.Store.Path = filepath.Join(dataDir(), "cove.db")
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Workspace.UsersDir == "" {
		return fmt.Errorf("workspace.users_dir is required")
	}
	if !filepath.IsAbs(c.Workspace.UsersDir) {
		return fmt.Errorf("workspace.users_dir must be absolute, got %q", c.Workspace.UsersDir)
	}
	if c.Container.Image == "" {
		return fmt.Errorf("container.image is required")
	}
	if c.Container.CPUShares < 0 {
		return fmt.Errorf("container.cpu_shares must be non-negative")
	}
	if c.Container.RuntimeTimeout < 0 {
		return fmt.Errorf("container.runtime_timeout must be non-negative")
	}
	return nil
}

func dataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/var/lib/cove"
	}
	return filepath.Join(home, ".cove")
}
