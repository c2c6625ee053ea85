package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Pipeline polling defaults: 30 attempts at 2s (60s ceiling per stage).
const (
	DefaultPollAttempts   = 30
	DefaultPollInterval   = 2 * time.Second
	DefaultUploadAttempts = 1
	DefaultServerURL      = "http://localhost:8080"
	DefaultRequestTimeout = 30 * time.Second
	DefaultCLIConfigDir   = ".meetingctl"
	DefaultCLIConfigFile  = "config.yaml"
)

// PollConfig bounds the progress poller.
type PollConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Interval    time.Duration `yaml:"interval"`
}

// CLIConfig is the meetingctl configuration.
type CLIConfig struct {
	ServerURL      string        `yaml:"server_url"`
	Token          string        `yaml:"token,omitempty"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	UploadAttempts int           `yaml:"upload_attempts"`
	Poll           PollConfig    `yaml:"poll"`
}

// DefaultCLIConfig returns the built-in CLI defaults.
func DefaultCLIConfig() *CLIConfig {
	return &CLIConfig{
		ServerURL:      DefaultServerURL,
		RequestTimeout: DefaultRequestTimeout,
		UploadAttempts: DefaultUploadAttempts,
		Poll: PollConfig{
			MaxAttempts: DefaultPollAttempts,
			Interval:    DefaultPollInterval,
		},
	}
}

// DefaultCLIConfigPath returns ~/.meetingctl/config.yaml.
func DefaultCLIConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(DefaultCLIConfigDir, DefaultCLIConfigFile)
	}
	return filepath.Join(home, DefaultCLIConfigDir, DefaultCLIConfigFile)
}

// LoadCLIConfig reads the YAML file at path (a missing file is not an error),
// then applies MEETINGCTL_* environment overrides.
func LoadCLIConfig(path string) (*CLIConfig, error) {
	cfg := DefaultCLIConfig()
	if path == "" {
		path = DefaultCLIConfigPath()
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *CLIConfig) applyEnv() error {
	if v := os.Getenv("MEETINGCTL_SERVER_URL"); v != "" {
		c.ServerURL = v
	}
	if v := os.Getenv("MEETINGCTL_TOKEN"); v != "" {
		c.Token = v
	}
	if v := os.Getenv("MEETINGCTL_POLL_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid MEETINGCTL_POLL_ATTEMPTS: %w", err)
		}
		c.Poll.MaxAttempts = n
	}
	if v := os.Getenv("MEETINGCTL_POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid MEETINGCTL_POLL_INTERVAL: %w", err)
		}
		c.Poll.Interval = d
	}
	return nil
}

// Validate checks the config for unusable values.
func (c *CLIConfig) Validate() error {
	if !strings.HasPrefix(c.ServerURL, "http://") && !strings.HasPrefix(c.ServerURL, "https://") {
		return fmt.Errorf("server_url must be an http(s) URL, got %q", c.ServerURL)
	}
	if c.Poll.MaxAttempts < 1 {
		return fmt.Errorf("poll.max_attempts must be at least 1")
	}
	if c.Poll.Interval < 0 {
		return fmt.Errorf("poll.interval must not be negative")
	}
	if c.UploadAttempts < 1 {
		c.UploadAttempts = DefaultUploadAttempts
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	return nil
}
