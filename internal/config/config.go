// Package config holds deployment configuration for the portal console.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

const (
	// DefaultCheckInterval is how often the scheduler checks for due tasks.
	DefaultCheckInterval = 60 * time.Second
	// DefaultSSHTimeout bounds a single remote session (dial + command).
	DefaultSSHTimeout = 30 * time.Second
	// DefaultDataDir is where the console keeps its database and credentials.
	DefaultDataDir = "/var/lib/portal-console"
)

// Config holds the console configuration.
type Config struct {
	// Portals maps a portal identifier to its SSH host address.
	Portals map[string]string

	// SSH session settings
	SSHPort    int
	SSHUser    string
	SSHKeyPath string
	SSHTimeout time.Duration

	// Scheduler
	CheckInterval time.Duration

	// Storage
	DataDir string

	// Logging
	LogLevel  string
	LogFormat string
}

// Default returns a Config populated with defaults.
func Default() *Config {
	return &Config{
		Portals:       map[string]string{},
		SSHPort:       22,
		SSHTimeout:    DefaultSSHTimeout,
		CheckInterval: DefaultCheckInterval,
		DataDir:       DefaultDataDir,
		LogLevel:      "info",
		LogFormat:     "text",
	}
}

// ParsePortals parses the portal registry from its JSON object form,
// e.g. {"kocharsoft":"10.0.1.5","igzy":"igzy.example.net"}.
func ParsePortals(s string) (map[string]string, error) {
	portals := map[string]string{}
	if err := json.Unmarshal([]byte(s), &portals); err != nil {
		return nil, fmt.Errorf("parse portal registry: %w", err)
	}
	return portals, nil
}

// ApplyEnv overrides configuration from PORTAL_CONSOLE_* environment
// variables. Invalid values are reported rather than silently ignored.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("PORTAL_CONSOLE_PORTALS"); v != "" {
		portals, err := ParsePortals(v)
		if err != nil {
			return fmt.Errorf("PORTAL_CONSOLE_PORTALS: %w", err)
		}
		c.Portals = portals
	}
	if v := os.Getenv("PORTAL_CONSOLE_SSH_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORTAL_CONSOLE_SSH_PORT: %w", err)
		}
		c.SSHPort = port
	}
	if v := os.Getenv("PORTAL_CONSOLE_SSH_USER"); v != "" {
		c.SSHUser = v
	}
	if v := os.Getenv("PORTAL_CONSOLE_SSH_KEY_PATH"); v != "" {
		c.SSHKeyPath = v
	}
	if v := os.Getenv("PORTAL_CONSOLE_SSH_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("PORTAL_CONSOLE_SSH_TIMEOUT: %w", err)
		}
		c.SSHTimeout = d
	}
	if v := os.Getenv("PORTAL_CONSOLE_CHECK_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("PORTAL_CONSOLE_CHECK_INTERVAL: %w", err)
		}
		c.CheckInterval = d
	}
	if v := os.Getenv("PORTAL_CONSOLE_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	return nil
}
