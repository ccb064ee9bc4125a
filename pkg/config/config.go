// Package config defines the agent's configuration surface and the
// optional YAML file loader used by the CLI entry point.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultBroker is used when no broker URL is configured.
	DefaultBroker = "mqtts://vrpc.io:8883"

	reservedChars = "+/#*"
)

// Config is the agent's construction-time configuration record (§6.4).
// It is a plain value: the Agent never reads files or environment
// variables itself, only the CLI layer (cmd/agent) does, merging flags,
// an optional YAML file, and these defaults.
type Config struct {
	Domain string `yaml:"domain"`
	Agent  string `yaml:"agent"`

	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	Token    string `yaml:"token,omitempty"`

	Broker     string `yaml:"broker"`
	BestEffort bool   `yaml:"best_effort"`
	Version    string `yaml:"version,omitempty"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Defaults returns a Config with every field at its documented default.
func Defaults() Config {
	return Config{
		Broker:    DefaultBroker,
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Validate enforces the character restriction on Domain/Agent and the
// authentication mode rule. It is the single place configuration errors
// (§7, kind 6) surface, so the CLI can print and refuse to start.
func (c Config) Validate() error {
	if c.Domain == "" {
		return fmt.Errorf("domain is required")
	}
	if err := checkReserved("domain", c.Domain); err != nil {
		return err
	}
	if c.Agent == "" {
		return fmt.Errorf("agent is required")
	}
	if err := checkReserved("agent", c.Agent); err != nil {
		return err
	}
	hasToken := c.Token != ""
	hasUserPass := c.Username != "" || c.Password != ""
	if hasToken && hasUserPass {
		return fmt.Errorf("configure either token or username/password, not both")
	}
	if hasUserPass && (c.Username == "" || c.Password == "") {
		return fmt.Errorf("username and password must both be set")
	}
	if c.Broker == "" {
		return fmt.Errorf("broker URL is required")
	}
	return nil
}

func checkReserved(field, value string) error {
	if strings.ContainsAny(value, reservedChars) {
		return fmt.Errorf("%s must not contain any of %q, got %q", field, reservedChars, value)
	}
	return nil
}

// MergeFrom overlays non-zero fields of override onto a copy of c. Used by
// the CLI to apply flags over a loaded file over built-in defaults.
func (c Config) MergeFrom(override Config) Config {
	merged := c
	if override.Domain != "" {
		merged.Domain = override.Domain
	}
	if override.Agent != "" {
		merged.Agent = override.Agent
	}
	if override.Username != "" {
		merged.Username = override.Username
	}
	if override.Password != "" {
		merged.Password = override.Password
	}
	if override.Token != "" {
		merged.Token = override.Token
	}
	if override.Broker != "" {
		merged.Broker = override.Broker
	}
	if override.Version != "" {
		merged.Version = override.Version
	}
	if override.LogLevel != "" {
		merged.LogLevel = override.LogLevel
	}
	if override.LogFormat != "" {
		merged.LogFormat = override.LogFormat
	}
	merged.BestEffort = merged.BestEffort || override.BestEffort
	return merged
}

// LoadFile reads a YAML configuration file into a Config.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return c, nil
}
