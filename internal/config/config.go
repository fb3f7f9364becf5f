// Package config handles Study Buddy configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/studybuddy/config.yaml, /etc/studybuddy/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "studybuddy", "config.yaml"))
	}

	paths = append(paths, "/etc/studybuddy/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Study Buddy configuration.
type Config struct {
	Listen    ListenConfig `yaml:"listen"`
	Models    ModelsConfig `yaml:"models"`
	Agent     AgentConfig  `yaml:"agent"`
	MQTT      MQTTConfig   `yaml:"mqtt"`
	DataDir   string       `yaml:"data_dir"`
	LogLevel  string       `yaml:"log_level"`
	LogFormat string       `yaml:"log_format"` // text or json
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
	// MaxConnections caps concurrently open client connections,
	// including long-lived WebSocket and SSE streams (default 64).
	MaxConnections int `yaml:"max_connections"`
}

// ModelsConfig selects the chat model and where it is served.
type ModelsConfig struct {
	Default   string `yaml:"default"`
	OllamaURL string `yaml:"ollama_url"`
}

// AgentConfig tunes the chat orchestrator.
type AgentConfig struct {
	// MaxSteps bounds model/tool rounds per turn (default 10).
	MaxSteps int `yaml:"max_steps"`
	// ReplyOnSchedule runs a model turn after a fired reminder is
	// recorded, so the reminder reaches the user as an assistant
	// message. Off by default.
	ReplyOnSchedule bool `yaml:"reply_on_schedule"`
	// HistoryLimit caps how many stored messages are loaded per turn
	// (default 200).
	HistoryLimit int `yaml:"history_limit"`
}

// MQTTConfig defines the optional reminder notifier. It is disabled
// when Broker is empty.
type MQTTConfig struct {
	Broker      string `yaml:"broker"` // e.g. mqtt://localhost:1883
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	ClientID    string `yaml:"client_id"`
}

// Configured reports whether a broker was set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// Load reads configuration from a YAML file. Environment variables
// referenced as ${NAME} are expanded before parsing. Defaults are
// applied to fields left unset and the result is validated.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.Listen.MaxConnections == 0 {
		c.Listen.MaxConnections = 64
	}
	if c.Models.Default == "" {
		c.Models.Default = "qwen3:4b"
	}
	if c.Models.OllamaURL == "" {
		c.Models.OllamaURL = "http://localhost:11434"
	}
	if c.Agent.MaxSteps == 0 {
		c.Agent.MaxSteps = 10
	}
	if c.Agent.HistoryLimit == 0 {
		c.Agent.HistoryLimit = 200
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "studybuddy"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "studybuddy"
	}
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	if c.Listen.MaxConnections < 1 {
		errs = append(errs, fmt.Errorf("listen.max_connections must be positive, got %d", c.Listen.MaxConnections))
	}
	if c.Agent.MaxSteps < 1 {
		errs = append(errs, fmt.Errorf("agent.max_steps must be positive, got %d", c.Agent.MaxSteps))
	}
	if c.Agent.HistoryLimit < 1 {
		errs = append(errs, fmt.Errorf("agent.history_limit must be positive, got %d", c.Agent.HistoryLimit))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat))
	}
	if strings.HasSuffix(c.MQTT.TopicPrefix, "/") {
		errs = append(errs, fmt.Errorf("mqtt.topic_prefix %q must not end with /", c.MQTT.TopicPrefix))
	}
	return errors.Join(errs...)
}
