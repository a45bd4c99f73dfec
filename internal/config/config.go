// Package config loads the relay configuration from a YAML or JSON file,
// with ${VAR} / ${VAR:default} expansion and a few environment overrides.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/erilali/wsrelay/internal/logger"
)

// Config is the complete relay configuration.
type Config struct {
	Server ServerConfig     `json:"server" yaml:"server"`
	Bridge BridgeConfig     `json:"bridge" yaml:"bridge"`
	Log    logger.LogConfig `json:"log" yaml:"log"`
}

// ServerConfig contains HTTP/WebSocket settings. Timeouts are in seconds.
type ServerConfig struct {
	Listen          string `json:"listen" yaml:"listen"`
	Path            string `json:"path" yaml:"path"`
	MaxMessageSize  int64  `json:"max_message_size" yaml:"max_message_size"`
	SendTimeout     int    `json:"send_timeout" yaml:"send_timeout"`
	ShutdownTimeout int    `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

func (s ServerConfig) SendTimeoutDuration() time.Duration {
	return time.Duration(s.SendTimeout) * time.Second
}

func (s ServerConfig) ShutdownTimeoutDuration() time.Duration {
	return time.Duration(s.ShutdownTimeout) * time.Second
}

// BridgeConfig selects how inbound messages leave the process.
type BridgeConfig struct {
	Kind            string `json:"kind" yaml:"kind"` // none, nats, redis
	URL             string `json:"url" yaml:"url"`
	InboundSubject  string `json:"inbound_subject" yaml:"inbound_subject"`
	OutboundSubject string `json:"outbound_subject" yaml:"outbound_subject"`
}

// Load reads path and applies defaults, environment overrides and
// validation. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{Log: logger.DefaultLogConfig()}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := decode(path, []byte(expandEnvVars(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return json.Unmarshal(data, cfg)
	default:
		return yaml.Unmarshal(data, cfg)
	}
}

var envPattern = regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

// expandEnvVars expands ${VAR} and ${VAR:default} patterns.
func expandEnvVars(content string) string {
	return envPattern.ReplaceAllStringFunc(content, func(match string) string {
		parts := envPattern.FindStringSubmatch(match)
		if val := os.Getenv(parts[1]); val != "" {
			return val
		}
		return parts[2]
	})
}

// applyEnv lets the usual deployment variables win over the file.
func (c *Config) applyEnv() {
	if v := os.Getenv("RELAY_LISTEN"); v != "" {
		c.Server.Listen = v
	}
	if v := os.Getenv("RELAY_BRIDGE"); v != "" {
		c.Bridge.Kind = v
	}
	switch c.Bridge.Kind {
	case "nats":
		if v := os.Getenv("NATS_URL"); v != "" {
			c.Bridge.URL = v
		}
	case "redis":
		if v := os.Getenv("REDIS_ADDR"); v != "" {
			c.Bridge.URL = v
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Server.Path == "" {
		c.Server.Path = "/chat"
	}
	if c.Server.MaxMessageSize == 0 {
		c.Server.MaxMessageSize = 64 * 1024
	}
	if c.Server.SendTimeout == 0 {
		c.Server.SendTimeout = 10
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 15
	}

	if c.Bridge.Kind == "" {
		c.Bridge.Kind = "none"
	}
	if c.Bridge.InboundSubject == "" {
		c.Bridge.InboundSubject = "relay.inbound"
	}
	if c.Bridge.OutboundSubject == "" {
		c.Bridge.OutboundSubject = "relay.outbound"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// ReservedPaths are served by the HTTP API and cannot host the WebSocket
// endpoint.
var ReservedPaths = []string{"/health", "/api/sessions", "/api/broadcast"}

func (c *Config) validate() error {
	if !strings.HasPrefix(c.Server.Path, "/") {
		return fmt.Errorf("server.path must start with /")
	}
	for _, p := range ReservedPaths {
		if c.Server.Path == p {
			return fmt.Errorf("server.path %s is reserved", p)
		}
	}
	if c.Server.MaxMessageSize < 0 {
		return fmt.Errorf("server.max_message_size must be positive")
	}
	if c.Server.SendTimeout < 0 || c.Server.ShutdownTimeout < 0 {
		return fmt.Errorf("server timeouts must be positive")
	}
	switch c.Bridge.Kind {
	case "none", "nats", "redis":
	default:
		return fmt.Errorf("bridge.kind must be one of none, nats, redis")
	}
	if c.Bridge.InboundSubject == c.Bridge.OutboundSubject {
		return fmt.Errorf("bridge inbound and outbound subjects must differ")
	}
	return nil
}
