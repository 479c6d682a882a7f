// Package config loads the hub's declarative configuration: the ordered
// backend list plus manager, gateway, and admin settings. Files are YAML with
// environment variables expanded before parsing, and pass through staged
// defaulting, normalization, and validation so a bad file fails at load time
// rather than at the first connection attempt.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/toolgate/mcp-hub/pkg/mcphub"
)

// Config is the root of the configuration file.
type Config struct {
	Hub      HubConfig       `json:"hub,omitempty" yaml:"hub,omitempty"`
	Gateway  GatewayConfig   `json:"gateway,omitempty" yaml:"gateway,omitempty"`
	Admin    AdminConfig     `json:"admin,omitempty" yaml:"admin,omitempty"`
	Backends []BackendConfig `json:"backends" yaml:"backends"`
}

// HubConfig tunes the connection manager and health supervisor. Unset fields
// fall back to the mcphub defaults.
type HubConfig struct {
	ClientName           string        `json:"client_name,omitempty" yaml:"client_name,omitempty"`
	ClientVersion        string        `json:"client_version,omitempty" yaml:"client_version,omitempty"`
	Timeout              Duration      `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	ConnectTimeout       Duration      `json:"connect_timeout,omitempty" yaml:"connect_timeout,omitempty"`
	DisconnectTimeout    Duration      `json:"disconnect_timeout,omitempty" yaml:"disconnect_timeout,omitempty"`
	HealthInterval       Duration      `json:"health_interval,omitempty" yaml:"health_interval,omitempty"`
	ProbeTimeout         Duration      `json:"probe_timeout,omitempty" yaml:"probe_timeout,omitempty"`
	UnhealthyThreshold   int           `json:"unhealthy_threshold,omitempty" yaml:"unhealthy_threshold,omitempty"`
	MaxReconnectAttempts int           `json:"max_reconnect_attempts,omitempty" yaml:"max_reconnect_attempts,omitempty"`
	MaxConcurrency       int           `json:"max_concurrency,omitempty" yaml:"max_concurrency,omitempty"`
	Backoff              BackoffConfig `json:"backoff,omitempty" yaml:"backoff,omitempty"`
}

// BackoffConfig shapes the reconnect delay schedule. Jitter is on unless
// NoJitter is set, so the zero value keeps the recommended behavior.
type BackoffConfig struct {
	InitialInterval Duration `json:"initial_interval,omitempty" yaml:"initial_interval,omitempty"`
	MaxInterval     Duration `json:"max_interval,omitempty" yaml:"max_interval,omitempty"`
	Multiplier      float64  `json:"multiplier,omitempty" yaml:"multiplier,omitempty"`
	NoJitter        bool     `json:"no_jitter,omitempty" yaml:"no_jitter,omitempty"`
}

// GatewayConfig controls the MCP endpoint that re-serves the aggregated
// catalog.
type GatewayConfig struct {
	// Enabled defaults to true when absent.
	Enabled *bool       `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Addr    string      `json:"addr,omitempty" yaml:"addr,omitempty"`
	Path    string      `json:"path,omitempty" yaml:"path,omitempty"`
	CORS    *CORSConfig `json:"cors,omitempty" yaml:"cors,omitempty"`
}

// CORSConfig mirrors the subset of CORS policy the gateway exposes.
type CORSConfig struct {
	AllowedOrigins   []string `json:"allowed_origins,omitempty" yaml:"allowed_origins,omitempty"`
	AllowedMethods   []string `json:"allowed_methods,omitempty" yaml:"allowed_methods,omitempty"`
	AllowedHeaders   []string `json:"allowed_headers,omitempty" yaml:"allowed_headers,omitempty"`
	AllowCredentials bool     `json:"allow_credentials,omitempty" yaml:"allow_credentials,omitempty"`
}

// AdminConfig controls the operational HTTP endpoint serving health, status,
// and metrics.
type AdminConfig struct {
	// Enabled defaults to true when absent.
	Enabled *bool  `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Addr    string `json:"addr,omitempty" yaml:"addr,omitempty"`
}

// BackendConfig describes one backend in the file. It mirrors
// mcphub.BackendConfig with the Duration wrapper for the timeout field.
type BackendConfig struct {
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Command     string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args        []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	URL         string            `json:"url,omitempty" yaml:"url,omitempty"`
	Headers     map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Timeout     Duration          `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

const (
	defaultGatewayAddr = ":8700"
	defaultGatewayPath = "/mcp"
	defaultAdminAddr   = ":8701"
)

// Load reads and parses the configuration file at path. Environment
// variables referenced as $NAME or ${NAME} anywhere in the file are expanded
// before parsing, so secrets can stay out of the file itself. A leading ~/
// in path resolves against the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(expandPath(path))
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse([]byte(os.ExpandEnv(string(data))))
}

// Parse decodes raw YAML and applies defaults, normalization, and
// validation.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Gateway.Addr == "" {
		c.Gateway.Addr = defaultGatewayAddr
	}
	if c.Gateway.Path == "" {
		c.Gateway.Path = defaultGatewayPath
	}
	if c.Admin.Addr == "" {
		c.Admin.Addr = defaultAdminAddr
	}
}

func (c *Config) normalize() {
	if !strings.HasPrefix(c.Gateway.Path, "/") {
		c.Gateway.Path = "/" + c.Gateway.Path
	}
	for i := range c.Backends {
		c.Backends[i].Name = strings.TrimSpace(c.Backends[i].Name)
	}
}

func (c *Config) validate() error {
	if len(c.Backends) == 0 {
		return fmt.Errorf("at least one backend must be configured")
	}
	ns := mcphub.BackendPrefixNamespace{}
	seen := make(map[string]bool, len(c.Backends))
	for i, b := range c.Backends {
		if err := ns.ValidateBackendName(b.Name); err != nil {
			return fmt.Errorf("backend %d: %w", i, err)
		}
		if seen[b.Name] {
			return fmt.Errorf("backend %d: duplicate name %q", i, b.Name)
		}
		seen[b.Name] = true
		hasCommand := b.Command != ""
		hasURL := b.URL != ""
		switch {
		case hasCommand && hasURL:
			return fmt.Errorf("backend %q: command and url are mutually exclusive", b.Name)
		case !hasCommand && !hasURL:
			return fmt.Errorf("backend %q: either command or url is required", b.Name)
		}
		if b.Timeout < 0 {
			return fmt.Errorf("backend %q: timeout must not be negative", b.Name)
		}
	}
	if c.Hub.Timeout < 0 {
		return fmt.Errorf("hub.timeout must not be negative")
	}
	if c.Hub.ConnectTimeout < 0 {
		return fmt.Errorf("hub.connect_timeout must not be negative")
	}
	if c.Hub.DisconnectTimeout < 0 {
		return fmt.Errorf("hub.disconnect_timeout must not be negative")
	}
	if c.Hub.HealthInterval < 0 {
		return fmt.Errorf("hub.health_interval must not be negative")
	}
	if c.Hub.ProbeTimeout < 0 {
		return fmt.Errorf("hub.probe_timeout must not be negative")
	}
	if c.Hub.UnhealthyThreshold < 0 {
		return fmt.Errorf("hub.unhealthy_threshold must not be negative")
	}
	if c.Hub.MaxReconnectAttempts < 0 {
		return fmt.Errorf("hub.max_reconnect_attempts must not be negative")
	}
	return nil
}

// HubOptions materializes the manager options from the hub section. Logger
// and Observer are runtime concerns and stay with the caller; unset fields
// keep their mcphub defaults.
func (c *Config) HubOptions() *mcphub.Options {
	return &mcphub.Options{
		ClientName:           c.Hub.ClientName,
		ClientVersion:        c.Hub.ClientVersion,
		Timeout:              c.Hub.Timeout.Std(),
		ConnectTimeout:       c.Hub.ConnectTimeout.Std(),
		DisconnectTimeout:    c.Hub.DisconnectTimeout.Std(),
		HealthInterval:       c.Hub.HealthInterval.Std(),
		ProbeTimeout:         c.Hub.ProbeTimeout.Std(),
		UnhealthyThreshold:   c.Hub.UnhealthyThreshold,
		MaxReconnectAttempts: c.Hub.MaxReconnectAttempts,
		MaxConcurrency:       c.Hub.MaxConcurrency,
		Backoff:              c.Hub.Backoff.hubBackoff(),
	}
}

func (b BackoffConfig) hubBackoff() mcphub.BackoffConfig {
	if b == (BackoffConfig{}) {
		// Leave it zero so the manager applies its full default, jitter
		// included.
		return mcphub.BackoffConfig{}
	}
	return mcphub.BackoffConfig{
		InitialInterval: b.InitialInterval.Std(),
		MaxInterval:     b.MaxInterval.Std(),
		Multiplier:      b.Multiplier,
		Jitter:          !b.NoJitter,
	}
}

// BackendConfigs returns the ordered backend list in the core's type.
func (c *Config) BackendConfigs() []mcphub.BackendConfig {
	out := make([]mcphub.BackendConfig, 0, len(c.Backends))
	for _, b := range c.Backends {
		out = append(out, mcphub.BackendConfig{
			Name:        b.Name,
			Description: b.Description,
			Command:     b.Command,
			Args:        b.Args,
			Env:         b.Env,
			URL:         b.URL,
			Headers:     b.Headers,
			Timeout:     b.Timeout.Std(),
		})
	}
	return out
}

// IsEnabled reports whether the gateway should be served.
func (g GatewayConfig) IsEnabled() bool {
	return g.Enabled == nil || *g.Enabled
}

// IsEnabled reports whether the admin endpoint should be served.
func (a AdminConfig) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// expandPath expands environment variables and a leading home directory in
// file paths.
func expandPath(path string) string {
	expanded := os.ExpandEnv(path)
	if strings.HasPrefix(expanded, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			expanded = filepath.Join(home, expanded[2:])
		}
	}
	return expanded
}
