package mcphub

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// BackendConfig describes one MCP backend the hub should manage. Exactly one
// transport must be set: Command (with optional Args and Env) for a stdio
// subprocess, or URL (with optional Headers) for a streamable HTTP or SSE
// endpoint.
type BackendConfig struct {
	// Name is the unique backend identifier used as the namespace prefix for
	// every capability the backend contributes. It must not contain the
	// namespace separator.
	Name string `json:"name" yaml:"name"`

	// Description is free-form operator documentation.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Command is the executable to spawn for stdio backends.
	Command string `json:"command,omitempty" yaml:"command,omitempty"`
	// Args are passed to Command verbatim.
	Args []string `json:"args,omitempty" yaml:"args,omitempty"`
	// Env entries overlay the parent process environment for stdio backends.
	// An entry with an empty value removes the variable from the child
	// environment entirely rather than exporting it empty.
	Env map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	// URL is the endpoint for HTTP backends. Endpoints ending in /sse use the
	// SSE transport, everything else uses streamable HTTP.
	URL string `json:"url,omitempty" yaml:"url,omitempty"`
	// Headers are added to every HTTP request sent to the backend.
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`

	// Timeout overrides the manager's default per-request timeout for this
	// backend. Zero means use the default.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

func (c *BackendConfig) validate(ns NamespaceStrategy) error {
	if err := ns.ValidateBackendName(c.Name); err != nil {
		return err
	}
	hasCommand := c.Command != ""
	hasURL := c.URL != ""
	switch {
	case hasCommand && hasURL:
		return fmt.Errorf("mcphub: backend %q: command and url are mutually exclusive", c.Name)
	case !hasCommand && !hasURL:
		return fmt.Errorf("mcphub: backend %q: either command or url is required", c.Name)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("mcphub: backend %q: timeout must not be negative", c.Name)
	}
	return nil
}

func (c *BackendConfig) isStdio() bool { return c.Command != "" }

// mergeEnviron applies overrides to a base environment in KEY=VALUE form.
// Overridden variables keep their original position, new variables are
// appended in sorted order, and overrides with empty values drop the
// variable instead of exporting it empty.
func mergeEnviron(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	merged := make([]string, 0, len(base)+len(overrides))
	applied := make(map[string]bool, len(overrides))
	for _, kv := range base {
		key, _, ok := strings.Cut(kv, "=")
		if !ok {
			merged = append(merged, kv)
			continue
		}
		value, has := overrides[key]
		if !has {
			merged = append(merged, kv)
			continue
		}
		applied[key] = true
		if value == "" {
			continue
		}
		merged = append(merged, key+"="+value)
	}
	added := make([]string, 0, len(overrides))
	for key, value := range overrides {
		if applied[key] || value == "" {
			continue
		}
		added = append(added, key+"="+value)
	}
	sort.Strings(added)
	return append(merged, added...)
}
