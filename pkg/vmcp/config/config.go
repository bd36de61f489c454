// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config loads and validates the gateway's YAML configuration:
// the backend list and the policy block. Values may reference
// environment variables with ${VAR} syntax.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stacklok/vmcp/pkg/vmcp"
	"github.com/stacklok/vmcp/pkg/vmcp/registry"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or "1m30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std converts to time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// BackendConfig is one backend stanza.
type BackendConfig struct {
	ID        string            `yaml:"id"`
	Name      string            `yaml:"name,omitempty"`
	Transport string            `yaml:"transport"`
	URL       string            `yaml:"url,omitempty"`
	Command   string            `yaml:"command,omitempty"`
	Args      []string          `yaml:"args,omitempty"`
	Env       map[string]string `yaml:"env,omitempty"`
	Mode      string            `yaml:"mode,omitempty"`
	Enabled   *bool             `yaml:"enabled,omitempty"`
}

// PolicyConfig is the gateway-wide policy block.
type PolicyConfig struct {
	DefaultTimeout            Duration `yaml:"default_timeout,omitempty"`
	OutputSizeLimit           int      `yaml:"output_size_limit,omitempty"`
	MaxSubscriptionsPerClient int      `yaml:"max_subscriptions_per_client,omitempty"`
	IdleTimeout               Duration `yaml:"idle_timeout,omitempty"`
	DrainTimeout              Duration `yaml:"drain_timeout,omitempty"`
}

// Config is the full gateway configuration.
type Config struct {
	Name     string          `yaml:"name,omitempty"`
	Listen   string          `yaml:"listen,omitempty"`
	Backends []BackendConfig `yaml:"backends"`
	Policy   PolicyConfig    `yaml:"policy,omitempty"`
}

// Stock defaults applied by SetDefaults.
const (
	DefaultName                      = "vmcp"
	DefaultListen                    = ":4483"
	DefaultTimeout                   = 30 * time.Second
	DefaultOutputSizeLimit           = 10 * 1024 * 1024
	DefaultMaxSubscriptionsPerClient = 100
	DefaultIdleTimeout               = 60 * time.Second
	DefaultDrainTimeout              = 30 * time.Second
)

// SetDefaults fills unset fields in place.
func (c *Config) SetDefaults() {
	if c.Name == "" {
		c.Name = DefaultName
	}
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.Policy.DefaultTimeout == 0 {
		c.Policy.DefaultTimeout = Duration(DefaultTimeout)
	}
	if c.Policy.OutputSizeLimit == 0 {
		c.Policy.OutputSizeLimit = DefaultOutputSizeLimit
	}
	if c.Policy.MaxSubscriptionsPerClient == 0 {
		c.Policy.MaxSubscriptionsPerClient = DefaultMaxSubscriptionsPerClient
	}
	if c.Policy.IdleTimeout == 0 {
		c.Policy.IdleTimeout = Duration(DefaultIdleTimeout)
	}
	if c.Policy.DrainTimeout == 0 {
		c.Policy.DrainTimeout = Duration(DefaultDrainTimeout)
	}
	for i := range c.Backends {
		b := &c.Backends[i]
		if b.Name == "" {
			b.Name = b.ID
		}
		if b.Mode == "" {
			b.Mode = string(vmcp.ModeSmart)
		}
		if b.Enabled == nil {
			enabled := true
			b.Enabled = &enabled
		}
	}
}

// Validate checks structural correctness. It assumes SetDefaults ran.
func (c *Config) Validate() error {
	seen := make(map[string]bool)
	for i := range c.Backends {
		b := &c.Backends[i]
		if b.ID == "" {
			return fmt.Errorf("backend %d: id is required", i)
		}
		if !registry.ValidBackendID(b.ID) {
			return fmt.Errorf("backend %q: id must match [a-z0-9][a-z0-9-]*", b.ID)
		}
		if seen[b.ID] {
			return fmt.Errorf("backend %q: duplicate id", b.ID)
		}
		seen[b.ID] = true

		switch vmcp.TransportType(b.Transport) {
		case vmcp.TransportStdio:
			if b.Command == "" {
				return fmt.Errorf("backend %q: stdio transport requires command", b.ID)
			}
		case vmcp.TransportSSE, vmcp.TransportStreamableHTTP:
			if b.URL == "" {
				return fmt.Errorf("backend %q: %s transport requires url", b.ID, b.Transport)
			}
		default:
			return fmt.Errorf("backend %q: unsupported transport %q", b.ID, b.Transport)
		}

		switch vmcp.BackendMode(b.Mode) {
		case vmcp.ModeStateful, vmcp.ModeSmart, vmcp.ModeStateless:
		default:
			return fmt.Errorf("backend %q: unsupported mode %q", b.ID, b.Mode)
		}
	}
	if c.Policy.DefaultTimeout < 0 {
		return fmt.Errorf("policy: default_timeout must not be negative")
	}
	return nil
}

// ToBackends converts the config stanzas into domain records.
func (c *Config) ToBackends() []vmcp.Backend {
	out := make([]vmcp.Backend, 0, len(c.Backends))
	for i := range c.Backends {
		b := &c.Backends[i]
		enabled := b.Enabled == nil || *b.Enabled
		out = append(out, vmcp.Backend{
			ID:            b.ID,
			Name:          b.Name,
			TransportType: vmcp.TransportType(b.Transport),
			BaseURL:       b.URL,
			Command:       b.Command,
			Args:          b.Args,
			Env:           b.Env,
			Mode:          vmcp.BackendMode(b.Mode),
			Enabled:       enabled,
		})
	}
	return out
}
