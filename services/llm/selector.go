// Copyright (C) 2025 Chatcore Team (dev@chatcore.kr)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// RoutingConfig declares which provider answers for which owner or engine.
//
// # Description
//
// Routing is static configuration: a default provider, an optional fallback
// provider (invoked only after a rate-limit failure), and per-owner /
// per-engine overrides. Owner overrides win over engine overrides.
//
// # Example YAML
//
//	default: openai
//	fallback: ollama
//	owners:
//	  user-enterprise-7: ollama
//	engines:
//	  legal-assistant: openai
type RoutingConfig struct {
	Default  string            `yaml:"default"`
	Fallback string            `yaml:"fallback"`
	Owners   map[string]string `yaml:"owners"`
	Engines  map[string]string `yaml:"engines"`
}

// LoadRoutingConfig reads a routing override file. A missing path returns
// a zero config (callers fall back to the default provider).
func LoadRoutingConfig(path string) (RoutingConfig, error) {
	var cfg RoutingConfig
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read routing config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse routing config %s: %w", path, err)
	}
	return cfg, nil
}

// Selector resolves the provider for a request.
//
// # Thread Safety
//
// Read-only after construction; safe for concurrent use.
type Selector struct {
	providers map[string]ProviderClient
	routing   RoutingConfig
}

// NewSelector builds a Selector over the registered providers.
func NewSelector(providers []ProviderClient, routing RoutingConfig) (*Selector, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("at least one provider is required")
	}

	byName := make(map[string]ProviderClient, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}

	if routing.Default == "" {
		routing.Default = providers[0].Name()
	}
	if _, ok := byName[routing.Default]; !ok {
		return nil, fmt.Errorf("default provider %q is not registered", routing.Default)
	}
	if routing.Fallback != "" {
		if _, ok := byName[routing.Fallback]; !ok {
			return nil, fmt.Errorf("fallback provider %q is not registered", routing.Fallback)
		}
	}

	return &Selector{providers: byName, routing: routing}, nil
}

// Primary returns the provider for an owner/engine pair. Owner overrides
// take precedence over engine overrides, then the static default.
func (s *Selector) Primary(ownerID, engineID string) ProviderClient {
	if name, ok := s.routing.Owners[ownerID]; ok {
		if p, ok := s.providers[name]; ok {
			return p
		}
		slog.Warn("owner routing override names unknown provider", "owner_id", ownerID, "provider", name)
	}
	if name, ok := s.routing.Engines[engineID]; ok {
		if p, ok := s.providers[name]; ok {
			return p
		}
		slog.Warn("engine routing override names unknown provider", "engine_id", engineID, "provider", name)
	}
	return s.providers[s.routing.Default]
}

// Fallback returns the configured secondary provider, if any. The fallback
// is never the same instance as the given primary.
func (s *Selector) Fallback(primary ProviderClient) (ProviderClient, bool) {
	if s.routing.Fallback == "" {
		return nil, false
	}
	p, ok := s.providers[s.routing.Fallback]
	if !ok || p == primary {
		return nil, false
	}
	return p, true
}
