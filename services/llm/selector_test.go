// Copyright (C) 2025 Chatcore Team (dev@chatcore.kr)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/seoul-2025/chatcore/services/orchestrator/datatypes"
)

type namedProvider struct {
	name string
}

func (p *namedProvider) Name() string { return p.name }

func (p *namedProvider) ChatStream(ctx context.Context, system string,
	messages []datatypes.Message, params GenerationParams, callback StreamCallback) error {
	return nil
}

func (p *namedProvider) Chat(ctx context.Context, system string,
	messages []datatypes.Message, params GenerationParams) (string, Usage, error) {
	return "", Usage{}, nil
}

func TestSelectorDefaultsToFirstProvider(t *testing.T) {
	t.Parallel()

	a := &namedProvider{name: "openai"}
	b := &namedProvider{name: "ollama"}
	sel, err := NewSelector([]ProviderClient{a, b}, RoutingConfig{})
	if err != nil {
		t.Fatalf("NewSelector: %v", err)
	}

	if got := sel.Primary("anyone", "any-engine"); got != a {
		t.Errorf("expected the first provider as default, got %s", got.Name())
	}
	if _, ok := sel.Fallback(a); ok {
		t.Error("no fallback configured, expected none")
	}
}

func TestSelectorOwnerOverrideWins(t *testing.T) {
	t.Parallel()

	a := &namedProvider{name: "openai"}
	b := &namedProvider{name: "ollama"}
	sel, err := NewSelector([]ProviderClient{a, b}, RoutingConfig{
		Default: "openai",
		Owners:  map[string]string{"vip-user": "ollama"},
		Engines: map[string]string{"legal": "openai"},
	})
	if err != nil {
		t.Fatalf("NewSelector: %v", err)
	}

	// Owner override beats the engine override for the same request.
	if got := sel.Primary("vip-user", "legal"); got != b {
		t.Errorf("expected owner override, got %s", got.Name())
	}
	if got := sel.Primary("other", "legal"); got != a {
		t.Errorf("expected engine override, got %s", got.Name())
	}
	if got := sel.Primary("other", "other-engine"); got != a {
		t.Errorf("expected default, got %s", got.Name())
	}
}

func TestSelectorFallbackNeverPrimary(t *testing.T) {
	t.Parallel()

	a := &namedProvider{name: "openai"}
	b := &namedProvider{name: "ollama"}
	sel, err := NewSelector([]ProviderClient{a, b}, RoutingConfig{
		Default:  "openai",
		Fallback: "ollama",
	})
	if err != nil {
		t.Fatalf("NewSelector: %v", err)
	}

	if fb, ok := sel.Fallback(a); !ok || fb != b {
		t.Error("expected the configured fallback")
	}
	// A request already routed to the fallback has nowhere further to go.
	if _, ok := sel.Fallback(b); ok {
		t.Error("fallback must not equal the primary")
	}
}

func TestSelectorRejectsUnknownDefault(t *testing.T) {
	t.Parallel()

	a := &namedProvider{name: "openai"}
	if _, err := NewSelector([]ProviderClient{a}, RoutingConfig{Default: "missing"}); err == nil {
		t.Error("expected an error for an unregistered default provider")
	}
	if _, err := NewSelector(nil, RoutingConfig{}); err == nil {
		t.Error("expected an error for an empty provider list")
	}
}

func TestLoadRoutingConfig(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "routing.yaml")
	yaml := "default: openai\nfallback: ollama\nowners:\n  vip-user: ollama\n"
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadRoutingConfig(path)
	if err != nil {
		t.Fatalf("LoadRoutingConfig: %v", err)
	}
	if cfg.Default != "openai" || cfg.Fallback != "ollama" {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if cfg.Owners["vip-user"] != "ollama" {
		t.Errorf("owner override missing: %+v", cfg.Owners)
	}

	// Empty path is not an error: routing overrides are optional.
	if _, err := LoadRoutingConfig(""); err != nil {
		t.Errorf("empty path: %v", err)
	}

	if _, err := LoadRoutingConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected an error for a missing file")
	}
}
