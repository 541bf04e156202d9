// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"errors"
	"strings"
	"testing"

	"github.com/bureau-foundation/aide/lib/llm"
)

func floatPointer(value float64) *float64 { return &value }

func testDescriptors() []Descriptor {
	return []Descriptor{
		{
			Name:         "anthropic",
			Protocol:     ProtocolAnthropic,
			BaseURL:      "https://api.anthropic.com",
			DefaultModel: "claude-sonnet-4-5",
			Aliases: map[string]string{
				"fast": "claude-haiku-4-5",
				"best": "claude-opus-4-6",
			},
			Fallbacks: []string{"fast"},
		},
		{
			Name:         "openai",
			Protocol:     ProtocolOpenAI,
			BaseURL:      "https://api.openai.com",
			DefaultModel: "gpt-4o",
			Aliases:      map[string]string{"mini": "gpt-4o-mini"},
		},
		{
			Name:         "local",
			Protocol:     ProtocolOllama,
			BaseURL:      "http://127.0.0.1:11434",
			DefaultModel: "qwen3:8b",
			Aliases:      map[string]string{"vision": "llava:13b"},
		},
	}
}

func newTestRegistry(t *testing.T, descriptors []Descriptor) *Registry {
	t.Helper()
	registry, err := New(Config{Backends: descriptors})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return registry
}

func TestRegistry_Resolve(t *testing.T) {
	t.Parallel()
	registry := newTestRegistry(t, testDescriptors())

	tests := []struct {
		name        string
		ref         string
		wantBackend string
		wantModel   string
	}{
		{"empty ref uses default backend and model", "", "anthropic", "claude-sonnet-4-5"},
		{"bare alias on default backend", "fast", "anthropic", "claude-haiku-4-5"},
		{"bare alias on second backend", "mini", "openai", "gpt-4o-mini"},
		{"bare alias on third backend", "vision", "local", "llava:13b"},
		{"prefixed alias", "openai/mini", "openai", "gpt-4o-mini"},
		{"prefix is case-insensitive", "OpenAI/mini", "openai", "gpt-4o-mini"},
		{"prefix with empty model uses backend default", "local/", "local", "qwen3:8b"},
		{"prefixed raw model", "local/qwen3:32b", "local", "qwen3:32b"},
		{"bare raw name passes through to default", "claude-3-haiku", "anthropic", "claude-3-haiku"},
		{"unregistered prefix is part of a raw name", "huihui_ai/qwen3:8b", "anthropic", "huihui_ai/qwen3:8b"},
		{"dotted prefix is part of a raw name", "org.example/model", "anthropic", "org.example/model"},
		{"surrounding whitespace is trimmed", "  fast  ", "anthropic", "claude-haiku-4-5"},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			resolution, err := registry.Resolve(test.ref)
			if err != nil {
				t.Fatalf("Resolve(%q): %v", test.ref, err)
			}
			if resolution.Backend.Name() != test.wantBackend {
				t.Errorf("Resolve(%q) backend = %q, want %q",
					test.ref, resolution.Backend.Name(), test.wantBackend)
			}
			if resolution.Model != test.wantModel {
				t.Errorf("Resolve(%q) model = %q, want %q",
					test.ref, resolution.Model, test.wantModel)
			}
		})
	}
}

func TestRegistry_ResolveAllowList(t *testing.T) {
	t.Parallel()

	registry := newTestRegistry(t, []Descriptor{{
		Name:         "openai",
		Protocol:     ProtocolOpenAI,
		BaseURL:      "https://api.openai.com",
		DefaultModel: "gpt-4o",
		Models:       []string{"gpt-4o", "gpt-4o-mini"},
		Aliases: map[string]string{
			"mini": "gpt-4o-mini",
			"bad":  "gpt-5",
		},
	}})

	if _, err := registry.Resolve("openai/gpt-4o"); err != nil {
		t.Errorf("allow-listed model rejected: %v", err)
	}
	if _, err := registry.Resolve("openai/mini"); err != nil {
		t.Errorf("alias to allow-listed model rejected: %v", err)
	}

	_, err := registry.Resolve("openai/gpt-5")
	var unknownModel *UnknownModelError
	if !errors.As(err, &unknownModel) {
		t.Fatalf("Resolve(openai/gpt-5) = %v, want UnknownModelError", err)
	}
	if unknownModel.Model != "gpt-5" || unknownModel.Backend != "openai" {
		t.Errorf("UnknownModelError = %+v, want model gpt-5 on openai", unknownModel)
	}

	// An alias expanding to a model outside the allow-list is rejected
	// after expansion.
	if _, err := registry.Resolve("bad"); !errors.As(err, &unknownModel) {
		t.Errorf("Resolve(bad) = %v, want UnknownModelError", err)
	}
}

func TestRegistry_DefaultIsFirstRegistered(t *testing.T) {
	t.Parallel()
	registry := newTestRegistry(t, testDescriptors())

	if name := registry.Default().Name(); name != "anthropic" {
		t.Errorf("Default().Name() = %q, want anthropic", name)
	}
}

func TestRegistry_Lookup(t *testing.T) {
	t.Parallel()
	registry := newTestRegistry(t, testDescriptors())

	backend, ok := registry.Lookup("LOCAL")
	if !ok {
		t.Fatal("Lookup(LOCAL) not found, want case-insensitive match")
	}
	if backend.Name() != "local" {
		t.Errorf("Lookup(LOCAL).Name() = %q, want local", backend.Name())
	}
	if _, ok := registry.Lookup("missing"); ok {
		t.Error("Lookup(missing) found a backend, want none")
	}
}

func TestRegistry_ReplaceSwapsWholeSet(t *testing.T) {
	t.Parallel()
	registry := newTestRegistry(t, testDescriptors())

	replacement := []Descriptor{{
		Name:         "solo",
		Protocol:     ProtocolOllama,
		BaseURL:      "http://127.0.0.1:11434",
		DefaultModel: "llama3.1:8b",
	}}
	if err := registry.Replace(replacement); err != nil {
		t.Fatalf("Replace: %v", err)
	}

	resolution, err := registry.Resolve("")
	if err != nil {
		t.Fatalf("Resolve after replace: %v", err)
	}
	if resolution.Backend.Name() != "solo" || resolution.Model != "llama3.1:8b" {
		t.Errorf("Resolve() = %s/%s, want solo/llama3.1:8b",
			resolution.Backend.Name(), resolution.Model)
	}
	if _, ok := registry.Lookup("anthropic"); ok {
		t.Error("old backend still visible after Replace")
	}
}

func TestRegistry_ReplaceFailureKeepsOldSet(t *testing.T) {
	t.Parallel()
	registry := newTestRegistry(t, testDescriptors())

	// Duplicate names, compared case-insensitively.
	invalid := []Descriptor{
		{Name: "Local", Protocol: ProtocolOllama, BaseURL: "http://127.0.0.1:11434", DefaultModel: "a"},
		{Name: "local", Protocol: ProtocolOllama, BaseURL: "http://127.0.0.1:11434", DefaultModel: "b"},
	}
	err := registry.Replace(invalid)
	if err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("Replace(duplicates) = %v, want duplicate-name error", err)
	}

	// The previous snapshot still serves.
	resolution, err := registry.Resolve("mini")
	if err != nil {
		t.Fatalf("Resolve after failed replace: %v", err)
	}
	if resolution.Backend.Name() != "openai" {
		t.Errorf("old snapshot lost after failed Replace")
	}
}

func TestRegistry_RejectsUnresolvableReferences(t *testing.T) {
	t.Parallel()

	base := Descriptor{
		Name:         "openai",
		Protocol:     ProtocolOpenAI,
		BaseURL:      "https://api.openai.com",
		DefaultModel: "gpt-4o",
		Models:       []string{"gpt-4o"},
	}

	// A fallback reference outside the backend's own allow-list.
	withFallback := base
	withFallback.Fallbacks = []string{"openai/gpt-5"}
	if _, err := New(Config{Backends: []Descriptor{withFallback}}); err == nil {
		t.Error("New accepted a fallback outside the allow-list")
	}

	// A subagent reference outside the allow-list.
	withSubagent := base
	withSubagent.Subagents = []string{"gpt-5"}
	if _, err := New(Config{Backends: []Descriptor{withSubagent}}); err == nil {
		t.Error("New accepted a subagent model outside the allow-list")
	}

	// A default model outside the allow-list.
	badDefault := base
	badDefault.DefaultModel = "gpt-5"
	if _, err := New(Config{Backends: []Descriptor{badDefault}}); err == nil {
		t.Error("New accepted a default model outside the allow-list")
	}
}

func TestRegistry_RequiresBackends(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{}); err == nil {
		t.Error("New accepted an empty backend set")
	}
}

func TestRegistry_DefaultModelRequiredOnDefaultBackendOnly(t *testing.T) {
	t.Parallel()

	primary := Descriptor{
		Name:         "anthropic",
		Protocol:     ProtocolAnthropic,
		BaseURL:      "https://api.anthropic.com",
		DefaultModel: "claude-sonnet-4-5",
	}
	secondary := Descriptor{
		Name:     "local",
		Protocol: ProtocolOllama,
		BaseURL:  "http://127.0.0.1:11434",
	}

	// A secondary backend without a default model serves explicit
	// references only.
	registry := newTestRegistry(t, []Descriptor{primary, secondary})
	if _, err := registry.Resolve("local/qwen3:8b"); err != nil {
		t.Errorf("explicit reference on model-less backend: %v", err)
	}
	if _, err := registry.Resolve("local/"); err == nil {
		t.Error("Resolve(local/) succeeded without a default model")
	}

	// The default backend cannot do without one.
	if _, err := New(Config{Backends: []Descriptor{secondary, primary}}); err == nil {
		t.Error("New accepted a default backend without a default model")
	}
}

func TestBackend_ApplyDefaults(t *testing.T) {
	t.Parallel()

	registry := newTestRegistry(t, []Descriptor{{
		Name:         "local",
		Protocol:     ProtocolOllama,
		BaseURL:      "http://127.0.0.1:11434",
		DefaultModel: "qwen3:8b",
		NumCtx:       32768,
		Temperature:  floatPointer(0.7),
		Options:      map[string]any{"top_p": 0.9},
	}})
	backend, _ := registry.Lookup("local")

	applied := backend.ApplyDefaults(llm.Request{})
	if applied.Temperature == nil || *applied.Temperature != 0.7 {
		t.Errorf("Temperature = %v, want 0.7", applied.Temperature)
	}
	if applied.Options["top_p"] != 0.9 {
		t.Errorf("Options[top_p] = %v, want 0.9", applied.Options["top_p"])
	}
	if applied.Options["num_ctx"] != 32768 {
		t.Errorf("Options[num_ctx] = %v, want 32768", applied.Options["num_ctx"])
	}

	// Explicit request values win over descriptor defaults.
	applied = backend.ApplyDefaults(llm.Request{
		Temperature: floatPointer(0.2),
		Options:     map[string]any{"num_ctx": 8192},
	})
	if *applied.Temperature != 0.2 {
		t.Errorf("Temperature = %v, want request value 0.2", *applied.Temperature)
	}
	if applied.Options["num_ctx"] != 8192 {
		t.Errorf("Options[num_ctx] = %v, want request value 8192", applied.Options["num_ctx"])
	}
}

func TestBackend_ApplyDefaultsModelOverlay(t *testing.T) {
	t.Parallel()

	registry := newTestRegistry(t, []Descriptor{{
		Name:         "local",
		Protocol:     ProtocolOllama,
		BaseURL:      "http://127.0.0.1:11434",
		DefaultModel: "qwen3:8b",
		Options:      map[string]any{"top_p": 0.9, "num_ctx": 32768},
		ModelOptions: map[string]map[string]any{
			"llava:13b": {"num_ctx": 8192},
		},
	}})
	backend, _ := registry.Lookup("local")

	// The per-model layer overrides backend options for its model.
	applied := backend.ApplyDefaults(llm.Request{Model: "llava:13b"})
	if applied.Options["num_ctx"] != 8192 {
		t.Errorf("Options[num_ctx] = %v, want model override 8192", applied.Options["num_ctx"])
	}
	if applied.Options["top_p"] != 0.9 {
		t.Errorf("Options[top_p] = %v, want backend default 0.9", applied.Options["top_p"])
	}

	// Other models keep the backend-wide value.
	applied = backend.ApplyDefaults(llm.Request{Model: "qwen3:8b"})
	if applied.Options["num_ctx"] != 32768 {
		t.Errorf("Options[num_ctx] = %v, want backend default 32768", applied.Options["num_ctx"])
	}

	// The request still wins over the model layer.
	applied = backend.ApplyDefaults(llm.Request{
		Model:   "llava:13b",
		Options: map[string]any{"num_ctx": 4096},
	})
	if applied.Options["num_ctx"] != 4096 {
		t.Errorf("Options[num_ctx] = %v, want request value 4096", applied.Options["num_ctx"])
	}
}

func TestBackend_ApplyDefaultsGatesThink(t *testing.T) {
	t.Parallel()

	descriptors := []Descriptor{
		{
			Name:         "plain",
			Protocol:     ProtocolOllama,
			BaseURL:      "http://127.0.0.1:11434",
			DefaultModel: "llama3.1:8b",
		},
		{
			Name:         "reasoning",
			Protocol:     ProtocolOllama,
			BaseURL:      "http://127.0.0.1:11435",
			DefaultModel: "qwen3:8b",
			Capabilities: Capabilities{Reasoning: true},
		},
	}
	registry := newTestRegistry(t, descriptors)

	plain, _ := registry.Lookup("plain")
	if applied := plain.ApplyDefaults(llm.Request{Think: true}); applied.Think {
		t.Error("Think survived on a backend without reasoning support")
	}

	reasoning, _ := registry.Lookup("reasoning")
	if applied := reasoning.ApplyDefaults(llm.Request{Think: true}); !applied.Think {
		t.Error("Think dropped on a reasoning-capable backend")
	}
}
