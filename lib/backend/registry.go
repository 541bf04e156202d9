// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/bureau-foundation/aide/lib/llm"
)

// Backend is a live handle on one configured backend: its descriptor
// plus the constructed provider. Handles are immutable; a registry
// replacement produces new ones.
type Backend struct {
	descriptor Descriptor
	provider   llm.Provider
}

// Name returns the backend's configured name.
func (backend *Backend) Name() string { return backend.descriptor.Name }

// Protocol returns the backend's wire protocol.
func (backend *Backend) Protocol() Protocol { return backend.descriptor.Protocol }

// Provider returns the wire adapter for this backend.
func (backend *Backend) Provider() llm.Provider { return backend.provider }

// Capabilities returns the backend's capability flags.
func (backend *Backend) Capabilities() Capabilities { return backend.descriptor.Capabilities }

// ContextWindow returns the configured context window override, or
// zero when the model registry's default should apply.
func (backend *Backend) ContextWindow() int { return backend.descriptor.NumCtx }

// Fallbacks returns the backend's fallback model references.
func (backend *Backend) Fallbacks() []string {
	return slices.Clone(backend.descriptor.Fallbacks)
}

// SubagentModels returns the model references subagent dispatch may
// use on this backend. Empty means unrestricted.
func (backend *Backend) SubagentModels() []string {
	return slices.Clone(backend.descriptor.Subagents)
}

// ApplyDefaults overlays the descriptor's default generation options
// onto a request: backend-wide options first, then the per-model
// overlay for the request's model, with explicit request values
// winning over both. A reasoning request to a backend without
// reasoning support is downgraded to a plain one.
func (backend *Backend) ApplyDefaults(request llm.Request) llm.Request {
	descriptor := &backend.descriptor

	if request.Temperature == nil && descriptor.Temperature != nil {
		temperature := *descriptor.Temperature
		request.Temperature = &temperature
	}

	modelOptions := descriptor.ModelOptions[request.Model]
	if len(descriptor.Options) > 0 || len(modelOptions) > 0 || descriptor.NumCtx > 0 {
		merged := make(map[string]any, len(descriptor.Options)+len(modelOptions)+len(request.Options)+1)
		for name, value := range descriptor.Options {
			merged[name] = value
		}
		if descriptor.NumCtx > 0 {
			merged["num_ctx"] = descriptor.NumCtx
		}
		for name, value := range modelOptions {
			merged[name] = value
		}
		for name, value := range request.Options {
			merged[name] = value
		}
		request.Options = merged
	}

	if request.Think && !descriptor.Capabilities.Reasoning {
		request.Think = false
	}

	return request
}

// snapshot is one immutable registry state. Readers load it once and
// work against a consistent view; replacement swaps the whole thing.
type snapshot struct {
	// backends in registration order; backends[0] is the default.
	backends []*Backend

	// byName indexes backends by lower-cased name.
	byName map[string]*Backend
}

// Registry maps model references to (backend, model) pairs. It is
// read-mostly: every model call resolves through it, while writes
// (full replacement on configuration reload) are rare. Reads take no
// lock: the current snapshot is behind an atomic pointer, so a
// reader never observes a partially-applied replacement.
type Registry struct {
	current    atomic.Pointer[snapshot]
	httpClient *http.Client
	logger     *slog.Logger
}

// Config configures a registry.
type Config struct {
	// Backends are the backend descriptors in registration order.
	// The first is the default backend. At least one is required.
	Backends []Descriptor

	// HTTPClient is used by every constructed provider. Nil means
	// http.DefaultClient.
	HTTPClient *http.Client

	// Logger receives provider-level debug logging. Nil discards.
	Logger *slog.Logger
}

// New validates the descriptors, constructs a provider per backend,
// and returns the registry.
func New(config Config) (*Registry, error) {
	registry := &Registry{
		httpClient: config.HTTPClient,
		logger:     config.Logger,
	}
	if err := registry.Replace(config.Backends); err != nil {
		return nil, err
	}
	return registry, nil
}

// Replace atomically swaps the full backend set. The new set is
// validated before the swap: on error the registry keeps serving the
// previous snapshot unchanged. Concurrent resolutions see either the
// old set or the new set, never a mixture.
func (registry *Registry) Replace(descriptors []Descriptor) error {
	if len(descriptors) == 0 {
		return fmt.Errorf("backend: registry needs at least one backend")
	}

	next := &snapshot{
		byName: make(map[string]*Backend, len(descriptors)),
	}
	for _, descriptor := range descriptors {
		if err := descriptor.Validate(); err != nil {
			return err
		}
		key := strings.ToLower(descriptor.Name)
		if _, exists := next.byName[key]; exists {
			return fmt.Errorf("backend: duplicate backend name %q", descriptor.Name)
		}
		handle := &Backend{
			descriptor: descriptor,
			provider:   registry.buildProvider(descriptor),
		}
		next.backends = append(next.backends, handle)
		next.byName[key] = handle
	}

	// Cross-backend checks need the complete set: the default model
	// must pass its own allow-list, and every fallback and subagent
	// reference must resolve somewhere. Only the default backend is
	// required to have a default model at all; the others serve
	// explicit references without one.
	for index, handle := range next.backends {
		if index == 0 || handle.descriptor.DefaultModel != "" {
			if _, err := next.resolveIn(handle, ""); err != nil {
				return fmt.Errorf("backend %q: default model: %w", handle.Name(), err)
			}
		}
		for _, ref := range handle.descriptor.Fallbacks {
			if _, err := next.resolveFrom(handle, ref); err != nil {
				return fmt.Errorf("backend %q: fallback %q: %w", handle.Name(), ref, err)
			}
		}
		for _, ref := range handle.descriptor.Subagents {
			if _, err := next.resolveFrom(handle, ref); err != nil {
				return fmt.Errorf("backend %q: subagent model %q: %w", handle.Name(), ref, err)
			}
		}
	}

	registry.current.Store(next)
	return nil
}

// buildProvider constructs the wire adapter for a descriptor. The
// protocol is known valid by this point.
func (registry *Registry) buildProvider(descriptor Descriptor) llm.Provider {
	clientConfig := llm.ClientConfig{
		BaseURL:    descriptor.BaseURL,
		Credential: descriptor.Credential,
		HTTPClient: registry.httpClient,
		Logger:     registry.logger,
	}
	switch descriptor.Protocol {
	case ProtocolAnthropic:
		return llm.NewAnthropic(clientConfig)
	case ProtocolOpenAI:
		return llm.NewOpenAI(clientConfig)
	case ProtocolOllama:
		return llm.NewOllama(clientConfig)
	}
	panic(fmt.Sprintf("backend: unvalidated protocol %q", descriptor.Protocol))
}

func (registry *Registry) snapshot() *snapshot {
	return registry.current.Load()
}

// Default returns the default backend (the first registered).
func (registry *Registry) Default() *Backend {
	return registry.snapshot().backends[0]
}

// Lookup returns the backend with the given name, compared
// case-insensitively.
func (registry *Registry) Lookup(name string) (*Backend, bool) {
	handle, ok := registry.snapshot().byName[strings.ToLower(name)]
	return handle, ok
}

// Backends returns the backends in registration order.
func (registry *Registry) Backends() []*Backend {
	return slices.Clone(registry.snapshot().backends)
}
