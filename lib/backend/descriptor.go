// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/bureau-foundation/aide/lib/secret"
)

// Protocol selects the wire adapter for a backend.
type Protocol string

const (
	ProtocolAnthropic Protocol = "anthropic"
	ProtocolOpenAI    Protocol = "openai"
	ProtocolOllama    Protocol = "ollama"
)

func (protocol Protocol) valid() bool {
	switch protocol {
	case ProtocolAnthropic, ProtocolOpenAI, ProtocolOllama:
		return true
	}
	return false
}

// Capabilities flags what a backend's models can do. The engine
// consults these before offering tools, sending images, or requesting
// extended reasoning.
type Capabilities struct {
	// Tools means the backend supports function/tool calling.
	Tools bool

	// Vision means the backend accepts image content.
	Vision bool

	// Reasoning means the backend supports an extended-thinking or
	// reasoning-effort control.
	Reasoning bool
}

// Descriptor is the validated configuration of one model backend.
// Descriptors come from the configuration layer and are immutable
// once handed to the registry.
type Descriptor struct {
	// Name identifies the backend in model references
	// ("name/model"). Unique within a registry, compared
	// case-insensitively. Must not contain '/', '.', ':', or
	// whitespace; those make the name unusable as a reference
	// prefix.
	Name string

	// Protocol selects the wire adapter.
	Protocol Protocol

	// BaseURL is the API root, e.g. "https://api.anthropic.com" or
	// "http://127.0.0.1:11434".
	BaseURL string

	// Credential is the API key in locked memory. Nil for backends
	// that require no authentication.
	Credential *secret.Buffer

	// DefaultModel is used when a reference names this backend
	// without a model, or names nothing at all on the default
	// backend. May itself be an alias. Required on the registry's
	// default backend; optional elsewhere, where an empty value only
	// means the backend cannot serve a model-less reference.
	DefaultModel string

	// Aliases maps short names to model identifiers (or to other
	// aliases; chains must not cycle).
	Aliases map[string]string

	// Models, when non-empty, is an allow-list: resolution rejects
	// any model identifier not in it.
	Models []string

	// Fallbacks are model references tried in order when a call to
	// this backend fails. Resolved with this backend preferred for
	// unprefixed names.
	Fallbacks []string

	// Subagents are the model references subagent dispatch may use
	// on this backend. Empty means subagents may use any resolvable
	// model.
	Subagents []string

	// NumCtx overrides the model's assumed context window. Zero
	// means unset: the window comes from the model registry. For
	// Ollama backends the value is also sent as the num_ctx option.
	NumCtx int

	// Temperature is the default sampling temperature applied when a
	// request does not set one.
	Temperature *float64

	// Options are provider-specific generation options merged into
	// every request (request values win). Only adapters with an
	// options channel (Ollama) send them on the wire.
	Options map[string]any

	// ModelOptions overrides Options per concrete model identifier,
	// keyed after alias expansion. Layered between Options and the
	// request's own values.
	ModelOptions map[string]map[string]any

	// Capabilities flags tool, vision, and reasoning support.
	Capabilities Capabilities
}

// Validate checks a descriptor in isolation: name and protocol shape,
// endpoint URL, alias table termination. Cross-backend references
// (fallbacks, subagents) are checked by the registry, which knows the
// full backend set.
func (descriptor *Descriptor) Validate() error {
	if descriptor.Name == "" {
		return fmt.Errorf("backend: descriptor has no name")
	}
	if strings.ContainsAny(descriptor.Name, "/.: \t") {
		return fmt.Errorf("backend %q: name must not contain '/', '.', ':', or whitespace", descriptor.Name)
	}
	if !descriptor.Protocol.valid() {
		return fmt.Errorf("backend %q: unknown protocol %q", descriptor.Name, descriptor.Protocol)
	}

	parsed, err := url.Parse(descriptor.BaseURL)
	if err != nil {
		return fmt.Errorf("backend %q: invalid base URL: %w", descriptor.Name, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("backend %q: base URL %q must use http or https", descriptor.Name, descriptor.BaseURL)
	}
	if parsed.Host == "" {
		return fmt.Errorf("backend %q: base URL %q has no host", descriptor.Name, descriptor.BaseURL)
	}

	if descriptor.NumCtx < 0 {
		return fmt.Errorf("backend %q: negative num_ctx %d", descriptor.Name, descriptor.NumCtx)
	}

	// Every alias chain must terminate. A chain longer than the
	// table itself must have revisited a name.
	for alias := range descriptor.Aliases {
		name := alias
		for steps := 0; ; steps++ {
			target, ok := descriptor.Aliases[name]
			if !ok {
				break
			}
			if steps >= len(descriptor.Aliases) {
				return fmt.Errorf("backend %q: alias cycle involving %q", descriptor.Name, alias)
			}
			name = target
		}
	}

	return nil
}

// expandAlias follows the alias table until the name is no longer an
// alias. Chains are acyclic by validation.
func (descriptor *Descriptor) expandAlias(name string) string {
	for {
		target, ok := descriptor.Aliases[name]
		if !ok {
			return name
		}
		name = target
	}
}
