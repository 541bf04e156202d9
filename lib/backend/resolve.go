// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"fmt"
	"slices"
	"strings"
)

// Resolution is the outcome of resolving a model reference: the
// backend to call and the concrete model identifier to put on the
// wire.
type Resolution struct {
	Backend *Backend
	Model   string
}

// UnknownModelError reports a model identifier rejected by a
// backend's allow-list.
type UnknownModelError struct {
	// Model is the concrete identifier that was rejected, after
	// alias expansion.
	Model string

	// Backend is the backend that rejected it.
	Backend string
}

func (err *UnknownModelError) Error() string {
	return fmt.Sprintf("backend: unknown model %q on backend %q", err.Model, err.Backend)
}

// Resolve maps a model reference to a (backend, model) pair.
//
// A reference is either "provider/name" or a bare name. The prefix
// before the first '/' selects a backend when it matches a registered
// name (case-insensitively) and contains no '.' or ':'; otherwise
// the whole reference is a raw model name (Ollama registry paths like
// "org/model:tag" keep their slashes). Within the selected backend,
// an empty name means the default model, aliases expand, and the
// allow-list (when configured) is enforced after expansion.
//
// A bare name is first looked up in every backend's alias table, the
// default backend winning ties; a name that is no backend's alias
// passes through to the default backend as a raw identifier, subject
// to its allow-list. The empty reference resolves to the default
// backend's default model.
func (registry *Registry) Resolve(ref string) (Resolution, error) {
	current := registry.snapshot()
	return current.resolveFrom(current.backends[0], ref)
}

// ResolveSubagent resolves a model reference for subagent dispatch.
// Resolution works as in [Registry.Resolve]; additionally, when the
// resolved backend configures a subagent allow-list, the resolved
// model must appear on it.
func (registry *Registry) ResolveSubagent(ref string) (Resolution, error) {
	current := registry.snapshot()
	resolution, err := current.resolveFrom(current.backends[0], ref)
	if err != nil {
		return Resolution{}, err
	}

	allowed := resolution.Backend.descriptor.Subagents
	if len(allowed) == 0 {
		return resolution, nil
	}
	for _, entry := range allowed {
		// Entries were validated at Replace; resolution cannot fail.
		candidate, err := current.resolveFrom(resolution.Backend, entry)
		if err == nil && candidate.Backend == resolution.Backend && candidate.Model == resolution.Model {
			return resolution, nil
		}
	}
	return Resolution{}, fmt.Errorf("backend: model %q is not on backend %q's subagent allow-list",
		resolution.Model, resolution.Backend.Name())
}

// resolveFrom resolves ref with origin preferred for unprefixed
// names. Registry.Resolve uses the default backend as origin;
// per-backend fallback lists use their owning backend, so a bare
// alias in a backend's own fallback list resolves against that
// backend first.
func (s *snapshot) resolveFrom(origin *Backend, ref string) (Resolution, error) {
	ref = strings.TrimSpace(ref)

	if prefix, rest, ok := splitProviderRef(ref); ok {
		if handle, found := s.byName[strings.ToLower(prefix)]; found {
			return s.resolveIn(handle, rest)
		}
	}

	if ref == "" {
		return s.resolveIn(origin, "")
	}

	// Bare alias search: origin first, then registration order.
	if _, ok := origin.descriptor.Aliases[ref]; ok {
		return s.resolveIn(origin, ref)
	}
	for _, handle := range s.backends {
		if handle == origin {
			continue
		}
		if _, ok := handle.descriptor.Aliases[ref]; ok {
			return s.resolveIn(handle, ref)
		}
	}

	// Raw identifier on the origin backend.
	return s.resolveIn(origin, ref)
}

// resolveIn resolves a name within one backend: default model for the
// empty name, alias expansion, allow-list enforcement.
func (s *snapshot) resolveIn(handle *Backend, name string) (Resolution, error) {
	descriptor := &handle.descriptor
	if name == "" {
		if descriptor.DefaultModel == "" {
			return Resolution{}, fmt.Errorf("backend %q has no default model", descriptor.Name)
		}
		name = descriptor.DefaultModel
	}
	name = descriptor.expandAlias(name)

	if len(descriptor.Models) > 0 && !slices.Contains(descriptor.Models, name) {
		return Resolution{}, &UnknownModelError{Model: name, Backend: descriptor.Name}
	}
	return Resolution{Backend: handle, Model: name}, nil
}

// splitProviderRef splits "provider/rest" at the first slash. ok is
// false when there is no slash or the prefix cannot be a provider
// name (empty, or contains '.' or ':').
func splitProviderRef(ref string) (prefix, rest string, ok bool) {
	index := strings.IndexByte(ref, '/')
	if index < 0 {
		return "", "", false
	}
	prefix = ref[:index]
	if prefix == "" || strings.ContainsAny(prefix, ".:") {
		return "", "", false
	}
	return prefix, ref[index+1:], true
}
