// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package persona provides parsing and validation for subagent persona
// definitions. Personas are authored on disk as JSONC files (JSON
// extended with comments and trailing commas), one persona per file,
// and loaded at daemon start into a named set the dispatcher and
// debate orchestrator draw from.
//
// A persona bundles a reusable subagent identity: the system prompt it
// speaks with, an optional pinned model, and the tool names it may
// use. A debate stance references a persona and adds the position it
// argues.
package persona

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tidwall/jsonc"
)

// Persona is one subagent persona definition.
type Persona struct {
	// Name identifies the persona. Defaults to the file name (without
	// extension) when the file does not set it.
	Name string `json:"name"`

	// Model optionally pins the persona to a model reference. Empty
	// means the dispatcher's default subagent model.
	Model string `json:"model,omitempty"`

	// System is the persona's system prompt.
	System string `json:"system"`

	// Tools restricts the persona to the named tools. Empty means the
	// dispatcher's standard restricted set.
	Tools []string `json:"tools,omitempty"`

	// Description is shown in persona listings. Optional.
	Description string `json:"description,omitempty"`
}

// Validate checks a persona for structural issues. Returns a list of
// human-readable issue descriptions; an empty list means valid.
func (p *Persona) Validate() []string {
	var issues []string
	if strings.TrimSpace(p.Name) == "" {
		issues = append(issues, "persona has no name")
	}
	if strings.TrimSpace(p.System) == "" {
		issues = append(issues, fmt.Sprintf("persona %q: system prompt is required", p.Name))
	}
	for index, tool := range p.Tools {
		if strings.TrimSpace(tool) == "" {
			issues = append(issues, fmt.Sprintf("persona %q: tools[%d] is empty", p.Name, index))
		}
	}
	return issues
}

// Parse strips JSONC comments and trailing commas from data, then
// unmarshals the result into a Persona. Unknown fields are tolerated
// for forward compatibility.
func Parse(data []byte) (*Persona, error) {
	stripped := jsonc.ToJSON(data)

	var p Persona
	if err := json.Unmarshal(stripped, &p); err != nil {
		return nil, fmt.Errorf("parsing persona: %w", err)
	}
	return &p, nil
}

// ReadFile reads a JSONC persona file from disk and parses it. A file
// without an explicit name gets one derived from its path.
func ReadFile(path string) (*Persona, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if p.Name == "" {
		p.Name = NameFromPath(path)
	}
	if issues := p.Validate(); len(issues) > 0 {
		return nil, fmt.Errorf("%s: %s", path, strings.Join(issues, "; "))
	}
	return p, nil
}

// NameFromPath extracts a persona name from a file path by stripping
// the directory prefix and the file extension: "personas/skeptic.jsonc"
// returns "skeptic".
func NameFromPath(path string) string {
	base := filepath.Base(path)
	extension := filepath.Ext(base)
	return strings.TrimSuffix(base, extension)
}

// Set is a named collection of personas loaded from a directory.
type Set struct {
	byName map[string]*Persona
}

// LoadDir reads every *.jsonc and *.json file in dir into a Set.
// Duplicate names across files are rejected. A missing directory
// yields an empty set; personas are optional.
func LoadDir(dir string) (*Set, error) {
	set := &Set{byName: make(map[string]*Persona)}
	if dir == "" {
		return set, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return set, nil
		}
		return nil, fmt.Errorf("reading persona directory %s: %w", dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		extension := filepath.Ext(entry.Name())
		if extension != ".jsonc" && extension != ".json" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		p, err := ReadFile(path)
		if err != nil {
			return nil, err
		}
		if existing, exists := set.byName[p.Name]; exists {
			return nil, fmt.Errorf("%s: duplicate persona name %q (also defined as %q)",
				path, p.Name, existing.Name)
		}
		set.byName[p.Name] = p
	}
	return set, nil
}

// Lookup returns the persona with the given name.
func (s *Set) Lookup(name string) (*Persona, bool) {
	p, ok := s.byName[name]
	return p, ok
}

// Names returns the persona names in sorted order.
func (s *Set) Names() []string {
	names := make([]string, 0, len(s.byName))
	for name := range s.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of personas in the set.
func (s *Set) Len() int { return len(s.byName) }
