// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package subagent dispatches one-shot delegated model calls and runs
// the structured two-persona debate built on them. A dispatched task
// carries no conversation history and sees a restricted tool surface;
// delegation depth is fixed at one level.
package subagent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/bureau-foundation/aide/lib/backend"
	"github.com/bureau-foundation/aide/lib/clock"
	"github.com/bureau-foundation/aide/lib/llm"
	"github.com/bureau-foundation/aide/lib/persona"
)

// retryDelay separates a failed call from its single retry.
const retryDelay = 2 * time.Second

// defaultTimeout bounds each attempt when the config leaves it unset.
const defaultTimeout = 2 * time.Minute

// maxToolRounds caps the dispatcher's tool loop. A task that has not
// produced a final text response by then is stuck.
const maxToolRounds = 15

// defaultSystemPrompt is used when neither the task nor its persona
// provides one.
const defaultSystemPrompt = "You are a subagent handling a delegated task. " +
	"Answer the task precisely and concisely. If you cannot answer, say so " +
	"clearly. Stay on topic."

// Tools is the restricted tool surface a dispatched task may use.
// Implementations must not expose scheduling, configuration mutation,
// or further dispatch.
type Tools interface {
	// Definitions returns the tool schemas offered to the model.
	Definitions() []llm.ToolDefinition

	// Execute runs one tool call and returns its textual result.
	Execute(ctx context.Context, name string, input json.RawMessage) (string, error)
}

// Task is one delegated invocation.
type Task struct {
	// Model is the model reference to dispatch to. Required unless
	// Persona names a persona with a model of its own.
	Model string

	// Prompt is the single user turn. Required.
	Prompt string

	// System overrides the system prompt. Empty means the persona's
	// prompt, or the package default.
	System string

	// Persona selects a persona by name: its model, system prompt,
	// and tool restrictions apply where the task leaves them unset.
	Persona string

	// Timeout overrides the per-attempt timeout for this task.
	Timeout time.Duration
}

// Error reports a dispatch whose retry also failed. The orchestrating
// caller must surface it, not absorb it and do the work itself.
type Error struct {
	// Model is the resolved backend/model pair the task went to.
	Model string

	// Attempts is how many calls were made.
	Attempts int

	// Err is the final attempt's error.
	Err error
}

func (err *Error) Error() string {
	return fmt.Sprintf("subagent: %s failed after %d attempts: %v", err.Model, err.Attempts, err.Err)
}

func (err *Error) Unwrap() error { return err.Err }

// Config configures a dispatcher. Registry and Clock are required.
type Config struct {
	Registry *backend.Registry
	Clock    clock.Clock

	// Personas resolves Task.Persona references. Nil means personas
	// are unavailable.
	Personas *persona.Set

	// Tools is the restricted tool surface. Nil means tasks run
	// without tools.
	Tools Tools

	// Timeout bounds each attempt. Zero means two minutes.
	Timeout time.Duration

	// Logger receives dispatch events. Nil means discard.
	Logger *slog.Logger
}

// Dispatcher runs one-shot delegated tasks. It calls the resolved
// backend directly. A delegated task does not walk the fallback
// chain; it retries once on its own backend and then reports failure.
// Safe for concurrent use.
type Dispatcher struct {
	registry *backend.Registry
	personas *persona.Set
	tools    Tools
	clock    clock.Clock
	timeout  time.Duration
	logger   *slog.Logger
}

// NewDispatcher validates cfg and returns a dispatcher.
func NewDispatcher(cfg Config) (*Dispatcher, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("subagent: Registry is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("subagent: Clock is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Dispatcher{
		registry: cfg.Registry,
		personas: cfg.Personas,
		tools:    cfg.Tools,
		clock:    cfg.Clock,
		timeout:  timeout,
		logger:   logger,
	}, nil
}

// Invoke runs the task and returns its final text response. The model
// sees exactly one user turn, with no session history. Each backend call
// runs under its own timeout and is retried exactly once after a fixed
// delay; a second failure surfaces as [*Error].
func (d *Dispatcher) Invoke(ctx context.Context, task Task) (string, error) {
	task, selected, err := d.applyPersona(task)
	if err != nil {
		return "", err
	}
	if task.Prompt == "" {
		return "", fmt.Errorf("subagent: task prompt is required")
	}

	resolution, err := d.registry.ResolveSubagent(task.Model)
	if err != nil {
		return "", err
	}
	display := resolution.Backend.Name() + "/" + resolution.Model

	system := task.System
	if system == "" {
		system = defaultSystemPrompt
	}
	// Delegated tasks have no conversation to date themselves by, so
	// the current date goes into the system prompt.
	system += "\n\nToday is " + d.clock.Now().Format("January 2, 2006") + "."

	definitions, allowed := d.toolSurface(selected, resolution.Backend)

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = d.timeout
	}

	d.logger.Info("subagent dispatched",
		"model", display,
		"persona", task.Persona,
		"tools", len(definitions),
	)

	provider := resolution.Backend.Provider()
	messages := []llm.Message{llm.UserMessage(task.Prompt)}
	var text strings.Builder

	for round := 0; round < maxToolRounds; round++ {
		request := resolution.Backend.ApplyDefaults(llm.Request{
			Model:    resolution.Model,
			System:   system,
			Messages: messages,
			Tools:    definitions,
		})

		response, err := d.complete(ctx, provider, request, display, timeout)
		if err != nil {
			return "", err
		}

		text.WriteString(response.TextContent())
		uses := response.ToolUses()
		if len(uses) == 0 {
			return strings.TrimSpace(text.String()), nil
		}

		messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: response.Content})
		results := make([]llm.ToolResult, 0, len(uses))
		for _, use := range uses {
			results = append(results, d.executeTool(ctx, use, allowed))
		}
		messages = append(messages, llm.ToolResultMessage(results...))
	}

	if text.Len() > 0 {
		return strings.TrimSpace(text.String()), nil
	}
	return "", fmt.Errorf("subagent: %s produced no final response after %d tool rounds", display, maxToolRounds)
}

// applyPersona overlays the selected persona onto the task: its model,
// system prompt, and tool restrictions fill whatever the task leaves
// unset.
func (d *Dispatcher) applyPersona(task Task) (Task, *persona.Persona, error) {
	if task.Persona == "" {
		return task, nil, nil
	}
	if d.personas == nil {
		return Task{}, nil, fmt.Errorf("subagent: no personas configured, cannot resolve %q", task.Persona)
	}
	selected, ok := d.personas.Lookup(task.Persona)
	if !ok {
		return Task{}, nil, fmt.Errorf("subagent: unknown persona %q", task.Persona)
	}
	if task.Model == "" {
		task.Model = selected.Model
	}
	if task.System == "" {
		task.System = selected.System
	}
	return task, selected, nil
}

// toolSurface computes the tool schemas to send and the set of names
// executable for this task. Schemas are only sent to tool-capable
// backends; a persona's tool list further narrows the surface.
func (d *Dispatcher) toolSurface(selected *persona.Persona, handle *backend.Backend) ([]llm.ToolDefinition, map[string]bool) {
	if d.tools == nil || !handle.Capabilities().Tools {
		return nil, nil
	}

	definitions := d.tools.Definitions()
	if selected == nil || len(selected.Tools) == 0 {
		allowed := make(map[string]bool, len(definitions))
		for _, definition := range definitions {
			allowed[definition.Name] = true
		}
		return definitions, allowed
	}

	permitted := make(map[string]bool, len(selected.Tools))
	for _, name := range selected.Tools {
		permitted[name] = true
	}
	var narrowed []llm.ToolDefinition
	allowed := make(map[string]bool)
	for _, definition := range definitions {
		if permitted[definition.Name] {
			narrowed = append(narrowed, definition)
			allowed[definition.Name] = true
		}
	}
	return narrowed, allowed
}

// executeTool runs one tool call and converts failures into error
// results the model can react to.
func (d *Dispatcher) executeTool(ctx context.Context, use *llm.ToolUse, allowed map[string]bool) llm.ToolResult {
	if !allowed[use.Name] {
		return llm.ToolResult{
			ToolUseID: use.ID,
			Content:   fmt.Sprintf("tool %q is not available for delegated tasks", use.Name),
			IsError:   true,
		}
	}
	output, err := d.tools.Execute(ctx, use.Name, use.Input)
	if err != nil {
		return llm.ToolResult{ToolUseID: use.ID, Content: err.Error(), IsError: true}
	}
	return llm.ToolResult{ToolUseID: use.ID, Content: output}
}

// complete makes one backend call with the single-retry policy: a
// failed attempt is retried once after a fixed delay, each attempt
// under its own timeout. Caller cancellation is never retried.
func (d *Dispatcher) complete(ctx context.Context, provider llm.Provider, request llm.Request, display string, timeout time.Duration) (*llm.Response, error) {
	response, err := d.attempt(ctx, provider, request, timeout)
	if err == nil {
		return response, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}

	d.logger.Warn("subagent attempt failed",
		"model", display, "attempt", 1, "retry_in", retryDelay, "error", err)
	select {
	case <-d.clock.After(retryDelay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	response, err = d.attempt(ctx, provider, request, timeout)
	if err != nil {
		return nil, &Error{Model: display, Attempts: 2, Err: err}
	}
	return response, nil
}

// attempt runs the provider once under the per-attempt timeout.
func (d *Dispatcher) attempt(ctx context.Context, provider llm.Provider, request llm.Request, timeout time.Duration) (*llm.Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return provider.Complete(attemptCtx, request)
}
