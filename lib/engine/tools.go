// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/bureau-foundation/aide/lib/backend"
	"github.com/bureau-foundation/aide/lib/llm"
	"github.com/bureau-foundation/aide/lib/schedule"
	"github.com/bureau-foundation/aide/lib/subagent"
)

// jobTimeFormat is how job due times appear in tool results. Local
// wall time, minute precision.
const jobTimeFormat = "2006-01-02 15:04"

// builtinTool pairs an orchestration tool's definition with its
// handler. Built-ins run inside the engine and may touch the current
// conversation; they are never part of a ToolSet.
type builtinTool struct {
	definition llm.ToolDefinition
	run        func(ctx context.Context, conv *conversation, input json.RawMessage) (string, error)
}

// builtinTools assembles the orchestration tools for the dependencies
// that are wired. An engine without a job store simply has no schedule
// tool; the model never sees it.
func (e *Engine) builtinTools() []builtinTool {
	var tools []builtinTool
	if e.jobs != nil {
		tools = append(tools, builtinTool{definition: scheduleDefinition, run: e.runScheduleTool})
	}
	if e.dispatcher != nil {
		tools = append(tools, builtinTool{definition: invokeModelDefinition, run: e.runInvokeModelTool})
	}
	if e.debates != nil {
		tools = append(tools, builtinTool{definition: debateDefinition, run: e.runDebateTool})
	}
	return tools
}

// toolDefinitions is the tool surface offered on a turn: built-ins
// first, then the externally registered set. Nil when the primary
// backend cannot call tools; the fallback chain sends one payload, so
// the primary's capability decides for all candidates.
func (e *Engine) toolDefinitions(primary *backend.Backend) []llm.ToolDefinition {
	if !primary.Capabilities().Tools {
		return nil
	}
	definitions := make([]llm.ToolDefinition, 0, len(e.builtins))
	for _, tool := range e.builtins {
		definitions = append(definitions, tool.definition)
	}
	if e.extra != nil {
		definitions = append(definitions, e.extra.Definitions()...)
	}
	if len(definitions) == 0 {
		return nil
	}
	return definitions
}

// executeTool runs one requested invocation. Tool failures become
// error results the model reacts to; they never abort the turn.
func (e *Engine) executeTool(ctx context.Context, conv *conversation, use *llm.ToolUse) llm.ToolResult {
	e.logger.Info("tool invoked", "channel", conv.channel, "tool", use.Name)
	for _, tool := range e.builtins {
		if tool.definition.Name == use.Name {
			text, err := tool.run(ctx, conv, use.Input)
			return toolResult(use, text, err)
		}
	}
	if e.extra != nil {
		if _, ok := e.extra.lookup(use.Name); ok {
			text, err := e.extra.Execute(ctx, use.Name, use.Input)
			return toolResult(use, text, err)
		}
	}
	return llm.ToolResult{
		ToolUseID: use.ID,
		Content:   fmt.Sprintf("unknown tool %q", use.Name),
		IsError:   true,
	}
}

func toolResult(use *llm.ToolUse, text string, err error) llm.ToolResult {
	if err != nil {
		return llm.ToolResult{ToolUseID: use.ID, Content: err.Error(), IsError: true}
	}
	return llm.ToolResult{ToolUseID: use.ID, Content: text}
}

var scheduleDefinition = llm.ToolDefinition{
	Name: "schedule",
	Description: "Manage scheduled jobs that run a prompt later on the user's behalf. " +
		"Use action \"create\" to schedule, \"list\" to show pending jobs, and \"remove\" to cancel one.",
	InputSchema: json.RawMessage(`{
		"type": "object",
		"properties": {
			"action": {
				"type": "string",
				"enum": ["create", "list", "remove"],
				"description": "what to do"
			},
			"when": {
				"type": "string",
				"description": "when to run: a five-field cron expression (\"30 7 * * 1-5\") or a relative phrase (\"in 30 minutes\", \"in 2 hours\")"
			},
			"prompt": {
				"type": "string",
				"description": "the prompt to run when the job fires"
			},
			"once": {
				"type": "boolean",
				"description": "remove a cron job after its first run; relative jobs always run once"
			},
			"model": {
				"type": "string",
				"description": "optional model reference to run the job with"
			},
			"id": {
				"type": "string",
				"description": "job id to remove (the 8-character id from the list action)"
			}
		},
		"required": ["action"]
	}`),
}

var invokeModelDefinition = llm.ToolDefinition{
	Name: "invoke_model",
	Description: "Delegate a self-contained task to another model and return its answer. " +
		"The delegate sees only the message you send, not the conversation.",
	InputSchema: json.RawMessage(`{
		"type": "object",
		"properties": {
			"model": {
				"type": "string",
				"description": "model reference to delegate to; optional when a persona supplies one"
			},
			"message": {
				"type": "string",
				"description": "the complete task, including any context the delegate needs"
			},
			"persona": {
				"type": "string",
				"description": "optional persona name to run the task as"
			}
		},
		"required": ["message"]
	}`),
}

var debateDefinition = llm.ToolDefinition{
	Name: "debate",
	Description: "Run a structured debate between two positions and return the full exchange " +
		"with a verdict. Useful when the user wants a question argued from both sides.",
	InputSchema: json.RawMessage(`{
		"type": "object",
		"properties": {
			"topic": {
				"type": "string",
				"description": "the question under debate"
			},
			"perspective_a": {
				"type": "string",
				"description": "the position side A argues"
			},
			"perspective_b": {
				"type": "string",
				"description": "the position side B argues"
			},
			"model": {
				"type": "string",
				"description": "model reference for side A; also summarizes and delivers the verdict"
			},
			"model_b": {
				"type": "string",
				"description": "model reference for side B; defaults to side A's model"
			},
			"persona_a": {
				"type": "string",
				"description": "optional persona name for side A"
			},
			"persona_b": {
				"type": "string",
				"description": "optional persona name for side B"
			},
			"rounds": {
				"type": "integer",
				"description": "number of full exchanges, 1 to 10"
			},
			"language": {
				"type": "string",
				"description": "language the debate is conducted in; defaults to English"
			}
		},
		"required": ["topic", "perspective_a", "perspective_b"]
	}`),
}

type scheduleParams struct {
	Action string `json:"action"`
	When   string `json:"when"`
	Prompt string `json:"prompt"`
	Once   bool   `json:"once"`
	Model  string `json:"model"`
	ID     string `json:"id"`
}

func (e *Engine) runScheduleTool(ctx context.Context, conv *conversation, input json.RawMessage) (string, error) {
	var params scheduleParams
	if err := json.Unmarshal(input, &params); err != nil {
		return "", fmt.Errorf("invalid schedule arguments: %w", err)
	}
	switch params.Action {
	case "", "create":
		return e.createJob(ctx, conv, params)
	case "list":
		return e.listJobs(ctx)
	case "remove":
		return e.removeJob(ctx, params)
	default:
		return "", fmt.Errorf("schedule action must be create, list, or remove, not %q", params.Action)
	}
}

// createJob validates and stores a new job. The job fires into the
// channel the request came from; a pinned model reference must resolve
// at creation time so a job never sits queued behind a typo.
func (e *Engine) createJob(ctx context.Context, conv *conversation, params scheduleParams) (string, error) {
	if params.Model != "" {
		if _, err := e.registry.Resolve(params.Model); err != nil {
			return "", err
		}
	}
	job, err := schedule.NewJob(schedule.JobParams{
		When:    params.When,
		Prompt:  params.Prompt,
		Channel: conv.channel,
		Model:   params.Model,
		Once:    params.Once,
	}, e.clock.Now())
	if err != nil {
		return "", err
	}
	if err := e.jobs.Create(ctx, job); err != nil {
		return "", err
	}
	return fmt.Sprintf("Scheduled job %s: next run %s.",
		shortID(job.ID), job.NextDue.Format(jobTimeFormat)), nil
}

func (e *Engine) listJobs(ctx context.Context) (string, error) {
	jobs, err := e.jobs.List(ctx)
	if err != nil {
		return "", err
	}
	if len(jobs) == 0 {
		return "No scheduled jobs.", nil
	}
	var out strings.Builder
	for _, job := range jobs {
		trigger := job.CronSpec
		if job.Kind == schedule.TriggerDate {
			trigger = "once"
		}
		fmt.Fprintf(&out, "%s  [%s]  next %s  %s\n",
			shortID(job.ID), trigger, job.NextDue.Format(jobTimeFormat), clip(job.Prompt, 80))
	}
	return strings.TrimRight(out.String(), "\n"), nil
}

func (e *Engine) removeJob(ctx context.Context, params scheduleParams) (string, error) {
	id := strings.ToLower(strings.TrimSpace(params.ID))
	if id == "" {
		return "", fmt.Errorf("job id is required; use the list action to see ids")
	}
	removed, err := e.jobs.RemoveByPrefix(ctx, id)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Removed job %s.", shortID(removed)), nil
}

type invokeModelParams struct {
	Model   string `json:"model"`
	Message string `json:"message"`
	Persona string `json:"persona"`
}

func (e *Engine) runInvokeModelTool(ctx context.Context, conv *conversation, input json.RawMessage) (string, error) {
	var params invokeModelParams
	if err := json.Unmarshal(input, &params); err != nil {
		return "", fmt.Errorf("invalid invoke_model arguments: %w", err)
	}
	if strings.TrimSpace(params.Message) == "" {
		return "", fmt.Errorf("message is required")
	}
	return e.dispatcher.Invoke(ctx, subagent.Task{
		Model:   params.Model,
		Prompt:  params.Message,
		Persona: params.Persona,
	})
}

type debateParams struct {
	Topic        string `json:"topic"`
	PerspectiveA string `json:"perspective_a"`
	PerspectiveB string `json:"perspective_b"`
	Model        string `json:"model"`
	ModelB       string `json:"model_b"`
	PersonaA     string `json:"persona_a"`
	PersonaB     string `json:"persona_b"`
	Rounds       int    `json:"rounds"`
	Language     string `json:"language"`
}

func (e *Engine) runDebateTool(ctx context.Context, conv *conversation, input json.RawMessage) (string, error) {
	var params debateParams
	if err := json.Unmarshal(input, &params); err != nil {
		return "", fmt.Errorf("invalid debate arguments: %w", err)
	}
	debate, err := e.debates.NewDebate(subagent.DebateRequest{
		Topic:        params.Topic,
		PerspectiveA: params.PerspectiveA,
		PerspectiveB: params.PerspectiveB,
		ModelA:       params.Model,
		ModelB:       params.ModelB,
		PersonaA:     params.PersonaA,
		PersonaB:     params.PersonaB,
		Rounds:       params.Rounds,
		Language:     params.Language,
	})
	if err != nil {
		return "", err
	}
	result, err := debate.Run(ctx)
	if err != nil {
		return "", err
	}
	return result.Text(), nil
}

// clip shortens a prompt for list display. Newlines flatten to spaces
// so one job stays on one line.
func clip(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-3]) + "..."
}

// ToolFunc executes one tool invocation. The returned string is the
// tool result fed back to the model; an error becomes an error result
// the model reacts to.
type ToolFunc func(ctx context.Context, input json.RawMessage) (string, error)

// ToolSet is a registry of externally provided tools. The engine
// offers the set on interactive turns alongside its built-ins, and the
// same set serves as the restricted surface for delegated subagent
// tasks: it satisfies [subagent.Tools], and the orchestration tools
// are engine built-ins that never enter a set, so a delegate cannot
// schedule jobs or dispatch further delegates.
//
// Register tools during startup. The set is safe for concurrent reads
// once sharing begins, not for concurrent registration.
type ToolSet struct {
	tools    []llm.ToolDefinition
	handlers map[string]ToolFunc
}

// NewToolSet returns an empty set.
func NewToolSet() *ToolSet {
	return &ToolSet{handlers: make(map[string]ToolFunc)}
}

// Register adds a tool. Names must be unique within the set.
func (s *ToolSet) Register(definition llm.ToolDefinition, handler ToolFunc) error {
	if definition.Name == "" {
		return fmt.Errorf("engine: tool name is required")
	}
	if handler == nil {
		return fmt.Errorf("engine: tool %q has no handler", definition.Name)
	}
	if _, exists := s.handlers[definition.Name]; exists {
		return fmt.Errorf("engine: tool %q is already registered", definition.Name)
	}
	s.handlers[definition.Name] = handler
	s.tools = append(s.tools, definition)
	return nil
}

// Definitions returns the registered definitions in registration
// order.
func (s *ToolSet) Definitions() []llm.ToolDefinition {
	return slices.Clone(s.tools)
}

// Execute runs a registered tool by name.
func (s *ToolSet) Execute(ctx context.Context, name string, input json.RawMessage) (string, error) {
	handler, ok := s.handlers[name]
	if !ok {
		return "", fmt.Errorf("engine: unknown tool %q", name)
	}
	return handler(ctx, input)
}

func (s *ToolSet) lookup(name string) (ToolFunc, bool) {
	handler, ok := s.handlers[name]
	return handler, ok
}
