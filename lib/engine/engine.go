// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/bureau-foundation/aide/lib/backend"
	"github.com/bureau-foundation/aide/lib/clock"
	"github.com/bureau-foundation/aide/lib/llm"
	llmcontext "github.com/bureau-foundation/aide/lib/llm/context"
	"github.com/bureau-foundation/aide/lib/schedule"
	"github.com/bureau-foundation/aide/lib/session"
	"github.com/bureau-foundation/aide/lib/subagent"
)

// maxToolRounds caps the per-turn tool loop. A turn that has not
// produced a final text response by then is reported as failed.
const maxToolRounds = 15

// defaultMaxTokens caps response generation when the config leaves it
// unset.
const defaultMaxTokens = 4096

// summaryMaxTokens caps the compaction summarization response. The
// summary prompt asks for at most 400 words; this leaves headroom.
const summaryMaxTokens = 1024

// Deliverer sends a finished response to a channel. The chat-platform
// connector implements this; the engine never knows the platform.
type Deliverer interface {
	Deliver(ctx context.Context, channel, text string) error
}

// Config configures an engine. Registry, Chain, Sessions, Deliverer,
// and Clock are required; the orchestration tools appear only for the
// dependencies that are set.
type Config struct {
	// Registry resolves model references and reports backend
	// capabilities.
	Registry *backend.Registry

	// Chain executes model calls with ordered fallback.
	Chain *backend.Chain

	// Sessions is the durable session store.
	Sessions *session.Store

	// Deliverer sends responses to channels.
	Deliverer Deliverer

	// Clock supplies timestamps. Tests inject a fake.
	Clock clock.Clock

	// Jobs enables the schedule tool when set.
	Jobs *schedule.Store

	// Dispatcher enables the invoke_model tool when set.
	Dispatcher *subagent.Dispatcher

	// Debates enables the debate tool when set.
	Debates *subagent.Orchestrator

	// Tools are externally provided tools, offered on interactive
	// turns alongside the built-ins. The same set is the restricted
	// surface for subagent tasks.
	Tools *ToolSet

	// SystemPrompt is the opaque chat system prompt. The engine
	// appends the current date and never interprets the content.
	SystemPrompt string

	// ContextQuota is the fraction of the model's context window a
	// request may occupy before compaction triggers. Zero means 0.85;
	// the budget clamps values into [0.5, 0.95].
	ContextQuota float64

	// MaxTokens caps response generation. Zero means 4096.
	MaxTokens int

	// Logger receives engine events. Nil means discard.
	Logger *slog.Logger
}

// Engine runs conversation turns. Turns for the same channel are
// serialized in arrival order; turns for different channels run
// concurrently. Safe for concurrent use.
type Engine struct {
	registry   *backend.Registry
	chain      *backend.Chain
	sessions   *session.Store
	serializer *session.Manager
	deliverer  Deliverer
	clock      clock.Clock
	jobs       *schedule.Store
	dispatcher *subagent.Dispatcher
	debates    *subagent.Orchestrator
	extra      *ToolSet
	logger     *slog.Logger

	systemPrompt string
	quota        float64
	maxTokens    int

	builtins []builtinTool

	// mu guards states. Turn content for one session is serialized by
	// the serializer; only the map itself sees concurrent access.
	mu     sync.Mutex
	states map[string]*sessionState
}

// sessionState is in-process per-session state: the calibrated token
// estimator. Lost on restart and recalibrated from the first response;
// the durable turn log is the source of truth for everything else.
type sessionState struct {
	estimator *llmcontext.CharEstimator
}

// New validates cfg and returns an engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("engine: Registry is required")
	}
	if cfg.Chain == nil {
		return nil, fmt.Errorf("engine: Chain is required")
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("engine: Sessions is required")
	}
	if cfg.Deliverer == nil {
		return nil, fmt.Errorf("engine: Deliverer is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("engine: Clock is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	engine := &Engine{
		registry:     cfg.Registry,
		chain:        cfg.Chain,
		sessions:     cfg.Sessions,
		serializer:   session.NewManager(),
		deliverer:    cfg.Deliverer,
		clock:        cfg.Clock,
		jobs:         cfg.Jobs,
		dispatcher:   cfg.Dispatcher,
		debates:      cfg.Debates,
		extra:        cfg.Tools,
		logger:       logger,
		systemPrompt: cfg.SystemPrompt,
		quota:        cfg.ContextQuota,
		maxTokens:    maxTokens,
		states:       make(map[string]*sessionState),
	}
	engine.builtins = engine.builtinTools()

	if engine.extra != nil {
		for _, tool := range engine.builtins {
			if _, exists := engine.extra.lookup(tool.definition.Name); exists {
				return nil, fmt.Errorf("engine: tool %q collides with a built-in", tool.definition.Name)
			}
		}
	}
	return engine, nil
}

// HandleMessage runs one interactive turn: the text becomes the user
// turn for the channel's session, and the response is delivered back
// to the channel.
func (e *Engine) HandleMessage(ctx context.Context, channel, text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("engine: message text is required")
	}
	return e.submit(ctx, channel, llm.UserMessage(text), "", false)
}

// HandleTurn runs one interactive turn from a full message. Connectors
// that carry images use this instead of [Engine.HandleMessage]; the
// role is forced to user.
func (e *Engine) HandleTurn(ctx context.Context, channel string, message llm.Message) error {
	if len(message.Content) == 0 {
		return fmt.Errorf("engine: message content is required")
	}
	message.Role = llm.RoleUser
	return e.submit(ctx, channel, message, "", false)
}

// ExecuteScheduled implements [schedule.Executor]: the job's prompt
// enters the channel's session as a synthetic user turn and the
// response is delivered like an interactive one. The scheduler has
// already prepended the autonomous-mode preamble.
func (e *Engine) ExecuteScheduled(ctx context.Context, execution schedule.Execution) error {
	return e.submit(ctx, execution.Channel, llm.UserMessage(execution.Prompt), execution.Model, true)
}

// Notify implements [schedule.Notifier]: terminal job failures go to
// the job's channel through the same connector as responses.
func (e *Engine) Notify(ctx context.Context, channel, text string) error {
	return e.deliverer.Deliver(ctx, channel, text)
}

// SwitchModel sets the channel's session to a model reference and
// returns the resolved backend/model display form. The empty reference
// resets the session to the configured default. The reference is
// validated before it is persisted, so a session never carries a
// selection that cannot resolve.
func (e *Engine) SwitchModel(ctx context.Context, channel, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	resolution, err := e.registry.Resolve(ref)
	if err != nil {
		return "", err
	}

	sess, err := e.sessions.Ensure(ctx, channel, e.clock.Now())
	if err != nil {
		return "", err
	}
	release, err := e.serializer.Acquire(ctx, sess.ID)
	if err != nil {
		return "", err
	}
	defer release()

	if err := e.sessions.SetModel(ctx, sess.ID, ref); err != nil {
		return "", err
	}
	display := resolution.Backend.Name() + "/" + resolution.Model
	e.logger.Info("session model switched",
		"channel", channel, "session", shortID(sess.ID), "model", display)
	return display, nil
}

// conversation carries one turn's working state through the model
// loop.
type conversation struct {
	session    *session.Session
	channel    string
	ref        string
	resolution backend.Resolution
	manager    *llmcontext.Compacting

	// seqs are the durable sequence numbers of the manager's messages,
	// index-aligned. A compaction replaces a prefix in both views.
	seqs []int64
}

// submit runs the full turn lifecycle for one incoming message.
func (e *Engine) submit(ctx context.Context, channel string, message llm.Message, modelOverride string, scheduled bool) error {
	if channel == "" {
		return fmt.Errorf("engine: channel is required")
	}

	sess, err := e.sessions.Ensure(ctx, channel, e.clock.Now())
	if err != nil {
		return err
	}
	release, err := e.serializer.Acquire(ctx, sess.ID)
	if err != nil {
		return err
	}
	defer release()

	// The model selection may have changed while waiting for the slot.
	sess, err = e.sessions.Get(ctx, sess.ID)
	if err != nil {
		return err
	}

	start := e.clock.Now()
	if _, err := e.sessions.Append(ctx, sess.ID, session.Turn{
		Message:   message,
		Scheduled: scheduled,
		CreatedAt: start,
	}); err != nil {
		return err
	}

	ref := modelOverride
	if ref == "" {
		ref = sess.Model
	}
	resolution, err := e.registry.Resolve(ref)
	if err != nil {
		return e.fail(ctx, channel, scheduled, err)
	}

	e.logger.Info("turn started",
		"channel", channel,
		"session", shortID(sess.ID),
		"model", resolution.Backend.Name()+"/"+resolution.Model,
		"scheduled", scheduled,
	)

	conv := &conversation{
		session:    sess,
		channel:    channel,
		ref:        ref,
		resolution: resolution,
	}
	text, err := e.converse(ctx, conv)
	if err != nil {
		return e.fail(ctx, channel, scheduled, err)
	}

	if err := e.deliverer.Deliver(ctx, channel, text); err != nil {
		return fmt.Errorf("engine: delivering response: %w", err)
	}
	e.logger.Info("turn completed",
		"channel", channel,
		"session", shortID(sess.ID),
		"elapsed", e.clock.Now().Sub(start),
	)
	return nil
}

// converse runs the model loop for one turn: window the history, call
// the chain, execute any requested tools, repeat until a final text
// response. Every intermediate turn is durably appended as it happens,
// so a crash mid-loop loses nothing.
func (e *Engine) converse(ctx context.Context, conv *conversation) (string, error) {
	definitions := e.toolDefinitions(conv.resolution.Backend)
	system := e.system()

	window := conv.resolution.Backend.ContextWindow()
	if window == 0 {
		window = llmcontext.ContextWindowFor(conv.resolution.Model)
	}

	live, err := e.sessions.Live(ctx, conv.session.ID)
	if err != nil {
		return "", err
	}
	conv.manager = llmcontext.NewCompacting(llmcontext.CompactingConfig{
		Budget:    llmcontext.Budget{ContextWindow: window, Quota: e.quota},
		Estimator: e.state(conv.session.ID).estimator,
		Summarize: e.summarizer(conv.ref),
		System:    system,
		Tools:     definitions,
	})
	conv.seqs = make([]int64, 0, len(live))
	for _, turn := range live {
		conv.manager.Append(turn.Message)
		conv.seqs = append(conv.seqs, turn.Seq)
	}

	vision := conv.resolution.Backend.Capabilities().Vision
	var text strings.Builder

	for round := 0; round < maxToolRounds; round++ {
		messages := e.windowedMessages(ctx, conv)
		if !vision {
			messages = stripImages(messages)
		}

		result, err := e.chain.Complete(ctx, conv.ref, llm.Request{
			System:    system,
			Messages:  messages,
			Tools:     definitions,
			MaxTokens: e.maxTokens,
			Think:     conv.resolution.Backend.Capabilities().Reasoning,
		})
		if err != nil {
			return "", err
		}
		response := result.Response

		conv.manager.RecordUsage(response.Usage)
		e.recordUsage(ctx, conv.session.ID, response.Usage)

		if err := e.appendTurn(ctx, conv, llm.Message{
			Role:    llm.RoleAssistant,
			Content: response.Content,
		}); err != nil {
			return "", err
		}

		text.WriteString(response.TextContent())
		uses := response.ToolUses()
		if len(uses) == 0 {
			final := strings.TrimSpace(text.String())
			if final == "" {
				return "", fmt.Errorf("engine: model returned an empty response")
			}
			return final, nil
		}

		results := make([]llm.ToolResult, 0, len(uses))
		for _, use := range uses {
			results = append(results, e.executeTool(ctx, conv, use))
		}
		if err := e.appendTurn(ctx, conv, llm.ToolResultMessage(results...)); err != nil {
			return "", err
		}
	}

	return "", fmt.Errorf("engine: no final response after %d tool rounds", maxToolRounds)
}

// windowedMessages returns the request view from the manager and
// mirrors any compaction it performed into the durable store. Window
// errors (history too short, summarization failed) are logged and the
// turn proceeds over budget.
func (e *Engine) windowedMessages(ctx context.Context, conv *conversation) []llm.Message {
	messages, err := conv.manager.Messages(ctx)
	if err != nil {
		e.logger.Warn("context window not reduced",
			"session", shortID(conv.session.ID), "error", err)
	}

	compaction := conv.manager.LastCompaction()
	if compaction == nil {
		return messages
	}

	recorded, err := e.sessions.RecordCompaction(ctx, conv.session.ID,
		conv.seqs[:compaction.SupersededTurns], session.Turn{
			Message:   llmcontext.SummaryTurn(compaction.Summary),
			CreatedAt: e.clock.Now(),
		})
	if err != nil {
		// The request view is already folded; the durable mirror is
		// retried by the next compaction. Sequence zero never matches
		// a row, so the placeholder is inert if that happens.
		e.logger.Error("compaction not persisted",
			"session", shortID(conv.session.ID), "error", err)
		conv.seqs = append([]int64{0}, conv.seqs[compaction.SupersededTurns:]...)
		return messages
	}

	e.logger.Info("session compacted",
		"session", shortID(conv.session.ID),
		"superseded", compaction.SupersededTurns,
		"estimated_tokens", compaction.EstimatedTokens,
		"budget_tokens", compaction.BudgetTokens,
	)
	conv.seqs = append([]int64{recorded.Seq}, conv.seqs[compaction.SupersededTurns:]...)
	return messages
}

// appendTurn durably appends an in-loop turn and mirrors it into the
// manager's view.
func (e *Engine) appendTurn(ctx context.Context, conv *conversation, message llm.Message) error {
	turn, err := e.sessions.Append(ctx, conv.session.ID, session.Turn{
		Message:   message,
		CreatedAt: e.clock.Now(),
	})
	if err != nil {
		return err
	}
	conv.manager.Append(message)
	conv.seqs = append(conv.seqs, turn.Seq)
	return nil
}

// recordUsage folds the response usage into the session's cumulative
// estimate. Accounting failures are logged, never fatal to the turn.
func (e *Engine) recordUsage(ctx context.Context, sessionID string, usage llm.Usage) {
	total := usage.TotalInput() + usage.OutputTokens
	if total == 0 {
		return
	}
	if err := e.sessions.AddUsage(ctx, sessionID, total); err != nil {
		e.logger.Warn("usage not recorded", "session", shortID(sessionID), "error", err)
	}
}

// fail reports a failed turn. Interactive turns get a short notice on
// the channel; scheduled turns leave user-visible reporting to the
// scheduler's retry and notification path. The notice names what was
// attempted and never carries credential material.
func (e *Engine) fail(ctx context.Context, channel string, scheduled bool, cause error) error {
	e.logger.Error("turn failed", "channel", channel, "scheduled", scheduled, "error", cause)
	if !scheduled {
		notice := fmt.Sprintf("Request failed: %v", cause)
		if err := e.deliverer.Deliver(ctx, channel, notice); err != nil {
			e.logger.Error("failure notice not delivered", "channel", channel, "error", err)
		}
	}
	return cause
}

// system returns the outbound system prompt: the configured opaque
// prompt plus the current date.
func (e *Engine) system() string {
	date := "Today is " + e.clock.Now().Format("January 2, 2006") + "."
	if e.systemPrompt == "" {
		return date
	}
	return e.systemPrompt + "\n\n" + date
}

// summarizer adapts the fallback chain to the compaction manager's
// summarization call, using the same reference as the turn it serves.
func (e *Engine) summarizer(ref string) llmcontext.Summarizer {
	return func(ctx context.Context, turns []llm.Message) (string, error) {
		result, err := e.chain.Complete(ctx, ref, llm.Request{
			System:    llmcontext.SummarySystemPrompt,
			Messages:  []llm.Message{llm.UserMessage(llmcontext.SummaryRequestText(turns))},
			MaxTokens: summaryMaxTokens,
		})
		if err != nil {
			return "", err
		}
		return result.Response.TextContent(), nil
	}
}

// state returns the in-process state for a session, creating it on
// first use.
func (e *Engine) state(sessionID string) *sessionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.states[sessionID]
	if st == nil {
		st = &sessionState{estimator: llmcontext.NewCharEstimator()}
		e.states[sessionID] = st
	}
	return st
}

// stripImages replaces image blocks with a text note for backends
// without vision capability. Only the outbound view is rewritten; the
// stored turns keep their images.
func stripImages(messages []llm.Message) []llm.Message {
	changed := false
	out := make([]llm.Message, len(messages))
	for i, message := range messages {
		hasImage := false
		for _, block := range message.Content {
			if block.Type == llm.ContentImage {
				hasImage = true
				break
			}
		}
		if !hasImage {
			out[i] = message
			continue
		}
		changed = true
		blocks := make([]llm.ContentBlock, 0, len(message.Content))
		for _, block := range message.Content {
			if block.Type == llm.ContentImage {
				blocks = append(blocks, llm.TextBlock("[image omitted: this model does not accept images]"))
				continue
			}
			blocks = append(blocks, block)
		}
		out[i] = llm.Message{Role: message.Role, Content: blocks}
	}
	if !changed {
		return messages
	}
	return out
}

// shortID returns the display form of a session id: the first 8
// characters.
func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
