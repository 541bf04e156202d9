// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package subagent

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"unicode/utf8"

	"github.com/bureau-foundation/aide/lib/clock"
	"github.com/bureau-foundation/aide/lib/transcript"
)

const (
	// maxRounds bounds a debate. Requests above it are rejected before
	// any dispatch.
	maxRounds = 10

	// defaultRounds applies when a request leaves the count unset.
	defaultRounds = 3

	// summaryClip bounds each argument as fed to the round summarizer.
	summaryClip = 600

	// verdictClip bounds the final arguments as fed to the verdict
	// call.
	verdictClip = 800
)

// DebateRequest describes one debate: a topic argued between two
// positions over a fixed number of rounds.
type DebateRequest struct {
	Topic string

	// PerspectiveA and PerspectiveB are the two positions.
	PerspectiveA string
	PerspectiveB string

	// ModelA argues side A and also serves the summarizer and verdict
	// calls. Empty means the default model. ModelB defaults to ModelA.
	ModelA string
	ModelB string

	// PersonaA and PersonaB optionally name personas whose model and
	// tool restrictions apply to each side. The debate provides its
	// own system prompts; a persona's prompt is not used here.
	PersonaA string
	PersonaB string

	// Rounds is the number of full exchanges. Zero means the
	// orchestrator default; values outside [1, 10] are rejected.
	Rounds int

	// Language the debate is conducted in. Empty means English.
	Language string
}

// Round is one completed exchange. Summary is the rolling summary as
// of this round: it covers the whole debate so far, not just this
// exchange.
type Round struct {
	Number    int
	ArgumentA string
	ArgumentB string
	Summary   string
}

// DebateResult is the outcome of a debate run.
type DebateResult struct {
	// Rounds are the completed exchanges. An exchange interrupted
	// between the two sides is never recorded.
	Rounds []Round

	// Verdict is the neutral closing assessment. Empty when the
	// debate was cancelled.
	Verdict string

	// Cancelled reports whether the debate was halted before its
	// round limit.
	Cancelled bool

	// TranscriptRef locates the persisted markdown transcript. Empty
	// when persistence failed (the failure is logged, not fatal).
	TranscriptRef string
}

// Text renders the caller-facing summary of the outcome.
func (result *DebateResult) Text() string {
	var builder strings.Builder
	if result.Cancelled {
		fmt.Fprintf(&builder, "Debate cancelled after %d completed round(s).\n", len(result.Rounds))
	} else {
		fmt.Fprintf(&builder, "Debate finished (%d rounds).\n", len(result.Rounds))
	}
	if result.TranscriptRef != "" {
		fmt.Fprintf(&builder, "Transcript: %s\n", result.TranscriptRef)
	}
	if result.Verdict != "" {
		builder.WriteString("\n## Verdict\n")
		builder.WriteString(result.Verdict)
	}
	return strings.TrimRight(builder.String(), "\n")
}

// OrchestratorConfig configures a debate orchestrator. Dispatcher,
// Transcripts, and Clock are required.
type OrchestratorConfig struct {
	Dispatcher  *Dispatcher
	Transcripts *transcript.Store
	Clock       clock.Clock

	// DefaultRounds applies when a request leaves Rounds unset. Zero
	// means 3; values outside [1, 10] are rejected.
	DefaultRounds int

	// Logger receives debate progress events. Nil means discard.
	Logger *slog.Logger
}

// Orchestrator runs structured two-sided debates on top of the
// dispatcher. Safe for concurrent use; each debate is independent.
type Orchestrator struct {
	dispatcher    *Dispatcher
	transcripts   *transcript.Store
	clock         clock.Clock
	logger        *slog.Logger
	defaultRounds int
}

// NewOrchestrator validates cfg and returns an orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("subagent: Dispatcher is required")
	}
	if cfg.Transcripts == nil {
		return nil, fmt.Errorf("subagent: Transcripts is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("subagent: Clock is required")
	}

	rounds := cfg.DefaultRounds
	if rounds == 0 {
		rounds = defaultRounds
	}
	if rounds < 1 || rounds > maxRounds {
		return nil, fmt.Errorf("subagent: default rounds %d out of range [1, %d]", cfg.DefaultRounds, maxRounds)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Orchestrator{
		dispatcher:    cfg.Dispatcher,
		transcripts:   cfg.Transcripts,
		clock:         cfg.Clock,
		logger:        logger,
		defaultRounds: rounds,
	}, nil
}

// Debate is one debate in progress. Cancel may be called from any
// goroutine; the flag is observed before each dispatch, so the call
// in flight completes and the debate halts at the next step.
type Debate struct {
	orchestrator *Orchestrator
	request      DebateRequest
	cancelled    atomic.Bool
}

// Cancel halts the debate at its next dispatch boundary. The
// transcript produced so far is preserved; no verdict is generated.
func (d *Debate) Cancel() { d.cancelled.Store(true) }

// NewDebate validates the request and returns a runnable debate.
// Validation happens here, before any model is dispatched.
func (o *Orchestrator) NewDebate(request DebateRequest) (*Debate, error) {
	if request.Topic == "" {
		return nil, fmt.Errorf("subagent: debate topic is required")
	}
	if request.PerspectiveA == "" || request.PerspectiveB == "" {
		return nil, fmt.Errorf("subagent: debate needs both perspectives")
	}
	if request.Rounds == 0 {
		request.Rounds = o.defaultRounds
	}
	if request.Rounds < 1 || request.Rounds > maxRounds {
		return nil, fmt.Errorf("subagent: debate rounds %d out of range [1, %d]", request.Rounds, maxRounds)
	}
	if request.ModelB == "" {
		request.ModelB = request.ModelA
	}
	if request.Language == "" {
		request.Language = "English"
	}
	return &Debate{orchestrator: o, request: request}, nil
}

// interrupted reports whether the debate should halt: explicit Cancel
// or context cancellation.
func (d *Debate) interrupted(ctx context.Context) bool {
	return d.cancelled.Load() || ctx.Err() != nil
}

// Run drives the debate to its round limit or cancellation and
// persists the transcript. The returned result is valid in both
// outcomes.
func (d *Debate) Run(ctx context.Context) (*DebateResult, error) {
	o := d.orchestrator
	request := d.request

	o.logger.Info("debate started",
		"topic", request.Topic,
		"rounds", request.Rounds,
		"model_a", request.ModelA,
		"model_b", request.ModelB,
	)

	systemA := debaterSystem(request.PerspectiveA, request.Topic, request.Language)
	systemB := debaterSystem(request.PerspectiveB, request.Topic, request.Language)

	var rounds []Round
	summary := ""
	lastA, lastB := "", ""

	for number := 1; number <= request.Rounds; number++ {
		if d.interrupted(ctx) {
			return o.finish(ctx, request, rounds, "", true)
		}

		argumentA := o.argue(ctx, Task{
			Model:   request.ModelA,
			Persona: request.PersonaA,
			System:  systemA,
			Prompt:  openerOrRebuttalA(request, number, summary, lastB),
		}, "A", number)

		// A round interrupted between the two sides is not recorded:
		// only whole exchanges go into the transcript.
		if d.interrupted(ctx) {
			return o.finish(ctx, request, rounds, "", true)
		}

		argumentB := o.argue(ctx, Task{
			Model:   request.ModelB,
			Persona: request.PersonaB,
			System:  systemB,
			Prompt:  rebuttalB(request, number, summary, argumentA),
		}, "B", number)

		summary = o.fold(ctx, request, number, summary, argumentA, argumentB)
		rounds = append(rounds, Round{
			Number:    number,
			ArgumentA: argumentA,
			ArgumentB: argumentB,
			Summary:   summary,
		})
		lastA, lastB = argumentA, argumentB
		o.logger.Info("debate round completed", "round", number, "of", request.Rounds)
	}

	verdict := o.verdict(ctx, request, summary, lastA, lastB)
	return o.finish(ctx, request, rounds, verdict, false)
}

// argue dispatches one side's turn. Failures become inline markers so
// a single bad call never aborts the whole debate.
func (o *Orchestrator) argue(ctx context.Context, task Task, side string, number int) string {
	text, err := o.dispatcher.Invoke(ctx, task)
	if err != nil {
		o.logger.Warn("debate round failed", "round", number, "side", side, "error", err)
		return fmt.Sprintf("(error: %v)", err)
	}
	return text
}

// fold produces the new rolling summary: one call covering the
// previous summary plus this round's arguments, so the summary stays
// bounded no matter how many rounds have run. On failure the previous
// summary is kept with a marker line appended.
func (o *Orchestrator) fold(ctx context.Context, request DebateRequest, number int, previous, argumentA, argumentB string) string {
	var prompt strings.Builder
	if previous != "" {
		fmt.Fprintf(&prompt, "Summary of the debate so far:\n%s\n\n", previous)
	}
	fmt.Fprintf(&prompt, "Round %d:\nSide A (%s): %s\nSide B (%s): %s",
		number, request.PerspectiveA, clip(argumentA, summaryClip),
		request.PerspectiveB, clip(argumentB, summaryClip))

	system := fmt.Sprintf("You are a neutral summarizer. Summarize the debate so far briefly "+
		"and precisely. At most 150 words. Output only the summary, no preamble. Language: %s",
		request.Language)

	folded, err := o.dispatcher.Invoke(ctx, Task{
		Model:  request.ModelA,
		System: system,
		Prompt: prompt.String(),
	})
	if err != nil {
		o.logger.Warn("debate summary failed", "round", number, "error", err)
		marker := fmt.Sprintf("(round %d summary failed)", number)
		if previous == "" {
			return marker
		}
		return previous + "\n" + marker
	}
	return folded
}

// verdict produces the neutral closing assessment from the rolling
// summary and the final arguments.
func (o *Orchestrator) verdict(ctx context.Context, request DebateRequest, summary, lastA, lastB string) string {
	prompt := fmt.Sprintf(
		"Summarize this debate and evaluate both sides' arguments neutrally.\n"+
			"What were the strongest arguments? Where did the sides agree, where did they differ?\n"+
			"Language: %s\n\n"+
			"Topic: %s\n"+
			"Side A (%s) vs. side B (%s)\n\n"+
			"Debate so far:\n%s\n\n"+
			"Final arguments:\n"+
			"Side A: %s\n"+
			"Side B: %s",
		request.Language, request.Topic, request.PerspectiveA, request.PerspectiveB,
		summary, clip(lastA, verdictClip), clip(lastB, verdictClip))

	system := fmt.Sprintf("You are a neutral moderator. Summarize the debate fairly. "+
		"Evaluate the quality of both sides' arguments. Language: %s", request.Language)

	text, err := o.dispatcher.Invoke(ctx, Task{
		Model:  request.ModelA,
		System: system,
		Prompt: prompt,
	})
	if err != nil {
		o.logger.Warn("debate verdict failed", "topic", request.Topic, "error", err)
		return fmt.Sprintf("(verdict generation failed: %v)", err)
	}
	return text
}

// finish persists the transcript and assembles the result. A
// persistence failure is logged and leaves the ref empty; the debate
// outcome itself is not discarded over it.
func (o *Orchestrator) finish(ctx context.Context, request DebateRequest, rounds []Round, verdict string, cancelled bool) (*DebateResult, error) {
	markdown := renderTranscript(request, rounds, verdict, cancelled)

	ref, err := o.transcripts.Put(ctx, request.Topic, markdown, o.clock.Now())
	if err != nil {
		o.logger.Error("debate transcript persistence failed", "topic", request.Topic, "error", err)
		ref = ""
	}

	o.logger.Info("debate finished",
		"topic", request.Topic,
		"rounds_completed", len(rounds),
		"cancelled", cancelled,
		"transcript", ref,
	)

	return &DebateResult{
		Rounds:        rounds,
		Verdict:       verdict,
		Cancelled:     cancelled,
		TranscriptRef: ref,
	}, nil
}

// debaterSystem is the per-side system prompt: the position, the
// topic, and the exchange rules.
func debaterSystem(perspective, topic, language string) string {
	return fmt.Sprintf(
		"You are a debater in a structured debate.\n"+
			"Your position: **%s**\n"+
			"Topic: %s\n\n"+
			"Rules:\n"+
			"- Argue convincingly for your position with facts and logic\n"+
			"- When counterarguments are given, address them directly\n"+
			"- Bring at least one new argument every round\n"+
			"- Stay on topic, no digressions\n"+
			"- At most 300 words per argument\n"+
			"- Language: %s\n"+
			"- Output ONLY your argument, no meta commentary",
		perspective, topic, language)
}

// openerOrRebuttalA builds side A's prompt: an opening statement in
// round one, afterwards the rolling summary plus B's last argument.
func openerOrRebuttalA(request DebateRequest, number int, summary, lastB string) string {
	if number == 1 {
		return fmt.Sprintf(
			"Open the debate on the topic: %s\n"+
				"Your position: %s\n"+
				"Give your strongest opening argument.",
			request.Topic, request.PerspectiveA)
	}
	return fmt.Sprintf(
		"Debate round %d/%d.\n"+
			"The debate so far (summary):\n%s\n\n"+
			"Last response from the other side (%s):\n%s\n\n"+
			"Respond to those arguments and add new points for your position.",
		number, request.Rounds, summary, request.PerspectiveB, lastB)
}

// rebuttalB builds side B's prompt: the rolling summary (absent in
// round one) plus A's fresh argument.
func rebuttalB(request DebateRequest, number int, summary, argumentA string) string {
	var builder strings.Builder
	fmt.Fprintf(&builder, "Debate round %d/%d.\n", number, request.Rounds)
	if summary != "" {
		fmt.Fprintf(&builder, "The debate so far (summary):\n%s\n\n", summary)
	}
	fmt.Fprintf(&builder,
		"Current argument from the other side (%s):\n%s\n\n"+
			"Respond to those arguments and add points for your position.",
		request.PerspectiveA, argumentA)
	return builder.String()
}

// renderTranscript formats the debate as a markdown document.
func renderTranscript(request DebateRequest, rounds []Round, verdict string, cancelled bool) string {
	var builder strings.Builder
	fmt.Fprintf(&builder, "# Debate: %s\n\n", request.Topic)
	fmt.Fprintf(&builder, "- **Side A:** %s (model: `%s`)\n", request.PerspectiveA, modelDisplay(request.ModelA))
	fmt.Fprintf(&builder, "- **Side B:** %s (model: `%s`)\n", request.PerspectiveB, modelDisplay(request.ModelB))
	fmt.Fprintf(&builder, "- **Rounds:** %d\n", request.Rounds)
	fmt.Fprintf(&builder, "- **Language:** %s\n\n---\n\n", request.Language)

	for _, round := range rounds {
		fmt.Fprintf(&builder, "## Round %d - Side A: %s\n\n%s\n\n", round.Number, request.PerspectiveA, round.ArgumentA)
		fmt.Fprintf(&builder, "## Round %d - Side B: %s\n\n%s\n\n---\n\n", round.Number, request.PerspectiveB, round.ArgumentB)
	}

	if cancelled {
		fmt.Fprintf(&builder, "*Debate cancelled after %d completed round(s).*\n", len(rounds))
		return builder.String()
	}
	fmt.Fprintf(&builder, "## Verdict\n\n%s\n", verdict)
	return builder.String()
}

func modelDisplay(ref string) string {
	if ref == "" {
		return "default"
	}
	return ref
}

// clip truncates text to at most limit bytes without splitting a
// UTF-8 sequence.
func clip(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}
