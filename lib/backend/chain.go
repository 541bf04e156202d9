// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/bureau-foundation/aide/lib/llm"
)

// Attempt records one call attempt made by the chain: where it went,
// how long it took, and how it ended. Err is nil on the attempt that
// served the request.
type Attempt struct {
	Backend string
	Model   string
	Err     error
	Elapsed time.Duration
}

// ExhaustedError reports that every candidate failed. Attempts holds
// the full ordered record for diagnostics; credential material never
// appears in it.
type ExhaustedError struct {
	// Ref is the model reference the caller asked for.
	Ref string

	// Attempts are the failed attempts in the order they were made.
	Attempts []Attempt
}

func (err *ExhaustedError) Error() string {
	descriptions := make([]string, len(err.Attempts))
	for i, attempt := range err.Attempts {
		descriptions[i] = fmt.Sprintf("%s/%s: %v", attempt.Backend, attempt.Model, attempt.Err)
	}
	return fmt.Sprintf("backend: all backends exhausted for %q after %d attempts: %s",
		err.Ref, len(err.Attempts), strings.Join(descriptions, "; "))
}

// Result is a completed call: the response plus which (backend,
// model) pair served it and the full attempt record, including the
// final successful attempt.
type Result struct {
	Response *llm.Response
	Backend  *Backend
	Model    string
	Attempts []Attempt
}

// ChainConfig configures a [Chain].
type ChainConfig struct {
	// Registry resolves model references. Required.
	Registry *Registry

	// Fallbacks are the global fallback references, tried after the
	// primary backend's own fallback list.
	Fallbacks []string

	// AttemptTimeout bounds each individual attempt. Zero means the
	// caller's context is the only bound.
	AttemptTimeout time.Duration

	// Logger receives per-attempt structured logging. Nil discards.
	Logger *slog.Logger
}

// Chain executes model calls with ordered fallback. Each call
// resolves its primary (backend, model) pair, then on failure walks
// the primary backend's fallback list and the global fallback list,
// sending the identical payload to each candidate until one succeeds.
//
// The chain is stateless between calls and safe for concurrent use;
// it holds no locks while a network call is in flight. Candidate
// lists are computed against one registry snapshot, so a concurrent
// registry replacement never yields a mixed view.
type Chain struct {
	registry       *Registry
	fallbacks      []string
	attemptTimeout time.Duration
	logger         *slog.Logger
}

// NewChain creates a chain over a registry.
func NewChain(config ChainConfig) *Chain {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Chain{
		registry:       config.Registry,
		fallbacks:      slices.Clone(config.Fallbacks),
		attemptTimeout: config.AttemptTimeout,
		logger:         logger,
	}
}

// Complete resolves ref and executes the request, falling back across
// candidates until one succeeds. The request's Model field is set per
// candidate; everything else is sent unmodified apart from the
// backend's default option overlay.
//
// An unresolvable ref fails immediately with [UnknownModelError];
// fallback never masks a configuration mistake. When every candidate
// fails the error is an [ExhaustedError] carrying the ordered attempt
// record. Cancellation of ctx stops the walk between attempts.
func (chain *Chain) Complete(ctx context.Context, ref string, request llm.Request) (*Result, error) {
	candidates, err := chain.candidates(ref)
	if err != nil {
		return nil, err
	}

	var attempts []Attempt
	for _, candidate := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		response, elapsed, err := chain.attempt(ctx, candidate, request)
		if err == nil {
			attempts = append(attempts, Attempt{
				Backend: candidate.Backend.Name(),
				Model:   candidate.Model,
				Elapsed: elapsed,
			})
			chain.logger.DebugContext(ctx, "model call served",
				"backend", candidate.Backend.Name(),
				"model", candidate.Model,
				"elapsed", elapsed,
				"attempts", len(attempts),
			)
			return &Result{
				Response: response,
				Backend:  candidate.Backend,
				Model:    candidate.Model,
				Attempts: attempts,
			}, nil
		}

		attempts = append(attempts, Attempt{
			Backend: candidate.Backend.Name(),
			Model:   candidate.Model,
			Err:     err,
			Elapsed: elapsed,
		})
		chain.logger.WarnContext(ctx, "model call failed",
			"backend", candidate.Backend.Name(),
			"model", candidate.Model,
			"attempt", len(attempts),
			"candidates", len(candidates),
			"elapsed", elapsed,
			"error", err,
		)
	}

	return nil, &ExhaustedError{Ref: ref, Attempts: attempts}
}

// attempt executes one candidate call under the per-attempt timeout.
func (chain *Chain) attempt(ctx context.Context, candidate Resolution, request llm.Request) (*llm.Response, time.Duration, error) {
	if chain.attemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, chain.attemptTimeout)
		defer cancel()
	}

	// Model is set before the default overlay so per-model option
	// overrides key on the candidate actually being called.
	candidateRequest := request
	candidateRequest.Model = candidate.Model
	candidateRequest = candidate.Backend.ApplyDefaults(candidateRequest)

	start := time.Now()
	response, err := candidate.Backend.Provider().Complete(ctx, candidateRequest)
	return response, time.Since(start), err
}

// candidates resolves the primary pair and appends the fallback
// references, deduplicated by (backend, model). Fallback references
// that no longer resolve (registry replaced underneath a stale
// configuration) are skipped with a log line rather than failing the
// whole call.
func (chain *Chain) candidates(ref string) ([]Resolution, error) {
	current := chain.registry.snapshot()

	primary, err := current.resolveFrom(current.backends[0], ref)
	if err != nil {
		return nil, err
	}

	ordered := []Resolution{primary}
	seen := map[string]bool{candidateKey(primary): true}

	appendRef := func(origin *Backend, fallbackRef string) {
		resolution, err := current.resolveFrom(origin, fallbackRef)
		if err != nil {
			chain.logger.Warn("skipping unresolvable fallback",
				"ref", fallbackRef, "error", err)
			return
		}
		key := candidateKey(resolution)
		if seen[key] {
			return
		}
		seen[key] = true
		ordered = append(ordered, resolution)
	}

	for _, fallbackRef := range primary.Backend.descriptor.Fallbacks {
		appendRef(primary.Backend, fallbackRef)
	}
	for _, fallbackRef := range chain.fallbacks {
		appendRef(current.backends[0], fallbackRef)
	}

	return ordered, nil
}

func candidateKey(resolution Resolution) string {
	return strings.ToLower(resolution.Backend.Name()) + "/" + resolution.Model
}
