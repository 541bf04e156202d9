// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/bureau-foundation/aide/lib/llm"
)

// scriptedBackend is an httptest-backed OpenAI-protocol backend that
// either fails every request with HTTP 503 or answers with a fixed
// completion, counting calls either way.
func scriptedBackend(t *testing.T, name string, fail bool) (Descriptor, *atomic.Int32) {
	t.Helper()
	calls := &atomic.Int32{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", func(writer http.ResponseWriter, request *http.Request) {
		calls.Add(1)
		if fail {
			writer.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(writer, `{"error":{"type":"server_error","message":"backend unavailable"}}`)
			return
		}
		var wire struct {
			Model string `json:"model"`
		}
		if err := json.NewDecoder(request.Body).Decode(&wire); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		fmt.Fprintf(writer, `{"id":"chatcmpl-1","model":%q,"choices":[{"message":{"role":"assistant","content":"served by %s"},"finish_reason":"stop"}],"usage":{"prompt_tokens":12,"completion_tokens":4}}`,
			wire.Model, name)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return Descriptor{
		Name:         name,
		Protocol:     ProtocolOpenAI,
		BaseURL:      server.URL,
		DefaultModel: "default-model",
	}, calls
}

func testRequest() llm.Request {
	return llm.Request{
		Messages:  []llm.Message{llm.UserMessage("hello")},
		MaxTokens: 128,
	}
}

func TestChain_PrimarySucceeds(t *testing.T) {
	t.Parallel()

	descriptorA, callsA := scriptedBackend(t, "alpha", false)
	descriptorB, callsB := scriptedBackend(t, "beta", false)
	registry := newTestRegistry(t, []Descriptor{descriptorA, descriptorB})
	chain := NewChain(ChainConfig{Registry: registry, Fallbacks: []string{"beta/"}})

	result, err := chain.Complete(context.Background(), "", testRequest())
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if result.Backend.Name() != "alpha" || result.Model != "default-model" {
		t.Errorf("served by %s/%s, want alpha/default-model", result.Backend.Name(), result.Model)
	}
	if got := result.Response.TextContent(); got != "served by alpha" {
		t.Errorf("response text = %q", got)
	}
	if len(result.Attempts) != 1 {
		t.Fatalf("attempts = %d, want 1", len(result.Attempts))
	}
	if result.Attempts[0].Err != nil {
		t.Errorf("successful attempt has error %v", result.Attempts[0].Err)
	}
	if result.Attempts[0].Elapsed <= 0 {
		t.Errorf("attempt elapsed = %v, want > 0", result.Attempts[0].Elapsed)
	}
	if callsA.Load() != 1 || callsB.Load() != 0 {
		t.Errorf("calls = alpha:%d beta:%d, want 1/0", callsA.Load(), callsB.Load())
	}
}

func TestChain_FallsBackToGlobalList(t *testing.T) {
	t.Parallel()

	descriptorA, callsA := scriptedBackend(t, "alpha", true)
	descriptorB, callsB := scriptedBackend(t, "beta", false)
	registry := newTestRegistry(t, []Descriptor{descriptorA, descriptorB})
	chain := NewChain(ChainConfig{Registry: registry, Fallbacks: []string{"beta/"}})

	result, err := chain.Complete(context.Background(), "alpha/x", testRequest())
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got := result.Response.TextContent(); got != "served by beta" {
		t.Errorf("response text = %q, want served by beta", got)
	}

	// The attempt record lists the failed primary and the successful
	// fallback, in order.
	if len(result.Attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(result.Attempts))
	}
	first, second := result.Attempts[0], result.Attempts[1]
	if first.Backend != "alpha" || first.Model != "x" || first.Err == nil {
		t.Errorf("attempt[0] = %+v, want failed alpha/x", first)
	}
	if second.Backend != "beta" || second.Model != "default-model" || second.Err != nil {
		t.Errorf("attempt[1] = %+v, want successful beta/default-model", second)
	}
	if callsA.Load() != 1 || callsB.Load() != 1 {
		t.Errorf("calls = alpha:%d beta:%d, want 1/1", callsA.Load(), callsB.Load())
	}
}

func TestChain_BackendFallbacksBeforeGlobal(t *testing.T) {
	t.Parallel()

	descriptorA, _ := scriptedBackend(t, "alpha", true)
	descriptorB, callsB := scriptedBackend(t, "beta", false)
	descriptorC, callsC := scriptedBackend(t, "gamma", false)
	descriptorA.Fallbacks = []string{"gamma/"}
	registry := newTestRegistry(t, []Descriptor{descriptorA, descriptorB, descriptorC})
	chain := NewChain(ChainConfig{Registry: registry, Fallbacks: []string{"beta/"}})

	result, err := chain.Complete(context.Background(), "alpha/", testRequest())
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if result.Backend.Name() != "gamma" {
		t.Errorf("served by %s, want gamma (backend fallback before global)", result.Backend.Name())
	}
	if callsC.Load() != 1 || callsB.Load() != 0 {
		t.Errorf("calls = gamma:%d beta:%d, want 1/0", callsC.Load(), callsB.Load())
	}
}

func TestChain_AllBackendsExhausted(t *testing.T) {
	t.Parallel()

	descriptorA, callsA := scriptedBackend(t, "alpha", true)
	descriptorB, callsB := scriptedBackend(t, "beta", true)
	registry := newTestRegistry(t, []Descriptor{descriptorA, descriptorB})
	chain := NewChain(ChainConfig{Registry: registry, Fallbacks: []string{"beta/"}})

	result, err := chain.Complete(context.Background(), "alpha/x", testRequest())
	if result != nil {
		t.Fatalf("Complete returned a result alongside exhaustion: %+v", result)
	}

	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("error = %v, want ExhaustedError", err)
	}
	if exhausted.Ref != "alpha/x" {
		t.Errorf("Ref = %q, want alpha/x", exhausted.Ref)
	}
	if len(exhausted.Attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(exhausted.Attempts))
	}
	if exhausted.Attempts[0].Backend != "alpha" || exhausted.Attempts[1].Backend != "beta" {
		t.Errorf("attempt order = %s, %s, want alpha, beta",
			exhausted.Attempts[0].Backend, exhausted.Attempts[1].Backend)
	}
	for i, attempt := range exhausted.Attempts {
		if attempt.Err == nil {
			t.Errorf("attempt[%d] has nil error", i)
		}
	}
	message := exhausted.Error()
	if !strings.Contains(message, "2 attempts") || !strings.Contains(message, "backend unavailable") {
		t.Errorf("error message %q missing attempt detail", message)
	}
	if callsA.Load() != 1 || callsB.Load() != 1 {
		t.Errorf("calls = alpha:%d beta:%d, want 1/1", callsA.Load(), callsB.Load())
	}
}

// TestChain_AttemptCountMatchesFailures checks that with the first M
// of N candidates failing deterministically, the chain makes exactly
// M+1 attempts and the (M+1)-th candidate serves the request.
func TestChain_AttemptCountMatchesFailures(t *testing.T) {
	t.Parallel()

	names := []string{"alpha", "beta", "gamma", "delta"}
	for failing := 0; failing < len(names); failing++ {
		t.Run(fmt.Sprintf("first_%d_fail", failing), func(t *testing.T) {
			descriptors := make([]Descriptor, len(names))
			counters := make([]*atomic.Int32, len(names))
			for i, name := range names {
				descriptors[i], counters[i] = scriptedBackend(t, name, i < failing)
			}
			registry := newTestRegistry(t, descriptors)
			chain := NewChain(ChainConfig{
				Registry:  registry,
				Fallbacks: []string{"beta/", "gamma/", "delta/"},
			})

			result, err := chain.Complete(context.Background(), "alpha/", testRequest())
			if err != nil {
				t.Fatalf("Complete: %v", err)
			}
			if result.Backend.Name() != names[failing] {
				t.Errorf("served by %s, want %s", result.Backend.Name(), names[failing])
			}
			if len(result.Attempts) != failing+1 {
				t.Errorf("attempts = %d, want %d", len(result.Attempts), failing+1)
			}

			totalCalls := 0
			for _, counter := range counters {
				totalCalls += int(counter.Load())
			}
			if totalCalls != failing+1 {
				t.Errorf("total backend calls = %d, want %d", totalCalls, failing+1)
			}
		})
	}
}

func TestChain_DeduplicatesCandidates(t *testing.T) {
	t.Parallel()

	descriptorA, callsA := scriptedBackend(t, "alpha", true)
	descriptorB, callsB := scriptedBackend(t, "beta", false)
	descriptorA.Fallbacks = []string{"beta/default-model"}
	registry := newTestRegistry(t, []Descriptor{descriptorA, descriptorB})

	// The global list repeats the backend fallback and the primary;
	// both duplicates are dropped.
	chain := NewChain(ChainConfig{
		Registry:  registry,
		Fallbacks: []string{"beta/", "alpha/"},
	})

	result, err := chain.Complete(context.Background(), "alpha/", testRequest())
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if len(result.Attempts) != 2 {
		t.Errorf("attempts = %d, want 2 (duplicates pruned)", len(result.Attempts))
	}
	if callsA.Load() != 1 || callsB.Load() != 1 {
		t.Errorf("calls = alpha:%d beta:%d, want 1/1", callsA.Load(), callsB.Load())
	}
}

func TestChain_UnknownModelFailsBeforeAnyCall(t *testing.T) {
	t.Parallel()

	descriptorA, callsA := scriptedBackend(t, "alpha", false)
	descriptorA.Models = []string{"default-model"}
	registry := newTestRegistry(t, []Descriptor{descriptorA})
	chain := NewChain(ChainConfig{Registry: registry})

	_, err := chain.Complete(context.Background(), "alpha/forbidden", testRequest())
	var unknownModel *UnknownModelError
	if !errors.As(err, &unknownModel) {
		t.Fatalf("error = %v, want UnknownModelError", err)
	}
	if callsA.Load() != 0 {
		t.Errorf("backend called %d times for an unresolvable ref, want 0", callsA.Load())
	}
}

func TestChain_ContextCanceledStopsWalk(t *testing.T) {
	t.Parallel()

	descriptorA, callsA := scriptedBackend(t, "alpha", false)
	registry := newTestRegistry(t, []Descriptor{descriptorA})
	chain := NewChain(ChainConfig{Registry: registry})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := chain.Complete(ctx, "", testRequest())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if callsA.Load() != 0 {
		t.Errorf("backend called %d times under a canceled context, want 0", callsA.Load())
	}
}

func TestChain_AppliesBackendDefaults(t *testing.T) {
	t.Parallel()

	temperatures := make(chan float64, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", func(writer http.ResponseWriter, request *http.Request) {
		var wire struct {
			Temperature float64 `json:"temperature"`
		}
		if err := json.NewDecoder(request.Body).Decode(&wire); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		temperatures <- wire.Temperature
		fmt.Fprint(writer, `{"id":"chatcmpl-1","model":"default-model","choices":[{"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}],"usage":{"prompt_tokens":1,"completion_tokens":1}}`)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	registry := newTestRegistry(t, []Descriptor{{
		Name:         "alpha",
		Protocol:     ProtocolOpenAI,
		BaseURL:      server.URL,
		DefaultModel: "default-model",
		Temperature:  floatPointer(0.6),
	}})
	chain := NewChain(ChainConfig{Registry: registry})

	if _, err := chain.Complete(context.Background(), "", testRequest()); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got := <-temperatures; got != 0.6 {
		t.Errorf("wire temperature = %v, want descriptor default 0.6", got)
	}
}
