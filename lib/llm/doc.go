// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package llm provides a provider-neutral client for conversational
// model APIs. It defines common request/response types (messages,
// content blocks, tool definitions, usage) and a [Provider] interface
// with three implementations: [NewAnthropic] for the Anthropic Messages
// API, [NewOpenAI] for OpenAI-compatible chat completion endpoints, and
// [NewOllama] for a local Ollama server.
//
// All three support blocking completion via [Provider.Complete] and
// incremental streaming via [Provider.Stream], which returns an
// [EventStream] that accumulates the full [Response] while yielding
// text deltas as they arrive. Tool use, images, and extended thinking
// are expressed uniformly in [ContentBlock] values; each adapter maps
// them onto its wire format and back.
//
// Anthropic and OpenAI stream Server-Sent Events, parsed by
// [SSEScanner]; Ollama streams newline-delimited JSON. Credentials are
// held in locked memory ([secret.Buffer]) and injected into request
// headers at send time, so they never appear in request structs, logs,
// or error messages.
package llm
