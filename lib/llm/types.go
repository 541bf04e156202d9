// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"encoding/json"
	"strings"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ContentType discriminates the variants of a [ContentBlock].
type ContentType string

const (
	ContentText       ContentType = "text"
	ContentImage      ContentType = "image"
	ContentToolUse    ContentType = "tool_use"
	ContentToolResult ContentType = "tool_result"
	ContentThinking   ContentType = "thinking"
)

// ContentBlock is one unit of message content. Exactly one of the
// variant fields is populated, selected by Type. Text lives directly
// on the struct since it is by far the most common variant.
type ContentBlock struct {
	Type ContentType

	Text       string
	Image      *Image
	ToolUse    *ToolUse
	ToolResult *ToolResult
	Thinking   *Thinking
}

// Image is base64-encoded image content supplied as model input.
type Image struct {
	// MediaType is the MIME type, e.g. "image/png" or "image/jpeg".
	MediaType string

	// Data is the standard base64 encoding of the image bytes.
	Data string
}

// ToolUse is a tool invocation requested by the model.
type ToolUse struct {
	// ID correlates the invocation with its later ToolResult. Providers
	// that do not issue IDs on the wire get synthetic ones.
	ID string

	// Name is the tool being invoked.
	Name string

	// Input is the invocation arguments as raw JSON.
	Input json.RawMessage
}

// ToolResult is the outcome of executing a tool invocation, sent back
// to the model in a user message.
type ToolResult struct {
	// ToolUseID references the ToolUse this result answers.
	ToolUseID string

	// Content is the tool output as text.
	Content string

	// IsError marks the result as a failure the model should react to.
	IsError bool
}

// Thinking is an extended-thinking block produced by reasoning models.
// The signature must be replayed verbatim in conversation history for
// providers that verify it.
type Thinking struct {
	Content   string
	Signature string
}

// Message is a single conversation message: a role plus ordered
// content blocks.
type Message struct {
	Role    Role
	Content []ContentBlock
}

// ToolDefinition describes a tool the model may invoke.
type ToolDefinition struct {
	// Name is the tool identifier the model uses to invoke it.
	Name string

	// Description tells the model when and how to use the tool.
	Description string

	// InputSchema is the JSON Schema for the tool's arguments.
	InputSchema json.RawMessage
}

// Request is a provider-neutral completion request.
type Request struct {
	// Model is the provider-specific model identifier.
	Model string

	// System is the system prompt. Empty means none.
	System string

	// Messages is the conversation history, oldest first.
	Messages []Message

	// Tools the model may invoke. Empty means no tool use.
	Tools []ToolDefinition

	// MaxTokens caps the generated output length.
	MaxTokens int

	// Temperature overrides the sampling temperature when non-nil.
	Temperature *float64

	// StopSequences stop generation when emitted.
	StopSequences []string

	// Think requests extended reasoning from models that support it.
	// The caller is responsible for only setting this for capable
	// models; adapters for providers without a reasoning control
	// ignore it.
	Think bool

	// Options carries provider-specific generation options passed
	// through on the wire (the Ollama options map: num_ctx, top_p,
	// and friends). Adapters without an options channel ignore it.
	Options map[string]any

	// ExtraHeaders are added to the HTTP request, e.g. beta opt-in
	// headers. They override adapter defaults on name collision.
	ExtraHeaders map[string]string
}

// Usage reports token accounting for one request/response pair.
type Usage struct {
	InputTokens      int64
	OutputTokens     int64
	CacheReadTokens  int64
	CacheWriteTokens int64
}

// TotalInput returns the full prompt-side token count including
// cache reads and writes.
func (usage Usage) TotalInput() int64 {
	return usage.InputTokens + usage.CacheReadTokens + usage.CacheWriteTokens
}

// StopReason describes why the model stopped generating.
type StopReason string

const (
	StopReasonEndTurn      StopReason = "end_turn"
	StopReasonToolUse      StopReason = "tool_use"
	StopReasonMaxTokens    StopReason = "max_tokens"
	StopReasonStopSequence StopReason = "stop_sequence"
)

// Response is a provider-neutral completion response.
type Response struct {
	// Content is the generated content blocks in order.
	Content []ContentBlock

	// StopReason describes why generation ended.
	StopReason StopReason

	// Usage is the token accounting reported by the provider.
	Usage Usage

	// Model is the model that actually served the request, as
	// reported by the provider.
	Model string
}

// TextContent concatenates all text blocks in the response.
func (response *Response) TextContent() string {
	var builder strings.Builder
	for _, block := range response.Content {
		if block.Type == ContentText {
			builder.WriteString(block.Text)
		}
	}
	return builder.String()
}

// ThinkingContent concatenates all thinking blocks in the response.
func (response *Response) ThinkingContent() string {
	var builder strings.Builder
	for _, block := range response.Content {
		if block.Type == ContentThinking && block.Thinking != nil {
			builder.WriteString(block.Thinking.Content)
		}
	}
	return builder.String()
}

// ToolUses returns the tool invocations requested in the response,
// in order.
func (response *Response) ToolUses() []*ToolUse {
	var uses []*ToolUse
	for _, block := range response.Content {
		if block.Type == ContentToolUse && block.ToolUse != nil {
			uses = append(uses, block.ToolUse)
		}
	}
	return uses
}

// ModelInfo describes one model available on a backend, as reported
// by the provider's listing endpoint.
type ModelInfo struct {
	// ID is the identifier accepted in [Request.Model].
	ID string

	// DisplayName is a human-readable name. May be empty when the
	// provider does not report one.
	DisplayName string
}

// StreamEventType discriminates streaming events.
type StreamEventType string

const (
	// EventTextDelta carries an incremental text fragment.
	EventTextDelta StreamEventType = "text_delta"

	// EventContentBlockDone carries a completed content block.
	EventContentBlockDone StreamEventType = "content_block_done"

	// EventDone signals the end of the response. The accumulated
	// [Response] is complete once this event is observed.
	EventDone StreamEventType = "done"

	// EventPing is a provider keepalive. Safe to ignore.
	EventPing StreamEventType = "ping"

	// EventError carries a mid-stream error reported by the provider.
	EventError StreamEventType = "error"
)

// StreamEvent is one event from a streaming response.
type StreamEvent struct {
	Type StreamEventType

	// Text is set for EventTextDelta.
	Text string

	// ContentBlock is set for EventContentBlockDone.
	ContentBlock ContentBlock

	// Error is set for EventError.
	Error error
}

// TextBlock creates a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: ContentText, Text: text}
}

// ImageBlock creates an image content block from base64-encoded data.
func ImageBlock(mediaType, data string) ContentBlock {
	return ContentBlock{
		Type:  ContentImage,
		Image: &Image{MediaType: mediaType, Data: data},
	}
}

// ToolUseBlock creates a tool invocation content block.
func ToolUseBlock(id, name string, input json.RawMessage) ContentBlock {
	return ContentBlock{
		Type:    ContentToolUse,
		ToolUse: &ToolUse{ID: id, Name: name, Input: input},
	}
}

// ToolResultBlock creates a tool result content block.
func ToolResultBlock(result ToolResult) ContentBlock {
	return ContentBlock{
		Type:       ContentToolResult,
		ToolResult: &result,
	}
}

// ThinkingContentBlock creates a thinking content block for replaying
// extended-thinking output in conversation history.
func ThinkingContentBlock(content, signature string) ContentBlock {
	return ContentBlock{
		Type:     ContentThinking,
		Thinking: &Thinking{Content: content, Signature: signature},
	}
}

// UserMessage creates a user message with a single text block.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: []ContentBlock{TextBlock(text)}}
}

// AssistantMessage creates an assistant message with a single text
// block.
func AssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Content: []ContentBlock{TextBlock(text)}}
}

// ToolResultMessage creates the user message that answers one or more
// tool invocations from the preceding assistant turn.
func ToolResultMessage(results ...ToolResult) Message {
	message := Message{Role: RoleUser}
	for _, result := range results {
		message.Content = append(message.Content, ToolResultBlock(result))
	}
	return message
}
