// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Ollama implements [Provider] for the native Ollama chat API
// (/api/chat). The native API is preferred over Ollama's OpenAI
// compatibility endpoint because it exposes thinking output, model
// options such as num_ctx, and exact token counts.
//
// Streaming responses are newline-delimited JSON rather than SSE.
// Tool calls carry no IDs on the wire; synthetic IDs ("call_0",
// "call_1", ...) are assigned in response order so the engine can
// correlate tool results the same way it does for other providers.
type Ollama struct {
	config ClientConfig
}

// NewOllama creates an Ollama provider. The config's BaseURL is the
// server root (http://127.0.0.1:11434 for a local install). The
// credential is optional; when set it is sent as a bearer token for
// deployments behind an authenticating proxy.
func NewOllama(config ClientConfig) *Ollama {
	return &Ollama{config: config}
}

// Complete sends a non-streaming request and returns the full response.
func (provider *Ollama) Complete(ctx context.Context, request Request) (*Response, error) {
	wireRequest := provider.buildRequest(request, false)
	provider.config.logger().DebugContext(ctx, "ollama request",
		"model", request.Model, "messages", len(request.Messages))

	httpResponse, err := doProviderRequest(ctx, provider.config.httpClient(),
		provider.endpoint(), wireRequest, "llm/ollama", false, provider.headers(request))
	if err != nil {
		return nil, err
	}

	return decodeResponse[ollamaResponse](httpResponse, "llm/ollama")
}

// Stream sends a streaming request and returns an [EventStream].
// The streaming flag to doProviderRequest stays false: Ollama streams
// newline-delimited JSON over a plain response, so no SSE Accept
// header applies.
func (provider *Ollama) Stream(ctx context.Context, request Request) (*EventStream, error) {
	wireRequest := provider.buildRequest(request, true)
	provider.config.logger().DebugContext(ctx, "ollama stream request",
		"model", request.Model, "messages", len(request.Messages))

	httpResponse, err := doProviderRequest(ctx, provider.config.httpClient(),
		provider.endpoint(), wireRequest, "llm/ollama", false, provider.headers(request))
	if err != nil {
		return nil, err
	}

	return provider.newEventStream(httpResponse.Body), nil
}

// ListModels returns the locally available models from /api/tags.
func (provider *Ollama) ListModels(ctx context.Context) ([]ModelInfo, error) {
	httpResponse, err := doProviderGet(ctx, provider.config.httpClient(),
		provider.config.root()+"/api/tags", "llm/ollama", provider.headers(Request{}))
	if err != nil {
		return nil, err
	}
	defer httpResponse.Body.Close()

	var listing struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(httpResponse.Body).Decode(&listing); err != nil {
		return nil, fmt.Errorf("llm/ollama: decoding model list: %w", err)
	}

	models := make([]ModelInfo, 0, len(listing.Models))
	for _, entry := range listing.Models {
		models = append(models, ModelInfo{ID: entry.Name})
	}
	return models, nil
}

// endpoint returns the native chat API URL.
func (provider *Ollama) endpoint() string {
	return provider.config.root() + "/api/chat"
}

// headers returns the optional bearer authorization plus per-request
// extras.
func (provider *Ollama) headers(request Request) map[string]string {
	headers := map[string]string{}
	if provider.config.Credential != nil {
		headers["Authorization"] = "Bearer " + provider.config.Credential.String()
	}
	for name, value := range request.ExtraHeaders {
		headers[name] = value
	}
	return headers
}

// buildRequest converts our types to the Ollama wire format.
func (provider *Ollama) buildRequest(request Request, stream bool) ollamaRequest {
	wireRequest := ollamaRequest{
		Model:   request.Model,
		Stream:  stream,
		Think:   request.Think,
		Options: provider.buildOptions(request),
	}

	// System prompt becomes the first message with role "system".
	if request.System != "" {
		wireRequest.Messages = append(wireRequest.Messages, ollamaMessage{
			Role:    "system",
			Content: request.System,
		})
	}

	for _, message := range request.Messages {
		wireRequest.Messages = append(wireRequest.Messages, toOllamaMessages(message)...)
	}

	for _, tool := range request.Tools {
		wireRequest.Tools = append(wireRequest.Tools, ollamaTool{
			Type: "function",
			Function: ollamaToolDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			},
		})
	}

	return wireRequest
}

// buildOptions merges the generic request knobs into Ollama's options
// map. Request.Options entries (num_ctx and friends) are copied first;
// the typed fields win on conflict.
func (provider *Ollama) buildOptions(request Request) map[string]any {
	if request.MaxTokens == 0 && request.Temperature == nil &&
		len(request.StopSequences) == 0 && len(request.Options) == 0 {
		return nil
	}

	options := make(map[string]any, len(request.Options)+3)
	for key, value := range request.Options {
		options[key] = value
	}
	if request.Temperature != nil {
		options["temperature"] = *request.Temperature
	}
	if request.MaxTokens > 0 {
		options["num_predict"] = request.MaxTokens
	}
	if len(request.StopSequences) > 0 {
		options["stop"] = request.StopSequences
	}
	return options
}

// newEventStream creates an EventStream that parses Ollama's
// newline-delimited JSON chunks.
//
// Like OpenAI, Ollama has no per-block events: text arrives as deltas,
// thinking and tool calls accumulate, and everything is finalized when
// the chunk with done=true arrives. That final chunk also carries the
// token counts and done_reason. A pending events queue emits the
// finalized blocks one at a time, ending with EventDone.
func (provider *Ollama) newEventStream(body io.ReadCloser) *EventStream {
	reader := bufio.NewReaderSize(body, 64*1024)

	// Partial state for accumulating content during streaming.
	var textContent strings.Builder
	var thinkingContent strings.Builder
	var toolCalls []ollamaToolCall
	var pendingEvents []StreamEvent
	var modelSet bool

	stream := NewEventStream(nil, body)

	stream.next = func() (StreamEvent, error) {
		// Drain pending events before reading more chunks.
		if len(pendingEvents) > 0 {
			event := pendingEvents[0]
			pendingEvents = pendingEvents[1:]
			return event, nil
		}

		for {
			line, err := reader.ReadString('\n')
			line = strings.TrimSpace(line)
			if err != nil && line == "" {
				if err == io.EOF {
					return StreamEvent{}, io.EOF
				}
				return StreamEvent{}, fmt.Errorf("llm/ollama: reading stream: %w", err)
			}
			if line == "" {
				continue
			}

			var chunk ollamaResponse
			if err := json.Unmarshal([]byte(line), &chunk); err != nil {
				return StreamEvent{}, fmt.Errorf("llm/ollama: parsing stream chunk: %w", err)
			}

			// Mid-stream errors arrive as a chunk with only an
			// "error" field.
			if chunk.Error != "" {
				return StreamEvent{
					Type:  EventError,
					Error: fmt.Errorf("llm/ollama: stream error: %s", chunk.Error),
				}, nil
			}

			if !modelSet && chunk.Model != "" {
				stream.SetModel(chunk.Model)
				modelSet = true
			}

			// Thinking is accumulated, not surfaced; the complete
			// block is emitted during finalization.
			thinkingContent.WriteString(chunk.Message.Thinking)

			// Tool calls arrive fully formed within a chunk.
			toolCalls = append(toolCalls, chunk.Message.ToolCalls...)

			if !chunk.Done {
				if chunk.Message.Content != "" {
					textContent.WriteString(chunk.Message.Content)
					return StreamEvent{
						Type: EventTextDelta,
						Text: chunk.Message.Content,
					}, nil
				}
				continue
			}

			// Final chunk. It may still carry trailing content; queue
			// the delta so the caller sees it before the block events.
			if chunk.Message.Content != "" {
				textContent.WriteString(chunk.Message.Content)
				pendingEvents = append(pendingEvents, StreamEvent{
					Type: EventTextDelta,
					Text: chunk.Message.Content,
				})
			}

			stream.SetUsage(Usage{
				InputTokens:  chunk.PromptEvalCount,
				OutputTokens: chunk.EvalCount,
			})
			stopReason := mapOllamaDoneReason(chunk.DoneReason)
			if len(toolCalls) > 0 {
				stopReason = StopReasonToolUse
			}
			stream.SetStopReason(stopReason)

			if thinkingContent.Len() > 0 {
				pendingEvents = append(pendingEvents, StreamEvent{
					Type:         EventContentBlockDone,
					ContentBlock: ThinkingContentBlock(thinkingContent.String(), ""),
				})
			}
			if textContent.Len() > 0 {
				pendingEvents = append(pendingEvents, StreamEvent{
					Type:         EventContentBlockDone,
					ContentBlock: TextBlock(textContent.String()),
				})
			}
			for index, toolCall := range toolCalls {
				pendingEvents = append(pendingEvents, StreamEvent{
					Type:         EventContentBlockDone,
					ContentBlock: ToolUseBlock(syntheticToolCallID(index), toolCall.Function.Name, toolCall.Function.Arguments),
				})
			}
			pendingEvents = append(pendingEvents, StreamEvent{Type: EventDone})

			event := pendingEvents[0]
			pendingEvents = pendingEvents[1:]
			return event, nil
		}
	}

	return stream
}

// syntheticToolCallID assigns a stable ID to a tool call by its
// position in the response.
func syntheticToolCallID(index int) string {
	return fmt.Sprintf("call_%d", index)
}

// --- Ollama wire types ---
//
// These map to the native Ollama chat API JSON format. Stream and
// Think are serialized unconditionally: Ollama defaults stream to
// true, so omitting it on a blocking request would change behavior,
// and think=false explicitly disables thinking on hybrid models.

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Tools    []ollamaTool    `json:"tools,omitempty"`
	Stream   bool            `json:"stream"`
	Think    bool            `json:"think"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	Thinking  string           `json:"thinking,omitempty"`
	Images    []string         `json:"images,omitempty"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaToolCall struct {
	Function ollamaToolFunction `json:"function"`
}

// ollamaToolFunction carries arguments as a JSON object, unlike
// OpenAI's string-encoded arguments.
type ollamaToolFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type ollamaTool struct {
	Type     string               `json:"type"`
	Function ollamaToolDefinition `json:"function"`
}

type ollamaToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ollamaResponse is both the blocking response shape and the
// streaming chunk shape; streaming chunks simply leave most fields
// empty until the final done=true chunk.
type ollamaResponse struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	DoneReason      string        `json:"done_reason"`
	PromptEvalCount int64         `json:"prompt_eval_count"`
	EvalCount       int64         `json:"eval_count"`
	Error           string        `json:"error"`
}

// --- Wire type conversions ---

// toOllamaMessages converts an internal Message to one or more Ollama
// wire messages. Like OpenAI, tool results become individual
// role:"tool" messages; images ride on the user message as a base64
// list rather than inline content blocks.
func toOllamaMessages(message Message) []ollamaMessage {
	if message.Role == RoleAssistant {
		return []ollamaMessage{toOllamaAssistantMessage(message)}
	}

	var messages []ollamaMessage
	var textParts []string
	var images []string

	flush := func() {
		if len(textParts) > 0 || len(images) > 0 {
			messages = append(messages, ollamaMessage{
				Role:    string(message.Role),
				Content: strings.Join(textParts, ""),
				Images:  images,
			})
			textParts = nil
			images = nil
		}
	}

	for _, block := range message.Content {
		switch block.Type {
		case ContentText:
			textParts = append(textParts, block.Text)
		case ContentImage:
			if block.Image != nil {
				images = append(images, block.Image.Data)
			}
		case ContentToolResult:
			if block.ToolResult != nil {
				flush()
				// The wire has no slot for the tool use ID; position
				// in the conversation carries the correlation.
				messages = append(messages, ollamaMessage{
					Role:    "tool",
					Content: block.ToolResult.Content,
				})
			}
		}
	}

	flush()

	if len(messages) == 0 {
		messages = append(messages, ollamaMessage{
			Role:    string(message.Role),
			Content: "",
		})
	}

	return messages
}

// toOllamaAssistantMessage converts an assistant message, splitting
// text, thinking, and tool calls into their wire fields. The
// synthetic tool call IDs are dropped; Ollama correlates by order.
func toOllamaAssistantMessage(message Message) ollamaMessage {
	wire := ollamaMessage{Role: "assistant"}

	var textParts []string
	var thinkingParts []string
	for _, block := range message.Content {
		switch block.Type {
		case ContentText:
			textParts = append(textParts, block.Text)
		case ContentThinking:
			if block.Thinking != nil {
				thinkingParts = append(thinkingParts, block.Thinking.Content)
			}
		case ContentToolUse:
			if block.ToolUse != nil {
				wire.ToolCalls = append(wire.ToolCalls, ollamaToolCall{
					Function: ollamaToolFunction{
						Name:      block.ToolUse.Name,
						Arguments: block.ToolUse.Input,
					},
				})
			}
		}
	}

	wire.Content = strings.Join(textParts, "")
	wire.Thinking = strings.Join(thinkingParts, "")
	return wire
}

func (wireResponse *ollamaResponse) toResponse() *Response {
	response := &Response{
		Model: wireResponse.Model,
		Usage: Usage{
			InputTokens:  wireResponse.PromptEvalCount,
			OutputTokens: wireResponse.EvalCount,
		},
	}

	if wireResponse.Message.Thinking != "" {
		response.Content = append(response.Content, ThinkingContentBlock(wireResponse.Message.Thinking, ""))
	}
	if wireResponse.Message.Content != "" {
		response.Content = append(response.Content, TextBlock(wireResponse.Message.Content))
	}
	for index, toolCall := range wireResponse.Message.ToolCalls {
		response.Content = append(response.Content, ToolUseBlock(
			syntheticToolCallID(index),
			toolCall.Function.Name,
			toolCall.Function.Arguments,
		))
	}

	response.StopReason = mapOllamaDoneReason(wireResponse.DoneReason)
	if len(wireResponse.Message.ToolCalls) > 0 {
		response.StopReason = StopReasonToolUse
	}

	return response
}

func mapOllamaDoneReason(reason string) StopReason {
	switch reason {
	case "stop":
		return StopReasonEndTurn
	case "length":
		return StopReasonMaxTokens
	default:
		return StopReason(reason)
	}
}
