// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"syscall"

	"github.com/bureau-foundation/aide/lib/secret"
)

// Provider is the interface for model API backends. Implementations
// translate between the common types in this package and each
// vendor's wire format.
type Provider interface {
	// Complete sends a request and blocks until the full response
	// is available. Use this when streaming is not needed.
	Complete(ctx context.Context, request Request) (*Response, error)

	// Stream sends a request and returns an [EventStream] that yields
	// events as they arrive. The caller must call [EventStream.Close]
	// when done, even if iteration ended early.
	Stream(ctx context.Context, request Request) (*EventStream, error)

	// ListModels returns the models available on the backend.
	ListModels(ctx context.Context) ([]ModelInfo, error)
}

// ClientConfig carries the connection parameters shared by all
// provider implementations.
type ClientConfig struct {
	// BaseURL is the API root, e.g. "https://api.anthropic.com" or
	// "http://127.0.0.1:11434". Trailing slashes are tolerated.
	BaseURL string

	// Credential is the API key, held in locked memory. Nil for
	// endpoints that require no authentication (typically local
	// Ollama). The key is injected into request headers and never
	// logged.
	Credential *secret.Buffer

	// HTTPClient is used for all requests. Nil means
	// http.DefaultClient; callers that need timeouts or custom
	// transports supply their own.
	HTTPClient *http.Client

	// Logger receives request-level debug logging. Nil discards.
	Logger *slog.Logger
}

func (config ClientConfig) httpClient() *http.Client {
	if config.HTTPClient != nil {
		return config.HTTPClient
	}
	return http.DefaultClient
}

func (config ClientConfig) logger() *slog.Logger {
	if config.Logger != nil {
		return config.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// root returns the base URL without a trailing slash.
func (config ClientConfig) root() string {
	return strings.TrimRight(config.BaseURL, "/")
}

// nextFunc is the iteration function for an EventStream. Returns
// io.EOF when the stream is complete.
type nextFunc func() (StreamEvent, error)

// EventStream reads streaming events from a model response. It yields
// [StreamEvent] values via [Next] while accumulating the complete
// [Response] internally. After Next returns [io.EOF], call [Response]
// to retrieve the accumulated result.
//
// EventStream is not safe for concurrent use.
type EventStream struct {
	next     nextFunc
	closer   io.Closer
	response Response
	mutex    sync.Mutex
	done     bool
}

// NewEventStream creates an EventStream from a provider-specific
// iteration function and an io.Closer for the underlying resource
// (typically the HTTP response body).
//
// The next function must return (event, nil) for each event and
// (zero, io.EOF) when the stream is complete. The EventStream
// handles accumulation of the complete Response from the events.
func NewEventStream(next nextFunc, closer io.Closer) *EventStream {
	return &EventStream{
		next:   next,
		closer: closer,
	}
}

// Next returns the next event from the stream. Returns io.EOF when
// the stream is complete. After io.EOF, call [Response] to get the
// accumulated result.
//
// The caller should process events in a loop:
//
//	for {
//	    event, err := stream.Next()
//	    if err == io.EOF {
//	        break
//	    }
//	    if err != nil {
//	        return err
//	    }
//	    // process event
//	}
//	response := stream.Response()
func (stream *EventStream) Next() (StreamEvent, error) {
	if stream.done {
		return StreamEvent{}, io.EOF
	}

	event, err := stream.next()
	if err != nil {
		if err == io.EOF {
			stream.done = true
		}
		return event, err
	}

	stream.accumulate(event)
	return event, nil
}

// Response returns the accumulated complete response. Only valid
// after [Next] has returned [io.EOF]. Calling Response before the
// stream is complete returns whatever has been accumulated so far.
func (stream *EventStream) Response() Response {
	stream.mutex.Lock()
	defer stream.mutex.Unlock()
	return stream.response
}

// Close releases the underlying resources (HTTP response body).
// Must be called when done with the stream, even if iteration
// ended early due to an error or cancellation.
func (stream *EventStream) Close() error {
	if stream.closer != nil {
		return stream.closer.Close()
	}
	return nil
}

// accumulate updates the internal Response from a stream event.
func (stream *EventStream) accumulate(event StreamEvent) {
	stream.mutex.Lock()
	defer stream.mutex.Unlock()

	switch event.Type {
	case EventContentBlockDone:
		stream.response.Content = append(stream.response.Content, event.ContentBlock)
	case EventDone:
		// StopReason and Usage are set by the provider's next function
		// via SetStopReason/SetUsage before emitting EventDone.
	}
}

// SetStopReason sets the stop reason on the accumulated response.
// Called by provider implementations during stream parsing.
func (stream *EventStream) SetStopReason(reason StopReason) {
	stream.mutex.Lock()
	defer stream.mutex.Unlock()
	stream.response.StopReason = reason
}

// SetUsage sets the usage statistics on the accumulated response.
// Called by provider implementations during stream parsing.
func (stream *EventStream) SetUsage(usage Usage) {
	stream.mutex.Lock()
	defer stream.mutex.Unlock()
	stream.response.Usage = usage
}

// SetModel sets the model name on the accumulated response.
// Called by provider implementations during stream parsing.
func (stream *EventStream) SetModel(model string) {
	stream.mutex.Lock()
	defer stream.mutex.Unlock()
	stream.response.Model = model
}

// AddOutputTokens increments the output token count. Called by
// provider implementations that receive usage incrementally
// (Anthropic's message_delta event includes only output_tokens).
func (stream *EventStream) AddOutputTokens(count int64) {
	stream.mutex.Lock()
	defer stream.mutex.Unlock()
	stream.response.Usage.OutputTokens += count
}

// ProviderError is returned when the model API responds with an error.
type ProviderError struct {
	// StatusCode is the HTTP status code.
	StatusCode int

	// Type is the provider-specific error type string
	// (e.g., "invalid_request_error", "rate_limit_error").
	Type string

	// Message is the human-readable error description.
	Message string
}

func (err *ProviderError) Error() string {
	if err.Type != "" {
		return fmt.Sprintf("llm: HTTP %d: %s: %s", err.StatusCode, err.Type, err.Message)
	}
	return fmt.Sprintf("llm: HTTP %d: %s", err.StatusCode, err.Message)
}

// IsRateLimited returns true if the error is a rate limit response (HTTP 429).
func (err *ProviderError) IsRateLimited() bool {
	return err.StatusCode == 429
}

// Transient reports whether the error is likely to clear on its own:
// request timeout, rate limiting, or a server-side failure. Permanent
// errors (authentication, malformed request, unknown model) return
// false.
func (err *ProviderError) Transient() bool {
	switch {
	case err.StatusCode == 408, err.StatusCode == 429:
		return true
	case err.StatusCode >= 500:
		return true
	}
	return false
}

// TransientError reports whether err represents a failure worth
// retrying on another attempt or backend: a transient [ProviderError],
// a deadline expiry, a network timeout, or a dropped connection.
func TransientError(err error) bool {
	var providerError *ProviderError
	if errors.As(err, &providerError) {
		return providerError.Transient()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netError net.Error
	if errors.As(err, &netError) && netError.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED)
}

// doProviderRequest marshals wireRequest as JSON, POSTs it to endpoint
// via httpClient, and returns the HTTP response. Returns a ProviderError
// for non-200 status codes. When streaming is true, the Accept header is
// set to text/event-stream for SSE transports; entries in headers are
// applied last and may override anything set here.
//
// On success the caller is responsible for closing the response body.
// On error the body is already closed.
func doProviderRequest(ctx context.Context, httpClient *http.Client, endpoint string, wireRequest any, prefix string, streaming bool, headers map[string]string) (*http.Response, error) {
	body, err := json.Marshal(wireRequest)
	if err != nil {
		return nil, fmt.Errorf("%s: marshaling request: %w", prefix, err)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost,
		endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: creating request: %w", prefix, err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	if streaming {
		httpRequest.Header.Set("Accept", "text/event-stream")
	}
	for name, value := range headers {
		httpRequest.Header.Set(name, value)
	}

	httpResponse, err := httpClient.Do(httpRequest)
	if err != nil {
		return nil, fmt.Errorf("%s: sending request: %w", prefix, err)
	}

	if httpResponse.StatusCode != http.StatusOK {
		defer httpResponse.Body.Close()
		return nil, readProviderError(httpResponse)
	}

	return httpResponse, nil
}

// doProviderGet issues a GET to endpoint and returns the HTTP response.
// Used by the model listing endpoints. Error handling matches
// doProviderRequest.
func doProviderGet(ctx context.Context, httpClient *http.Client, endpoint string, prefix string, headers map[string]string) (*http.Response, error) {
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: creating request: %w", prefix, err)
	}
	for name, value := range headers {
		httpRequest.Header.Set(name, value)
	}

	httpResponse, err := httpClient.Do(httpRequest)
	if err != nil {
		return nil, fmt.Errorf("%s: sending request: %w", prefix, err)
	}

	if httpResponse.StatusCode != http.StatusOK {
		defer httpResponse.Body.Close()
		return nil, readProviderError(httpResponse)
	}

	return httpResponse, nil
}

// wireResponse is implemented by pointer-to-struct types that can
// convert themselves from JSON wire format to the common Response.
type wireResponse[T any] interface {
	*T
	toResponse() *Response
}

// decodeResponse reads an HTTP response body as JSON into a
// provider-specific wire response type and converts it to the common
// Response. The HTTP response body is closed when this function returns.
func decodeResponse[T any, P wireResponse[T]](httpResponse *http.Response, prefix string) (*Response, error) {
	defer httpResponse.Body.Close()

	wireResp := P(new(T))
	if err := json.NewDecoder(httpResponse.Body).Decode(wireResp); err != nil {
		return nil, fmt.Errorf("%s: decoding response: %w", prefix, err)
	}

	return wireResp.toResponse(), nil
}

// readProviderError parses an error response body. Anthropic, OpenAI,
// and compatible APIs use {"error":{"type":"...","message":"..."}};
// Ollama uses a bare {"error":"..."} string. Extra fields in the error
// object (such as OpenAI's "code" and "param") are silently ignored.
func readProviderError(httpResponse *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(httpResponse.Body, 4096))

	var wireError struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &wireError) == nil && wireError.Error.Message != "" {
		return &ProviderError{
			StatusCode: httpResponse.StatusCode,
			Type:       wireError.Error.Type,
			Message:    wireError.Error.Message,
		}
	}

	var bareError struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &bareError) == nil && bareError.Error != "" {
		return &ProviderError{
			StatusCode: httpResponse.StatusCode,
			Message:    bareError.Error,
		}
	}

	return &ProviderError{
		StatusCode: httpResponse.StatusCode,
		Message:    string(body),
	}
}
