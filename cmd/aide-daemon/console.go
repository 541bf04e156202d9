// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bureau-foundation/aide/lib/backend"
)

// defaultChannel names the console conversation when an input line
// carries no channel.
const defaultChannel = "local"

// listModelsTimeout bounds the provider round-trips behind /models.
const listModelsTimeout = 15 * time.Second

// inputLine is one incoming console line.
type inputLine struct {
	Channel string `json:"channel"`
	Text    string `json:"text"`
}

// event is one outgoing console line.
type event struct {
	Event   string `json:"event"`
	Channel string `json:"channel"`
	Text    string `json:"text"`
}

// eventWriter serializes outgoing events onto one stream. Deliveries
// arrive concurrently: interactive turns, scheduled executions, and
// failure notices all share the same stdout.
type eventWriter struct {
	mu      sync.Mutex
	encoder *json.Encoder
}

func newEventWriter(output io.Writer) *eventWriter {
	return &eventWriter{encoder: json.NewEncoder(output)}
}

// Deliver implements the engine's delivery boundary.
func (w *eventWriter) Deliver(ctx context.Context, channel, text string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.encoder.Encode(event{Event: "message", Channel: channel, Text: text}); err != nil {
		return fmt.Errorf("writing console event: %w", err)
	}
	return nil
}

// turnEngine is the engine surface the console drives.
type turnEngine interface {
	HandleMessage(ctx context.Context, channel, text string) error
	SwitchModel(ctx context.Context, channel, ref string) (string, error)
}

// console reads JSON lines from a local stream and routes them to the
// engine. Slash commands are handled in place; everything else becomes
// an interactive turn. Lines are processed one at a time, so a piped
// invocation finishes each turn before EOF ends the loop.
type console struct {
	engine   turnEngine
	registry *backend.Registry
	events   *eventWriter
	logger   *slog.Logger
}

const helpText = `Console commands:
  /help         this list
  /model <ref>  pin this channel to a model (backend name, alias, or
                backend/model); no argument returns to the default
  /models       list the models each configured backend reports`

// Run processes input until EOF or a read error. A cancelled context
// stops the loop at the next line boundary.
func (c *console) Run(ctx context.Context, input io.Reader) error {
	scanner := bufio.NewScanner(input)
	// Pasted transcripts and tool payloads can be long.
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var in inputLine
		if err := json.Unmarshal(line, &in); err != nil {
			c.logger.Warn("discarding malformed console line", "error", err)
			continue
		}
		c.handle(ctx, in)
	}
	return scanner.Err()
}

func (c *console) handle(ctx context.Context, in inputLine) {
	channel := in.Channel
	if channel == "" {
		channel = defaultChannel
	}
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return
	}
	if strings.HasPrefix(text, "/") {
		c.command(ctx, channel, text)
		return
	}
	if err := c.engine.HandleMessage(ctx, channel, in.Text); err != nil {
		// The engine already delivered a failure notice to the channel.
		c.logger.Warn("turn failed", "channel", channel, "error", err)
	}
}

func (c *console) command(ctx context.Context, channel, text string) {
	fields := strings.Fields(text)
	switch fields[0] {
	case "/help":
		c.reply(ctx, channel, helpText)
	case "/model":
		ref := ""
		if len(fields) > 1 {
			ref = fields[1]
		}
		selected, err := c.engine.SwitchModel(ctx, channel, ref)
		if err != nil {
			c.reply(ctx, channel, fmt.Sprintf("Cannot switch model: %v", err))
			return
		}
		c.reply(ctx, channel, fmt.Sprintf("Model set to %s.", selected))
	case "/models":
		c.reply(ctx, channel, c.listModels(ctx))
	default:
		c.reply(ctx, channel, fmt.Sprintf("Unknown command %s. Commands: /help, /model, /models.", fields[0]))
	}
}

// listModels queries every backend for its model inventory. Failures
// are reported per backend so one unreachable provider does not hide
// the others.
func (c *console) listModels(ctx context.Context) string {
	ctx, cancel := context.WithTimeout(ctx, listModelsTimeout)
	defer cancel()

	defaultName := c.registry.Default().Name()
	var b strings.Builder
	for _, handle := range c.registry.Backends() {
		fmt.Fprintf(&b, "%s [%s]", handle.Name(), handle.Protocol())
		if handle.Name() == defaultName {
			b.WriteString(" (default)")
		}
		b.WriteString("\n")

		models, err := handle.Provider().ListModels(ctx)
		if err != nil {
			fmt.Fprintf(&b, "  error: %v\n", err)
			continue
		}
		if len(models) == 0 {
			b.WriteString("  no models reported\n")
			continue
		}
		for _, model := range models {
			if model.DisplayName != "" && model.DisplayName != model.ID {
				fmt.Fprintf(&b, "  %s (%s)\n", model.ID, model.DisplayName)
			} else {
				fmt.Fprintf(&b, "  %s\n", model.ID)
			}
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func (c *console) reply(ctx context.Context, channel, text string) {
	if err := c.events.Deliver(ctx, channel, text); err != nil {
		c.logger.Error("console reply not delivered", "channel", channel, "error", err)
	}
}
