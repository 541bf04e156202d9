// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package context

import (
	"context"
	"testing"

	"github.com/bureau-foundation/aide/lib/llm"
)

func TestBudget_EffectiveQuota(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		quota    float64
		expected float64
	}{
		{"zero defaults", 0, 0.85},
		{"in range", 0.7, 0.7},
		{"below minimum clamps", 0.2, 0.5},
		{"above maximum clamps", 0.99, 0.95},
		{"exact minimum", 0.5, 0.5},
		{"exact maximum", 0.95, 0.95},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			budget := Budget{ContextWindow: 100_000, Quota: test.quota}
			if got := budget.EffectiveQuota(); got != test.expected {
				t.Errorf("EffectiveQuota() = %v, want %v", got, test.expected)
			}
		})
	}
}

func TestBudget_RequestBudget(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		budget   Budget
		expected int
	}{
		{
			name:     "default quota",
			budget:   Budget{ContextWindow: 8000},
			expected: 6800, // 8000 × 0.85
		},
		{
			name:     "explicit quota",
			budget:   Budget{ContextWindow: 128_000, Quota: 0.75},
			expected: 96_000,
		},
		{
			name:     "clamped quota",
			budget:   Budget{ContextWindow: 10_000, Quota: 0.1},
			expected: 5_000, // quota clamps to 0.5
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			if got := test.budget.RequestBudget(); got != test.expected {
				t.Errorf("RequestBudget() = %d, want %d", got, test.expected)
			}
		})
	}
}

func TestBudget_RecentTarget(t *testing.T) {
	t.Parallel()

	budget := Budget{ContextWindow: 8000}
	if got := budget.RecentTarget(); got != 1200 {
		t.Errorf("RecentTarget() = %d, want 1200 (15%% of 8000)", got)
	}

	budget = Budget{ContextWindow: 200_000, Quota: 0.9}
	// The recent target depends only on the window, not the quota.
	if got := budget.RecentTarget(); got != 30_000 {
		t.Errorf("RecentTarget() = %d, want 30000", got)
	}
}

func TestUnbounded_ReturnsAllMessages(t *testing.T) {
	t.Parallel()

	manager := &Unbounded{}
	manager.Append(llm.UserMessage("hello"))
	manager.Append(llm.AssistantMessage("hi"))
	manager.Append(llm.UserMessage("how are you"))

	messages, err := manager.Messages(context.Background())
	if err != nil {
		t.Fatalf("Messages() error: %v", err)
	}
	if len(messages) != 3 {
		t.Fatalf("Messages() returned %d messages, want 3", len(messages))
	}
	if messages[0].Content[0].Text != "hello" {
		t.Errorf("messages[0] text = %q, want %q", messages[0].Content[0].Text, "hello")
	}
	if messages[2].Content[0].Text != "how are you" {
		t.Errorf("messages[2] text = %q, want %q", messages[2].Content[0].Text, "how are you")
	}
}

func TestUnbounded_EmptyReturnsNil(t *testing.T) {
	t.Parallel()

	manager := &Unbounded{}
	messages, err := manager.Messages(context.Background())
	if err != nil {
		t.Fatalf("Messages() error: %v", err)
	}
	if messages != nil {
		t.Errorf("Messages() = %v, want nil", messages)
	}
}

func TestUnbounded_RecordUsageIsNoOp(t *testing.T) {
	t.Parallel()

	manager := &Unbounded{}
	// Should not panic.
	manager.RecordUsage(llm.Usage{InputTokens: 1000})
}
