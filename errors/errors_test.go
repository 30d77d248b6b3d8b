// Copyright (C) 2025 agentic-sre contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package errors

import (
	"errors"
	"testing"
)

func TestAgentError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		category string
		op       string
		want     string
	}{
		{
			name:     "basic error",
			err:      New(CategoryValidation, "decodeWebhook", "alerts list is empty"),
			category: CategoryValidation,
			op:       "decodeWebhook",
			want:     "[validation] decodeWebhook: alerts list is empty: alerts list is empty",
		},
		{
			name:     "wrapped error",
			err:      Wrap(errors.New("connection refused"), CategoryCluster, "getPod", "failed to connect"),
			category: CategoryCluster,
			op:       "getPod",
			want:     "[cluster] getPod: failed to connect: connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %v, want %v", got, tt.want)
			}
			if !IsCategory(tt.err, tt.category) {
				t.Errorf("IsCategory(%v, %v) = false, want true", tt.err, tt.category)
			}
			if cat := GetCategory(tt.err); cat != tt.category {
				t.Errorf("GetCategory() = %v, want %v", cat, tt.category)
			}

			var agentErr *AgentError
			if !errors.As(tt.err, &agentErr) {
				t.Fatal("errors.As failed to extract AgentError")
			}
			if agentErr.Op != tt.op {
				t.Errorf("Op = %v, want %v", agentErr.Op, tt.op)
			}
		})
	}
}

func TestUnwrap(t *testing.T) {
	inner := errors.New("relation does not exist")
	wrapped := DatabaseError("upsertIncident", inner)
	if !errors.Is(wrapped, inner) {
		t.Error("wrapped error should match inner via errors.Is")
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(nil, CategoryTool, "deletePod", "") != nil {
		t.Error("Wrap(nil) should return nil")
	}
	if Wrapf(nil, CategoryTool, "deletePod", "pod %s", "x") != nil {
		t.Error("Wrapf(nil) should return nil")
	}
}

func TestIsMatchesCategoryAndOp(t *testing.T) {
	err := ToolError("cordonNode", errors.New("nodes \"w1\" not found"))

	if !errors.Is(err, &AgentError{Category: CategoryTool}) {
		t.Error("should match on category alone")
	}
	if !errors.Is(err, &AgentError{Category: CategoryTool, Op: "cordonNode"}) {
		t.Error("should match on category and op")
	}
	if errors.Is(err, &AgentError{Category: CategoryTool, Op: "drainNode"}) {
		t.Error("should not match a different op")
	}
	if errors.Is(err, &AgentError{Category: CategoryLLM}) {
		t.Error("should not match a different category")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"validation", ValidationError("decodeWebhook", "bad payload"), false},
		{"routing", RoutingError("route", "no runbook matched"), false},
		{"runbook", RunbookError("load", errors.New("bad front matter")), false},
		{"config", ConfigError("load", "DATABASE_URL is required"), false},
		{"cluster", ClusterError("patchDeployment", errors.New("timeout")), true},
		{"llm", LLMError("adjudicate", errors.New("429")), true},
		{"database", DatabaseError("appendEvent", errors.New("conn reset")), true},
		{"plain", errors.New("unknown"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}
