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

// Package llm adjudicates workflow tool calls and composes incident
// analyses. The model never executes anything itself: it only proposes
// a tool call that the engine validates against the runbook step, and
// it writes prose over data the agent has already collected.
package llm

import (
	"context"
	"time"
)

// NoopTool is the pseudo-tool offered alongside the registry so the
// model can decline a step instead of forcing a bad call.
const NoopTool = "noop"

// ToolSpec is the schema handed to the model for one callable tool.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolCall is the model's proposed invocation.
type ToolCall struct {
	Name   string
	Args   map[string]any
	Reason string
}

// DecideRequest carries the workflow step context for adjudication.
type DecideRequest struct {
	RunbookID    string
	ActionID     string
	ExpectedTool string
	Mode         string
	AlertLabels  map[string]string
	PriorResults map[string]any
	Tools        []ToolSpec
}

// Adjudicator proposes one tool call for a runbook step.
type Adjudicator interface {
	DecideToolCall(ctx context.Context, req DecideRequest) (ToolCall, error)
}

// PastIncident is a condensed prior occurrence used for the history
// section of an analysis.
type PastIncident struct {
	Fingerprint       string    `json:"fingerprint"`
	AlertName         string    `json:"alertname"`
	Namespace         string    `json:"namespace,omitempty"`
	Pod               string    `json:"pod,omitempty"`
	Node              string    `json:"node,omitempty"`
	Count             int       `json:"count"`
	LastSeen          time.Time `json:"last_seen"`
	ActionTaken       string    `json:"action_taken,omitempty"`
	ActionRecommended string    `json:"action_recommended,omitempty"`
	ActionError       string    `json:"action_error,omitempty"`
}

// AnalysisRequest carries everything the analyst may write about.
type AnalysisRequest struct {
	ClusterName       string
	Mode              string
	RunbookID         string
	Labels            map[string]string
	Annotations       map[string]string
	Steps             []map[string]any
	ToolResults       map[string]any
	ActionTaken       string
	ActionRecommended string
	ActionError       string
	History           []PastIncident
}

// Analyst writes the incident analysis markdown.
type Analyst interface {
	GenerateAnalysis(ctx context.Context, req AnalysisRequest) (string, error)
}
