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

// Package engine executes runbook workflows step by step: gates are
// evaluated over earlier tool results, the LLM adjudicates arguments,
// and tool identity is enforced against the runbook regardless of what
// the model answers.
package engine

import (
	"context"
	"fmt"

	"agentic-sre/llm"
	"agentic-sre/logger"
	"agentic-sre/metrics"
	"agentic-sre/runbook"
	"agentic-sre/tools"
)

// StepTrace records what happened to one workflow step.
type StepTrace struct {
	ActionID   string `json:"action_id"`
	Tool       string `json:"tool,omitempty"`
	Skipped    bool   `json:"skipped,omitempty"`
	SkipReason string `json:"skip_reason,omitempty"`
	OK         bool   `json:"ok"`
	Err        string `json:"error,omitempty"`
}

// LLMCall records one adjudication round trip.
type LLMCall struct {
	ActionID     string `json:"action_id"`
	ExpectedTool string `json:"expected_tool"`
	DecidedTool  string `json:"decided_tool,omitempty"`
	Reason       string `json:"reason,omitempty"`
	Override     bool   `json:"override,omitempty"`
	Err          string `json:"error,omitempty"`
}

// State is the full outcome of one workflow run. It is persisted
// verbatim into the incident's final event.
type State struct {
	RunbookID         string                  `json:"runbook_id"`
	Mode              string                  `json:"mode"`
	Labels            map[string]string       `json:"labels"`
	Steps             []StepTrace             `json:"steps"`
	ToolResults       map[string]tools.Result `json:"tool_results"`
	LLMTrace          []LLMCall               `json:"llm_trace,omitempty"`
	ActionTaken       string                  `json:"action_taken,omitempty"`
	ActionRecommended string                  `json:"action_recommended,omitempty"`
	ActionError       string                  `json:"action_error,omitempty"`
}

// Engine runs workflows against the tool registry.
type Engine struct {
	registry    *tools.Registry
	adjudicator llm.Adjudicator
}

// New builds an engine.
func New(registry *tools.Registry, adjudicator llm.Adjudicator) *Engine {
	return &Engine{registry: registry, adjudicator: adjudicator}
}

// Run executes the runbook workflow. Cancellation is honored between
// steps only: a tool that has started always runs to completion so the
// cluster is never left with a half-applied change unaccounted for.
func (e *Engine) Run(ctx context.Context, rb *runbook.Runbook, labels map[string]string, mode string) *State {
	st := &State{
		RunbookID:   rb.ID,
		Mode:        mode,
		Labels:      labels,
		ToolResults: make(map[string]tools.Result),
	}
	toolCtx := context.WithoutCancel(ctx)

	for _, step := range rb.Workflow {
		if ctx.Err() != nil {
			st.ActionError = "cancelled"
			st.Steps = append(st.Steps, StepTrace{ActionID: step.ActionID, Skipped: true, SkipReason: "cancelled"})
			logger.Warn("workflow cancelled runbook_id=%s at action_id=%s", rb.ID, step.ActionID)
			break
		}

		if reason, pass := e.gatesPass(st, step); !pass {
			st.Steps = append(st.Steps, StepTrace{ActionID: step.ActionID, Skipped: true, SkipReason: reason})
			logger.Info("step skipped runbook_id=%s action_id=%s reason=%q", rb.ID, step.ActionID, reason)
			continue
		}

		toolName, ok := tools.ExpectedTool(step.ActionID)
		if !ok {
			// LoadDir validates action ids, so this is a programming error.
			st.Steps = append(st.Steps, StepTrace{ActionID: step.ActionID, OK: false, Err: "unknown_action"})
			continue
		}
		tool, ok := e.registry.Get(toolName)
		if !ok {
			st.Steps = append(st.Steps, StepTrace{ActionID: step.ActionID, Tool: toolName, OK: false, Err: "unknown_tool"})
			continue
		}

		args := e.adjudicate(ctx, st, rb, step, tool)
		res := e.registry.Run(toolCtx, tool.Name, args)
		st.ToolResults[tool.Alias] = res
		st.Steps = append(st.Steps, StepTrace{ActionID: step.ActionID, Tool: tool.Name, OK: res.OK, Err: res.Err})

		if !res.OK {
			if tool.Mutating {
				st.ActionError = res.Err
			}
			logger.Warn("step failed runbook_id=%s action_id=%s tool=%s error=%s", rb.ID, step.ActionID, tool.Name, res.Err)
			continue
		}
		if !tool.Mutating {
			continue
		}
		if res.Noop() {
			st.ActionRecommended = res.StringField("reason")
			continue
		}
		if mode == tools.ModeAuto {
			st.ActionTaken = res.Action()
		} else {
			st.ActionRecommended = res.Action()
		}
	}

	logger.Info("workflow done runbook_id=%s mode=%s action_taken=%q action_recommended=%q action_error=%q",
		rb.ID, mode, st.ActionTaken, st.ActionRecommended, st.ActionError)
	return st
}

// gatesPass evaluates a step's gates over earlier tool results. A gate
// over an alias that has not produced a result yet is false.
func (e *Engine) gatesPass(st *State, step runbook.Step) (string, bool) {
	gates := step.WhenAll
	if step.When != nil {
		gates = append([]runbook.Gate{*step.When}, gates...)
	}
	for _, g := range gates {
		res, ok := st.ToolResults[g.Alias]
		if !ok || !truthy(res.Field(g.Field)) {
			return fmt.Sprintf("gate false: %s", g.Expr), false
		}
	}
	return "", true
}

// adjudicate asks the LLM for arguments and enforces tool identity: a
// mismatched or failed adjudication falls back to label-derived
// arguments for the runbook's expected tool.
func (e *Engine) adjudicate(ctx context.Context, st *State, rb *runbook.Runbook, step runbook.Step, tool *tools.Tool) map[string]any {
	call := LLMCall{ActionID: step.ActionID, ExpectedTool: tool.Name}

	specs := make([]llm.ToolSpec, 0, e.registry.Len())
	for _, t := range e.registry.All() {
		specs = append(specs, llm.ToolSpec{Name: t.Name, Description: t.Description, Parameters: t.Parameters})
	}
	prior := make(map[string]any, len(st.ToolResults))
	for alias, res := range st.ToolResults {
		prior[alias] = res
	}

	metrics.RecordLLMCall()
	decided, err := e.adjudicator.DecideToolCall(ctx, llm.DecideRequest{
		RunbookID:    rb.ID,
		ActionID:     step.ActionID,
		ExpectedTool: tool.Name,
		Mode:         st.Mode,
		AlertLabels:  st.Labels,
		PriorResults: prior,
		Tools:        specs,
	})

	switch {
	case err != nil:
		metrics.RecordLLMFailure()
		call.Err = err.Error()
		logger.Warn("llm adjudication failed action_id=%s error=%v, invoking expected tool directly", step.ActionID, err)
		st.LLMTrace = append(st.LLMTrace, call)
		return e.defaultArgs(rb, st, tool)
	case decided.Name != tool.Name:
		metrics.RecordLLMOverride()
		call.DecidedTool = decided.Name
		call.Reason = decided.Reason
		call.Override = true
		logger.Warn("llm proposed tool=%s expected=%s action_id=%s, overriding", decided.Name, tool.Name, step.ActionID)
		st.LLMTrace = append(st.LLMTrace, call)
		return e.defaultArgs(rb, st, tool)
	}

	call.DecidedTool = decided.Name
	call.Reason = decided.Reason
	st.LLMTrace = append(st.LLMTrace, call)

	// Model-supplied arguments win, but anything it leaves out is
	// defaulted from the alert labels so a terse adjudication still
	// yields a runnable call.
	args := e.defaultArgs(rb, st, tool)
	for k, v := range decided.Args {
		if v == nil || v == "" {
			continue
		}
		args[k] = v
	}
	// The run mode is never the model's to choose.
	args["mode"] = st.Mode
	return args
}

// defaultArgs derives tool arguments from alert labels alone, used when
// adjudication is unavailable or overridden.
func (e *Engine) defaultArgs(rb *runbook.Runbook, st *State, tool *tools.Tool) map[string]any {
	args := map[string]any{"mode": st.Mode}
	for _, key := range []string{"namespace", "pod", "container", "node"} {
		if v := st.Labels[key]; v != "" {
			args[key] = v
		}
	}
	switch tool.Name {
	case "get_runbook":
		args["runbook_id"] = rb.ID
	case "fix_imagepullbackoff":
		if rb.FallbackImage != "" {
			args["fallback_image"] = rb.FallbackImage
		}
	}
	return args
}

// truthy mirrors gate semantics: absent fields, false, zero, empty
// strings and empty collections all fail a gate.
func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case int:
		return x != 0
	case int64:
		return x != 0
	case float64:
		return x != 0
	case []any:
		return len(x) > 0
	case []string:
		return len(x) > 0
	case map[string]any:
		return len(x) > 0
	}
	return true
}
