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

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	agerr "agentic-sre/errors"
	"agentic-sre/logger"
)

// Client implements Adjudicator and Analyst over an OpenAI-compatible
// chat model.
type Client struct {
	model   llms.Model
	name    string
	timeout time.Duration
}

// NewOpenAI builds a client for the configured model.
func NewOpenAI(apiKey, model string, timeout time.Duration) (*Client, error) {
	m, err := openai.New(openai.WithToken(apiKey), openai.WithModel(model))
	if err != nil {
		return nil, agerr.LLMError("newOpenAI", err)
	}
	return &Client{model: m, name: model, timeout: timeout}, nil
}

// NewWithModel wraps an existing model, used by tests.
func NewWithModel(m llms.Model, timeout time.Duration) *Client {
	return &Client{model: m, name: "custom", timeout: timeout}
}

func (c *Client) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

const decideSystemPrompt = `You adjudicate tool calls for an autonomous Kubernetes remediation agent.
You are given one runbook step, the alert labels, and the results of prior steps.
Call exactly one tool. Call the expected tool with arguments derived from the
alert labels and prior results unless the evidence makes it clearly wrong for
this incident, in which case call noop and explain in the reason argument.
Never invent namespaces, pod names, node names, or images: use only values
present in the provided context.`

// DecideToolCall asks the model to pick and parameterize one tool call
// for a runbook step. The tool set always includes noop.
func (c *Client) DecideToolCall(ctx context.Context, req DecideRequest) (ToolCall, error) {
	ctx, cancel := c.withDeadline(ctx)
	defer cancel()

	payload, err := json.Marshal(map[string]any{
		"runbook_id":         req.RunbookID,
		"action_id":          req.ActionID,
		"expected_tool":      req.ExpectedTool,
		"mode":               req.Mode,
		"alert_labels":       req.AlertLabels,
		"prior_tool_results": req.PriorResults,
	})
	if err != nil {
		return ToolCall{}, agerr.LLMError("decideToolCall", err)
	}

	messages := []llms.MessageContent{
		{
			Role:  llms.ChatMessageTypeSystem,
			Parts: []llms.ContentPart{llms.TextContent{Text: decideSystemPrompt}},
		},
		{
			Role:  llms.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{llms.TextContent{Text: "Runbook step context:\n" + string(payload)}},
		},
	}

	resp, err := c.model.GenerateContent(ctx, messages,
		llms.WithTemperature(0),
		llms.WithTools(toolDefs(req.Tools)),
		llms.WithToolChoice("required"),
	)
	if err != nil {
		return ToolCall{}, agerr.LLMError("decideToolCall", err)
	}
	if len(resp.Choices) == 0 || len(resp.Choices[0].ToolCalls) == 0 {
		return ToolCall{}, agerr.LLMError("decideToolCall", fmt.Errorf("model returned no tool call"))
	}

	tc := resp.Choices[0].ToolCalls[0]
	if tc.FunctionCall == nil {
		return ToolCall{}, agerr.LLMError("decideToolCall", fmt.Errorf("tool call without function payload"))
	}

	args := map[string]any{}
	if raw := tc.FunctionCall.Arguments; raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return ToolCall{}, agerr.LLMError("decideToolCall",
				fmt.Errorf("unparseable arguments for %s: %w", tc.FunctionCall.Name, err))
		}
	}
	reason, _ := args["reason"].(string)
	logger.Debug("llm decided tool=%s expected=%s action_id=%s", tc.FunctionCall.Name, req.ExpectedTool, req.ActionID)
	return ToolCall{Name: tc.FunctionCall.Name, Args: args, Reason: reason}, nil
}

// toolDefs converts registry schemas to the wire tool format, always
// appending noop.
func toolDefs(specs []ToolSpec) []llms.Tool {
	out := make([]llms.Tool, 0, len(specs)+1)
	for _, s := range specs {
		out = append(out, llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        s.Name,
				Description: s.Description,
				Parameters:  s.Parameters,
			},
		})
	}
	out = append(out, llms.Tool{
		Type: "function",
		Function: &llms.FunctionDefinition{
			Name:        NoopTool,
			Description: "Decline this step: the expected tool is wrong for the collected evidence.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"reason": map[string]any{"type": "string"},
				},
				"required":             []string{"reason"},
				"additionalProperties": false,
			},
		},
	})
	return out
}

const analysisSystemPrompt = `You are a senior SRE writing the post-hoc analysis of one automated
remediation run. Write concise GitHub-flavored markdown with exactly these sections:

## Summary
## What happened (evidence)
## Root cause hypothesis
## Action taken
## Why that action
## Historical pattern & SRE recommendation
## Follow-ups

Rules: ground every claim in the provided data, quote tool evidence rather than
inventing it, and keep each section short. If no action was executed, title the
fourth section "## Action recommended" instead and describe the proposed change.`

const historyPresentInstruction = `Past occurrences of similar incidents are provided. In
"Historical pattern & SRE recommendation", describe the recurrence pattern
(how often, same workload or spread) and recommend what an SRE should change
to stop the recurrence.`

const historyAbsentInstruction = `No similar past incidents are on record. In
"Historical pattern & SRE recommendation", state that this is the first
occurrence on record and what to watch for.`

// GenerateAnalysis writes the incident analysis markdown.
func (c *Client) GenerateAnalysis(ctx context.Context, req AnalysisRequest) (string, error) {
	ctx, cancel := c.withDeadline(ctx)
	defer cancel()

	payload, err := json.Marshal(map[string]any{
		"cluster":            req.ClusterName,
		"mode":               req.Mode,
		"runbook_id":         req.RunbookID,
		"alert_labels":       req.Labels,
		"alert_annotations":  req.Annotations,
		"workflow_steps":     req.Steps,
		"tool_results":       req.ToolResults,
		"action_taken":       req.ActionTaken,
		"action_recommended": req.ActionRecommended,
		"action_error":       req.ActionError,
		"past_incidents":     req.History,
	})
	if err != nil {
		return "", agerr.LLMError("generateAnalysis", err)
	}

	instruction := historyAbsentInstruction
	if len(req.History) > 0 {
		instruction = historyPresentInstruction
	}

	messages := []llms.MessageContent{
		{
			Role:  llms.ChatMessageTypeSystem,
			Parts: []llms.ContentPart{llms.TextContent{Text: analysisSystemPrompt + "\n\n" + instruction}},
		},
		{
			Role:  llms.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{llms.TextContent{Text: "Incident data:\n" + string(payload)}},
		},
	}

	resp, err := c.model.GenerateContent(ctx, messages, llms.WithTemperature(0))
	if err != nil {
		return "", agerr.LLMError("generateAnalysis", err)
	}
	if len(resp.Choices) == 0 {
		return "", agerr.LLMError("generateAnalysis", fmt.Errorf("empty response from model"))
	}
	text := strings.TrimSpace(resp.Choices[0].Content)
	if text == "" {
		return "", agerr.LLMError("generateAnalysis", fmt.Errorf("model returned empty analysis"))
	}
	logger.Debug("llm analysis generated runbook_id=%s chars=%d", req.RunbookID, len(text))
	return text, nil
}
