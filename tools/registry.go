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

// Package tools implements the closed set of diagnostic and mutating
// tools the workflow engine may dispatch. The registry is built once at
// startup and immutable afterwards; tools never panic outward and
// report failures through the result record.
package tools

import (
	"context"
	"fmt"
	"sort"

	"agentic-sre/kube"
	"agentic-sre/logger"
	"agentic-sre/metrics"
	"agentic-sre/runbook"
)

// Mode values mirrored from configuration.
const (
	ModeAuto      = "auto"
	ModeRecommend = "recommend"
)

// Result is the structured outcome of one tool invocation.
type Result struct {
	OK     bool           `json:"ok"`
	Fields map[string]any `json:"fields,omitempty"`
	Err    string         `json:"error,omitempty"`
}

// Ok builds a successful result.
func Ok(fields map[string]any) Result {
	return Result{OK: true, Fields: fields}
}

// Fail builds a failed result with a short machine-readable message.
func Fail(format string, args ...any) Result {
	return Result{OK: false, Err: fmt.Sprintf(format, args...)}
}

// Field returns a named result field, nil when absent.
func (r Result) Field(name string) any {
	if r.Fields == nil {
		return nil
	}
	return r.Fields[name]
}

// StringField returns a string result field, empty when absent.
func (r Result) StringField(name string) string {
	s, _ := r.Field(name).(string)
	return s
}

// BoolField returns a boolean result field, false when absent.
func (r Result) BoolField(name string) bool {
	b, _ := r.Field(name).(bool)
	return b
}

// Action returns the recorded action string for mutating tools.
func (r Result) Action() string { return r.StringField("action") }

// Mode returns the mode the tool ran under.
func (r Result) Mode() string { return r.StringField("mode") }

// Noop reports whether a mutating tool decided no change was needed.
func (r Result) Noop() bool { return r.BoolField("noop") }

// Tool is one registry entry. Parameters is the JSON schema handed to
// the LLM adjudicator.
type Tool struct {
	Name        string
	Alias       string
	Mutating    bool
	Description string
	Parameters  map[string]any
	Run         func(ctx context.Context, args map[string]any) Result
}

// RunbookSource resolves runbook metadata for get_runbook.
type RunbookSource interface {
	Get(id string) (*runbook.Runbook, bool)
}

// Registry is the closed tool set.
type Registry struct {
	kube     *kube.Client
	runbooks RunbookSource
	tools    map[string]*Tool
}

// ActionTools maps runbook action_ids to the tool that implements them.
// Runbook loading validates workflows against this table.
var ActionTools = map[string]string{
	"get_pod_events":         "get_pod_events",
	"check_imagepullbackoff": "check_imagepullbackoff",
	"check_oom":              "check_oom",
	"get_node_ready":         "get_node_ready",
	"get_node_conditions":    "get_node_conditions",
	"get_runbook":            "get_runbook",
	"patch_image":            "fix_imagepullbackoff",
	"increase_memory_limit":  "increase_memory_limit",
	"restart_pod":            "delete_pod",
	"delete_pod":             "delete_pod",
	"cordon_node":            "cordon_node",
	"uncordon_node":          "uncordon_node",
	"drain_node":             "drain_node",
}

// KnownActions returns the action_id set for runbook validation.
func KnownActions() map[string]bool {
	out := make(map[string]bool, len(ActionTools))
	for id := range ActionTools {
		out[id] = true
	}
	return out
}

// ExpectedTool returns the tool name an action_id resolves to.
func ExpectedTool(actionID string) (string, bool) {
	name, ok := ActionTools[actionID]
	return name, ok
}

// NewRegistry wires the tool set against a cluster client and the
// loaded runbook table.
func NewRegistry(k *kube.Client, runbooks RunbookSource) *Registry {
	r := &Registry{
		kube:     k,
		runbooks: runbooks,
		tools:    make(map[string]*Tool),
	}
	for _, t := range []*Tool{
		r.getPodEvents(),
		r.checkImagePullBackOff(),
		r.checkOOM(),
		r.getNodeReady(),
		r.getNodeConditions(),
		r.getRunbook(),
		r.fixImagePullBackOff(),
		r.increaseMemoryLimit(),
		r.deletePod(),
		r.cordonNode(),
		r.uncordonNode(),
		r.drainNode(),
	} {
		r.tools[t.Name] = t
	}
	return r
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (*Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names returns all tool names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// All returns every registered tool in name order.
func (r *Registry) All() []*Tool {
	out := make([]*Tool, 0, len(r.tools))
	for _, n := range r.Names() {
		out = append(out, r.tools[n])
	}
	return out
}

// Len reports the registry size.
func (r *Registry) Len() int {
	return len(r.tools)
}

// Run dispatches a tool by name, converting panics into failed results
// so a bad tool can never take down the webhook handler.
func (r *Registry) Run(ctx context.Context, name string, args map[string]any) (res Result) {
	t, ok := r.tools[name]
	if !ok {
		logger.Error("tool=%s ok=false error=unknown_tool", name)
		return Fail("unknown_tool:%s", name)
	}
	defer func() {
		if p := recover(); p != nil {
			logger.Error("tool=%s ok=false panic=%v", name, p)
			res = Fail("tool_panic:%v", p)
		}
		metrics.RecordToolExecution(name, res.OK)
	}()
	return t.Run(ctx, args)
}

// argString reads a string argument, falling back to def.
func argString(args map[string]any, key, def string) string {
	if v, ok := args[key]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return def
}

// argInt reads an integer argument, tolerating JSON float decoding.
func argInt(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case int:
		if v > 0 {
			return v
		}
	case float64:
		if v > 0 {
			return int(v)
		}
	}
	return def
}
