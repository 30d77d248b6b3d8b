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

// Package runbook loads declarative runbook documents: a YAML front
// matter block (metadata plus an ordered, gated workflow) followed by a
// free-form markdown body. Runbooks are loaded once at startup and
// immutable afterwards.
package runbook

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	agerr "agentic-sre/errors"
	"agentic-sre/logger"
)

// Gate is a parsed `alias.field` precondition over earlier tool results.
type Gate struct {
	Alias string
	Field string
	Expr  string
}

// Step is one workflow entry. When and WhenAll are alternative gate
// forms; a step with neither always runs.
type Step struct {
	ActionID string
	When     *Gate
	WhenAll  []Gate
}

// Runbook is a fully parsed document.
type Runbook struct {
	ID            string
	AlertName     string
	Title         string
	Description   string
	FallbackImage string
	Workflow      []Step
	Body          string
}

// Set indexes runbooks by id.
type Set struct {
	byID map[string]*Runbook
}

var gateRe = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)\.([A-Za-z_][A-Za-z0-9_]*)$`)

// ParseGate parses an `alias.field` expression.
func ParseGate(expr string) (Gate, error) {
	m := gateRe.FindStringSubmatch(strings.TrimSpace(expr))
	if m == nil {
		return Gate{}, fmt.Errorf("invalid gate expression %q (want alias.field)", expr)
	}
	return Gate{Alias: m[1], Field: m[2], Expr: m[1] + "." + m[2]}, nil
}

type frontMatter struct {
	RunbookID     string     `yaml:"runbook_id"`
	AlertName     string     `yaml:"alertname"`
	Title         string     `yaml:"title"`
	Description   string     `yaml:"description"`
	FallbackImage string     `yaml:"fallback_image"`
	Workflow      []stepYAML `yaml:"workflow"`
}

type stepYAML struct {
	ActionID string   `yaml:"action_id"`
	When     string   `yaml:"when"`
	WhenAll  []string `yaml:"when_all"`
}

// Parse parses a single runbook document. knownActions is the closed
// action_id set the workflow may reference; an unknown action fails the
// parse so misconfigured runbooks never reach the engine.
func Parse(name string, content []byte, knownActions map[string]bool) (*Runbook, error) {
	text := string(content)
	if !strings.HasPrefix(text, "---\n") {
		return nil, fmt.Errorf("%s: missing front matter", name)
	}
	rest := text[len("---\n"):]
	end := strings.Index(rest, "\n---\n")
	if end < 0 {
		return nil, fmt.Errorf("%s: unterminated front matter", name)
	}
	head, body := rest[:end], rest[end+len("\n---\n"):]

	var fm frontMatter
	if err := yaml.Unmarshal([]byte(head), &fm); err != nil {
		return nil, fmt.Errorf("%s: front matter: %w", name, err)
	}
	if fm.RunbookID == "" {
		return nil, fmt.Errorf("%s: missing runbook_id", name)
	}

	rb := &Runbook{
		ID:            fm.RunbookID,
		AlertName:     fm.AlertName,
		Title:         fm.Title,
		Description:   fm.Description,
		FallbackImage: strings.TrimSpace(fm.FallbackImage),
		Body:          body,
	}

	for i, s := range fm.Workflow {
		actionID := strings.TrimSpace(s.ActionID)
		if actionID == "" {
			return nil, fmt.Errorf("%s: workflow step %d: missing action_id", name, i)
		}
		if !knownActions[actionID] {
			return nil, fmt.Errorf("%s: workflow step %d: unknown action_id %q", name, i, actionID)
		}
		step := Step{ActionID: actionID}
		if strings.TrimSpace(s.When) != "" {
			g, err := ParseGate(s.When)
			if err != nil {
				return nil, fmt.Errorf("%s: workflow step %d: %w", name, i, err)
			}
			step.When = &g
		}
		for _, expr := range s.WhenAll {
			g, err := ParseGate(expr)
			if err != nil {
				return nil, fmt.Errorf("%s: workflow step %d: %w", name, i, err)
			}
			step.WhenAll = append(step.WhenAll, g)
		}
		rb.Workflow = append(rb.Workflow, step)
	}

	return rb, nil
}

// LoadDir loads every RB_*.md document under dir. Any parse failure
// fails the whole load.
func LoadDir(dir string, knownActions map[string]bool) (*Set, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "RB_*.md"))
	if err != nil {
		return nil, agerr.RunbookError("loadDir", err)
	}
	if len(paths) == 0 {
		return nil, agerr.RunbookErrorf("loadDir", fmt.Errorf("no RB_*.md documents"), "dir %s", dir)
	}
	sort.Strings(paths)

	set := &Set{byID: make(map[string]*Runbook, len(paths))}
	for _, p := range paths {
		content, err := os.ReadFile(p)
		if err != nil {
			return nil, agerr.RunbookError("loadDir", err)
		}
		rb, err := Parse(filepath.Base(p), content, knownActions)
		if err != nil {
			return nil, agerr.RunbookError("loadDir", err)
		}
		if _, dup := set.byID[rb.ID]; dup {
			return nil, agerr.RunbookErrorf("loadDir", fmt.Errorf("duplicate runbook_id %s", rb.ID), "file %s", p)
		}
		set.byID[rb.ID] = rb
		logger.Info("runbook loaded id=%s alertname=%s steps=%d", rb.ID, rb.AlertName, len(rb.Workflow))
	}
	return set, nil
}

// NewSet assembles a set from already-parsed runbooks.
func NewSet(rbs ...*Runbook) (*Set, error) {
	set := &Set{byID: make(map[string]*Runbook, len(rbs))}
	for _, rb := range rbs {
		if _, dup := set.byID[rb.ID]; dup {
			return nil, fmt.Errorf("duplicate runbook_id %s", rb.ID)
		}
		set.byID[rb.ID] = rb
	}
	return set, nil
}

// Get returns the runbook for id.
func (s *Set) Get(id string) (*Runbook, bool) {
	rb, ok := s.byID[id]
	return rb, ok
}

// Len returns the number of loaded runbooks.
func (s *Set) Len() int {
	return len(s.byID)
}

// IDs returns the loaded runbook ids, sorted.
func (s *Set) IDs() []string {
	ids := make([]string, 0, len(s.byID))
	for id := range s.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
