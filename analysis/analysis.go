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

// Package analysis composes the history-aware incident write-up and
// appends it to the event log. Analyses are additive: regeneration
// appends a new event and never rewrites an old one.
package analysis

import (
	"context"
	"encoding/json"

	agerr "agentic-sre/errors"
	"agentic-sre/engine"
	"agentic-sre/llm"
	"agentic-sre/logger"
	"agentic-sre/store"
)

// Composer writes analysis events.
type Composer struct {
	store       *store.Store
	analyst     llm.Analyst
	clusterName string
}

// New builds a composer.
func New(s *store.Store, analyst llm.Analyst, clusterName string) *Composer {
	return &Composer{store: s, analyst: analyst, clusterName: clusterName}
}

// Compose generates the analysis for a just-finished workflow and
// appends it to the incident's event log, returning the event id.
func (c *Composer) Compose(ctx context.Context, inc *store.Incident, st *engine.State, annotations map[string]string) (int64, error) {
	stateMap, err := stateToMap(st)
	if err != nil {
		return 0, err
	}
	return c.compose(ctx, inc, st.RunbookID, st.Labels, annotations, stateMap, false)
}

// Regenerate rebuilds the alert context and final state from stored
// events and appends a fresh analysis with regenerated=true.
func (c *Composer) Regenerate(ctx context.Context, incidentID int64) (int64, error) {
	inc, err := c.store.GetIncident(ctx, incidentID)
	if err != nil {
		return 0, err
	}
	if inc == nil {
		return 0, agerr.ValidationErrorf("regenerate", "incident %d not found", incidentID)
	}

	labels := map[string]string{}
	annotations := map[string]string{}
	if ev, err := c.store.LatestEventByType(ctx, incidentID, store.EventWebhookReceived); err == nil && ev != nil {
		if payload, err := ev.DecodePayload(); err == nil {
			labels = stringMap(payload["labels"])
			annotations = stringMap(payload["annotations"])
		}
	}

	stateMap := map[string]any{}
	runbookID := inc.RunbookID
	if ev, err := c.store.LatestEventByType(ctx, incidentID, store.EventFinal); err == nil && ev != nil {
		if payload, err := ev.DecodePayload(); err == nil {
			if m, ok := payload["state"].(map[string]any); ok {
				stateMap = m
			}
			if id, ok := payload["runbook_id"].(string); ok && id != "" {
				runbookID = id
			}
		}
	}

	return c.compose(ctx, inc, runbookID, labels, annotations, stateMap, true)
}

func (c *Composer) compose(ctx context.Context, inc *store.Incident, runbookID string, labels, annotations map[string]string, stateMap map[string]any, regenerated bool) (int64, error) {
	similar, err := c.store.QuerySimilar(ctx, inc.ID, inc.Alertname, inc.Namespace, inc.Pod, labels["node"])
	if err != nil {
		// History is enriching, not load-bearing.
		logger.Warn("similar incident lookup failed incident_id=%d error=%v", inc.ID, err)
		similar = nil
	}

	req := llm.AnalysisRequest{
		ClusterName: c.clusterName,
		Mode:        inc.AgentMode,
		RunbookID:   runbookID,
		Labels:      labels,
		Annotations: annotations,
		History:     toHistory(similar),
	}
	if mode, ok := stateMap["mode"].(string); ok && mode != "" {
		req.Mode = mode
	}
	if steps, ok := stateMap["steps"].([]any); ok {
		for _, s := range steps {
			if m, ok := s.(map[string]any); ok {
				req.Steps = append(req.Steps, m)
			}
		}
	}
	if results, ok := stateMap["tool_results"].(map[string]any); ok {
		req.ToolResults = results
	}
	req.ActionTaken, _ = stateMap["action_taken"].(string)
	req.ActionRecommended, _ = stateMap["action_recommended"].(string)
	req.ActionError, _ = stateMap["action_error"].(string)

	markdown, err := c.analyst.GenerateAnalysis(ctx, req)
	if err != nil {
		return 0, err
	}

	eventID, err := c.store.AppendEvent(ctx, inc.ID, store.EventAnalysis, map[string]any{
		"analysis_markdown": markdown,
		"runbook_id":        runbookID,
		"regenerated":       regenerated,
	})
	if err != nil {
		return 0, err
	}
	logger.Info("analysis appended incident_id=%d event_id=%d regenerated=%v", inc.ID, eventID, regenerated)
	return eventID, nil
}

// stateToMap normalizes the engine state through JSON so composed and
// regenerated analyses read the same shape.
func stateToMap(st *engine.State) (map[string]any, error) {
	raw, err := json.Marshal(st)
	if err != nil {
		return nil, agerr.LLMError("stateToMap", err)
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, agerr.LLMError("stateToMap", err)
	}
	return out, nil
}

func toHistory(similar []store.SimilarIncident) []llm.PastIncident {
	out := make([]llm.PastIncident, 0, len(similar))
	for _, s := range similar {
		out = append(out, llm.PastIncident{
			Fingerprint:       s.Fingerprint,
			AlertName:         s.Alertname,
			Namespace:         s.Namespace,
			Pod:               s.Pod,
			Count:             s.Occurrences,
			LastSeen:          s.UpdatedAt,
			ActionTaken:       s.ActionTaken,
			ActionRecommended: s.ActionRecommended,
			ActionError:       s.ActionError,
		})
	}
	return out
}

func stringMap(v any) map[string]string {
	out := map[string]string{}
	m, ok := v.(map[string]any)
	if !ok {
		return out
	}
	for k, val := range m {
		if s, ok := val.(string); ok {
			out[k] = s
		}
	}
	return out
}
