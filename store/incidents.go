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

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	agerr "agentic-sre/errors"
)

// Incident event types.
const (
	EventWebhookReceived = "webhook_received"
	EventSuppressed      = "suppressed"
	EventFinal           = "final"
	EventAnalysis        = "analysis"
)

// Incident statuses.
const (
	StatusOpen       = "open"
	StatusResolved   = "resolved"
	StatusSuppressed = "suppressed"
)

// Incident is one deduplicated alert identity.
type Incident struct {
	ID          int64     `db:"id" json:"id"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
	Fingerprint string    `db:"fingerprint" json:"fingerprint"`
	Alertname   string    `db:"alertname" json:"alertname"`
	Namespace   string    `db:"namespace" json:"namespace"`
	Pod         string    `db:"pod" json:"pod"`
	Severity    string    `db:"severity" json:"severity"`
	RunbookID   string    `db:"runbook_id" json:"runbook_id"`
	Status      string    `db:"status" json:"status"`
	AgentMode   string    `db:"agent_mode" json:"agent_mode"`
	Summary     string    `db:"summary" json:"summary"`
}

// IncidentEvent is one append-only log entry.
type IncidentEvent struct {
	ID         int64           `db:"id" json:"id"`
	IncidentID int64           `db:"incident_id" json:"incident_id"`
	TS         time.Time       `db:"ts" json:"ts"`
	EventType  string          `db:"event_type" json:"event_type"`
	Payload    json.RawMessage `db:"payload" json:"payload"`
}

// DecodePayload unmarshals the payload into a generic map.
func (e *IncidentEvent) DecodePayload() (map[string]any, error) {
	out := map[string]any{}
	if len(e.Payload) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(e.Payload, &out); err != nil {
		return nil, agerr.DatabaseError("decodePayload", err)
	}
	return out, nil
}

const incidentCols = `id, created_at, updated_at, fingerprint,
	coalesce(alertname, '') as alertname,
	coalesce(namespace, '') as namespace,
	coalesce(pod, '') as pod,
	coalesce(severity, '') as severity,
	coalesce(runbook_id, '') as runbook_id,
	status, agent_mode,
	coalesce(summary, '') as summary`

const upsertIncidentSQL = `
insert into incidents (fingerprint, alertname, namespace, pod, severity, agent_mode, summary)
values ($1, $2, $3, $4, $5, $6, $7)
on conflict (fingerprint) do update set
	alertname  = coalesce(nullif(excluded.alertname, ''), incidents.alertname),
	namespace  = coalesce(nullif(excluded.namespace, ''), incidents.namespace),
	pod        = coalesce(nullif(excluded.pod, ''), incidents.pod),
	severity   = coalesce(nullif(excluded.severity, ''), incidents.severity),
	agent_mode = excluded.agent_mode,
	summary    = coalesce(nullif(excluded.summary, ''), incidents.summary),
	status     = 'open',
	updated_at = now()
returning ` + incidentCols

// UpsertIncident inserts or refreshes the incident row keyed by
// fingerprint. Re-firing alerts reopen a resolved incident; identity
// fields only ever move from empty to set.
func (s *Store) UpsertIncident(ctx context.Context, fingerprint, alertname, namespace, pod, severity, agentMode, summary string) (*Incident, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	var inc Incident
	err := s.db.GetContext(ctx, &inc, upsertIncidentSQL,
		fingerprint, alertname, namespace, pod, severity, agentMode, summary)
	if err != nil {
		// The first write per alert also waits on the pool, so a
		// saturated pool here must map to 503 like AcquireSession.
		return nil, poolError("upsertIncident", err)
	}
	return &inc, nil
}

// SetRunbook records which runbook handled the incident.
func (s *Store) SetRunbook(ctx context.Context, incidentID int64, runbookID string) error {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`update incidents set runbook_id = $2, updated_at = now() where id = $1`,
		incidentID, runbookID)
	if err != nil {
		return agerr.DatabaseError("setRunbook", err)
	}
	return nil
}

// AppendEvent appends one event to the incident log and returns its id.
// Events are never updated or deleted.
func (s *Store) AppendEvent(ctx context.Context, incidentID int64, eventType string, payload map[string]any) (int64, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, agerr.DatabaseError("appendEvent", err)
	}
	var id int64
	err = s.db.GetContext(ctx, &id,
		`insert into incident_events (incident_id, event_type, payload) values ($1, $2, $3) returning id`,
		incidentID, eventType, raw)
	if err != nil {
		return 0, agerr.DatabaseError("appendEvent", err)
	}
	return id, nil
}

// ListIncidents pages incidents by recency and reports the total count.
func (s *Store) ListIncidents(ctx context.Context, limit, offset int) ([]Incident, int, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	var incidents []Incident
	err := s.db.SelectContext(ctx, &incidents,
		`select `+incidentCols+` from incidents order by updated_at desc limit $1 offset $2`,
		limit, offset)
	if err != nil {
		return nil, 0, agerr.DatabaseError("listIncidents", err)
	}
	var total int
	if err := s.db.GetContext(ctx, &total, `select count(*) from incidents`); err != nil {
		return nil, 0, agerr.DatabaseError("listIncidents", err)
	}
	return incidents, total, nil
}

// GetIncident fetches one incident by id; nil when absent.
func (s *Store) GetIncident(ctx context.Context, id int64) (*Incident, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	var inc Incident
	err := s.db.GetContext(ctx, &inc, `select `+incidentCols+` from incidents where id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, agerr.DatabaseError("getIncident", err)
	}
	return &inc, nil
}

// ListEvents returns the incident's events, newest first.
func (s *Store) ListEvents(ctx context.Context, incidentID int64, limit int) ([]IncidentEvent, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	if limit <= 0 {
		limit = 200
	}
	var events []IncidentEvent
	err := s.db.SelectContext(ctx, &events,
		`select id, incident_id, ts, event_type, payload
		 from incident_events where incident_id = $1
		 order by ts desc, id desc limit $2`,
		incidentID, limit)
	if err != nil {
		return nil, agerr.DatabaseError("listEvents", err)
	}
	return events, nil
}

// LatestEventByType returns the newest event of the given type, nil
// when the incident has none.
func (s *Store) LatestEventByType(ctx context.Context, incidentID int64, eventType string) (*IncidentEvent, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	var ev IncidentEvent
	err := s.db.GetContext(ctx, &ev,
		`select id, incident_id, ts, event_type, payload
		 from incident_events where incident_id = $1 and event_type = $2
		 order by ts desc, id desc limit 1`,
		incidentID, eventType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, agerr.DatabaseError("latestEventByType", err)
	}
	return &ev, nil
}
