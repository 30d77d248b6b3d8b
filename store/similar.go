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

	agerr "agentic-sre/errors"
)

// SimilarIncident is a past incident related to the one under analysis,
// with its outcome projected from the latest final event.
type SimilarIncident struct {
	Incident
	Occurrences       int    `db:"occurrences" json:"occurrences"`
	ActionTaken       string `db:"action_taken" json:"action_taken,omitempty"`
	ActionRecommended string `db:"action_recommended" json:"action_recommended,omitempty"`
	ActionError       string `db:"action_error" json:"action_error,omitempty"`
}

const querySimilarSQL = `
select i.id, i.created_at, i.updated_at, i.fingerprint,
	coalesce(i.alertname, '') as alertname,
	coalesce(i.namespace, '') as namespace,
	coalesce(i.pod, '') as pod,
	coalesce(i.severity, '') as severity,
	coalesce(i.runbook_id, '') as runbook_id,
	i.status, i.agent_mode,
	coalesce(i.summary, '') as summary,
	(select count(*) from incident_events e
	 where e.incident_id = i.id and e.event_type = 'webhook_received') as occurrences,
	coalesce(f.payload -> 'state' ->> 'action_taken', '') as action_taken,
	coalesce(f.payload -> 'state' ->> 'action_recommended', '') as action_recommended,
	coalesce(f.payload -> 'state' ->> 'action_error', '') as action_error
from incidents i
left join lateral (
	select payload from incident_events e
	where e.incident_id = i.id and e.event_type = 'final'
	order by e.ts desc, e.id desc limit 1
) f on true
where i.id <> $1
  and (
	($2 <> '' and i.alertname = $2)
	or ($3 <> '' and $4 <> '' and i.namespace = $3 and i.pod = $4)
	or ($5 <> '' and exists (
		select 1 from incident_events e
		where e.incident_id = i.id
		  and e.event_type = 'webhook_received'
		  and e.payload -> 'labels' ->> 'node' = $5))
  )
order by i.created_at desc
limit 50`

// QuerySimilar finds the most recent incidents sharing the alertname,
// the namespace/pod pair, or the node label, excluding the current one.
func (s *Store) QuerySimilar(ctx context.Context, excludeID int64, alertname, namespace, pod, node string) ([]SimilarIncident, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	var out []SimilarIncident
	err := s.db.SelectContext(ctx, &out, querySimilarSQL, excludeID, alertname, namespace, pod, node)
	if err != nil {
		return nil, agerr.DatabaseError("querySimilar", err)
	}
	return out, nil
}
