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

package analysis

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentic-sre/engine"
	"agentic-sre/llm"
	"agentic-sre/store"
)

type fakeAnalyst struct {
	markdown string
	lastReq  llm.AnalysisRequest
	err      error
}

func (f *fakeAnalyst) GenerateAnalysis(_ context.Context, req llm.AnalysisRequest) (string, error) {
	f.lastReq = req
	return f.markdown, f.err
}

func newComposer(t *testing.T, analyst llm.Analyst) (*Composer, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s := store.NewWithDB(sqlx.NewDb(db, "sqlmock"), time.Second)
	return New(s, analyst, "prod-1"), mock
}

func similarColumns() []string {
	return []string{
		"id", "created_at", "updated_at", "fingerprint", "alertname",
		"namespace", "pod", "severity", "runbook_id", "status", "agent_mode", "summary",
		"occurrences", "action_taken", "action_recommended", "action_error",
	}
}

func TestCompose(t *testing.T) {
	analyst := &fakeAnalyst{markdown: "## Summary\nOOM fixed."}
	c, mock := newComposer(t, analyst)

	now := time.Now()
	mock.ExpectQuery("from incidents i").
		WithArgs(int64(7), "KubePodOOMKilled", "demo", "app-x", "").
		WillReturnRows(sqlmock.NewRows(similarColumns()).
			AddRow(3, now, now, "fp-old", "KubePodOOMKilled", "demo", "app-x", "", "RB_OOM",
				"open", "auto", "", 2, "patch_memory_limit:demo/app-deployment/app:128Mi→256Mi", "", ""))
	mock.ExpectQuery("insert into incident_events").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(55))

	inc := &store.Incident{ID: 7, Alertname: "KubePodOOMKilled", Namespace: "demo", Pod: "app-x", AgentMode: "auto"}
	st := &engine.State{
		RunbookID:   "RB_OOM",
		Mode:        "auto",
		Labels:      map[string]string{"alertname": "KubePodOOMKilled", "namespace": "demo", "pod": "app-x"},
		ActionTaken: "patch_memory_limit:demo/app-deployment/app:512Mi→1Gi",
	}

	eventID, err := c.Compose(context.Background(), inc, st, map[string]string{"summary": "pod OOM"})
	require.NoError(t, err)
	assert.Equal(t, int64(55), eventID)

	require.Len(t, analyst.lastReq.History, 1)
	assert.Equal(t, 2, analyst.lastReq.History[0].Count)
	assert.Equal(t, "patch_memory_limit:demo/app-deployment/app:512Mi→1Gi", analyst.lastReq.ActionTaken)
	assert.Equal(t, "RB_OOM", analyst.lastReq.RunbookID)
	assert.Equal(t, "prod-1", analyst.lastReq.ClusterName)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestComposeSurvivesSimilarLookupFailure(t *testing.T) {
	analyst := &fakeAnalyst{markdown: "## Summary\nFirst occurrence."}
	c, mock := newComposer(t, analyst)

	mock.ExpectQuery("from incidents i").
		WillReturnError(assert.AnError)
	mock.ExpectQuery("insert into incident_events").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(56))

	inc := &store.Incident{ID: 7, Alertname: "KubePodOOMKilled"}
	st := &engine.State{RunbookID: "RB_OOM", Mode: "recommend", Labels: map[string]string{}}

	eventID, err := c.Compose(context.Background(), inc, st, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(56), eventID)
	assert.Empty(t, analyst.lastReq.History)
}

func TestRegenerate(t *testing.T) {
	analyst := &fakeAnalyst{markdown: "## Summary\nRegenerated."}
	c, mock := newComposer(t, analyst)

	now := time.Now()
	mock.ExpectQuery("select (.+) from incidents where id").
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "created_at", "updated_at", "fingerprint", "alertname",
			"namespace", "pod", "severity", "runbook_id", "status", "agent_mode", "summary",
		}).AddRow(7, now, now, "fp-1", "KubePodOOMKilled", "demo", "app-x", "", "RB_OOM", "open", "auto", ""))

	eventCols := []string{"id", "incident_id", "ts", "event_type", "payload"}
	mock.ExpectQuery("from incident_events where incident_id").
		WithArgs(int64(7), store.EventWebhookReceived).
		WillReturnRows(sqlmock.NewRows(eventCols).
			AddRow(1, 7, now, store.EventWebhookReceived,
				[]byte(`{"labels":{"alertname":"KubePodOOMKilled","node":"w1"},"annotations":{"summary":"oom"}}`)))
	mock.ExpectQuery("from incident_events where incident_id").
		WithArgs(int64(7), store.EventFinal).
		WillReturnRows(sqlmock.NewRows(eventCols).
			AddRow(2, 7, now, store.EventFinal,
				[]byte(`{"runbook_id":"RB_OOM","state":{"mode":"auto","action_taken":"patch_memory_limit:demo/app-deployment/app:128Mi→256Mi"}}`)))

	mock.ExpectQuery("from incidents i").
		WithArgs(int64(7), "KubePodOOMKilled", "demo", "app-x", "w1").
		WillReturnRows(sqlmock.NewRows(similarColumns()))
	mock.ExpectQuery("insert into incident_events").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(88))

	eventID, err := c.Regenerate(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, int64(88), eventID)
	assert.Equal(t, "patch_memory_limit:demo/app-deployment/app:128Mi→256Mi", analyst.lastReq.ActionTaken)
	assert.Equal(t, "w1", analyst.lastReq.Labels["node"])
	assert.Equal(t, "oom", analyst.lastReq.Annotations["summary"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRegenerateMissingIncident(t *testing.T) {
	c, mock := newComposer(t, &fakeAnalyst{})
	mock.ExpectQuery("select (.+) from incidents where id").
		WithArgs(int64(99)).
		WillReturnError(sqlmock.ErrCancelled)

	_, err := c.Regenerate(context.Background(), 99)
	assert.Error(t, err)
}
