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

// Package processor is the webhook ingestion path: it deduplicates
// alerts by fingerprint, serializes workflows per fingerprint with
// Postgres advisory locks, and drives the engine and analysis composer.
package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"agentic-sre/alert"
	"agentic-sre/analysis"
	"agentic-sre/engine"
	"agentic-sre/logger"
	"agentic-sre/metrics"
	"agentic-sre/router"
	"agentic-sre/runbook"
	"agentic-sre/store"
)

const unlockTimeout = 10 * time.Second

// Processor handles one webhook batch at a time per alert fingerprint.
type Processor struct {
	store       *store.Store
	books       *runbook.Set
	engine      *engine.Engine
	composer    *analysis.Composer
	mode        string
	clusterName string
}

// New wires the processor.
func New(s *store.Store, books *runbook.Set, e *engine.Engine, c *analysis.Composer, mode, clusterName string) *Processor {
	return &Processor{store: s, books: books, engine: e, composer: c, mode: mode, clusterName: clusterName}
}

// Process fans the batch's alerts out concurrently and returns how many
// were processed. The first per-alert error is returned so the API can
// signal Alertmanager to redeliver.
func (p *Processor) Process(ctx context.Context, w *alert.Webhook) (int, error) {
	metrics.RecordWebhook()

	var g errgroup.Group
	g.SetLimit(8)
	for i := range w.Alerts {
		a := &w.Alerts[i]
		g.Go(func() error {
			return p.processAlert(ctx, w, a)
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return len(w.Alerts), nil
}

func (p *Processor) processAlert(ctx context.Context, w *alert.Webhook, a *alert.Alert) error {
	labels := alert.MergedLabels(w, a)
	fp := alert.FingerprintFor(w, a, labels)
	alertname := alert.Label(labels, "alertname", "unknown")
	namespace := labels["namespace"]
	pod := labels["pod"]

	summary := fmt.Sprintf("Alert: %s | Namespace: %s | Pod: %s", alertname, namespace, pod)
	inc, err := p.store.UpsertIncident(ctx, fp, alertname, namespace, pod,
		labels["severity"], p.mode, summary)
	if err != nil {
		return err
	}
	metrics.RecordAlertProcessed()

	if _, err := p.store.AppendEvent(ctx, inc.ID, store.EventWebhookReceived, map[string]any{
		"cluster":        p.clusterName,
		"alert_status":   a.Status,
		"webhook_status": w.Status,
		"labels":         labels,
		"annotations":    a.Annotations,
		"startsAt":       a.StartsAt,
		"endsAt":         a.EndsAt,
		"fingerprint":    fp,
	}); err != nil {
		return err
	}

	sess, err := p.store.AcquireSession(ctx)
	if err != nil {
		return err
	}
	key := store.LockKey(fp)

	locked, err := sess.TryLock(ctx, key)
	if err != nil {
		sess.Release()
		return err
	}
	if !locked {
		sess.Release()
		metrics.RecordAlertSuppressed()
		logger.Info("alert suppressed fingerprint=%s reason=lock_busy", fp)
		_, err := p.store.AppendEvent(ctx, inc.ID, store.EventSuppressed, map[string]any{
			"reason":      "lock_busy",
			"fingerprint": fp,
		})
		return err
	}

	// The unlock must survive request cancellation or the fingerprint
	// stays locked for the life of the pooled connection.
	defer func() {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), unlockTimeout)
		defer cancel()
		if err := sess.Unlock(dctx, key); err != nil {
			logger.Error("advisory unlock failed fingerprint=%s error=%v", fp, err)
		}
		if err := sess.Release(); err != nil {
			logger.Error("session release failed fingerprint=%s error=%v", fp, err)
		}
	}()

	runbookID := router.Route(labels)
	rb, ok := p.books.Get(runbookID)
	if runbookID == router.RBUnknown || !ok {
		logger.Info("no runbook for alert fingerprint=%s alertname=%s", fp, alertname)
		_, err := p.store.AppendEvent(ctx, inc.ID, store.EventFinal, map[string]any{
			"runbook_id": runbookID,
			"reason":     "no_runbook_matched",
		})
		return err
	}

	runID := uuid.NewString()
	logger.Info("workflow starting run_id=%s runbook_id=%s fingerprint=%s mode=%s", runID, rb.ID, fp, p.mode)

	started := time.Now()
	st := p.engine.Run(ctx, rb, labels, p.mode)
	metrics.RecordWorkflow(rb.ID, outcome(st), time.Since(started))
	logger.Info("workflow finished run_id=%s runbook_id=%s outcome=%s elapsed=%s", runID, rb.ID, outcome(st), time.Since(started))

	// Persist results even when the request was cancelled mid-workflow.
	pctx := context.WithoutCancel(ctx)
	if err := p.store.SetRunbook(pctx, inc.ID, rb.ID); err != nil {
		return err
	}
	if _, err := p.store.AppendEvent(pctx, inc.ID, store.EventFinal, map[string]any{
		"runbook_id": rb.ID,
		"run_id":     runID,
		"state":      st,
	}); err != nil {
		return err
	}

	inc.RunbookID = rb.ID
	if _, err := p.composer.Compose(pctx, inc, st, a.Annotations); err != nil {
		// Analysis is best effort; the workflow outcome is already durable.
		logger.Warn("analysis failed incident_id=%d error=%v", inc.ID, err)
	}
	return nil
}

func outcome(st *engine.State) string {
	switch {
	case st.ActionError != "":
		return "action_error"
	case st.ActionTaken != "":
		return "action_taken"
	case st.ActionRecommended != "":
		return "action_recommended"
	}
	return "noop"
}
