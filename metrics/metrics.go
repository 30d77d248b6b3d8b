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

// Package metrics exposes the agent's Prometheus instrumentation.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	webhooksReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agent_webhooks_received_total",
		Help: "Alertmanager webhook deliveries accepted.",
	})

	alertsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agent_alerts_processed_total",
		Help: "Individual alerts processed out of webhook batches.",
	})

	alertsSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agent_alerts_suppressed_total",
		Help: "Alerts suppressed because the fingerprint lock was busy.",
	})

	workflows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_workflows_total",
		Help: "Workflow runs by runbook and outcome.",
	}, []string{"runbook_id", "outcome"})

	workflowDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agent_workflow_duration_seconds",
		Help:    "End-to-end workflow execution time.",
		Buckets: prometheus.DefBuckets,
	}, []string{"runbook_id"})

	toolExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_tool_executions_total",
		Help: "Tool invocations by name and success.",
	}, []string{"tool", "ok"})

	llmCalls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agent_llm_calls_total",
		Help: "LLM adjudication and analysis round trips.",
	})

	llmOverrides = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agent_llm_overrides_total",
		Help: "LLM tool choices overridden by identity enforcement.",
	})

	llmFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agent_llm_failures_total",
		Help: "Failed LLM round trips.",
	})
)

// Handler serves the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

func RecordWebhook()         { webhooksReceived.Inc() }
func RecordAlertProcessed()  { alertsProcessed.Inc() }
func RecordAlertSuppressed() { alertsSuppressed.Inc() }

// RecordWorkflow counts a finished run; outcome is one of action_taken,
// action_recommended, action_error, or noop.
func RecordWorkflow(runbookID, outcome string, elapsed time.Duration) {
	workflows.WithLabelValues(runbookID, outcome).Inc()
	workflowDuration.WithLabelValues(runbookID).Observe(elapsed.Seconds())
}

func RecordToolExecution(tool string, ok bool) {
	toolExecutions.WithLabelValues(tool, strconv.FormatBool(ok)).Inc()
}

func RecordLLMCall()     { llmCalls.Inc() }
func RecordLLMOverride() { llmOverrides.Inc() }
func RecordLLMFailure()  { llmFailures.Inc() }
