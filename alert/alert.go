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

// Package alert models Alertmanager webhook payloads and the stable
// fingerprints used to deduplicate them.
package alert

import "fmt"

// Alert is a single firing (or resolved) alert inside a webhook batch.
type Alert struct {
	Status       string            `json:"status"`
	Labels       map[string]string `json:"labels"`
	Annotations  map[string]string `json:"annotations"`
	StartsAt     string            `json:"startsAt,omitempty"`
	EndsAt       string            `json:"endsAt,omitempty"`
	GeneratorURL string            `json:"generatorURL,omitempty"`
	Fingerprint  string            `json:"fingerprint,omitempty"`
}

// Webhook is the Alertmanager batch document posted to /alertmanager.
type Webhook struct {
	Receiver          string            `json:"receiver,omitempty"`
	Status            string            `json:"status"`
	Alerts            []Alert           `json:"alerts"`
	GroupLabels       map[string]string `json:"groupLabels,omitempty"`
	CommonLabels      map[string]string `json:"commonLabels,omitempty"`
	CommonAnnotations map[string]string `json:"commonAnnotations,omitempty"`
	ExternalURL       string            `json:"externalURL,omitempty"`
	Version           string            `json:"version,omitempty"`
	GroupKey          string            `json:"groupKey,omitempty"`
	TruncatedAlerts   int               `json:"truncatedAlerts,omitempty"`
}

// MergedLabels merges the batch commonLabels with the alert's own labels,
// alert labels winning.
func MergedLabels(w *Webhook, a *Alert) map[string]string {
	labels := make(map[string]string, len(w.CommonLabels)+len(a.Labels))
	for k, v := range w.CommonLabels {
		labels[k] = v
	}
	for k, v := range a.Labels {
		labels[k] = v
	}
	return labels
}

// FingerprintFor returns the dedup fingerprint for an alert. The upstream
// fingerprint wins; next the batch groupKey unless it is the degenerate
// grouping ("{}/{}" or "{}"); otherwise a composite of identity labels
// with empty segments preserved.
func FingerprintFor(w *Webhook, a *Alert, labels map[string]string) string {
	if a.Fingerprint != "" {
		return a.Fingerprint
	}
	if w.GroupKey != "" && w.GroupKey != "{}/{}" && w.GroupKey != "{}" {
		return w.GroupKey
	}

	alertname := labels["alertname"]
	if alertname == "" {
		alertname = "unknown"
	}
	return fmt.Sprintf("%s:%s:%s:%s", alertname, labels["namespace"], labels["pod"], labels["container"])
}

// Label returns labels[key], or def when the label is absent or empty.
func Label(labels map[string]string, key, def string) string {
	if v := labels[key]; v != "" {
		return v
	}
	return def
}
