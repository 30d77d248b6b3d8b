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

// Package router maps an alert to the runbook that handles it.
package router

import (
	"strings"

	"agentic-sre/logger"
)

// Runbook ids handled by the agent.
const (
	RBImagePull         = "RB_IMAGEPULL"
	RBOOM               = "RB_OOM"
	RBContainerCreating = "RB_CONTAINERCREATING"
	RBCrashLoop         = "RB_CRASHLOOP"
	RBNodeUnschedulable = "RB_NODE_UNSCHEDULABLE"
	RBNodeNotReady      = "RB_NODE_NOTREADY"
	RBUnknown           = "RB_UNKNOWN"
)

var known = map[string]bool{
	RBImagePull:         true,
	RBOOM:               true,
	RBContainerCreating: true,
	RBCrashLoop:         true,
	RBNodeUnschedulable: true,
	RBNodeNotReady:      true,
}

var byAlertname = map[string]string{
	"KubePodImagePullBackOff":       RBImagePull,
	"KubePodOOMKilled":              RBOOM,
	"KubePodMemoryNearLimit":        RBOOM,
	"KubePodContainerCreatingStuck": RBContainerCreating,
	"KubePodCrashLoopBackOff":       RBCrashLoop,
	"KubeNodeUnschedulable":         RBNodeUnschedulable,
	"KubeNodeNotReady":              RBNodeNotReady,
}

// IsKnown reports whether id is a runbook id the agent can execute.
func IsKnown(id string) bool {
	return known[id]
}

// Route resolves the runbook for an alert's labels. A recognized
// runbook_id label wins; otherwise the alertname table decides;
// anything else is RB_UNKNOWN.
func Route(labels map[string]string) string {
	if rb := strings.TrimSpace(labels["runbook_id"]); rb != "" && known[rb] {
		logger.Info("route runbook_id=%s (from_label) alertname=%s", rb, labels["alertname"])
		return rb
	}

	id, ok := byAlertname[labels["alertname"]]
	if !ok {
		id = RBUnknown
	}
	logger.Info("route runbook_id=%s alertname=%s", id, labels["alertname"])
	return id
}
