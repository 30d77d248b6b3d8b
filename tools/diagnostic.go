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

package tools

import (
	"context"
	"regexp"
	"sort"
	"strings"

	corev1 "k8s.io/api/core/v1"

	"agentic-sre/logger"
)

var oomRe = regexp.MustCompile(`\boom[- ]?killed\b`)

// mentionsOOM classifies an event line as OOM-related. Runtimes and
// kubelets phrase this several ways.
func mentionsOOM(line string) bool {
	l := strings.ToLower(line)
	return oomRe.MatchString(l) ||
		strings.Contains(l, "oomkilled") ||
		strings.Contains(l, "out of memory") ||
		strings.Contains(l, "memory limit too low")
}

// mentionsSandboxFailure matches the sandbox start failures that keep a
// pod stuck in ContainerCreating.
func mentionsSandboxFailure(line string) bool {
	l := strings.ToLower(line)
	if !strings.Contains(l, "failedcreatepodsandbox") && !strings.Contains(l, "pod sandbox") {
		return false
	}
	return strings.Contains(l, "cannot start a stopped process") ||
		strings.Contains(l, "cannot start a container that has stopped")
}

func mentionsImagePull(line string) bool {
	l := strings.ToLower(line)
	return strings.Contains(l, "imagepullbackoff") ||
		strings.Contains(l, "errimagepull") ||
		strings.Contains(l, "failed to pull image")
}

func eventLine(e *corev1.Event) string {
	return strings.Trim(strings.TrimSpace(e.Reason+": "+e.Message), ": ")
}

func capMatches(matches []string) []string {
	if len(matches) > 5 {
		return matches[:5]
	}
	return matches
}

func (r *Registry) getPodEvents() *Tool {
	return &Tool{
		Name:        "get_pod_events",
		Alias:       "events",
		Description: "Fetch recent Kubernetes events for a pod (used to diagnose ContainerCreating and similar states).",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"namespace": map[string]any{"type": "string"},
				"pod":       map[string]any{"type": "string"},
				"limit":     map[string]any{"type": "integer"},
				"reason":    map[string]any{"type": "string"},
			},
			"required":             []string{"namespace", "pod"},
			"additionalProperties": false,
		},
		Run: func(ctx context.Context, args map[string]any) Result {
			namespace := argString(args, "namespace", "")
			pod := argString(args, "pod", "")
			limit := argInt(args, "limit", 25)
			if namespace == "" || pod == "" {
				logger.Warn("tool=get_pod_events ok=false error=missing_required_params")
				return Fail("missing_required_params")
			}

			items, err := r.kube.ListPodEvents(ctx, namespace, pod)
			if err != nil {
				logger.Error("tool=get_pod_events ok=false error=%v", err)
				return Fail("%v", err)
			}
			if len(items) > limit {
				items = items[:limit]
			}

			events := make([]map[string]any, 0, len(items))
			var oomMatches, sandboxMatches []string
			imagepullHint := false
			for i := range items {
				e := &items[i]
				events = append(events, map[string]any{
					"type":    e.Type,
					"reason":  e.Reason,
					"message": e.Message,
					"count":   e.Count,
					"ts":      eventTimestamp(e),
				})
				line := e.Reason + " " + e.Message
				if mentionsOOM(line) {
					oomMatches = append(oomMatches, eventLine(e))
				}
				if mentionsSandboxFailure(line) {
					sandboxMatches = append(sandboxMatches, eventLine(e))
				}
				if mentionsImagePull(line) {
					imagepullHint = true
				}
			}

			res := Ok(map[string]any{
				"namespace":                namespace,
				"pod":                      pod,
				"events":                   events,
				"oom_detected":             len(oomMatches) > 0,
				"oom_matches":              capMatches(oomMatches),
				"sandbox_failure_detected": len(sandboxMatches) > 0,
				"sandbox_failure_matches":  capMatches(sandboxMatches),
				"imagepull_hint":           imagepullHint,
			})
			logger.Info("tool=get_pod_events ok=true ns=%s pod=%s events=%d oom_detected=%v sandbox_failure_detected=%v",
				namespace, pod, len(events), res.Field("oom_detected"), res.Field("sandbox_failure_detected"))
			return res
		},
	}
}

func eventTimestamp(e *corev1.Event) string {
	if !e.LastTimestamp.IsZero() {
		return e.LastTimestamp.Time.UTC().Format("2006-01-02T15:04:05Z")
	}
	if !e.EventTime.IsZero() {
		return e.EventTime.Time.UTC().Format("2006-01-02T15:04:05Z")
	}
	if !e.CreationTimestamp.IsZero() {
		return e.CreationTimestamp.Time.UTC().Format("2006-01-02T15:04:05Z")
	}
	return ""
}

func (r *Registry) checkImagePullBackOff() *Tool {
	return &Tool{
		Name:        "check_imagepullbackoff",
		Alias:       "imagepull",
		Description: "Detect ImagePullBackOff/ErrImagePull for a pod (via status + events).",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"namespace": map[string]any{"type": "string"},
				"pod":       map[string]any{"type": "string"},
				"container": map[string]any{"type": "string"},
				"reason":    map[string]any{"type": "string"},
			},
			"required":             []string{"namespace", "pod"},
			"additionalProperties": false,
		},
		Run: func(ctx context.Context, args map[string]any) Result {
			namespace := argString(args, "namespace", "")
			pod := argString(args, "pod", "")
			container := argString(args, "container", "")
			if namespace == "" || pod == "" {
				logger.Warn("tool=check_imagepullbackoff ok=false error=missing_required_params")
				return Fail("missing_required_params")
			}

			p, err := r.kube.GetPod(ctx, namespace, pod)
			if err != nil {
				logger.Error("tool=check_imagepullbackoff ok=false error=%v", err)
				return Fail("%v", err)
			}

			detected := false
			detectedContainer := ""
			reasonSet := map[string]bool{}
			for _, cs := range p.Status.ContainerStatuses {
				if container != "" && cs.Name != container {
					continue
				}
				if w := cs.State.Waiting; w != nil {
					if w.Reason == "ImagePullBackOff" || w.Reason == "ErrImagePull" {
						detected = true
						detectedContainer = cs.Name
						reasonSet["pod_status_waiting_reason:"+w.Reason] = true
					}
				}
			}

			events, err := r.kube.ListPodEvents(ctx, namespace, pod)
			if err == nil {
				for i := range events {
					if mentionsImagePull(events[i].Reason + " " + events[i].Message) {
						detected = true
						reasonSet["event_mentions_imagepull"] = true
					}
				}
			}

			if detectedContainer == "" {
				detectedContainer = container
			}
			res := Ok(map[string]any{
				"namespace":          namespace,
				"pod":                pod,
				"imagepull_detected": detected,
				"container":          detectedContainer,
				"reasons":            sortedKeys(reasonSet),
			})
			logger.Info("tool=check_imagepullbackoff ok=true ns=%s pod=%s detected=%v container=%s",
				namespace, pod, detected, detectedContainer)
			return res
		},
	}
}

func (r *Registry) checkOOM() *Tool {
	return &Tool{
		Name:        "check_oom",
		Alias:       "oom",
		Description: "Detect OOMKilled for a pod/container (via status + events).",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"namespace": map[string]any{"type": "string"},
				"pod":       map[string]any{"type": "string"},
				"container": map[string]any{"type": "string"},
				"reason":    map[string]any{"type": "string"},
			},
			"required":             []string{"namespace", "pod"},
			"additionalProperties": false,
		},
		Run: func(ctx context.Context, args map[string]any) Result {
			namespace := argString(args, "namespace", "")
			pod := argString(args, "pod", "")
			container := argString(args, "container", "")
			if namespace == "" || pod == "" {
				logger.Warn("tool=check_oom ok=false error=missing_required_params")
				return Fail("missing_required_params")
			}

			p, err := r.kube.GetPod(ctx, namespace, pod)
			if err != nil {
				logger.Error("tool=check_oom ok=false error=%v", err)
				return Fail("%v", err)
			}

			detected := false
			detectedContainer := ""
			reasonSet := map[string]bool{}
			for _, cs := range p.Status.ContainerStatuses {
				if container != "" && cs.Name != container {
					continue
				}
				for _, term := range []*corev1.ContainerStateTerminated{cs.State.Terminated, cs.LastTerminationState.Terminated} {
					if term == nil {
						continue
					}
					// Exit 137 is SIGKILL, the kernel OOM killer's signature
					// when the kubelet hasn't set the reason yet.
					if term.Reason == "OOMKilled" || term.ExitCode == 137 {
						detected = true
						detectedContainer = cs.Name
						if term.Reason == "OOMKilled" {
							reasonSet["pod_status_terminated_reason:OOMKilled"] = true
						} else {
							reasonSet["pod_status_terminated_exit_code:137"] = true
						}
					}
				}
			}

			events, err := r.kube.ListPodEvents(ctx, namespace, pod)
			if err == nil {
				for i := range events {
					if mentionsOOM(events[i].Reason + " " + events[i].Message) {
						detected = true
						reasonSet["event_mentions_oom"] = true
					}
				}
			}

			if detectedContainer == "" {
				detectedContainer = container
			}
			res := Ok(map[string]any{
				"namespace":    namespace,
				"pod":          pod,
				"oom_detected": detected,
				"container":    detectedContainer,
				"reasons":      sortedKeys(reasonSet),
			})
			logger.Info("tool=check_oom ok=true ns=%s pod=%s detected=%v container=%s", namespace, pod, detected, detectedContainer)
			return res
		},
	}
}

func (r *Registry) getNodeReady() *Tool {
	return &Tool{
		Name:        "get_node_ready",
		Alias:       "node_ready",
		Description: "Check whether a node is Ready and whether it is currently unschedulable.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"node":   map[string]any{"type": "string"},
				"reason": map[string]any{"type": "string"},
			},
			"required":             []string{"node"},
			"additionalProperties": false,
		},
		Run: func(ctx context.Context, args map[string]any) Result {
			node := argString(args, "node", "")
			if node == "" {
				logger.Warn("tool=get_node_ready ok=false error=missing_required_params")
				return Fail("missing_required_params")
			}

			n, err := r.kube.GetNode(ctx, node)
			if err != nil {
				logger.Error("tool=get_node_ready ok=false error=%v", err)
				return Fail("%v", err)
			}

			ready := false
			readyRec := map[string]any{}
			for _, c := range n.Status.Conditions {
				if c.Type == corev1.NodeReady {
					ready = c.Status == corev1.ConditionTrue
					readyRec = map[string]any{
						"type":    string(c.Type),
						"status":  string(c.Status),
						"reason":  c.Reason,
						"message": c.Message,
					}
					break
				}
			}

			res := Ok(map[string]any{
				"node":            node,
				"ready":           ready,
				"not_ready":       !ready,
				"ready_condition": readyRec,
				"unschedulable":   n.Spec.Unschedulable,
			})
			logger.Info("tool=get_node_ready ok=true node=%s ready=%v unschedulable=%v", node, ready, n.Spec.Unschedulable)
			return res
		},
	}
}

func (r *Registry) getNodeConditions() *Tool {
	return &Tool{
		Name:        "get_node_conditions",
		Alias:       "node_conditions",
		Description: "Check node conditions (pressure/unavailable) excluding the Ready gate.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"node":   map[string]any{"type": "string"},
				"reason": map[string]any{"type": "string"},
			},
			"required":             []string{"node"},
			"additionalProperties": false,
		},
		Run: func(ctx context.Context, args map[string]any) Result {
			node := argString(args, "node", "")
			if node == "" {
				logger.Warn("tool=get_node_conditions ok=false error=missing_required_params")
				return Fail("missing_required_params")
			}

			n, err := r.kube.GetNode(ctx, node)
			if err != nil {
				logger.Error("tool=get_node_conditions ok=false error=%v", err)
				return Fail("%v", err)
			}

			conditions := map[string]any{}
			problems := []map[string]any{}
			for _, c := range n.Status.Conditions {
				rec := map[string]any{
					"type":    string(c.Type),
					"status":  string(c.Status),
					"reason":  c.Reason,
					"message": c.Message,
				}
				conditions[string(c.Type)] = rec
				if c.Type == corev1.NodeReady {
					continue
				}
				// Non-Ready conditions report problems when not False
				// (node-problem-detector convention).
				if c.Status != corev1.ConditionFalse {
					problems = append(problems, rec)
				}
			}

			healthy := len(problems) == 0
			res := Ok(map[string]any{
				"node":       node,
				"healthy":    healthy,
				"problems":   problems,
				"conditions": conditions,
			})
			logger.Info("tool=get_node_conditions ok=true node=%s healthy=%v problems=%d", node, healthy, len(problems))
			return res
		},
	}
}

func (r *Registry) getRunbook() *Tool {
	return &Tool{
		Name:        "get_runbook",
		Alias:       "runbook",
		Description: "Fetch runbook metadata (fallback image and identity fields) from the loaded runbook table.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"runbook_id": map[string]any{"type": "string"},
				"reason":     map[string]any{"type": "string"},
			},
			"required":             []string{"runbook_id"},
			"additionalProperties": false,
		},
		Run: func(ctx context.Context, args map[string]any) Result {
			id := argString(args, "runbook_id", "")
			if id == "" {
				logger.Warn("tool=get_runbook ok=false error=missing_required_params")
				return Fail("missing_required_params")
			}
			rb, ok := r.runbooks.Get(id)
			if !ok {
				logger.Warn("tool=get_runbook runbook_id=%s ok=false error=runbook_not_found", id)
				return Fail("runbook_not_found")
			}
			if rb.FallbackImage == "" {
				logger.Warn("tool=get_runbook runbook_id=%s ok=false error=missing_fallback_image", id)
				return Fail("missing_fallback_image")
			}
			logger.Info("tool=get_runbook runbook_id=%s ok=true", id)
			return Ok(map[string]any{
				"runbook_id":     rb.ID,
				"alertname":      rb.AlertName,
				"title":          rb.Title,
				"fallback_image": rb.FallbackImage,
			})
		},
	}
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
