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
	"fmt"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"

	"agentic-sre/kube"
	"agentic-sre/logger"
)

const (
	minMemoryLimit = int64(256) << 20 // 256Mi
	maxMemoryLimit = int64(4) << 30   // 4Gi
	drainGraceSecs = int64(30)
)

// formatMemory renders a byte count as a binary quantity, rounded up
// to a whole Mi so patches never carry fractional values.
func formatMemory(bytes int64) string {
	const mi = int64(1) << 20
	n := (bytes + mi - 1) / mi * mi
	return resource.NewQuantity(n, resource.BinarySI).String()
}

func (r *Registry) fixImagePullBackOff() *Tool {
	return &Tool{
		Name:        "fix_imagepullbackoff",
		Alias:       "fix",
		Mutating:    true,
		Description: "Patch the owning Deployment image to the fallback image (or recommend).",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"namespace":      map[string]any{"type": "string"},
				"pod":            map[string]any{"type": "string"},
				"container":      map[string]any{"type": "string"},
				"fallback_image": map[string]any{"type": "string"},
				"mode":           map[string]any{"type": "string"},
				"reason":         map[string]any{"type": "string"},
			},
			"required":             []string{"namespace", "pod", "container"},
			"additionalProperties": false,
		},
		Run: func(ctx context.Context, args map[string]any) Result {
			namespace := argString(args, "namespace", "")
			pod := argString(args, "pod", "")
			container := argString(args, "container", "")
			fallbackImage := argString(args, "fallback_image", "")
			mode := argString(args, "mode", ModeRecommend)
			if namespace == "" || pod == "" || fallbackImage == "" {
				logger.Warn("tool=fix_imagepullbackoff ok=false error=missing_required_params")
				return Fail("missing_required_params")
			}

			deployment, err := r.kube.ResolveOwnerDeployment(ctx, namespace, pod)
			if err != nil {
				logger.Warn("tool=fix_imagepullbackoff ns=%s pod=%s ok=false error=%v", namespace, pod, err)
				return Fail("%v", err)
			}

			if container == "" {
				d, err := r.kube.GetDeployment(ctx, namespace, deployment)
				if err != nil {
					logger.Error("tool=fix_imagepullbackoff ok=false error=%v", err)
					return Fail("%v", err)
				}
				container, err = kube.PickContainer(&d.Spec.Template.Spec, "")
				if err != nil {
					logger.Warn("tool=fix_imagepullbackoff ns=%s deployment=%s ok=false error=%v", namespace, deployment, err)
					return Fail("%v", err)
				}
			}

			action := fmt.Sprintf("patch_image:%s/%s/%s:%s", namespace, deployment, container, fallbackImage)

			if mode == ModeAuto {
				patch := fmt.Sprintf(
					`{"spec":{"template":{"spec":{"containers":[{"name":%q,"image":%q}]}}}}`,
					container, fallbackImage)
				if err := r.kube.PatchDeployment(ctx, namespace, deployment, []byte(patch)); err != nil {
					logger.Error("tool=fix_imagepullbackoff ok=false error=%v", err)
					return Fail("%v", err)
				}
				logger.Info("tool=fix_imagepullbackoff ok=true mode=auto ns=%s deployment=%s", namespace, deployment)
				return Ok(map[string]any{"action": action, "deployment": deployment, "mode": ModeAuto})
			}

			logger.Info("tool=fix_imagepullbackoff ok=true mode=recommend ns=%s deployment=%s", namespace, deployment)
			return Ok(map[string]any{"action": action, "deployment": deployment, "mode": ModeRecommend})
		},
	}
}

func (r *Registry) increaseMemoryLimit() *Tool {
	return &Tool{
		Name:        "increase_memory_limit",
		Alias:       "memory",
		Mutating:    true,
		Description: "Increase the owning Deployment container memory limit (doubled, floored at 256Mi, capped at 4Gi), or recommend.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"namespace": map[string]any{"type": "string"},
				"pod":       map[string]any{"type": "string"},
				"container": map[string]any{"type": "string"},
				"mode":      map[string]any{"type": "string"},
				"reason":    map[string]any{"type": "string"},
			},
			"required":             []string{"namespace", "pod", "container"},
			"additionalProperties": false,
		},
		Run: func(ctx context.Context, args map[string]any) Result {
			namespace := argString(args, "namespace", "")
			pod := argString(args, "pod", "")
			container := argString(args, "container", "")
			mode := argString(args, "mode", ModeRecommend)
			if namespace == "" || pod == "" {
				logger.Warn("tool=increase_memory_limit ok=false error=missing_required_params")
				return Fail("missing_required_params")
			}

			deployment, err := r.kube.ResolveOwnerDeployment(ctx, namespace, pod)
			if err != nil {
				logger.Warn("tool=increase_memory_limit ns=%s pod=%s ok=false error=%v", namespace, pod, err)
				return Fail("%v", err)
			}

			d, err := r.kube.GetDeployment(ctx, namespace, deployment)
			if err != nil {
				logger.Error("tool=increase_memory_limit ok=false error=%v", err)
				return Fail("%v", err)
			}
			container, err = kube.PickContainer(&d.Spec.Template.Spec, container)
			if err != nil {
				logger.Warn("tool=increase_memory_limit ns=%s deployment=%s ok=false error=%v", namespace, deployment, err)
				return Fail("%v", err)
			}

			var current *resource.Quantity
			for i := range d.Spec.Template.Spec.Containers {
				ct := &d.Spec.Template.Spec.Containers[i]
				if ct.Name != container {
					continue
				}
				if q, ok := ct.Resources.Limits[corev1.ResourceMemory]; ok {
					current = &q
				}
				break
			}

			oldLimit := "unset"
			var targetBytes int64
			if current == nil {
				// No limit declared: start at the floor.
				targetBytes = minMemoryLimit
			} else {
				oldLimit = current.String()
				curBytes := current.Value()
				if curBytes >= maxMemoryLimit {
					logger.Info("tool=increase_memory_limit ok=true noop=true reason=current_limit_at_or_above_max ns=%s deployment=%s container=%s current_limit=%s",
						namespace, deployment, container, oldLimit)
					return Ok(map[string]any{
						"noop":       true,
						"reason":     "current_limit_at_or_above_max",
						"deployment": deployment,
						"container":  container,
						"old_limit":  oldLimit,
						"new_limit":  oldLimit,
						"mode":       mode,
					})
				}
				if curBytes < minMemoryLimit {
					targetBytes = minMemoryLimit
				} else {
					targetBytes = curBytes * 2
				}
				if targetBytes > maxMemoryLimit {
					targetBytes = maxMemoryLimit
				}
			}

			newLimit := formatMemory(targetBytes)
			action := fmt.Sprintf("patch_memory_limit:%s/%s/%s:%s→%s", namespace, deployment, container, oldLimit, newLimit)

			if mode == ModeAuto {
				patch := fmt.Sprintf(
					`{"spec":{"template":{"spec":{"containers":[{"name":%q,"resources":{"limits":{"memory":%q}}}]}}}}`,
					container, newLimit)
				if err := r.kube.PatchDeployment(ctx, namespace, deployment, []byte(patch)); err != nil {
					logger.Error("tool=increase_memory_limit ok=false error=%v", err)
					return Fail("%v", err)
				}
				logger.Info("tool=increase_memory_limit ok=true mode=auto ns=%s deployment=%s %s", namespace, deployment, action)
				return Ok(map[string]any{
					"action":     action,
					"deployment": deployment,
					"container":  container,
					"old_limit":  oldLimit,
					"new_limit":  newLimit,
					"mode":       ModeAuto,
				})
			}

			logger.Info("tool=increase_memory_limit ok=true mode=recommend ns=%s deployment=%s %s", namespace, deployment, action)
			return Ok(map[string]any{
				"action":     action,
				"deployment": deployment,
				"container":  container,
				"old_limit":  oldLimit,
				"new_limit":  newLimit,
				"mode":       ModeRecommend,
			})
		},
	}
}

func (r *Registry) deletePod() *Tool {
	return &Tool{
		Name:        "delete_pod",
		Alias:       "restart",
		Mutating:    true,
		Description: "Delete a pod to force recreation (safe restart for controller-owned pods).",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"namespace": map[string]any{"type": "string"},
				"pod":       map[string]any{"type": "string"},
				"mode":      map[string]any{"type": "string"},
				"reason":    map[string]any{"type": "string"},
			},
			"required":             []string{"namespace", "pod"},
			"additionalProperties": false,
		},
		Run: func(ctx context.Context, args map[string]any) Result {
			namespace := argString(args, "namespace", "")
			pod := argString(args, "pod", "")
			mode := argString(args, "mode", ModeRecommend)
			if namespace == "" || pod == "" {
				logger.Warn("tool=delete_pod ok=false error=missing_required_params")
				return Fail("missing_required_params")
			}

			p, err := r.kube.GetPod(ctx, namespace, pod)
			if err != nil {
				logger.Error("tool=delete_pod ok=false error=%v", err)
				return Fail("%v", err)
			}
			if !kube.HasControllerOwner(p) {
				logger.Warn("tool=delete_pod ns=%s pod=%s ok=false error=pod_has_no_controller_owner", namespace, pod)
				return Fail("pod_has_no_controller_owner")
			}

			action := fmt.Sprintf("delete_pod:%s/%s", namespace, pod)
			if mode == ModeAuto {
				if err := r.kube.DeletePod(ctx, namespace, pod); err != nil {
					logger.Error("tool=delete_pod ok=false error=%v", err)
					return Fail("%v", err)
				}
				logger.Info("tool=delete_pod ok=true mode=auto ns=%s pod=%s", namespace, pod)
				return Ok(map[string]any{"action": action, "mode": ModeAuto})
			}

			logger.Info("tool=delete_pod ok=true mode=recommend ns=%s pod=%s", namespace, pod)
			return Ok(map[string]any{"action": action, "mode": ModeRecommend})
		},
	}
}

func (r *Registry) cordonNode() *Tool {
	return &Tool{
		Name:        "cordon_node",
		Alias:       "cordon",
		Mutating:    true,
		Description: "Cordon a node (set spec.unschedulable=true).",
		Parameters:  nodeModeSchema(),
		Run: func(ctx context.Context, args map[string]any) Result {
			node := argString(args, "node", "")
			mode := argString(args, "mode", ModeRecommend)
			if node == "" {
				logger.Warn("tool=cordon_node ok=false error=missing_required_params")
				return Fail("missing_required_params")
			}

			action := fmt.Sprintf("cordon_node:%s", node)
			if mode == ModeAuto {
				if err := r.kube.PatchNodeUnschedulable(ctx, node, true); err != nil {
					logger.Error("tool=cordon_node ok=false error=%v", err)
					return Fail("%v", err)
				}
			}
			logger.Info("tool=cordon_node ok=true mode=%s node=%s", mode, node)
			// cordoned reflects workflow progress in both modes so a
			// drain step can gate on it during a dry run as well.
			return Ok(map[string]any{"action": action, "mode": mode, "cordoned": true, "node": node})
		},
	}
}

func (r *Registry) uncordonNode() *Tool {
	return &Tool{
		Name:        "uncordon_node",
		Alias:       "uncordon",
		Mutating:    true,
		Description: "Make a node schedulable (clear spec.unschedulable).",
		Parameters:  nodeModeSchema(),
		Run: func(ctx context.Context, args map[string]any) Result {
			node := argString(args, "node", "")
			mode := argString(args, "mode", ModeRecommend)
			if node == "" {
				logger.Warn("tool=uncordon_node ok=false error=missing_required_params")
				return Fail("missing_required_params")
			}

			action := fmt.Sprintf("uncordon_node:%s", node)
			if mode == ModeAuto {
				if err := r.kube.PatchNodeUnschedulable(ctx, node, false); err != nil {
					logger.Error("tool=uncordon_node ok=false error=%v", err)
					return Fail("%v", err)
				}
			}
			logger.Info("tool=uncordon_node ok=true mode=%s node=%s", mode, node)
			return Ok(map[string]any{"action": action, "mode": mode, "node": node})
		},
	}
}

func (r *Registry) drainNode() *Tool {
	return &Tool{
		Name:        "drain_node",
		Alias:       "drain",
		Mutating:    true,
		Description: "Drain a node (best-effort eviction of non-daemonset, non-mirror, non-kube-system pods).",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"node":   map[string]any{"type": "string"},
				"mode":   map[string]any{"type": "string"},
				"reason": map[string]any{"type": "string"},
			},
			"required":             []string{"node"},
			"additionalProperties": false,
		},
		Run: func(ctx context.Context, args map[string]any) Result {
			node := argString(args, "node", "")
			mode := argString(args, "mode", ModeRecommend)
			if node == "" {
				logger.Warn("tool=drain_node ok=false error=missing_required_params")
				return Fail("missing_required_params")
			}

			pods, err := r.kube.ListPodsOnNode(ctx, node)
			if err != nil {
				logger.Error("tool=drain_node ok=false error=%v", err)
				return Fail("%v", err)
			}

			var targets []map[string]string
			var skipped []map[string]string
			for i := range pods {
				p := &pods[i]
				if _, mirror := p.Annotations[kube.MirrorPodAnnotation]; mirror {
					skipped = append(skipped, map[string]string{"namespace": p.Namespace, "pod": p.Name, "reason": "mirror_pod"})
					continue
				}
				if ownedByDaemonSet(p) {
					skipped = append(skipped, map[string]string{"namespace": p.Namespace, "pod": p.Name, "reason": "daemonset"})
					continue
				}
				if p.Namespace == "kube-system" {
					skipped = append(skipped, map[string]string{"namespace": p.Namespace, "pod": p.Name, "reason": "kube-system"})
					continue
				}
				targets = append(targets, map[string]string{"namespace": p.Namespace, "pod": p.Name})
			}

			action := fmt.Sprintf("drain_node:%s:evict=%d", node, len(targets))
			if mode != ModeAuto {
				logger.Info("tool=drain_node ok=true mode=recommend node=%s evict=%d", node, len(targets))
				return Ok(map[string]any{
					"action":        action,
					"mode":          ModeRecommend,
					"attempted":     len(targets),
					"evict_targets": targets,
					"skipped":       skipped,
				})
			}

			var errs []string
			evicted := 0
			for _, t := range targets {
				if err := r.kube.EvictPod(ctx, t["namespace"], t["pod"], drainGraceSecs); err != nil {
					errs = append(errs, fmt.Sprintf("%s/%s:%v", t["namespace"], t["pod"], err))
					continue
				}
				evicted++
			}

			res := Result{
				OK: len(errs) == 0,
				Fields: map[string]any{
					"action":    action,
					"mode":      ModeAuto,
					"attempted": len(targets),
					"evicted":   evicted,
					"failed":    len(errs),
					"errors":    errs,
					"skipped":   skipped,
				},
			}
			if !res.OK {
				res.Err = fmt.Sprintf("evictions_failed:%d", len(errs))
			}
			logger.Info("tool=drain_node ok=%v mode=auto node=%s attempted=%d evicted=%d failed=%d",
				res.OK, node, len(targets), evicted, len(errs))
			return res
		},
	}
}

func ownedByDaemonSet(p *corev1.Pod) bool {
	for _, ref := range p.OwnerReferences {
		if ref.Kind == "DaemonSet" {
			return true
		}
	}
	return false
}

func nodeModeSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"node":   map[string]any{"type": "string"},
			"mode":   map[string]any{"type": "string"},
			"reason": map[string]any{"type": "string"},
		},
		"required":             []string{"node"},
		"additionalProperties": false,
	}
}
