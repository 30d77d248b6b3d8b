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

// Package kube wraps the typed Kubernetes clientset with the small set
// of cluster operations the remediation tools need. Every call carries
// the configured API deadline.
package kube

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	policyv1 "k8s.io/api/policy/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	agerr "agentic-sre/errors"
)

// Sentinel failures tools gate on.
var (
	ErrNotOwnedByDeployment = errors.New("pod_not_owned_by_deployment")
	ErrAmbiguousContainer   = errors.New("ambiguous_container")
)

// MirrorPodAnnotation marks static pods managed by the kubelet.
const MirrorPodAnnotation = "kubernetes.io/config.mirror"

// Client is a thin wrapper over the typed clientset.
type Client struct {
	cs      kubernetes.Interface
	timeout time.Duration
}

// New wraps an existing clientset.
func New(cs kubernetes.Interface, timeout time.Duration) *Client {
	return &Client{cs: cs, timeout: timeout}
}

// Connect builds a client from the in-cluster service account, falling
// back to the local kubeconfig for development.
func Connect(timeout time.Duration) (*Client, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		loading := clientcmd.NewDefaultClientConfigLoadingRules()
		cfg, err = clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loading, nil).ClientConfig()
		if err != nil {
			return nil, agerr.ClusterError("connect", err)
		}
	}
	cs, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, agerr.ClusterError("connect", err)
	}
	return New(cs, timeout), nil
}

// Clientset exposes the underlying interface for tests.
func (c *Client) Clientset() kubernetes.Interface {
	return c.cs
}

func (c *Client) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// GetPod fetches a pod.
func (c *Client) GetPod(ctx context.Context, namespace, name string) (*corev1.Pod, error) {
	ctx, cancel := c.withDeadline(ctx)
	defer cancel()
	p, err := c.cs.CoreV1().Pods(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, agerr.ClusterError("getPod", err)
	}
	return p, nil
}

// ListPodEvents returns events referencing the pod, newest first.
func (c *Client) ListPodEvents(ctx context.Context, namespace, pod string) ([]corev1.Event, error) {
	ctx, cancel := c.withDeadline(ctx)
	defer cancel()
	ev, err := c.cs.CoreV1().Events(namespace).List(ctx, metav1.ListOptions{
		FieldSelector: fmt.Sprintf("involvedObject.name=%s", pod),
	})
	if err != nil {
		return nil, agerr.ClusterError("listPodEvents", err)
	}
	items := ev.Items
	sort.SliceStable(items, func(i, j int) bool {
		return eventTime(&items[i]).After(eventTime(&items[j]))
	})
	return items, nil
}

// eventTime picks the freshest timestamp an event carries. Many
// clusters leave lastTimestamp unset on newer event records.
func eventTime(e *corev1.Event) time.Time {
	if !e.LastTimestamp.IsZero() {
		return e.LastTimestamp.Time
	}
	if !e.EventTime.IsZero() {
		return e.EventTime.Time
	}
	return e.CreationTimestamp.Time
}

// GetNode fetches a node.
func (c *Client) GetNode(ctx context.Context, name string) (*corev1.Node, error) {
	ctx, cancel := c.withDeadline(ctx)
	defer cancel()
	n, err := c.cs.CoreV1().Nodes().Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, agerr.ClusterError("getNode", err)
	}
	return n, nil
}

// GetDeployment fetches a deployment.
func (c *Client) GetDeployment(ctx context.Context, namespace, name string) (*appsv1.Deployment, error) {
	ctx, cancel := c.withDeadline(ctx)
	defer cancel()
	d, err := c.cs.AppsV1().Deployments(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, agerr.ClusterError("getDeployment", err)
	}
	return d, nil
}

// PatchDeployment applies a strategic merge patch.
func (c *Client) PatchDeployment(ctx context.Context, namespace, name string, patch []byte) error {
	ctx, cancel := c.withDeadline(ctx)
	defer cancel()
	_, err := c.cs.AppsV1().Deployments(namespace).Patch(ctx, name, types.StrategicMergePatchType, patch, metav1.PatchOptions{})
	if err != nil {
		return agerr.ClusterError("patchDeployment", err)
	}
	return nil
}

// PatchNodeUnschedulable sets or clears spec.unschedulable.
func (c *Client) PatchNodeUnschedulable(ctx context.Context, node string, unschedulable bool) error {
	ctx, cancel := c.withDeadline(ctx)
	defer cancel()
	patch := fmt.Sprintf(`{"spec":{"unschedulable":%t}}`, unschedulable)
	_, err := c.cs.CoreV1().Nodes().Patch(ctx, node, types.StrategicMergePatchType, []byte(patch), metav1.PatchOptions{})
	if err != nil {
		return agerr.ClusterError("patchNode", err)
	}
	return nil
}

// DeletePod deletes a pod by name.
func (c *Client) DeletePod(ctx context.Context, namespace, name string) error {
	ctx, cancel := c.withDeadline(ctx)
	defer cancel()
	if err := c.cs.CoreV1().Pods(namespace).Delete(ctx, name, metav1.DeleteOptions{}); err != nil {
		return agerr.ClusterError("deletePod", err)
	}
	return nil
}

// EvictPod submits a policy/v1 eviction for the pod.
func (c *Client) EvictPod(ctx context.Context, namespace, name string, gracePeriodSeconds int64) error {
	ctx, cancel := c.withDeadline(ctx)
	defer cancel()
	eviction := &policyv1.Eviction{
		ObjectMeta:    metav1.ObjectMeta{Name: name, Namespace: namespace},
		DeleteOptions: &metav1.DeleteOptions{GracePeriodSeconds: &gracePeriodSeconds},
	}
	if err := c.cs.PolicyV1().Evictions(namespace).Evict(ctx, eviction); err != nil {
		return agerr.ClusterError("evictPod", err)
	}
	return nil
}

// ListPodsOnNode lists all pods scheduled on the node.
func (c *Client) ListPodsOnNode(ctx context.Context, node string) ([]corev1.Pod, error) {
	ctx, cancel := c.withDeadline(ctx)
	defer cancel()
	pods, err := c.cs.CoreV1().Pods(metav1.NamespaceAll).List(ctx, metav1.ListOptions{
		FieldSelector: fmt.Sprintf("spec.nodeName=%s", node),
	})
	if err != nil {
		return nil, agerr.ClusterError("listPodsOnNode", err)
	}
	return pods.Items, nil
}

// ResolveOwnerDeployment walks pod -> ReplicaSet -> Deployment and
// returns the Deployment name. Pods not reachable from a Deployment
// fail with ErrNotOwnedByDeployment.
func (c *Client) ResolveOwnerDeployment(ctx context.Context, namespace, pod string) (string, error) {
	p, err := c.GetPod(ctx, namespace, pod)
	if err != nil {
		return "", err
	}

	for _, ref := range p.OwnerReferences {
		if ref.Kind != "ReplicaSet" {
			continue
		}
		rsCtx, cancel := c.withDeadline(ctx)
		rs, err := c.cs.AppsV1().ReplicaSets(namespace).Get(rsCtx, ref.Name, metav1.GetOptions{})
		cancel()
		if err != nil {
			return "", agerr.ClusterError("resolveOwnerDeployment", err)
		}
		for _, rsRef := range rs.OwnerReferences {
			if rsRef.Kind == "Deployment" {
				return rsRef.Name, nil
			}
		}
	}
	return "", ErrNotOwnedByDeployment
}

// PickContainer selects the container a patch applies to. The label
// wins when present; a single-container spec is unambiguous; anything
// else fails with ErrAmbiguousContainer.
func PickContainer(spec *corev1.PodSpec, label string) (string, error) {
	if label != "" {
		for _, ct := range spec.Containers {
			if ct.Name == label {
				return ct.Name, nil
			}
		}
		return "", fmt.Errorf("container %q not in pod spec: %w", label, ErrAmbiguousContainer)
	}
	if len(spec.Containers) == 1 {
		return spec.Containers[0].Name, nil
	}
	return "", ErrAmbiguousContainer
}

// HasControllerOwner reports whether the pod will be recreated if
// deleted. Only a reference with Controller set counts; owners that do
// not manage the pod's lifecycle must not authorize a delete.
func HasControllerOwner(p *corev1.Pod) bool {
	for _, ref := range p.OwnerReferences {
		if ref.Controller != nil && *ref.Controller {
			return true
		}
	}
	return false
}
