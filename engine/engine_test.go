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

package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"

	"agentic-sre/kube"
	"agentic-sre/llm"
	"agentic-sre/runbook"
	"agentic-sre/tools"
)

const fallbackImage = "us-docker.pkg.dev/google-samples/containers/gke/hello-app:1.0"

type fakeAdjudicator struct {
	decide func(req llm.DecideRequest) (llm.ToolCall, error)
	calls  int
}

func (f *fakeAdjudicator) DecideToolCall(_ context.Context, req llm.DecideRequest) (llm.ToolCall, error) {
	f.calls++
	if f.decide != nil {
		return f.decide(req)
	}
	// Well-behaved model: expected tool, label-derived arguments.
	args := map[string]any{}
	for _, key := range []string{"namespace", "pod", "container", "node"} {
		if v := req.AlertLabels[key]; v != "" {
			args[key] = v
		}
	}
	return llm.ToolCall{Name: req.ExpectedTool, Args: args}, nil
}

type fixedBooks map[string]*runbook.Runbook

func (f fixedBooks) Get(id string) (*runbook.Runbook, bool) {
	rb, ok := f[id]
	return rb, ok
}

func newEngine(t *testing.T, adj llm.Adjudicator, objs ...runtime.Object) (*Engine, *fake.Clientset) {
	t.Helper()
	cs := fake.NewSimpleClientset(objs...)
	reg := tools.NewRegistry(kube.New(cs, 5*time.Second), fixedBooks{})
	return New(reg, adj), cs
}

func demoWorkload(memLimit string, pullFailing bool) []runtime.Object {
	controller := true
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "app-x",
			Namespace: "demo",
			OwnerReferences: []metav1.OwnerReference{
				{Kind: "ReplicaSet", Name: "app-deployment-abc", Controller: &controller},
			},
		},
	}
	if pullFailing {
		pod.Status = corev1.PodStatus{ContainerStatuses: []corev1.ContainerStatus{{
			Name:  "app",
			State: corev1.ContainerState{Waiting: &corev1.ContainerStateWaiting{Reason: "ImagePullBackOff"}},
		}}}
	}
	rs := &appsv1.ReplicaSet{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "app-deployment-abc",
			Namespace: "demo",
			OwnerReferences: []metav1.OwnerReference{
				{Kind: "Deployment", Name: "app-deployment", Controller: &controller},
			},
		},
	}
	ct := corev1.Container{Name: "app", Image: "ghcr.io/demo/app:broken"}
	if memLimit != "" {
		ct.Resources = corev1.ResourceRequirements{
			Limits: corev1.ResourceList{corev1.ResourceMemory: resource.MustParse(memLimit)},
		}
	}
	deploy := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: "app-deployment", Namespace: "demo"},
		Spec: appsv1.DeploymentSpec{
			Template: corev1.PodTemplateSpec{Spec: corev1.PodSpec{Containers: []corev1.Container{ct}}},
		},
	}
	return []runtime.Object{pod, rs, deploy}
}

func imagePullRunbook() *runbook.Runbook {
	return &runbook.Runbook{
		ID:            "RB_IMAGEPULL",
		AlertName:     "KubePodImagePullBackOff",
		FallbackImage: fallbackImage,
		Workflow: []runbook.Step{
			{ActionID: "check_imagepullbackoff"},
			{ActionID: "patch_image", When: &runbook.Gate{Alias: "imagepull", Field: "imagepull_detected", Expr: "imagepull.imagepull_detected"}},
		},
	}
}

func oomRunbook() *runbook.Runbook {
	return &runbook.Runbook{
		ID:        "RB_OOM",
		AlertName: "KubePodOOMKilled",
		Workflow: []runbook.Step{
			{ActionID: "check_oom"},
			{ActionID: "increase_memory_limit", When: &runbook.Gate{Alias: "oom", Field: "oom_detected", Expr: "oom.oom_detected"}},
		},
	}
}

func demoLabels() map[string]string {
	return map[string]string{"alertname": "x", "namespace": "demo", "pod": "app-x", "container": "app"}
}

func TestRunImagePullAuto(t *testing.T) {
	adj := &fakeAdjudicator{}
	e, cs := newEngine(t, adj, demoWorkload("", true)...)

	st := e.Run(context.Background(), imagePullRunbook(), demoLabels(), tools.ModeAuto)

	assert.Equal(t,
		"patch_image:demo/app-deployment/app:"+fallbackImage,
		st.ActionTaken)
	assert.Empty(t, st.ActionError)
	require.Len(t, st.Steps, 2)
	assert.True(t, st.Steps[0].OK)
	assert.True(t, st.Steps[1].OK)
	assert.Equal(t, 2, adj.calls)

	d, err := cs.AppsV1().Deployments("demo").Get(context.Background(), "app-deployment", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, fallbackImage, d.Spec.Template.Spec.Containers[0].Image)
}

func TestRunRecommendNeverWrites(t *testing.T) {
	e, cs := newEngine(t, &fakeAdjudicator{}, demoWorkload("", true)...)

	st := e.Run(context.Background(), imagePullRunbook(), demoLabels(), tools.ModeRecommend)

	assert.Empty(t, st.ActionTaken)
	assert.Equal(t, "patch_image:demo/app-deployment/app:"+fallbackImage, st.ActionRecommended)

	d, err := cs.AppsV1().Deployments("demo").Get(context.Background(), "app-deployment", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "ghcr.io/demo/app:broken", d.Spec.Template.Spec.Containers[0].Image)
}

func TestRunGateFalseSkipsStep(t *testing.T) {
	// Healthy pod: check_oom finds nothing, the patch step must not run.
	e, cs := newEngine(t, &fakeAdjudicator{}, demoWorkload("128Mi", false)...)

	st := e.Run(context.Background(), oomRunbook(), demoLabels(), tools.ModeAuto)

	require.Len(t, st.Steps, 2)
	assert.True(t, st.Steps[1].Skipped)
	assert.Equal(t, "gate false: oom.oom_detected", st.Steps[1].SkipReason)
	assert.Empty(t, st.ActionTaken)

	d, err := cs.AppsV1().Deployments("demo").Get(context.Background(), "app-deployment", metav1.GetOptions{})
	require.NoError(t, err)
	got := d.Spec.Template.Spec.Containers[0].Resources.Limits[corev1.ResourceMemory]
	assert.Equal(t, "128Mi", got.String())
}

func TestRunWhenAllRequiresEveryGate(t *testing.T) {
	node := &corev1.Node{
		ObjectMeta: metav1.ObjectMeta{Name: "w1"},
		Spec:       corev1.NodeSpec{Unschedulable: true},
		Status: corev1.NodeStatus{Conditions: []corev1.NodeCondition{
			{Type: corev1.NodeReady, Status: corev1.ConditionTrue},
			{Type: corev1.NodeDiskPressure, Status: corev1.ConditionUnknown},
		}},
	}
	rb := &runbook.Runbook{
		ID: "RB_NODE_UNSCHEDULABLE",
		Workflow: []runbook.Step{
			{ActionID: "get_node_ready"},
			{ActionID: "get_node_conditions"},
			{ActionID: "uncordon_node", WhenAll: []runbook.Gate{
				{Alias: "node_ready", Field: "ready", Expr: "node_ready.ready"},
				{Alias: "node_conditions", Field: "healthy", Expr: "node_conditions.healthy"},
				{Alias: "node_ready", Field: "unschedulable", Expr: "node_ready.unschedulable"},
			}},
		},
	}
	e, cs := newEngine(t, &fakeAdjudicator{}, node)

	st := e.Run(context.Background(), rb, map[string]string{"node": "w1"}, tools.ModeAuto)

	require.Len(t, st.Steps, 3)
	assert.True(t, st.Steps[2].Skipped)
	assert.Equal(t, "gate false: node_conditions.healthy", st.Steps[2].SkipReason)
	assert.Empty(t, st.ActionTaken)

	n, err := cs.CoreV1().Nodes().Get(context.Background(), "w1", metav1.GetOptions{})
	require.NoError(t, err)
	assert.True(t, n.Spec.Unschedulable, "uncordon must stay gated out")
}

func TestRunToolIdentityEnforced(t *testing.T) {
	adj := &fakeAdjudicator{decide: func(req llm.DecideRequest) (llm.ToolCall, error) {
		if req.ExpectedTool == "fix_imagepullbackoff" {
			return llm.ToolCall{Name: "delete_pod", Args: map[string]any{"namespace": "demo", "pod": "app-x"}, Reason: "restart instead"}, nil
		}
		return llm.ToolCall{Name: req.ExpectedTool, Args: map[string]any{"namespace": "demo", "pod": "app-x"}}, nil
	}}
	e, cs := newEngine(t, adj, demoWorkload("", true)...)

	st := e.Run(context.Background(), imagePullRunbook(), demoLabels(), tools.ModeAuto)

	// Expected tool ran despite the model's answer.
	assert.Equal(t, "patch_image:demo/app-deployment/app:"+fallbackImage, st.ActionTaken)

	var override *LLMCall
	for i := range st.LLMTrace {
		if st.LLMTrace[i].Override {
			override = &st.LLMTrace[i]
		}
	}
	require.NotNil(t, override)
	assert.Equal(t, "fix_imagepullbackoff", override.ExpectedTool)
	assert.Equal(t, "delete_pod", override.DecidedTool)

	// Pod survived: delete_pod never executed.
	_, err := cs.CoreV1().Pods("demo").Get(context.Background(), "app-x", metav1.GetOptions{})
	assert.NoError(t, err)
}

func TestRunEmptyArgsDefaultedFromLabels(t *testing.T) {
	// A terse model returns the right tool but no arguments; namespace,
	// pod and container must come from the alert labels.
	adj := &fakeAdjudicator{decide: func(req llm.DecideRequest) (llm.ToolCall, error) {
		return llm.ToolCall{Name: req.ExpectedTool, Args: map[string]any{}}, nil
	}}
	e, cs := newEngine(t, adj, demoWorkload("", true)...)

	st := e.Run(context.Background(), imagePullRunbook(), demoLabels(), tools.ModeAuto)

	assert.Equal(t, "patch_image:demo/app-deployment/app:"+fallbackImage, st.ActionTaken)
	assert.Empty(t, st.ActionError)
	require.Len(t, st.Steps, 2)
	assert.True(t, st.Steps[0].OK, "diagnostic must run with label-derived args")
	assert.True(t, st.Steps[1].OK)

	d, err := cs.AppsV1().Deployments("demo").Get(context.Background(), "app-deployment", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, fallbackImage, d.Spec.Template.Spec.Containers[0].Image)
}

func TestRunModelArgsWinOverLabels(t *testing.T) {
	// Model names a different container than the labels; its choice wins.
	adj := &fakeAdjudicator{decide: func(req llm.DecideRequest) (llm.ToolCall, error) {
		return llm.ToolCall{Name: req.ExpectedTool, Args: map[string]any{"container": "app"}}, nil
	}}
	e, _ := newEngine(t, adj, demoWorkload("", true)...)

	labels := demoLabels()
	labels["container"] = "sidecar"
	st := e.Run(context.Background(), imagePullRunbook(), labels, tools.ModeAuto)

	assert.Equal(t, "patch_image:demo/app-deployment/app:"+fallbackImage, st.ActionTaken)
}

func TestRunLLMErrorFallsBack(t *testing.T) {
	adj := &fakeAdjudicator{decide: func(req llm.DecideRequest) (llm.ToolCall, error) {
		return llm.ToolCall{}, errors.New("model unavailable")
	}}
	e, _ := newEngine(t, adj, demoWorkload("", true)...)

	st := e.Run(context.Background(), imagePullRunbook(), demoLabels(), tools.ModeAuto)

	assert.Equal(t, "patch_image:demo/app-deployment/app:"+fallbackImage, st.ActionTaken)
	require.NotEmpty(t, st.LLMTrace)
	assert.Contains(t, st.LLMTrace[0].Err, "model unavailable")
}

func TestRunNoopBecomesRecommendation(t *testing.T) {
	e, _ := newEngine(t, &fakeAdjudicator{}, demoWorkload("4Gi", false)...)

	rb := &runbook.Runbook{
		ID: "RB_OOM",
		Workflow: []runbook.Step{
			{ActionID: "increase_memory_limit"},
		},
	}
	st := e.Run(context.Background(), rb, demoLabels(), tools.ModeAuto)

	assert.Empty(t, st.ActionTaken)
	assert.Equal(t, "current_limit_at_or_above_max", st.ActionRecommended)
}

func TestRunToolFailureRecordsActionError(t *testing.T) {
	// No deployment behind the pod, so the patch fails.
	bare := &corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "app-x", Namespace: "demo"}}
	rb := &runbook.Runbook{
		ID:            "RB_IMAGEPULL",
		FallbackImage: fallbackImage,
		Workflow:      []runbook.Step{{ActionID: "patch_image"}},
	}
	e, _ := newEngine(t, &fakeAdjudicator{}, bare)

	st := e.Run(context.Background(), rb, demoLabels(), tools.ModeAuto)

	assert.Empty(t, st.ActionTaken)
	assert.Contains(t, st.ActionError, "pod_not_owned_by_deployment")
}

func TestRunCancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	adj := &fakeAdjudicator{}
	e, _ := newEngine(t, adj, demoWorkload("", true)...)

	st := e.Run(ctx, imagePullRunbook(), demoLabels(), tools.ModeAuto)

	assert.Equal(t, "cancelled", st.ActionError)
	assert.Empty(t, st.ActionTaken)
	assert.Equal(t, 0, adj.calls)
	require.Len(t, st.Steps, 1)
	assert.Equal(t, "cancelled", st.Steps[0].SkipReason)
}

func TestTruthy(t *testing.T) {
	assert.False(t, truthy(nil))
	assert.False(t, truthy(false))
	assert.False(t, truthy(""))
	assert.False(t, truthy(0))
	assert.False(t, truthy(0.0))
	assert.False(t, truthy([]any{}))
	assert.True(t, truthy(true))
	assert.True(t, truthy("x"))
	assert.True(t, truthy(3))
	assert.True(t, truthy([]string{"a"}))
}
