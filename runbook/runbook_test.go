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

package runbook

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testActions = map[string]bool{
	"get_pod_events":         true,
	"check_imagepullbackoff": true,
	"patch_image":            true,
	"check_oom":              true,
	"increase_memory_limit":  true,
	"get_node_ready":         true,
	"get_node_conditions":    true,
	"uncordon_node":          true,
}

const imagepullDoc = `---
runbook_id: RB_IMAGEPULL
alertname: KubePodImagePullBackOff
title: ImagePullBackOff remediation
fallback_image: registry.example.com/hello:1.0
workflow:
  - action_id: check_imagepullbackoff
  - action_id: patch_image
    when: imagepull.imagepull_detected
---
# RB_IMAGEPULL

Patch the owning Deployment to the fallback image.
`

func TestParse(t *testing.T) {
	rb, err := Parse("RB_IMAGEPULL.md", []byte(imagepullDoc), testActions)
	require.NoError(t, err)

	assert.Equal(t, "RB_IMAGEPULL", rb.ID)
	assert.Equal(t, "KubePodImagePullBackOff", rb.AlertName)
	assert.Equal(t, "registry.example.com/hello:1.0", rb.FallbackImage)
	assert.Contains(t, rb.Body, "Patch the owning Deployment")

	require.Len(t, rb.Workflow, 2)
	assert.Equal(t, "check_imagepullbackoff", rb.Workflow[0].ActionID)
	assert.Nil(t, rb.Workflow[0].When)

	require.NotNil(t, rb.Workflow[1].When)
	assert.Equal(t, "imagepull", rb.Workflow[1].When.Alias)
	assert.Equal(t, "imagepull_detected", rb.Workflow[1].When.Field)
}

func TestParseWhenAll(t *testing.T) {
	doc := `---
runbook_id: RB_NODE_UNSCHEDULABLE
alertname: KubeNodeUnschedulable
workflow:
  - action_id: get_node_ready
  - action_id: get_node_conditions
  - action_id: uncordon_node
    when_all:
      - node_ready.ready
      - node_conditions.healthy
      - node_ready.unschedulable
---
body
`
	rb, err := Parse("RB_NODE_UNSCHEDULABLE.md", []byte(doc), testActions)
	require.NoError(t, err)
	require.Len(t, rb.Workflow, 3)
	require.Len(t, rb.Workflow[2].WhenAll, 3)
	assert.Equal(t, "node_conditions.healthy", rb.Workflow[2].WhenAll[1].Expr)
}

func TestParseFailures(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"missing front matter", "# no front matter\n"},
		{"unterminated front matter", "---\nrunbook_id: X\n"},
		{"missing runbook_id", "---\ntitle: t\n---\nbody\n"},
		{
			"unknown action",
			"---\nrunbook_id: RB_X\nworkflow:\n  - action_id: reboot_cluster\n---\nbody\n",
		},
		{
			"bad gate",
			"---\nrunbook_id: RB_X\nworkflow:\n  - action_id: get_pod_events\n    when: not a gate\n---\nbody\n",
		},
		{
			"gate with too many segments",
			"---\nrunbook_id: RB_X\nworkflow:\n  - action_id: get_pod_events\n    when: a.b.c\n---\nbody\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse("doc.md", []byte(tt.doc), testActions)
			assert.Error(t, err)
		})
	}
}

func TestParseGate(t *testing.T) {
	g, err := ParseGate(" oom.oom_detected ")
	require.NoError(t, err)
	assert.Equal(t, Gate{Alias: "oom", Field: "oom_detected", Expr: "oom.oom_detected"}, g)

	_, err = ParseGate("oom")
	assert.Error(t, err)
	_, err = ParseGate("1bad.field")
	assert.Error(t, err)
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "RB_IMAGEPULL.md"), []byte(imagepullDoc), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.md"), []byte("ignored"), 0o644))

	set, err := LoadDir(dir, testActions)
	require.NoError(t, err)
	assert.Equal(t, 1, set.Len())
	assert.Equal(t, []string{"RB_IMAGEPULL"}, set.IDs())

	rb, ok := set.Get("RB_IMAGEPULL")
	require.True(t, ok)
	assert.Equal(t, "RB_IMAGEPULL", rb.ID)

	_, ok = set.Get("RB_OOM")
	assert.False(t, ok)
}

func TestLoadDirEmpty(t *testing.T) {
	_, err := LoadDir(t.TempDir(), testActions)
	assert.Error(t, err)
}

func TestLoadDirDuplicateID(t *testing.T) {
	dir := t.TempDir()
	doc := "---\nrunbook_id: RB_IMAGEPULL\n---\nbody\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "RB_IMAGEPULL.md"), []byte(doc), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "RB_IMAGEPULL_COPY.md"), []byte(doc), 0o644))

	_, err := LoadDir(dir, testActions)
	assert.Error(t, err)
}
