package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScenario(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadScenario(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/pull_then_update.yaml")
	require.NoError(t, err)

	assert.Equal(t, "pull_then_update", s.Name)
	assert.Equal(t, []string{"tag"}, s.Kinds)
	require.Len(t, s.Steps, 4)
	assert.Equal(t, StepRemotePut, s.Steps[0].Do)
	assert.Equal(t, "Groceries", s.Steps[0].Rows[0]["label"])
	assert.Equal(t, map[string]int{"accepted": 1, "delivered": 0}, s.Steps[1].Expect.Counts)
	require.Len(t, s.Assertions, 4)
	require.NotNil(t, s.Assertions[2].Pending)
	assert.Equal(t, 0, *s.Assertions[2].Pending)
}

func TestLoadScenario_ResolvesSchemaPaths(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "extra.cue"), []byte(`entity: pantry: fields: [{name: "id", type: "string"}]`), 0o644))
	path := writeScenario(t, dir, "s.yaml", `
name: s
description: d
schemas: [extra.cue]
steps: [{do: sync}]
assertions: [{type: outbox, pending: 0}]
`)

	s, err := LoadScenario(path)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "extra.cue")}, s.Schemas)
}

func TestLoadScenario_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "unknown field",
			body: "name: s\ndescription: d\nstep: []\n",
			want: "field step not found",
		},
		{
			name: "missing name",
			body: "description: d\nsteps: [{do: sync}]\nassertions: [{type: outbox, pending: 0}]\n",
			want: "name is required",
		},
		{
			name: "no steps",
			body: "name: s\ndescription: d\nassertions: [{type: outbox, pending: 0}]\n",
			want: "steps list is required",
		},
		{
			name: "unknown action",
			body: "name: s\ndescription: d\nsteps: [{do: explode}]\nassertions: [{type: outbox, pending: 0}]\n",
			want: `unknown action "explode"`,
		},
		{
			name: "remote_put without rows",
			body: "name: s\ndescription: d\nsteps: [{do: remote_put, kind: tag}]\nassertions: [{type: outbox, pending: 0}]\n",
			want: "kind and rows are required",
		},
		{
			name: "bad error class",
			body: "name: s\ndescription: d\nsteps: [{do: fail_next, kind: tag, errors: [flaky]}]\nassertions: [{type: outbox, pending: 0}]\n",
			want: "transient or permanent",
		},
		{
			name: "outbox without counts",
			body: "name: s\ndescription: d\nsteps: [{do: sync}]\nassertions: [{type: outbox}]\n",
			want: "pending or failed is required",
		},
		{
			name: "absent with fields",
			body: "name: s\ndescription: d\nsteps: [{do: sync}]\nassertions: [{type: local, kind: tag, key: t, absent: true, fields: {label: x}}]\n",
			want: "absent excludes fields",
		},
		{
			name: "bad now",
			body: "name: s\ndescription: d\nnow: yesterday\nsteps: [{do: sync}]\nassertions: [{type: outbox, pending: 0}]\n",
			want: "now:",
		},
		{
			name: "missing schema file",
			body: "name: s\ndescription: d\nschemas: [nope.cue]\nsteps: [{do: sync}]\nassertions: [{type: outbox, pending: 0}]\n",
			want: "schema file not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeScenario(t, t.TempDir(), "s.yaml", tt.body)
			_, err := LoadScenario(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestFindScenarios(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.yaml", "a.yml", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "golden"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "golden", "c.yaml"), nil, 0o644))

	files, err := FindScenarios(dir, "")
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a.yml"), filepath.Join(dir, "b.yaml")}, files)

	files, err = FindScenarios(dir, "b*")
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "b.yaml")}, files)

	_, err = FindScenarios(dir, "[")
	assert.Error(t, err)
}

func TestGoldenPath(t *testing.T) {
	assert.Equal(t, filepath.Join("s", "golden", "conflict.golden"), GoldenPath(filepath.Join("s", "conflict.yaml")))
}
