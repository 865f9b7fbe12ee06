package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validFlow = `
tenant_id: tenant-1
name: Welcome
entry_node_id: start
trigger:
  type: new_conversation
nodes:
  - id: start
    type: start
    edges: {next: hello}
  - id: hello
    type: message
    config: {text: Welcome!}
    edges: {next: end}
  - id: end
    type: end
`

const brokenFlow = `
tenant_id: tenant-1
name: Broken
entry_node_id: start
trigger:
  type: api
nodes:
  - id: start
    type: start
    edges: {next: nowhere}
`

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer

	command := newCommand()
	command.Writer = &out
	command.ErrWriter = &out

	err := command.Run(context.Background(), append([]string{"chatflow"}, args...))

	return out.String(), err
}

func writeFlows(t *testing.T, files map[string]string) string {
	t.Helper()

	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
	}

	return dir
}

func TestValidateCommand(t *testing.T) {
	dir := writeFlows(t, map[string]string{"welcome.yaml": validFlow})

	out, err := run(t, "validate", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "OK    Welcome")
	assert.Contains(t, out, "1 flows checked, 0 invalid")
}

func TestValidateCommand_ReportsProblems(t *testing.T) {
	dir := writeFlows(t, map[string]string{
		"welcome.yaml": validFlow,
		"broken.yml":   brokenFlow,
	})

	out, err := run(t, "validate", dir)
	require.ErrorIs(t, err, ErrInvalidFlows)
	assert.Contains(t, out, "FAIL  Broken")
	assert.Contains(t, out, `edge target does not exist: "next" -> "nowhere"`)
	assert.Contains(t, out, "2 flows checked, 1 invalid")
}

func TestValidateCommand_RequiresPaths(t *testing.T) {
	_, err := run(t, "validate")
	require.ErrorIs(t, err, ErrNoPaths)
}

func TestImportCommand(t *testing.T) {
	dir := writeFlows(t, map[string]string{"welcome.yaml": validFlow})

	out, err := run(t, "import", "--database-url", "memory://", "--activate", filepath.Join(dir, "welcome.yaml"))
	require.NoError(t, err)
	assert.Contains(t, out, "Imported Welcome")
	assert.Contains(t, out, "as active")
}

func TestImportCommand_RejectsInvalidFlowOnActivate(t *testing.T) {
	dir := writeFlows(t, map[string]string{"broken.yaml": brokenFlow})

	_, err := run(t, "import", "--database-url", "memory://", "--activate", dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `failed to activate "Broken"`)
}
