package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "atlas.yaml")
	content := fmt.Sprintf(`
database:
  driver: sqlite
  dsn: %s
log:
  level: error
  format: json
`, filepath.Join(dir, "atlas.db"))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func run(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestTiersCommand(t *testing.T) {
	path := writeConfig(t)
	out, err := run(t, newTiersCmd(&path))
	require.NoError(t, err)
	assert.Contains(t, out, "free")
	assert.Contains(t, out, "core")
	assert.Contains(t, out, "studio")
	assert.Contains(t, out, "unlimited")
}

func TestMigrateCommand(t *testing.T) {
	path := writeConfig(t)
	out, err := run(t, newMigrateCmd(&path))
	require.NoError(t, err)
	assert.Contains(t, out, "sqlite schema is up to date")
}

func TestBudgetStatusCommand(t *testing.T) {
	path := writeConfig(t)

	out, err := run(t, newBudgetCmd(&path), "status", "--tier", "free")
	require.NoError(t, err)
	assert.Contains(t, out, "free")
	assert.Contains(t, out, "allowed")
	assert.NotContains(t, out, "studio")

	_, err = run(t, newBudgetCmd(&path), "status", "--tier", "platinum")
	assert.Error(t, err)
}

func TestBillingRunCommand(t *testing.T) {
	path := writeConfig(t)

	out, err := run(t, newBillingCmd(&path), "run", "--period", "2026-09")
	require.NoError(t, err)
	assert.Contains(t, out, "September 2026")
	assert.Contains(t, out, "Users processed:   0")

	_, err = run(t, newBillingCmd(&path), "run", "--period", "September")
	assert.Error(t, err)
}

func TestMissingConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.yaml")
	_, err := run(t, newMigrateCmd(&path))
	assert.Error(t, err)
}

func TestMCPCommand(t *testing.T) {
	path := writeConfig(t)
	cmd := newMCPCmd(&path)
	cmd.SetIn(strings.NewReader(
		`{"jsonrpc":"2.0","id":1,"method":"initialize"}` + "\n" +
			`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"atlas_tiers"}}` + "\n"))

	out, err := run(t, cmd)
	require.NoError(t, err)
	assert.Contains(t, out, `"name":"atlas"`)
	assert.Contains(t, out, "studio")
}
