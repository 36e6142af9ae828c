package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praxisllmlab/tianjibatch/internal/engine"
	"github.com/praxisllmlab/tianjibatch/internal/store"
)

const testConfig = `
api_configs:
  - alias: gpt
    api_base: http://localhost:8000/v1
    model: gpt-test
  - alias: old
    api_base: http://localhost:8001/v1
    model: gpt-old
    is_active: false
general_settings:
  log_level: error
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd("test")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootCmd_Subcommands(t *testing.T) {
	cmd := NewRootCmd("1.2.3")
	var names []string
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"serve", "migrate", "export", "validate"})
	assert.Equal(t, "1.2.3", cmd.Version)
}

func TestValidate_ConfigAndInput(t *testing.T) {
	cfgPath := writeFile(t, "batch_config.yaml", testConfig)
	input := writeFile(t, "in.json", `[[{"role":"user","content":"a"}],[{"role":"user","content":"b"}]]`)

	out, err := run(t, "validate", "--config", cfgPath, "--input", input)
	require.NoError(t, err)
	assert.Contains(t, out, "config ok: 2 api configs (1 active)")
	assert.Contains(t, out, "input ok: 2 conversations")
}

func TestValidate_BadInput(t *testing.T) {
	cfgPath := writeFile(t, "batch_config.yaml", testConfig)
	input := writeFile(t, "in.json", `[[{"content":"no role"}]]`)

	_, err := run(t, "validate", "--config", cfgPath, "--input", input)
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrInvalidInput)
}

func TestValidate_BadConfig(t *testing.T) {
	cfgPath := writeFile(t, "batch_config.yaml", "api_configs:\n  - alias: gpt\n")
	_, err := run(t, "validate", "--config", cfgPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_base is required")
}

func TestMigrateAndExport_RequireDatabase(t *testing.T) {
	cfgPath := writeFile(t, "batch_config.yaml", testConfig)

	_, err := run(t, "migrate", "--config", cfgPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database_url is not configured")

	_, err = run(t, "export", "--config", cfgPath, "--batch", "b-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database_url is not configured")
}

func TestExport_RequiresBatchFlag(t *testing.T) {
	cfgPath := writeFile(t, "batch_config.yaml", testConfig)
	_, err := run(t, "export", "--config", cfgPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"batch"`)
}

func seededStore(t *testing.T) *store.Memory {
	t.Helper()
	m := store.NewMemory()
	now := time.Now()
	b := engine.Batch{ID: "b-1", APIAlias: "gpt", Total: 2, State: engine.StateCompleted, CreatedAt: now}
	items := []engine.RequestItem{
		{BatchID: "b-1", Index: 1, Payload: json.RawMessage(`[]`), Status: engine.StatusFailedTerminal, Attempts: 1, Error: "bad"},
		{BatchID: "b-1", Index: 0, Payload: json.RawMessage(`[]`), Status: engine.StatusSucceeded, Attempts: 1, Result: "ok"},
	}
	require.NoError(t, m.PersistBatch(context.Background(), b, items))
	return m
}

func usd(string) string { return "USD" }

func TestExportBatch_ToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "b-1.json")
	require.NoError(t, exportBatch(context.Background(), seededStore(t), "b-1", path, usd, nil))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var exp engine.Export
	require.NoError(t, json.Unmarshal(data, &exp))
	require.Len(t, exp.Results, 2)
	assert.Equal(t, "ok", exp.Results[0].Result)
	assert.Equal(t, "bad", exp.Results[1].Error)
	assert.Equal(t, "USD", exp.Progress.Currency)
	assert.Equal(t, 1, exp.Progress.Counts.Succeeded)
}

func TestExportBatch_ToStdout(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, exportBatch(context.Background(), seededStore(t), "b-1", "-", usd, &buf))
	assert.Contains(t, buf.String(), `"batch_id": "b-1"`)
}

func TestExportBatch_Unknown(t *testing.T) {
	err := exportBatch(context.Background(), store.NewMemory(), "missing", "-", usd, &bytes.Buffer{})
	assert.ErrorIs(t, err, engine.ErrBatchNotFound)
}
