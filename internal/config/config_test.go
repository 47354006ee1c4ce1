package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "orchestrator.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, "workspace_path: /tmp/ws\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/ws", cfg.WorkspacePath)
	assert.Equal(t, 8002, cfg.ServerPort)
	assert.Equal(t, 20, cfg.MaxIterations)
	assert.Equal(t, 3, cfg.MaxErrors)
	assert.Equal(t, 0.5, cfg.SupervisorConfidenceThreshold)
	assert.Equal(t, "gpt-4o", cfg.LLMModel)
	assert.Equal(t, ".logs", cfg.LogsDir)
}

func TestLoadExpandsEnvironmentVariables(t *testing.T) {
	t.Setenv("TEST_WORKSPACE_DIR", "/env/workspace")
	path := writeTempConfig(t, "workspace_path: \"${TEST_WORKSPACE_DIR}\"\nllm_model: \"${UNSET_MODEL_VAR:-gpt-4o-mini}\"\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/env/workspace", cfg.WorkspacePath)
	assert.Equal(t, "gpt-4o-mini", cfg.LLMModel)
}

func TestLoadDecodesWorkerList(t *testing.T) {
	path := writeTempConfig(t, `
workspace_path: /tmp/ws
workers:
  - name: research
    command: /usr/bin/orchestratord
    args: ["worker", "research"]
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Workers, 1)
	assert.Equal(t, "research", cfg.Workers[0].Name)
	assert.Equal(t, []string{"worker", "research"}, cfg.Workers[0].Args)
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestExpandEnvVarsInDataRecursesIntoNestedStructures(t *testing.T) {
	t.Setenv("NESTED_VALUE", "resolved")
	data := map[string]any{
		"top": "${NESTED_VALUE}",
		"nested": map[string]any{
			"list": []any{"${NESTED_VALUE}", "literal"},
		},
	}
	result := expandEnvVarsInData(data).(map[string]any)
	assert.Equal(t, "resolved", result["top"])
	nested := result["nested"].(map[string]any)
	list := nested["list"].([]any)
	assert.Equal(t, "resolved", list[0])
	assert.Equal(t, "literal", list[1])
}
