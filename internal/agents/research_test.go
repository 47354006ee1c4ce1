package agents

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnalyzeWorkspace(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "requirements.txt"), []byte("fastapi\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.py"), []byte("print('hi')\n"), 0o644))

	analysis, err := analyzeWorkspace(dir)
	require.NoError(t, err)
	assert.Equal(t, "python", analysis.ProjectType)
	assert.Contains(t, analysis.Languages, "python")
	assert.Equal(t, 2, analysis.FileCount)
}

func TestAnalyzeWorkspace_EmptyPath(t *testing.T) {
	analysis, err := analyzeWorkspace("")
	require.NoError(t, err)
	assert.Equal(t, "unknown", analysis.ProjectType)
}

func TestResearchTool_FastAPIInstructionsTriggerTechVerification(t *testing.T) {
	dir := t.TempDir()
	var progressed []string
	call := toolCallFor(dir, map[string]any{
		"instructions":   "Build a FastAPI calculator",
		"workspace_path": dir,
	}, &progressed)

	result, err := researchTool(context.Background(), call)
	require.NoError(t, err)

	patch, ok := result.(map[string]any)
	require.True(t, ok)
	_, hasTech := patch["tech_verification"]
	assert.True(t, hasTech)
	assert.NotEmpty(t, progressed)
}

func TestResearchTool_ErrorInfoProducesErrorAnalysis(t *testing.T) {
	dir := t.TempDir()
	var progressed []string
	call := toolCallFor(dir, map[string]any{
		"instructions":   "debug the failing endpoint",
		"workspace_path": dir,
		"error_info":     "NameError: add is not defined",
	}, &progressed)

	result, err := researchTool(context.Background(), call)
	require.NoError(t, err)

	patch := result.(map[string]any)
	analysis, ok := patch["error_analysis"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, analysis["summary"], "NameError")
}
