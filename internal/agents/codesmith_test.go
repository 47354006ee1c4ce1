package agents

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateTool_FastAPIPath(t *testing.T) {
	var progressed []string
	call := toolCallFor("/ws", map[string]any{
		"instructions": "Create a FastAPI calculator with add/subtract endpoints",
		"architecture": map[string]any{"technologies": []any{"FastAPI"}},
	}, &progressed)

	result, err := generateTool(context.Background(), call)
	require.NoError(t, err)

	patch := result.(map[string]any)
	assert.Equal(t, true, patch["code_complete"])

	files, ok := patch["generated_files"].([]generatedFile)
	require.True(t, ok)
	require.Len(t, files, 1)
	assert.Equal(t, "main.py", files[0].Path)
	assert.Contains(t, files[0].Content, "/add")
	assert.Contains(t, files[0].Content, "/subtract")
}

func TestGenerateTool_NonPythonFallsBackToGo(t *testing.T) {
	var progressed []string
	call := toolCallFor("/ws", map[string]any{
		"instructions": "Write a CLI tool",
	}, &progressed)

	result, err := generateTool(context.Background(), call)
	require.NoError(t, err)
	files := result.(map[string]any)["generated_files"].([]generatedFile)
	require.Len(t, files, 1)
	assert.Equal(t, "main.go", files[0].Path)
}
