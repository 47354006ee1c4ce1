package agents

import "github.com/devflow/orchestrator/internal/workerproto"

// toolCallFor builds a ToolCall for tests, recording progress messages
// into *log in order.
func toolCallFor(workspace string, args map[string]any, log *[]string) workerproto.ToolCall {
	return workerproto.ToolCall{
		WorkspacePath: workspace,
		Arguments:     args,
		Progress: func(message string, progress float64) {
			*log = append(*log, message)
		},
	}
}
