package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/devflow/orchestrator/internal/workerproto"
)

// ResponderArgs is the input schema for responder.format_response
// (spec §4.5). Responder is the only agent whose output reaches the
// user, matching _examples/original_source/backend/agents/responder_agent.py's
// "The ONLY User-Facing Agent" framing.
type ResponderArgs struct {
	WorkflowResult map[string]any `json:"workflow_result" jsonschema:"required"`
	Status         string         `json:"status" jsonschema:"required,enum=success,enum=partial,enum=failed,enum=incomplete"`
}

// NewResponderServer builds the responder worker's tool server.
func NewResponderServer() *workerproto.Server {
	s := workerproto.NewServer("responder")
	s.Register(
		workerproto.ToolSpec{Name: "format_response", InputSchema: workerproto.SchemaFor[ResponderArgs]()},
		formatResponseTool,
	)
	return s
}

func formatResponseTool(ctx context.Context, call workerproto.ToolCall) (any, error) {
	var args ResponderArgs
	if err := decodeArgs(call.Arguments, &args); err != nil {
		return nil, err
	}

	call.Progress("formatting response", 0.5)
	response := formatResponse(args.WorkflowResult, args.Status)
	call.Progress("response ready", 1.0)
	return map[string]any{"user_response": response}, nil
}

func formatResponse(result map[string]any, status string) string {
	var parts []string

	switch status {
	case "failed":
		parts = append(parts, "## Run Failed\n\nThe workflow could not complete within its error or iteration budget.")
	case "incomplete":
		parts = append(parts, "## Task Incomplete\n\nThe iteration budget was exhausted before the workflow could finish. Here is a summary of the partial artifacts produced so far.")
	case "partial":
		parts = append(parts, "## Implementation Complete (with open issues)\n\nThe implementation is in place, but some validation issues remain.")
	default:
		parts = append(parts, "## Implementation Complete\n\nI've successfully created the requested implementation.")
	}

	if goal, ok := result["goal"].(string); ok && goal != "" {
		parts = append(parts, fmt.Sprintf("### Goal\n\n%s", goal))
	}

	if arch, ok := result["architecture"].(map[string]any); ok && arch != nil {
		if desc, ok := arch["description"].(string); ok {
			parts = append(parts, fmt.Sprintf("### Architecture\n\n%s", desc))
		}
	}

	if files, ok := result["generated_files"].([]any); ok && len(files) > 0 {
		var lines []string
		lines = append(lines, "### Generated Files")
		for _, f := range files {
			if fm, ok := f.(map[string]any); ok {
				if path, ok := fm["path"].(string); ok {
					lines = append(lines, fmt.Sprintf("- `%s`", path))
				}
			}
		}
		parts = append(parts, strings.Join(lines, "\n"))
	}

	if vr, ok := result["validation_results"].(map[string]any); ok && vr != nil {
		passed, _ := vr["passed"].(bool)
		parts = append(parts, fmt.Sprintf("### Validation\n\nPassed: %v", passed))
	}

	if errs, ok := result["errors"].([]any); ok && len(errs) > 0 {
		var lines []string
		lines = append(lines, "### Errors Encountered")
		for _, e := range errs {
			if em, ok := e.(map[string]any); ok {
				if msg, ok := em["message"].(string); ok {
					lines = append(lines, fmt.Sprintf("- %s", msg))
				}
			}
		}
		parts = append(parts, strings.Join(lines, "\n"))
	}

	parts = append(parts, "---\n*Generated by the automated development workflow.*")
	return strings.Join(parts, "\n\n")
}
