package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/devflow/orchestrator/internal/orchestrator"
	"github.com/devflow/orchestrator/internal/workflowstate"
)

// buildArgsFunc extracts a worker's tool arguments from the current
// state (spec §4.5 agent node contracts).
type buildArgsFunc func(*workflowstate.State) map[string]any

// parseResultFunc translates a tool's raw JSON result into a state
// patch suitable for workflowstate.State.ApplyUpdate.
type parseResultFunc func(json.RawMessage, *workflowstate.State) (map[string]any, error)

// workerNode calls one orchestrator-managed worker and translates its
// result into a state patch. Grounded on the BaseExecutor shape of
// kadirpekel-hector/workflow/executor.go, generalized from a single
// built-in executor kind to "one node per worker."
type workerNode struct {
	name      string
	tool      string
	orch      *orchestrator.Orchestrator
	timeout   time.Duration
	buildArgs buildArgsFunc
	parse     parseResultFunc
}

func newWorkerNode(name, tool string, orch *orchestrator.Orchestrator, timeout time.Duration, build buildArgsFunc, parse parseResultFunc) *workerNode {
	return &workerNode{name: name, tool: tool, orch: orch, timeout: timeout, buildArgs: build, parse: parse}
}

func (n *workerNode) Name() string { return n.name }

func (n *workerNode) Run(ctx context.Context, state *workflowstate.State) (map[string]any, error) {
	args := n.buildArgs(state)
	raw, err := n.orch.Call(ctx, n.name, n.tool, args, n.timeout)
	if err != nil {
		return nil, err
	}
	return n.parse(raw, state)
}

// --- research ---------------------------------------------------------

func buildResearchArgs(state *workflowstate.State) map[string]any {
	args := map[string]any{
		"instructions":   state.Instructions,
		"workspace_path": state.WorkspacePath,
	}
	if len(state.Errors) > 0 {
		args["error_info"] = state.Errors[len(state.Errors)-1].Message
	}
	return args
}

func parseResearch(raw json.RawMessage, _ *workflowstate.State) (map[string]any, error) {
	var inner map[string]any
	if err := json.Unmarshal(raw, &inner); err != nil {
		return nil, fmt.Errorf("graph: decoding research result: %w", err)
	}
	return map[string]any{"research_context": inner}, nil
}

// --- architect ---------------------------------------------------------

func buildArchitectArgs(state *workflowstate.State) map[string]any {
	return map[string]any{
		"instructions":     state.Instructions,
		"research_context": state.ResearchContext,
		"workspace_path":   state.WorkspacePath,
	}
}

func parseArchitect(raw json.RawMessage, _ *workflowstate.State) (map[string]any, error) {
	var inner map[string]any
	if err := json.Unmarshal(raw, &inner); err != nil {
		return nil, fmt.Errorf("graph: decoding architect result: %w", err)
	}
	if needsResearch, _ := inner["needs_research"].(bool); needsResearch {
		return map[string]any{
			"needs_research":   true,
			"research_request": inner["research_request"],
		}, nil
	}
	return map[string]any{
		"architecture":          inner,
		"architecture_complete": true,
		"needs_research":        false,
	}, nil
}

// --- codesmith ---------------------------------------------------------

func buildCodesmithArgs(state *workflowstate.State) map[string]any {
	return map[string]any{
		"instructions":   state.Instructions,
		"architecture":   state.Architecture,
		"workspace_path": state.WorkspacePath,
	}
}

func parseCodesmith(raw json.RawMessage, _ *workflowstate.State) (map[string]any, error) {
	var patch map[string]any
	if err := json.Unmarshal(raw, &patch); err != nil {
		return nil, fmt.Errorf("graph: decoding codesmith result: %w", err)
	}
	return patch, nil
}

// --- reviewfix ---------------------------------------------------------

func buildReviewFixArgs(state *workflowstate.State) map[string]any {
	return map[string]any{
		"instructions":      state.Instructions,
		"generated_files":   state.GeneratedFiles,
		"validation_errors": state.Issues,
		"workspace_path":    state.WorkspacePath,
		"iteration":         state.Iteration,
	}
}

func parseReviewFix(raw json.RawMessage, _ *workflowstate.State) (map[string]any, error) {
	var inner struct {
		ValidationPassed bool                          `json:"validation_passed"`
		FixedFiles       []workflowstate.GeneratedFile `json:"fixed_files"`
		RemainingErrors  []string                      `json:"remaining_errors"`
		FixSummary       string                        `json:"fix_summary"`
	}
	if err := json.Unmarshal(raw, &inner); err != nil {
		return nil, fmt.Errorf("graph: decoding reviewfix result: %w", err)
	}

	issues := make([]workflowstate.Issue, 0, len(inner.RemainingErrors))
	for _, msg := range inner.RemainingErrors {
		issues = append(issues, workflowstate.Issue{Type: "validation", Message: msg})
	}

	quality := 1.0
	if !inner.ValidationPassed {
		quality = 0.5
	}

	patch := map[string]any{
		"validation_passed": inner.ValidationPassed,
		"issues":            issues,
		"validation_results": workflowstate.ValidationResults{
			Passed:       inner.ValidationPassed,
			QualityScore: quality,
			Issues:       issues,
			Suggestions:  []string{inner.FixSummary},
		},
	}
	if len(inner.FixedFiles) > 0 {
		patch["generated_files"] = inner.FixedFiles
	}
	return patch, nil
}

// --- responder ---------------------------------------------------------

func buildResponderArgs(maxErrors, maxIterations int) buildArgsFunc {
	return func(state *workflowstate.State) map[string]any {
		status := "success"
		switch {
		case state.Iteration >= maxIterations:
			// Forced responder run after iteration budget exhaustion
			// (spec §8 Scenario F): distinct from an error-budget
			// failure, so the responder can render "Task Incomplete"
			// with a summary of whatever artifacts exist so far.
			status = "incomplete"
		case state.ErrorBudgetExceeded(maxErrors):
			status = "failed"
		case state.ValidationResults != nil && !state.ValidationResults.Passed:
			status = "partial"
		}
		return map[string]any{
			"workflow_result": map[string]any{
				"goal":               state.Goal,
				"architecture":       state.Architecture,
				"generated_files":    state.GeneratedFiles,
				"validation_results": state.ValidationResults,
				"errors":             state.Errors,
			},
			"status": status,
		}
	}
}

func parseResponder(raw json.RawMessage, _ *workflowstate.State) (map[string]any, error) {
	var inner struct {
		UserResponse string `json:"user_response"`
	}
	if err := json.Unmarshal(raw, &inner); err != nil {
		return nil, fmt.Errorf("graph: decoding responder result: %w", err)
	}
	return map[string]any{"user_response": inner.UserResponse, "response_ready": true}, nil
}
