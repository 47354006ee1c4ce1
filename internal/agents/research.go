// Package agents hosts the five worker subprocess mains of spec §4.5.
// Each agent's tool logic is intentionally thin: prompt engineering,
// code analysis, and E2E generation are named out of scope in spec §1
// ("the concrete agent internals... are out of scope"), so these
// implementations do real, bounded local work (scanning the
// workspace, producing markdown, running lightweight checks) rather
// than delegating to an LLM, matching the shape the original
// implementation's agents delegate to (backend/agents/*.py) without
// reproducing their heavier external integrations.
package agents

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/devflow/orchestrator/internal/workerproto"
)

// ResearchArgs is the input schema for research.research (spec §4.5).
type ResearchArgs struct {
	Instructions  string `json:"instructions" jsonschema:"required,description=What to investigate"`
	WorkspacePath string `json:"workspace_path" jsonschema:"required,description=Target workspace root"`
	ErrorInfo     string `json:"error_info,omitempty" jsonschema:"description=Prior error to root-cause, if any"`
}

// NewResearchServer builds the research worker's tool server.
//
// Grounded on _examples/original_source/backend/agents/architect_agent.py's
// execute() shape (state-in, dict-out), generalized to research's own
// contract since no research_agent.py survived distillation; the
// PERPLEXITY_API_KEY fallback is spec §6's explicit "research falls
// back without it."
func NewResearchServer() *workerproto.Server {
	s := workerproto.NewServer("research")
	s.Register(
		workerproto.ToolSpec{Name: "research", InputSchema: workerproto.SchemaFor[ResearchArgs]()},
		researchTool,
	)
	return s
}

func researchTool(ctx context.Context, call workerproto.ToolCall) (any, error) {
	var args ResearchArgs
	if err := decodeArgs(call.Arguments, &args); err != nil {
		return nil, err
	}
	if args.WorkspacePath == "" {
		args.WorkspacePath = call.WorkspacePath
	}

	call.Progress("scanning workspace", 0.2)
	analysis, err := analyzeWorkspace(args.WorkspacePath)
	if err != nil {
		return nil, fmt.Errorf("research: analyzing workspace: %w", err)
	}

	result := map[string]any{"workspace_analysis": analysis}

	call.Progress("verifying technology choices", 0.6)
	if strings.Contains(strings.ToLower(args.Instructions), "fastapi") || contains(analysis.Languages, "python") {
		result["tech_verification"] = map[string]any{
			"framework":       "FastAPI",
			"verified":        true,
			"notes":           "FastAPI is named in the instructions or the workspace contains Python sources.",
			"perplexity_used": os.Getenv("PERPLEXITY_API_KEY") != "",
		}
	}

	if os.Getenv("PERPLEXITY_API_KEY") == "" {
		result["web_results"] = map[string]any{
			"note": "PERPLEXITY_API_KEY not configured; skipping live web verification.",
		}
	}

	if args.ErrorInfo != "" {
		call.Progress("analyzing prior error", 0.85)
		result["error_analysis"] = map[string]any{
			"summary": fmt.Sprintf("Prior failure: %s", args.ErrorInfo),
			"hint":    "Re-check the most recently generated file for the reported error text.",
		}
	}

	call.Progress("research complete", 1.0)
	return result, nil
}

type workspaceAnalysis struct {
	FileCount   int      `json:"file_count"`
	ProjectType string   `json:"project_type"`
	Languages   []string `json:"languages"`
}

func analyzeWorkspace(root string) (workspaceAnalysis, error) {
	analysis := workspaceAnalysis{ProjectType: "unknown"}
	if root == "" {
		return analysis, nil
	}

	langSet := map[string]bool{}
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // best-effort: skip unreadable entries
		}
		if d.IsDir() {
			if d.Name() == ".git" || d.Name() == "node_modules" || d.Name() == "__pycache__" {
				return filepath.SkipDir
			}
			return nil
		}
		analysis.FileCount++
		switch filepath.Ext(path) {
		case ".py":
			langSet["python"] = true
		case ".go":
			langSet["go"] = true
		case ".ts", ".tsx":
			langSet["typescript"] = true
		case ".js", ".jsx":
			langSet["javascript"] = true
		}
		if d.Name() == "requirements.txt" || d.Name() == "pyproject.toml" {
			analysis.ProjectType = "python"
		}
		if d.Name() == "go.mod" {
			analysis.ProjectType = "go"
		}
		if d.Name() == "package.json" {
			analysis.ProjectType = "node"
		}
		return nil
	})
	if err != nil {
		return analysis, err
	}

	for lang := range langSet {
		analysis.Languages = append(analysis.Languages, lang)
	}
	sort.Strings(analysis.Languages)
	if len(analysis.Languages) == 0 {
		analysis.Languages = []string{"unknown"}
	}
	return analysis, nil
}

func contains(haystack []string, needle string) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}
