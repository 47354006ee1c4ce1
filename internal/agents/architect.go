package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/devflow/orchestrator/internal/workerproto"
)

// ArchitectArgs is the input schema for architect.design (spec §4.5).
type ArchitectArgs struct {
	Instructions    string         `json:"instructions" jsonschema:"required,description=What to design"`
	ResearchContext map[string]any `json:"research_context,omitempty" jsonschema:"description=Findings from the research worker"`
	WorkspacePath   string         `json:"workspace_path" jsonschema:"required,description=Target workspace root"`
}

// NewArchitectServer builds the architect worker's tool server.
//
// Grounded on _examples/original_source/backend/agents/architect_agent.py's
// _needs_more_research/_design_architecture split: insufficient
// research_context yields a {needs_research, research_request} patch
// instead of an architecture.
func NewArchitectServer() *workerproto.Server {
	s := workerproto.NewServer("architect")
	s.Register(
		workerproto.ToolSpec{Name: "design", InputSchema: workerproto.SchemaFor[ArchitectArgs]()},
		designTool,
	)
	return s
}

func designTool(ctx context.Context, call workerproto.ToolCall) (any, error) {
	var args ArchitectArgs
	if err := decodeArgs(call.Arguments, &args); err != nil {
		return nil, err
	}

	call.Progress("assessing available context", 0.2)
	if needsMoreResearch(args.Instructions, args.ResearchContext) {
		return map[string]any{
			"needs_research":   true,
			"research_request": formulateResearchRequest(args.Instructions),
		}, nil
	}

	call.Progress("designing architecture", 0.6)
	architecture := designArchitecture(args.Instructions, args.ResearchContext)
	call.Progress("architecture complete", 1.0)
	return architecture, nil
}

func needsMoreResearch(instructions string, researchContext map[string]any) bool {
	if len(researchContext) > 0 {
		return false
	}
	lower := strings.ToLower(instructions)
	// A design that names a specific framework needs research's
	// verification pass before committing to technologies, unless
	// that verification has already happened.
	return strings.Contains(lower, "fastapi") || strings.Contains(lower, "django") || strings.Contains(lower, "flask")
}

func formulateResearchRequest(instructions string) string {
	return fmt.Sprintf("Verify the technology stack implied by: %q, and report any existing workspace conventions.", instructions)
}

func designArchitecture(instructions string, researchContext map[string]any) map[string]any {
	components := []string{"api", "models", "tests"}
	technologies := []string{}
	if researchContext != nil {
		if tv, ok := researchContext["tech_verification"].(map[string]any); ok {
			if framework, ok := tv["framework"].(string); ok {
				technologies = append(technologies, framework)
			}
		}
	}
	if len(technologies) == 0 {
		technologies = append(technologies, "Python", "FastAPI")
	}

	return map[string]any{
		"description":    fmt.Sprintf("Architecture for: %s", instructions),
		"components":     components,
		"file_structure": map[string]any{"main.py": "application entrypoint", "tests/": "test suite"},
		"technologies":   technologies,
		"patterns":       []string{"layered architecture"},
		"data_flow":      "Client request -> API layer -> business logic -> response",
	}
}
