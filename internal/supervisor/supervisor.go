// Package supervisor implements the LLM-driven router of spec §4.3: it
// consumes a WorkflowState and emits a validated RoutingCommand,
// enforcing the routing invariants (mandatory review after code
// generation, HITL escalation, self-invocation policy).
//
// Grounded on kadirpekel-hector/pkg/reasoning/supervisor_strategy.go
// (the ANALYZE/PLAN/DELEGATE/SYNTHESIZE system-prompt framing, reused
// here for the routing system prompt) and
// _examples/original_source/backend/core/supervisor_mcp.py (single
// decision-maker, dynamic per-step instructions, self-invocation
// permitted when instructions differ).
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/devflow/orchestrator/internal/llmclient"
	"github.com/devflow/orchestrator/internal/ratelimit"
	"github.com/devflow/orchestrator/internal/workflowstate"
)

// Worker names recognized by the graph (spec §4.4 node inventory).
const (
	Research  = "research"
	Architect = "architect"
	Codesmith = "codesmith"
	ReviewFix = "reviewfix"
	Responder = "responder"
)

var knownWorkers = map[string]bool{
	Research: true, Architect: true, Codesmith: true, ReviewFix: true, Responder: true,
}

// Config tunes the supervisor's routing policy.
type Config struct {
	ConfidenceThreshold float64 // default 0.5
	MaxErrors           int     // default 3
	MaxRetries          int     // default 3, bounded retries on invalid LLM output
	Provider            string  // rate-limit gate key, default "openai"
}

func (c *Config) setDefaults() {
	if c.ConfidenceThreshold == 0 {
		c.ConfidenceThreshold = 0.5
	}
	if c.MaxErrors == 0 {
		c.MaxErrors = workflowstate.MaxErrorsDefault
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.Provider == "" {
		c.Provider = "openai"
	}
}

// Supervisor decides routing for one session at a time (it is stateless
// across calls — all state lives in workflowstate.State).
type Supervisor struct {
	cfg    Config
	llm    *llmclient.Client
	gate   *ratelimit.Gate
	schema json.RawMessage
}

// schemaShape mirrors workflowstate.RoutingCommand but is reflected
// separately so the LLM-facing schema stays decoupled from Go JSON
// tag quirks on the map[string]any Update field.
type schemaShape struct {
	Goto   string         `json:"goto" jsonschema:"required,description=Next worker name, 'hitl', or 'end'"`
	Update map[string]any `json:"update" jsonschema:"description=Partial WorkflowState patch"`
}

// New constructs a Supervisor.
func New(cfg Config, llm *llmclient.Client, gate *ratelimit.Gate) (*Supervisor, error) {
	cfg.setDefaults()
	schema, err := llmclient.SchemaFor("RoutingCommand", schemaShape{})
	if err != nil {
		return nil, fmt.Errorf("supervisor: building schema: %w", err)
	}
	return &Supervisor{cfg: cfg, llm: llm, gate: gate, schema: schema}, nil
}

// Decide runs the supervisor algorithm of spec §4.3: compose prompts,
// call the LLM, validate the result, enforce self-invocation policy.
func (s *Supervisor) Decide(ctx context.Context, state *workflowstate.State) (*workflowstate.RoutingCommand, error) {
	var lastErr error
	for attempt := 0; attempt < s.cfg.MaxRetries; attempt++ {
		if err := s.gate.Wait(ctx, s.cfg.Provider); err != nil {
			return nil, fmt.Errorf("supervisor: rate limit wait: %w", err)
		}

		raw, err := s.llm.ChatCompletionJSON(ctx, s.systemPrompt(), s.userPrompt(state, lastErr), "routing_command", s.schema)
		if err != nil {
			lastErr = err
			continue
		}

		var cmd workflowstate.RoutingCommand
		if err := json.Unmarshal(raw, &cmd); err != nil {
			lastErr = fmt.Errorf("malformed routing command: %w", err)
			continue
		}

		validated, verr := s.validate(&cmd, state)
		if verr != nil {
			lastErr = verr
			continue
		}
		return validated, nil
	}

	// Bounded retries exhausted: route to HITL with an impasse message
	// (spec §4.3 "Failure semantics").
	return &workflowstate.RoutingCommand{
		Goto: workflowstate.GotoHITL,
		Update: map[string]any{
			"requires_clarification": true,
			"instructions":           fmt.Sprintf("The supervisor could not produce a valid routing decision after %d attempts (last error: %v). Please clarify how to proceed.", s.cfg.MaxRetries, lastErr),
		},
	}, nil
}

// validate enforces the invariants of spec §4.3 step 4-5 and returns
// an error (never a panic/exception) when a command is rejected — the
// graph converts this into an error record without unwinding
// (spec §9 "exception-for-control-flow becomes a result variant").
func (s *Supervisor) validate(cmd *workflowstate.RoutingCommand, state *workflowstate.State) (*workflowstate.RoutingCommand, error) {
	if cmd.Goto != workflowstate.GotoEnd && cmd.Goto != workflowstate.GotoHITL && !knownWorkers[cmd.Goto] {
		return nil, fmt.Errorf("supervisor: unknown goto %q", cmd.Goto)
	}

	nextConfidence := state.Confidence
	if v, ok := cmd.Update["confidence"]; ok {
		if f, ok := toFloat(v); ok {
			nextConfidence = f
		}
	}

	// Rule: after codesmith, goto must be reviewfix unless validation
	// already passed.
	if state.LastAgent == Codesmith && !state.ValidationPassed && cmd.Goto != ReviewFix {
		return nil, fmt.Errorf("supervisor: invariant violation: codesmith must be followed by reviewfix")
	}

	// Rule: low confidence or exhausted error budget forces HITL.
	if (nextConfidence < s.cfg.ConfidenceThreshold || state.ErrorCount >= s.cfg.MaxErrors) && cmd.Goto != workflowstate.GotoHITL {
		return nil, fmt.Errorf("supervisor: invariant violation: confidence %.2f / error_count %d requires hitl", nextConfidence, state.ErrorCount)
	}

	// Rule: "end" only once response_ready is true.
	responseReady := state.ResponseReady
	if v, ok := cmd.Update["response_ready"]; ok {
		if b, ok := v.(bool); ok {
			responseReady = b
		}
	}
	if cmd.Goto == workflowstate.GotoEnd && !responseReady {
		return nil, fmt.Errorf("supervisor: invariant violation: goto=end requires response_ready")
	}

	// Self-invocation policy: routing to a worker that has already run
	// at least once requires instructions distinct from that worker's
	// own previous invocation (spec §4.3 step 5). Checked against
	// LastAgentByWorker rather than LastAgent alone, so that an
	// architect -> research -> architect hop (SPEC_FULL.md §D.1) is
	// still caught as a self-invocation of architect against its
	// earlier call, even though research ran in between and overwrote
	// LastAgent.
	if prevInstructions, ranBefore := state.LastAgentByWorker[cmd.Goto]; ranBefore && cmd.Goto != "" {
		newInstructions, _ := cmd.Update["instructions"].(string)
		if newInstructions == "" || newInstructions == prevInstructions {
			return nil, fmt.Errorf("supervisor: self-invocation of %q requires distinct instructions", cmd.Goto)
		}
		if cmd.Update == nil {
			cmd.Update = map[string]any{}
		}
		cmd.Update["is_self_invocation"] = true
	} else if cmd.Update != nil {
		if _, ok := cmd.Update["is_self_invocation"]; !ok {
			cmd.Update["is_self_invocation"] = false
		}
	}

	return cmd, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

func (s *Supervisor) systemPrompt() string {
	var b strings.Builder
	b.WriteString(`You are the supervisor of a multi-agent software development system.

Your role is to:
1. ANALYZE the current workflow state: what has been done, what artifacts exist, what is missing
2. DECIDE which specialist worker should run next, or whether the workflow should end
3. WRITE clear, specific instructions for that worker's next invocation

ROUTING INVARIANTS (never violate these):
- After a codesmith run, the next worker must be reviewfix, unless validation has already passed.
- If confidence is below the configured threshold, or the error budget is exhausted, you must route to "hitl".
- You may only route to "end" once response_ready is true (i.e. responder has produced a user_response).
- If you route to a worker that has already run in this session, you must supply instructions distinct from that worker's previous instructions.

`)
	b.WriteString("Available workers: research, architect, codesmith, reviewfix, responder.\n")
	b.WriteString("research(instructions, workspace_path, error_info?) -> workspace_analysis, web_results, tech_verification, security_analysis, error_analysis\n")
	b.WriteString("architect(instructions, research_context, workspace_path) -> architecture, or {needs_research, research_request}\n")
	b.WriteString("codesmith(instructions, architecture, workspace_path) -> generated_files, code_complete\n")
	b.WriteString("reviewfix(instructions, generated_files, validation_errors, workspace_path, iteration) -> validation_passed, fixed_files?, remaining_errors, fix_summary\n")
	b.WriteString("responder(workflow_result, status) -> user_response\n")
	return b.String()
}

func (s *Supervisor) userPrompt(state *workflowstate.State, lastErr error) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n", state.Goal)
	fmt.Fprintf(&b, "Iteration: %d\n", state.Iteration)
	fmt.Fprintf(&b, "Last agent: %s\n", state.LastAgent)
	fmt.Fprintf(&b, "Confidence: %.2f\n", state.Confidence)
	fmt.Fprintf(&b, "Error count: %d\n", state.ErrorCount)

	artifacts := []string{}
	if state.ResearchContext != nil {
		artifacts = append(artifacts, "research_context")
	}
	if state.Architecture != nil {
		artifacts = append(artifacts, "architecture")
	}
	if len(state.GeneratedFiles) > 0 {
		artifacts = append(artifacts, fmt.Sprintf("generated_files(%d)", len(state.GeneratedFiles)))
	}
	if state.ValidationResults != nil {
		artifacts = append(artifacts, fmt.Sprintf("validation_results(passed=%v)", state.ValidationResults.Passed))
	}
	sort.Strings(artifacts)
	fmt.Fprintf(&b, "Artifacts present: %s\n", strings.Join(artifacts, ", "))

	if lastErr != nil {
		fmt.Fprintf(&b, "\nYour previous routing decision was rejected: %v\nProduce a corrected decision.\n", lastErr)
	}

	return b.String()
}
