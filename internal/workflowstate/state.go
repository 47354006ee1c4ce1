// Package workflowstate defines WorkflowState and RoutingCommand (spec
// §3) and the merge discipline the graph uses to apply a worker's
// return value or a supervisor's routing command onto the state.
package workflowstate

import (
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
)

// MaxErrorsDefault is the default error budget (spec §6 MAX_ERRORS).
const MaxErrorsDefault = 3

// Message is one entry in the append-only conversation log.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GeneratedFile is one file codesmith or reviewfix produced.
type GeneratedFile struct {
	Path     string `json:"path"`
	Language string `json:"language"`
	Content  string `json:"content"`
	Lines    int    `json:"lines"`
}

// Issue is one problem reviewfix (or any node) surfaced.
type Issue struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Fix     string `json:"fix,omitempty"`
}

// ErrorRecord is one entry in the append-only error log.
type ErrorRecord struct {
	Source    string    `json:"source"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Architecture is the architect's design output (spec §3).
type Architecture struct {
	Description   string         `json:"description"`
	Components    []string       `json:"components"`
	FileStructure map[string]any `json:"file_structure"`
	Technologies  []string       `json:"technologies"`
	Patterns      []string       `json:"patterns"`
	DataFlow      string         `json:"data_flow"`
}

// ValidationResults is reviewfix's assessment of generated code.
type ValidationResults struct {
	Passed       bool     `json:"passed"`
	QualityScore float64  `json:"quality_score"`
	Checks       []string `json:"checks"`
	Issues       []Issue  `json:"issues"`
	Suggestions  []string `json:"suggestions"`
}

// HITLResponse is the user's reply to a clarification request.
type HITLResponse struct {
	Selection     int    `json:"selection,omitempty"`
	Clarification string `json:"clarification,omitempty"`
}

// State is the WorkflowState of spec §3: one per session, created by
// the graph, mutated only via RoutingCommand.Update and worker return
// patches.
type State struct {
	// Immutable after creation.
	Goal          string `json:"goal"`
	UserQuery     string `json:"user_query"`
	WorkspacePath string `json:"workspace_path"`
	SessionID     string `json:"session_id"`

	Messages     []Message `json:"messages"`
	Instructions string    `json:"instructions"`
	LastAgent    string    `json:"last_agent,omitempty"`

	// LastAgentByWorker records the instructions a worker was given the
	// last time it ran, keyed by worker name. Self-invocation (spec
	// §4.3 step 5) is a property of one specific worker running twice
	// in a row from the supervisor's point of view, not of LastAgent
	// alone: when architect requests research and the supervisor hops
	// to research in between, LastAgent becomes "research" but the
	// re-invocation of architect must still be checked against
	// architect's own previous instructions (SPEC_FULL.md §D.1).
	LastAgentByWorker map[string]string `json:"last_agent_by_worker,omitempty"`

	Iteration        int  `json:"iteration"`
	IsSelfInvocation bool `json:"is_self_invocation"`

	ResearchContext map[string]any `json:"research_context,omitempty"`
	NeedsResearch   bool           `json:"needs_research"`
	ResearchRequest string         `json:"research_request,omitempty"`

	Architecture         *Architecture `json:"architecture,omitempty"`
	ArchitectureComplete bool          `json:"architecture_complete"`

	GeneratedFiles []GeneratedFile `json:"generated_files,omitempty"`
	CodeComplete   bool            `json:"code_complete"`

	ValidationResults *ValidationResults `json:"validation_results,omitempty"`
	ValidationPassed  bool               `json:"validation_passed"`
	Issues            []Issue            `json:"issues,omitempty"`

	UserResponse  string `json:"user_response,omitempty"`
	ResponseReady bool   `json:"response_ready"`

	Errors     []ErrorRecord `json:"errors"`
	ErrorCount int           `json:"error_count"`

	Confidence            float64       `json:"confidence"`
	RequiresClarification bool          `json:"requires_clarification"`
	HITLResponse          *HITLResponse `json:"hitl_response,omitempty"`
	AwaitingHuman         bool          `json:"awaiting_human"`
}

// New creates the initial state for a session (spec §3 lifecycle).
func New(sessionID, goal, workspacePath string) *State {
	return &State{
		Goal:          goal,
		UserQuery:     goal,
		WorkspacePath: workspacePath,
		SessionID:     sessionID,
		Messages:      []Message{{Role: "user", Content: goal}},
		Confidence:    1.0,
	}
}

// RoutingCommand is emitted by the supervisor and consumed by the
// graph (spec §3).
type RoutingCommand struct {
	Goto   string         `json:"goto"`
	Update map[string]any `json:"update"`
}

const (
	GotoEnd  = "end"
	GotoHITL = "hitl"
)

// ApplyUpdate decodes a generic update map (as produced by the LLM's
// structured output, or by a worker's JSON result) onto the state,
// using field-wise overwrite for most fields and append semantics for
// Messages, Errors, and GeneratedFiles (spec §4.4).
func (s *State) ApplyUpdate(update map[string]any) error {
	if update == nil {
		return nil
	}

	// Pull the append-only fields out before the generic decode so
	// mapstructure doesn't clobber the existing slices.
	var appendPatch struct {
		Messages       []Message       `mapstructure:"messages"`
		Errors         []ErrorRecord   `mapstructure:"errors"`
		GeneratedFiles []GeneratedFile `mapstructure:"generated_files"`
	}
	if err := decode(update, &appendPatch); err != nil {
		return fmt.Errorf("workflowstate: decoding append-only fields: %w", err)
	}

	rest := make(map[string]any, len(update))
	for k, v := range update {
		switch k {
		case "messages", "errors", "generated_files":
			continue
		default:
			rest[k] = v
		}
	}

	if err := decode(rest, s); err != nil {
		return fmt.Errorf("workflowstate: decoding update: %w", err)
	}

	s.Messages = append(s.Messages, appendPatch.Messages...)
	s.Errors = append(s.Errors, appendPatch.Errors...)
	s.GeneratedFiles = append(s.GeneratedFiles, appendPatch.GeneratedFiles...)
	s.ErrorCount = len(s.Errors)

	return nil
}

func decode(src map[string]any, dst any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeHookFunc(time.RFC3339),
		WeaklyTypedInput: true,
		Result:           dst,
		TagName:          "json",
	})
	if err != nil {
		return err
	}
	return dec.Decode(src)
}

// AppendError appends a failure to the error log and increments
// ErrorCount, matching the append-only discipline of spec §3.
func (s *State) AppendError(source string, err error) {
	s.Errors = append(s.Errors, ErrorRecord{Source: source, Message: err.Error()})
	s.ErrorCount = len(s.Errors)
}

// RecordInvocation marks worker as having just run with the state's
// current Instructions, updating both LastAgent and the per-worker
// history the supervisor's self-invocation check relies on (see
// LastAgentByWorker).
func (s *State) RecordInvocation(worker string) {
	s.LastAgent = worker
	if s.LastAgentByWorker == nil {
		s.LastAgentByWorker = make(map[string]string)
	}
	s.LastAgentByWorker[worker] = s.Instructions
}

// ErrorBudgetExceeded reports whether the error budget (spec §3,
// default MaxErrorsDefault) has been exhausted.
func (s *State) ErrorBudgetExceeded(maxErrors int) bool {
	if maxErrors <= 0 {
		maxErrors = MaxErrorsDefault
	}
	return s.ErrorCount >= maxErrors
}
