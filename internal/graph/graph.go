// Package graph is the workflow-graph state machine of spec §4.4: it
// drives the supervisor/worker decision loop, applies routing commands
// to WorkflowState, checkpoints after every merge, and streams
// lifecycle events to a caller via a range-over-func generator.
//
// Grounded on kadirpekel-hector/workflow/types.go (the
// status-enum-plus-result-struct shape reused here for Event) and
// pkg/runner/runner.go (the iter.Seq2[*Event, error] streaming pattern,
// with yield's bool return honored as cooperative backpressure/cancel).
package graph

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/devflow/orchestrator/internal/checkpoint"
	"github.com/devflow/orchestrator/internal/observability"
	"github.com/devflow/orchestrator/internal/orchestrator"
	"github.com/devflow/orchestrator/internal/supervisor"
	"github.com/devflow/orchestrator/internal/workflowstate"
)

// EventType identifies what a streamed Event represents (spec §4.6).
type EventType string

const (
	EventWorkflow EventType = "workflow_event"
	EventAgent    EventType = "agent_event"
	EventError    EventType = "error"
	EventComplete EventType = "workflow_complete"
)

// Event is the single envelope type streamed to callers. Only the
// fields relevant to Type are populated; the rest are zero.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`

	// EventWorkflow
	Node          string   `json:"node,omitempty"`
	UpdateKeys    []string `json:"update_keys,omitempty"`
	Clarification string   `json:"clarification,omitempty"`

	// EventAgent
	Server   string  `json:"server,omitempty"`
	Message  string  `json:"message,omitempty"`
	Progress float64 `json:"progress,omitempty"`

	// EventError
	Error string `json:"error,omitempty"`

	// EventComplete
	UserResponse string         `json:"user_response,omitempty"`
	Artifacts    map[string]any `json:"artifacts,omitempty"`
}

// Node is one vertex of the graph: a worker node or the responder.
// Nodes never decide routing; they only return a state patch
// (spec §4.4 "Nodes never decide routing; they only return data").
type Node interface {
	Name() string
	Run(ctx context.Context, state *workflowstate.State) (map[string]any, error)
}

// Config wires a Graph to its collaborators.
type Config struct {
	Orchestrator   *orchestrator.Orchestrator
	Supervisor     *supervisor.Supervisor
	Checkpoints    *checkpoint.Store
	MaxIterations  int           // default 20, spec §6 MAX_ITERATIONS
	MaxErrors      int           // default 3, spec §6 MAX_ERRORS
	DefaultTimeout time.Duration // per-node call timeout, default 120s
	// Metrics is optional; when nil, no instruments are recorded.
	Metrics *observability.Metrics
}

func (c *Config) setDefaults() {
	if c.MaxIterations == 0 {
		c.MaxIterations = 20
	}
	if c.MaxErrors == 0 {
		c.MaxErrors = workflowstate.MaxErrorsDefault
	}
	if c.DefaultTimeout == 0 {
		c.DefaultTimeout = 120 * time.Second
	}
}

// Graph hosts the node inventory and drives sessions through it.
type Graph struct {
	cfg      Config
	nodes    map[string]Node
	progress *progressRouter
}

// New builds a Graph with the five worker nodes of spec §4.5 wired to
// the given orchestrator.
func New(cfg Config) *Graph {
	cfg.setDefaults()
	g := &Graph{cfg: cfg, progress: newProgressRouter()}
	g.nodes = map[string]Node{
		supervisor.Research: newWorkerNode(supervisor.Research, "research", cfg.Orchestrator, cfg.DefaultTimeout,
			buildResearchArgs, parseResearch),
		supervisor.Architect: newWorkerNode(supervisor.Architect, "design", cfg.Orchestrator, cfg.DefaultTimeout,
			buildArchitectArgs, parseArchitect),
		supervisor.Codesmith: newWorkerNode(supervisor.Codesmith, "generate", cfg.Orchestrator, cfg.DefaultTimeout,
			buildCodesmithArgs, parseCodesmith),
		supervisor.ReviewFix: newWorkerNode(supervisor.ReviewFix, "review_and_fix", cfg.Orchestrator, cfg.DefaultTimeout,
			buildReviewFixArgs, parseReviewFix),
		supervisor.Responder: newWorkerNode(supervisor.Responder, "format_response", cfg.Orchestrator, cfg.DefaultTimeout,
			buildResponderArgs(cfg.MaxErrors, cfg.MaxIterations), parseResponder),
	}
	return g
}

// OnProgress is registered as the orchestrator's ProgressCallback. It
// attributes a notification to whichever node currently owns that
// server's progress channel (safe because the orchestrator serializes
// calls per worker, so exactly one node is ever in flight per server).
func (g *Graph) OnProgress(server, message string, progress float64) {
	g.progress.dispatch(server, message, progress)
}

// Run starts a new session and streams its events until the graph
// terminates or suspends on hitl (spec §4.4, §4.6).
func (g *Graph) Run(ctx context.Context, sessionID, goal, workspacePath string) iter.Seq2[*Event, error] {
	return func(yield func(*Event, error) bool) {
		state := workflowstate.New(sessionID, goal, workspacePath)
		g.drive(ctx, state, yield)
	}
}

// Resume reloads the latest checkpoint for sessionID, folds in the
// client's hitl_response, and re-enters the decision loop at
// supervisor (spec §4.4 hitl node "on resume" semantics).
func (g *Graph) Resume(ctx context.Context, sessionID string, response workflowstate.HITLResponse) iter.Seq2[*Event, error] {
	return func(yield func(*Event, error) bool) {
		state, err := g.cfg.Checkpoints.LoadLatest(ctx, sessionID)
		if err != nil {
			yield(nil, fmt.Errorf("graph: resuming session %s: %w", sessionID, err))
			return
		}

		state.HITLResponse = &response
		state.AwaitingHuman = false
		state.RequiresClarification = false
		switch {
		case response.Clarification != "":
			state.Instructions = response.Clarification
		case response.Selection != 0:
			state.Instructions = fmt.Sprintf("User selected option %d in response to the clarification request.", response.Selection)
		}
		state.Messages = append(state.Messages, workflowstate.Message{Role: "user", Content: state.Instructions})

		g.drive(ctx, state, yield)
	}
}

// drive is the supervisor -> node -> supervisor cycle of spec §4.4,
// shared by Run and Resume.
func (g *Graph) drive(ctx context.Context, state *workflowstate.State, yield func(*Event, error) bool) {
	for {
		if err := ctx.Err(); err != nil {
			g.checkpoint(ctx, state)
			return
		}

		if state.Iteration >= g.cfg.MaxIterations {
			g.appendError(state, "graph", fmt.Errorf("iteration budget exhausted after %d iterations", state.Iteration))
			if g.runTerminal(ctx, supervisor.Responder, state, yield) {
				g.emitComplete(ctx, state, yield)
			}
			return
		}

		if !g.emit(yield, &Event{Type: EventWorkflow, SessionID: state.SessionID, Node: "supervisor"}) {
			return
		}

		cmd, err := g.cfg.Supervisor.Decide(ctx, state)
		if err != nil {
			// Supervisor itself already exhausts its own retry budget
			// before returning an error, so this is fatal: fall back
			// to hitl with a raw impasse record.
			g.appendError(state, "supervisor", err)
			cmd = &workflowstate.RoutingCommand{
				Goto:   workflowstate.GotoHITL,
				Update: map[string]any{"requires_clarification": true},
			}
		}

		state.Iteration++
		if g.cfg.Metrics != nil {
			g.cfg.Metrics.Iterations.WithLabelValues(state.SessionID).Inc()
		}
		updateKeys := sortedKeys(cmd.Update)
		if err := state.ApplyUpdate(cmd.Update); err != nil {
			g.appendError(state, "graph", err)
		}

		switch cmd.Goto {
		case workflowstate.GotoEnd:
			if !g.emit(yield, &Event{Type: EventWorkflow, SessionID: state.SessionID, Node: workflowstate.GotoEnd, UpdateKeys: updateKeys}) {
				return
			}
			g.emitComplete(ctx, state, yield)
			return

		case workflowstate.GotoHITL:
			state.AwaitingHuman = true
			g.checkpoint(ctx, state)
			g.emit(yield, &Event{
				Type:          EventWorkflow,
				SessionID:     state.SessionID,
				Node:          "hitl",
				UpdateKeys:    updateKeys,
				Clarification: state.Instructions,
			})
			return // suspend; Resume re-enters the loop later

		default:
			node, ok := g.nodes[cmd.Goto]
			if !ok {
				g.appendError(state, "graph", fmt.Errorf("unknown routing target %q", cmd.Goto))
				g.checkpoint(ctx, state)
				continue
			}
			if !g.emit(yield, &Event{Type: EventWorkflow, SessionID: state.SessionID, Node: node.Name(), UpdateKeys: updateKeys}) {
				return
			}

			patch, runErr, ok := g.runNode(ctx, node, state, yield)
			if !ok {
				return
			}
			if runErr != nil {
				g.appendError(state, node.Name(), runErr)
				if !g.emit(yield, &Event{Type: EventError, SessionID: state.SessionID, Server: node.Name(), Error: runErr.Error()}) {
					return
				}
			} else if err := state.ApplyUpdate(patch); err != nil {
				g.appendError(state, node.Name(), err)
			}
			state.RecordInvocation(node.Name())
			g.checkpoint(ctx, state)
		}
	}
}

// runTerminal invokes a node directly, outside supervisor routing,
// used only for the forced post-budget responder run (spec §4.4
// "synthesize an error, route to responder once, then terminate").
func (g *Graph) runTerminal(ctx context.Context, name string, state *workflowstate.State, yield func(*Event, error) bool) bool {
	node, ok := g.nodes[name]
	if !ok {
		return g.emit(yield, &Event{Type: EventError, SessionID: state.SessionID, Error: fmt.Sprintf("node %q not registered", name)})
	}
	if !g.emit(yield, &Event{Type: EventWorkflow, SessionID: state.SessionID, Node: node.Name()}) {
		return false
	}
	patch, runErr, ok := g.runNode(ctx, node, state, yield)
	if !ok {
		return false
	}
	if runErr != nil {
		g.appendError(state, node.Name(), runErr)
		if !g.emit(yield, &Event{Type: EventError, SessionID: state.SessionID, Server: node.Name(), Error: runErr.Error()}) {
			return false
		}
	} else if err := state.ApplyUpdate(patch); err != nil {
		g.appendError(state, node.Name(), err)
	}
	state.RecordInvocation(node.Name())
	g.checkpoint(ctx, state)
	return true
}

// runNode executes one node while forwarding its progress
// notifications as agent_event values, until the node returns or the
// caller stops consuming events.
func (g *Graph) runNode(ctx context.Context, node Node, state *workflowstate.State, yield func(*Event, error) bool) (map[string]any, error, bool) {
	ch := make(chan progressUpdate, 32)
	g.progress.register(node.Name(), ch)
	defer g.progress.deregister(node.Name())

	type outcome struct {
		patch map[string]any
		err   error
	}
	done := make(chan outcome, 1)
	start := time.Now()
	go func() {
		patch, err := node.Run(ctx, state)
		if g.cfg.Metrics != nil {
			outcomeLabel := "ok"
			if err != nil {
				outcomeLabel = "error"
			}
			g.cfg.Metrics.WorkerCalls.WithLabelValues(node.Name(), node.Name(), outcomeLabel).Inc()
			g.cfg.Metrics.WorkerSecs.WithLabelValues(node.Name(), node.Name()).Observe(time.Since(start).Seconds())
		}
		done <- outcome{patch, err}
	}()

	var final outcome
loop:
	for {
		select {
		case pu := <-ch:
			if !g.emit(yield, &Event{Type: EventAgent, SessionID: state.SessionID, Server: node.Name(), Message: pu.message, Progress: pu.progress}) {
				return nil, nil, false
			}
		case final = <-done:
			break loop
		}
	}

	// Drain any progress notifications buffered right before completion.
	for {
		select {
		case pu := <-ch:
			if !g.emit(yield, &Event{Type: EventAgent, SessionID: state.SessionID, Server: node.Name(), Message: pu.message, Progress: pu.progress}) {
				return nil, nil, false
			}
		default:
			return final.patch, final.err, true
		}
	}
}

// appendError records a failure on state and, when metrics are
// configured, increments the error counter under the source label
// (spec §2 core observability surface: "error count").
func (g *Graph) appendError(state *workflowstate.State, source string, err error) {
	state.AppendError(source, err)
	if g.cfg.Metrics != nil {
		g.cfg.Metrics.Errors.WithLabelValues(source).Inc()
	}
}

func (g *Graph) emit(yield func(*Event, error) bool, ev *Event) bool {
	ev.Timestamp = time.Now()
	return yield(ev, nil)
}

func (g *Graph) emitComplete(ctx context.Context, state *workflowstate.State, yield func(*Event, error) bool) {
	artifacts := map[string]any{}
	if state.Architecture != nil {
		artifacts["architecture"] = state.Architecture
	}
	if len(state.GeneratedFiles) > 0 {
		artifacts["generated_files"] = state.GeneratedFiles
	}
	if state.ValidationResults != nil {
		artifacts["validation_results"] = state.ValidationResults
	}
	g.emit(yield, &Event{
		Type:         EventComplete,
		SessionID:    state.SessionID,
		UserResponse: state.UserResponse,
		Artifacts:    artifacts,
	})
	if err := g.cfg.Checkpoints.Clear(ctx, state.SessionID); err != nil {
		slog.Warn("graph: clearing checkpoints after completion", "session_id", state.SessionID, "error", err)
	}
}

func (g *Graph) checkpoint(ctx context.Context, state *workflowstate.State) {
	if g.cfg.Checkpoints == nil {
		return
	}
	if err := g.cfg.Checkpoints.Save(ctx, state); err != nil {
		slog.Error("graph: checkpoint save failed", "session_id", state.SessionID, "iteration", state.Iteration, "error", err)
	}
}

func sortedKeys(m map[string]any) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// progressUpdate is one $/progress notification relayed from the
// orchestrator to the node currently calling that worker.
type progressUpdate struct {
	message  string
	progress float64
}

// progressRouter attributes a worker's progress notifications to
// whichever node is currently calling it. It relies on the
// orchestrator serializing calls per worker (internal/orchestrator's
// callMu), so at most one node ever owns a server's channel at a time.
type progressRouter struct {
	mu    sync.Mutex
	chans map[string]chan<- progressUpdate
}

func newProgressRouter() *progressRouter {
	return &progressRouter{chans: make(map[string]chan<- progressUpdate)}
}

func (r *progressRouter) register(server string, ch chan<- progressUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chans[server] = ch
}

func (r *progressRouter) deregister(server string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.chans, server)
}

func (r *progressRouter) dispatch(server, message string, progress float64) {
	r.mu.Lock()
	ch, ok := r.chans[server]
	r.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- progressUpdate{message: message, progress: progress}:
	default:
		slog.Warn("graph: dropping progress notification, channel full", "server", server)
	}
}
