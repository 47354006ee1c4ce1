// Package workerproto implements the worker side of the JSON-RPC
// protocol described in spec §4.1: a long-running subprocess that
// reads newline-delimited requests from stdin, dispatches them to a
// ToolHandler, and writes responses (and optional progress
// notifications) to stdout. All diagnostic output goes to stderr.
package workerproto

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/devflow/orchestrator/internal/jsonrpc"
)

// ToolSpec describes one callable tool in a worker's catalogue.
type ToolSpec struct {
	Name        string         `json:"name"`
	InputSchema map[string]any `json:"input_schema"`
}

// ToolCall carries everything a tool implementation needs, including a
// Progress reporter it may call zero or more times while it runs.
type ToolCall struct {
	WorkspacePath string
	Arguments     map[string]any
	Progress      func(message string, progress float64)
}

// ToolFunc implements one tool. The returned value is marshaled as the
// tool-specific JSON result and wrapped in {content:[{type:"text",text}]}
// by the Server.
type ToolFunc func(ctx context.Context, call ToolCall) (any, error)

// Server hosts one agent's tools behind the worker wire protocol.
//
// Execution is single-threaded and cooperative: Serve handles one
// request fully (including any progress notifications it emits)
// before reading the next line. There is no shared mutable state
// across requests beyond the workspace root captured at initialize.
type Server struct {
	name  string
	tools map[string]ToolFunc
	specs []ToolSpec

	mu            sync.Mutex
	workspacePath string
	initialized   bool

	// ReadQuietPeriod aborts the stdin read loop if no line arrives
	// within this duration, guarding against a dead orchestrator
	// (spec §4.1 "standard-input read policy").
	ReadQuietPeriod time.Duration
}

// NewServer creates a worker server. name is used only in log lines.
func NewServer(name string) *Server {
	return &Server{
		name:            name,
		tools:           make(map[string]ToolFunc),
		ReadQuietPeriod: 300 * time.Second,
	}
}

// Register adds a tool to the catalogue.
func (s *Server) Register(spec ToolSpec, fn ToolFunc) {
	s.specs = append(s.specs, spec)
	s.tools[spec.Name] = fn
}

// Serve runs the read-dispatch-write loop until EOF on r. Responses and
// notifications are written to w (typically os.Stdout); diagnostics go
// through the default slog logger (typically os.Stderr).
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	slog.Info("worker ready", "worker", s.name)

	out := &lineWriter{w: w, mu: &sync.Mutex{}}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		for scanner.Scan() {
			buf := make([]byte, len(scanner.Bytes()))
			copy(buf, scanner.Bytes())
			lines <- buf
		}
		scanErr <- scanner.Err()
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				slog.Info("worker exiting on EOF", "worker", s.name)
				return <-scanErr
			}
			if len(line) == 0 {
				continue
			}
			s.handleLine(ctx, line, out)
		case <-time.After(s.ReadQuietPeriod):
			return fmt.Errorf("worker %s: no input for %s, aborting", s.name, s.ReadQuietPeriod)
		}
	}
}

func (s *Server) handleLine(ctx context.Context, line []byte, out *lineWriter) {
	kind, req, _, _, err := jsonrpc.Parse(line)
	if err != nil || kind != jsonrpc.KindRequest {
		slog.Error("worker received malformed or non-request line", "worker", s.name, "error", err)
		return
	}

	resp := s.dispatch(ctx, req, out)
	if err := out.WriteJSON(resp); err != nil {
		slog.Error("worker failed writing response", "worker", s.name, "error", err)
	}
}

func (s *Server) dispatch(ctx context.Context, req *jsonrpc.Request, out *lineWriter) *jsonrpc.Response {
	switch req.Method {
	case "initialize":
		return s.handleInitialize(req)
	case "tools/list":
		return s.handleToolsList(req)
	case "tools/call":
		return s.handleToolsCall(ctx, req, out)
	case jsonrpc.MethodCancel:
		// Cancellation of the in-flight call is cooperative; single
		// threaded execution means there is nothing queued behind it.
		return &jsonrpc.Response{JSONRPC: jsonrpc.Version, ID: req.ID, Result: json.RawMessage(`{}`)}
	default:
		return errorResponse(req.ID, jsonrpc.CodeMethodNotFound, fmt.Sprintf("unknown method %q", req.Method))
	}
}

type initializeParams struct {
	WorkspacePath string `json:"workspace_path"`
}

func (s *Server) handleInitialize(req *jsonrpc.Request) *jsonrpc.Response {
	var p initializeParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return errorResponse(req.ID, jsonrpc.CodeInvalidParams, err.Error())
	}

	s.mu.Lock()
	s.workspacePath = p.WorkspacePath
	s.initialized = true
	s.mu.Unlock()

	return &jsonrpc.Response{JSONRPC: jsonrpc.Version, ID: req.ID, Result: json.RawMessage(`{}`)}
}

func (s *Server) handleToolsList(req *jsonrpc.Request) *jsonrpc.Response {
	result, err := json.Marshal(map[string]any{"tools": s.specs})
	if err != nil {
		return errorResponse(req.ID, jsonrpc.CodeToolFailureBase, err.Error())
	}
	return &jsonrpc.Response{JSONRPC: jsonrpc.Version, ID: req.ID, Result: result}
}

type toolsCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

func (s *Server) handleToolsCall(ctx context.Context, req *jsonrpc.Request, out *lineWriter) *jsonrpc.Response {
	var p toolsCallParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return errorResponse(req.ID, jsonrpc.CodeInvalidParams, err.Error())
	}

	fn, ok := s.tools[p.Name]
	if !ok {
		return errorResponse(req.ID, jsonrpc.CodeMethodNotFound, fmt.Sprintf("unknown tool %q", p.Name))
	}

	s.mu.Lock()
	workspace := s.workspacePath
	s.mu.Unlock()

	if p.Arguments == nil {
		p.Arguments = map[string]any{}
	}
	if _, ok := p.Arguments["workspace_path"]; !ok {
		p.Arguments["workspace_path"] = workspace
	}

	call := ToolCall{
		WorkspacePath: workspace,
		Arguments:     p.Arguments,
		Progress: func(message string, progress float64) {
			s.emitProgress(out, message, progress)
		},
	}

	result, err := fn(ctx, call)
	if err != nil {
		var toolErr *jsonrpc.Error
		if errors.As(err, &toolErr) {
			return &jsonrpc.Response{JSONRPC: jsonrpc.Version, ID: req.ID, Error: toolErr}
		}
		return errorResponse(req.ID, jsonrpc.CodeToolFailureBase, err.Error())
	}

	text, err := json.Marshal(result)
	if err != nil {
		return errorResponse(req.ID, jsonrpc.CodeToolFailureBase, err.Error())
	}

	content := map[string]any{
		"content": []map[string]any{
			{"type": "text", "text": string(text)},
		},
	}
	resultJSON, err := json.Marshal(content)
	if err != nil {
		return errorResponse(req.ID, jsonrpc.CodeToolFailureBase, err.Error())
	}

	return &jsonrpc.Response{JSONRPC: jsonrpc.Version, ID: req.ID, Result: resultJSON}
}

func (s *Server) emitProgress(out *lineWriter, message string, progress float64) {
	params, _ := json.Marshal(jsonrpc.ProgressParams{Message: message, Progress: progress, Server: s.name})
	note := jsonrpc.Notification{JSONRPC: jsonrpc.Version, Method: jsonrpc.MethodProgress, Params: params}
	if err := out.WriteJSON(note); err != nil {
		slog.Error("worker failed writing progress notification", "worker", s.name, "error", err)
	}
}

func errorResponse(id int64, code int, message string) *jsonrpc.Response {
	return &jsonrpc.Response{
		JSONRPC: jsonrpc.Version,
		ID:      id,
		Error:   &jsonrpc.Error{Code: code, Message: message},
	}
}

// lineWriter serializes concurrent writers (tool execution goroutine
// vs. the main dispatch loop) onto a single newline-delimited stream.
type lineWriter struct {
	w  io.Writer
	mu *sync.Mutex
}

func (l *lineWriter) WriteJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.w.Write(append(b, '\n')); err != nil {
		return err
	}
	return nil
}
