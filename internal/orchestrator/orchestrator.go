// Package orchestrator owns worker subprocesses and routes tool calls
// to them, as described in spec §4.2. It is a process-wide singleton:
// one Orchestrator instance is shared by every session.
package orchestrator

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/devflow/orchestrator/internal/jsonrpc"
)

// Sentinel errors distinguishing transport failures from tool failures
// (spec §7, and the MCPConnectionError/MCPToolError split in the
// original Python mcp_manager.py).
var (
	ErrWorkerDead  = errors.New("orchestrator: worker process is not running")
	ErrCallTimeout = errors.New("orchestrator: call timed out")
	ErrReadTimeout = errors.New("orchestrator: read from worker timed out")
)

// ToolError wraps the structured error object a worker returned.
type ToolError struct {
	Server string
	Tool   string
	Err    *jsonrpc.Error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("orchestrator: %s.%s failed: %s (code %d)", e.Server, e.Tool, e.Err.Message, e.Err.Code)
}

func (e *ToolError) Unwrap() error { return e.Err }

// WorkerSpec configures one subprocess the Orchestrator supervises.
type WorkerSpec struct {
	Name string
	// Command and Args launch the worker, e.g. the orchestrator's own
	// binary re-invoked as `orchestratord worker research`.
	Command string
	Args    []string
	// Env is an explicit, minimal environment passed to the
	// subprocess — it is never the full inherited environment, so
	// unrelated process state cannot leak between sessions.
	Env []string
}

// ProgressCallback receives (server, message, progress) tuples. It
// must not block; the Orchestrator invokes it synchronously from the
// goroutine performing the call, in arrival order and before that
// call's response is returned.
type ProgressCallback func(server, message string, progress float64)

// Config configures an Orchestrator.
type Config struct {
	Workers          []WorkerSpec
	WorkspacePath    string
	HandshakeTimeout time.Duration // default 5s, per call to initialize/tools/list
	DefaultTimeout   time.Duration // default 120s, per spec §6 DEFAULT_CALL_TIMEOUT_S
	ReadTimeout      time.Duration // default 15s, per spec §6 READ_TIMEOUT_S
	AutoReconnect    bool
	OnProgress       ProgressCallback
}

func (c *Config) setDefaults() {
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.DefaultTimeout == 0 {
		c.DefaultTimeout = 120 * time.Second
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 15 * time.Second
	}
}

type worker struct {
	spec WorkerSpec

	mu      sync.Mutex
	callMu  sync.Mutex // serializes the full write+read exchange of one call
	cmd     *exec.Cmd
	stdin   *bufio.Writer
	lines   chan []byte
	scanErr chan error
	tools   []workerproto_ToolSpec
	alive   bool
	// exited is closed once the spawn goroutine's cmd.Wait() returns.
	// It is the only caller of Wait (os/exec permits exactly one);
	// closeWorker signals the process and waits on this channel
	// instead of calling Wait itself.
	exited chan struct{}
}

type workerproto_ToolSpec struct {
	Name        string         `json:"name"`
	InputSchema map[string]any `json:"input_schema"`
}

// Orchestrator spawns, supervises, and routes calls to worker
// subprocesses.
type Orchestrator struct {
	cfg     Config
	nextID  atomic.Int64
	mu      sync.RWMutex
	workers map[string]*worker
}

// New constructs an Orchestrator without spawning anything yet.
func New(cfg Config) *Orchestrator {
	cfg.setDefaults()
	return &Orchestrator{cfg: cfg, workers: make(map[string]*worker)}
}

// Initialize spawns every configured worker in parallel and performs
// the initialize/tools/list handshake on each, caching tool
// catalogues. It fails loudly (returns an aggregate error) if any
// worker fails to start (spec §4.2).
func (o *Orchestrator) Initialize(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, spec := range o.cfg.Workers {
		spec := spec
		g.Go(func() error {
			w, err := o.spawn(spec)
			if err != nil {
				return fmt.Errorf("spawning worker %s: %w", spec.Name, err)
			}

			hctx, cancel := context.WithTimeout(ctx, o.cfg.HandshakeTimeout)
			defer cancel()

			if _, err := o.callWorker(hctx, w, "initialize", map[string]any{"workspace_path": o.cfg.WorkspacePath}, o.cfg.HandshakeTimeout); err != nil {
				return fmt.Errorf("initializing worker %s: %w", spec.Name, err)
			}

			hctx2, cancel2 := context.WithTimeout(ctx, o.cfg.HandshakeTimeout)
			defer cancel2()
			raw, err := o.callWorker(hctx2, w, "tools/list", map[string]any{}, o.cfg.HandshakeTimeout)
			if err != nil {
				return fmt.Errorf("listing tools for worker %s: %w", spec.Name, err)
			}

			var listed struct {
				Tools []workerproto_ToolSpec `json:"tools"`
			}
			if err := json.Unmarshal(raw, &listed); err != nil {
				return fmt.Errorf("decoding tool list for worker %s: %w", spec.Name, err)
			}

			w.mu.Lock()
			w.tools = listed.Tools
			w.mu.Unlock()

			o.mu.Lock()
			o.workers[spec.Name] = w
			o.mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

func (o *Orchestrator) spawn(spec WorkerSpec) (*worker, error) {
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Env = spec.Env
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	w := &worker{
		spec:    spec,
		cmd:     cmd,
		stdin:   bufio.NewWriter(stdin),
		lines:   make(chan []byte),
		scanErr: make(chan error, 1),
		alive:   true,
		exited:  make(chan struct{}),
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	go func() {
		for scanner.Scan() {
			buf := make([]byte, len(scanner.Bytes()))
			copy(buf, scanner.Bytes())
			w.lines <- buf
		}
		w.scanErr <- scanner.Err()
		close(w.lines)
	}()

	go func() {
		_ = cmd.Wait()
		w.mu.Lock()
		w.alive = false
		w.mu.Unlock()
		close(w.exited)
	}()

	return w, nil
}

// Call allocates a monotonically increasing request id, writes the
// JSON-RPC request to the target worker's stdin, then reads lines from
// its stdout until the matching response arrives, forwarding any
// $/progress notifications to the registered callback (spec §4.2).
func (o *Orchestrator) Call(ctx context.Context, server, tool string, arguments map[string]any, timeout time.Duration) (json.RawMessage, error) {
	if timeout == 0 {
		timeout = o.cfg.DefaultTimeout
	}

	o.mu.RLock()
	w, ok := o.workers[server]
	o.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("orchestrator: unknown worker %q", server)
	}

	w.mu.Lock()
	alive := w.alive
	w.mu.Unlock()

	if !alive {
		if !o.cfg.AutoReconnect {
			return nil, fmt.Errorf("%w: %s", ErrWorkerDead, server)
		}
		if err := o.reconnect(ctx, server); err != nil {
			return nil, err
		}
		o.mu.RLock()
		w = o.workers[server]
		o.mu.RUnlock()
	}

	if arguments == nil {
		arguments = map[string]any{}
	}
	if _, ok := arguments["workspace_path"]; !ok {
		arguments["workspace_path"] = o.cfg.WorkspacePath
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := o.callWorker(cctx, w, "tools/call", map[string]any{"name": tool, "arguments": arguments}, timeout)
	if err != nil {
		var toolErr *jsonrpc.Error
		if errors.As(err, &toolErr) {
			return nil, &ToolError{Server: server, Tool: tool, Err: toolErr}
		}
		if alive && o.cfg.AutoReconnect && errors.Is(err, ErrWorkerDead) {
			if rerr := o.reconnect(ctx, server); rerr == nil {
				o.mu.RLock()
				w = o.workers[server]
				o.mu.RUnlock()
				return o.callWorker(cctx, w, "tools/call", map[string]any{"name": tool, "arguments": arguments}, timeout)
			}
		}
		return nil, err
	}

	var envelope struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(result, &envelope); err != nil {
		return nil, fmt.Errorf("orchestrator: decoding tool content envelope: %w", err)
	}
	if len(envelope.Content) == 0 {
		return nil, fmt.Errorf("orchestrator: worker %s.%s returned no content", server, tool)
	}
	return json.RawMessage(envelope.Content[0].Text), nil
}

// callWorker performs the raw request/response exchange for methods
// that don't need the tools/call content-envelope unwrap (initialize,
// tools/list) as well as tools/call itself.
func (o *Orchestrator) callWorker(ctx context.Context, w *worker, method string, params any, readTimeout time.Duration) (json.RawMessage, error) {
	// A worker is single-threaded on stdin/stdout: only one request may
	// be in flight at a time, or two callers would race reading each
	// other's response off the shared lines channel (spec §5 ordering
	// guarantee). callMu serializes the full write-then-read exchange.
	w.callMu.Lock()
	defer w.callMu.Unlock()

	id := o.nextID.Add(1)

	req, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}
	line, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	if !w.alive {
		w.mu.Unlock()
		return nil, ErrWorkerDead
	}
	_, writeErr := w.stdin.Write(append(line, '\n'))
	if writeErr == nil {
		writeErr = w.stdin.Flush()
	}
	w.mu.Unlock()
	if writeErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrWorkerDead, writeErr)
	}

	lastProgress := time.Now()
	perLineTimeout := o.cfg.ReadTimeout
	if perLineTimeout == 0 || perLineTimeout > readTimeout {
		perLineTimeout = readTimeout
	}

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrCallTimeout, ctx.Err())
		case raw, ok := <-w.lines:
			if !ok {
				return nil, ErrWorkerDead
			}
			kind, _, resp, note, perr := jsonrpc.Parse(raw)
			if perr != nil {
				slog.Warn("orchestrator discarding unparsable line", "worker", w.spec.Name, "error", perr)
				continue
			}
			switch kind {
			case jsonrpc.KindNotification:
				if note.Method == jsonrpc.MethodProgress {
					var p jsonrpc.ProgressParams
					if err := json.Unmarshal(note.Params, &p); err == nil && o.cfg.OnProgress != nil {
						o.cfg.OnProgress(w.spec.Name, p.Message, p.Progress)
					}
					lastProgress = time.Now()
				}
				continue
			case jsonrpc.KindResponse:
				if resp.ID != id {
					slog.Warn("orchestrator discarding response for unrelated id", "worker", w.spec.Name, "expected", id, "got", resp.ID)
					continue
				}
				if resp.Error != nil {
					return nil, resp.Error
				}
				return resp.Result, nil
			default:
				slog.Warn("orchestrator discarding unrelated message", "worker", w.spec.Name)
				continue
			}
		case <-time.After(perLineTimeout):
			if time.Since(lastProgress) >= perLineTimeout {
				slog.Info("orchestrator still waiting on worker", "worker", w.spec.Name, "method", method)
			}
			// Global timeout (ctx) still governs; keep polling.
			continue
		}
	}
}

// CallMultiple dispatches a batch of calls in parallel, returning
// results in input order (spec §4.2 call_multiple).
type BatchCall struct {
	Server    string
	Tool      string
	Arguments map[string]any
	Timeout   time.Duration
}

type BatchResult struct {
	Result json.RawMessage
	Err    error
}

func (o *Orchestrator) CallMultiple(ctx context.Context, calls []BatchCall) []BatchResult {
	results := make([]BatchResult, len(calls))
	var wg sync.WaitGroup
	wg.Add(len(calls))
	for i, c := range calls {
		i, c := i, c
		go func() {
			defer wg.Done()
			res, err := o.Call(ctx, c.Server, c.Tool, c.Arguments, c.Timeout)
			results[i] = BatchResult{Result: res, Err: err}
		}()
	}
	wg.Wait()
	return results
}

// reconnect respawns a dead worker and retries its initialize/tools/list
// handshake (spec §4.2 reconnection policy).
func (o *Orchestrator) reconnect(ctx context.Context, server string) error {
	o.mu.RLock()
	spec := o.workers[server].spec
	o.mu.RUnlock()

	slog.Warn("orchestrator reconnecting dead worker", "worker", server)

	w, err := o.spawn(spec)
	if err != nil {
		return fmt.Errorf("reconnecting worker %s: %w", server, err)
	}

	hctx, cancel := context.WithTimeout(ctx, o.cfg.HandshakeTimeout)
	defer cancel()
	if _, err := o.callWorker(hctx, w, "initialize", map[string]any{"workspace_path": o.cfg.WorkspacePath}, o.cfg.HandshakeTimeout); err != nil {
		return fmt.Errorf("re-initializing worker %s: %w", server, err)
	}

	o.mu.Lock()
	o.workers[server] = w
	o.mu.Unlock()
	return nil
}

// Tools returns the cached tool catalogue for a worker.
func (o *Orchestrator) Tools(server string) []workerproto_ToolSpec {
	o.mu.RLock()
	defer o.mu.RUnlock()
	w, ok := o.workers[server]
	if !ok {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tools
}

// IsAlive reports whether a worker's process is currently running.
func (o *Orchestrator) IsAlive(server string) bool {
	o.mu.RLock()
	w, ok := o.workers[server]
	o.mu.RUnlock()
	if !ok {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.alive
}

// Close terminates all subprocesses gracefully: signal, bounded wait,
// kill if unresponsive.
func (o *Orchestrator) Close() error {
	o.mu.RLock()
	workers := make([]*worker, 0, len(o.workers))
	for _, w := range o.workers {
		workers = append(workers, w)
	}
	o.mu.RUnlock()

	var wg sync.WaitGroup
	wg.Add(len(workers))
	for _, w := range workers {
		w := w
		go func() {
			defer wg.Done()
			closeWorker(w)
		}()
	}
	wg.Wait()
	return nil
}

func closeWorker(w *worker) {
	w.mu.Lock()
	cmd := w.cmd
	w.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}

	// spawn()'s goroutine owns cmd.Wait() (os/exec permits exactly one
	// caller); signal the process and wait on w.exited, which that
	// goroutine closes once Wait returns, instead of waiting here too.
	_ = cmd.Process.Signal(os.Interrupt)

	select {
	case <-w.exited:
	case <-time.After(5 * time.Second):
		_ = cmd.Process.Kill()
	}
}
