package orchestrator

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devflow/orchestrator/internal/jsonrpc"
)

// TestMain re-execs this test binary as a tiny worker process when
// GO_WANT_HELPER_PROCESS is set, mirroring the os/exec package's own
// test harness pattern. The real `orchestratord worker <name>`
// subprocess is exercised end-to-end here without needing a built
// binary on disk.
func TestMain(m *testing.M) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") == "1" {
		runHelperWorker()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

// runHelperWorker speaks just enough of the worker protocol (spec
// §4.1) to exercise the orchestrator: it answers initialize and
// tools/list, and for tools/call branches on the requested behavior
// named in arguments["behavior"].
func runHelperWorker() {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		var req jsonrpc.Request
		if err := json.Unmarshal(line, &req); err != nil {
			continue
		}
		switch req.Method {
		case "initialize":
			writeResult(req.ID, map[string]any{})
		case "tools/list":
			writeResult(req.ID, map[string]any{"tools": []map[string]any{{"name": "echo", "input_schema": map[string]any{}}}})
		case "tools/call":
			handleHelperToolCall(req)
		}
	}
}

func handleHelperToolCall(req jsonrpc.Request) {
	var params struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	_ = json.Unmarshal(req.Params, &params)

	behavior, _ := params.Arguments["behavior"].(string)
	switch behavior {
	case "progress_then_respond":
		writeProgress("halfway", 0.5)
		writeToolResult(req.ID, map[string]any{"echoed": params.Arguments["text"]})
	case "progress_only_never_respond":
		writeProgress("stuck", 0.1)
		// deliberately never writes a response
	case "tool_error":
		writeToolError(req.ID, -32000, "deliberate tool failure")
	case "crash":
		os.Exit(1)
	default:
		writeToolResult(req.ID, map[string]any{"workspace": params.Arguments["workspace_path"]})
	}
}

func writeResult(id int64, result any) {
	raw, _ := json.Marshal(result)
	resp := jsonrpc.Response{JSONRPC: jsonrpc.Version, ID: id, Result: raw}
	b, _ := json.Marshal(resp)
	fmt.Fprintln(os.Stdout, string(b))
}

func writeToolResult(id int64, payload any) {
	text, _ := json.Marshal(payload)
	content := map[string]any{"content": []map[string]any{{"type": "text", "text": string(text)}}}
	writeResult(id, content)
}

func writeToolError(id int64, code int, message string) {
	resp := jsonrpc.Response{JSONRPC: jsonrpc.Version, ID: id, Error: &jsonrpc.Error{Code: code, Message: message}}
	b, _ := json.Marshal(resp)
	fmt.Fprintln(os.Stdout, string(b))
}

func writeProgress(message string, progress float64) {
	params, _ := json.Marshal(jsonrpc.ProgressParams{Message: message, Progress: progress})
	note := jsonrpc.Notification{JSONRPC: jsonrpc.Version, Method: jsonrpc.MethodProgress, Params: params}
	b, _ := json.Marshal(note)
	fmt.Fprintln(os.Stdout, string(b))
}

func helperWorkerSpec(name string) WorkerSpec {
	return WorkerSpec{
		Name:    name,
		Command: os.Args[0],
		Args:    []string{"-test.run=TestMain"},
		Env:     append(os.Environ(), "GO_WANT_HELPER_PROCESS=1"),
	}
}

func newTestOrchestrator(t *testing.T, onProgress ProgressCallback, names ...string) *Orchestrator {
	t.Helper()
	var specs []WorkerSpec
	for _, n := range names {
		specs = append(specs, helperWorkerSpec(n))
	}
	o := New(Config{
		Workers:        specs,
		WorkspacePath:  "/ws",
		DefaultTimeout: 2 * time.Second,
		ReadTimeout:    500 * time.Millisecond,
		AutoReconnect:  true,
		OnProgress:     onProgress,
	})
	require.NoError(t, o.Initialize(context.Background()))
	t.Cleanup(func() { _ = o.Close() })
	return o
}

func TestInitializeCachesToolCatalogue(t *testing.T) {
	o := newTestOrchestrator(t, nil, "research")
	tools := o.Tools("research")
	require.Len(t, tools, 1)
	assert.Equal(t, "echo", tools[0].Name)
	assert.True(t, o.IsAlive("research"))
}

func TestCallReturnsMatchingResponseAndForwardsProgressFirst(t *testing.T) {
	progressed := make(chan string, 4)
	o := newTestOrchestrator(t, func(server, message string, progress float64) {
		progressed <- message
	}, "research")

	raw, err := o.Call(context.Background(), "research", "echo",
		map[string]any{"behavior": "progress_then_respond", "text": "hello"}, 0)
	require.NoError(t, err)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(raw, &payload))
	assert.Equal(t, "hello", payload["echoed"])

	select {
	case msg := <-progressed:
		assert.Equal(t, "halfway", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a progress notification forwarded before the response was consumed")
	}
}

func TestCallInjectsWorkspacePathWhenAbsent(t *testing.T) {
	o := newTestOrchestrator(t, nil, "research")
	raw, err := o.Call(context.Background(), "research", "echo", map[string]any{}, 0)
	require.NoError(t, err)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(raw, &payload))
	assert.Equal(t, "/ws", payload["workspace"])
}

func TestCallSurfacesToolErrorAsStructuredError(t *testing.T) {
	o := newTestOrchestrator(t, nil, "research")
	_, err := o.Call(context.Background(), "research", "echo", map[string]any{"behavior": "tool_error"}, 0)
	require.Error(t, err)

	var toolErr *ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, -32000, toolErr.Err.Code)
}

func TestCallTimesOutWhenWorkerOnlyEmitsProgress(t *testing.T) {
	o := newTestOrchestrator(t, nil, "research")
	_, err := o.Call(context.Background(), "research", "echo",
		map[string]any{"behavior": "progress_only_never_respond"}, 100*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCallTimeout)
}

func TestCallToUnknownWorkerErrors(t *testing.T) {
	o := newTestOrchestrator(t, nil, "research")
	_, err := o.Call(context.Background(), "nonexistent", "echo", nil, 0)
	assert.Error(t, err)
}

func TestCallMultipleReturnsResultsInInputOrder(t *testing.T) {
	o := newTestOrchestrator(t, nil, "research", "architect")
	results := o.CallMultiple(context.Background(), []BatchCall{
		{Server: "research", Tool: "echo", Arguments: map[string]any{"text": "a"}},
		{Server: "architect", Tool: "echo", Arguments: map[string]any{"text": "b"}},
	})
	require.Len(t, results, 2)
	require.NoError(t, results[0].Err)
	require.NoError(t, results[1].Err)

	var first, second map[string]any
	require.NoError(t, json.Unmarshal(results[0].Result, &first))
	require.NoError(t, json.Unmarshal(results[1].Result, &second))
}

func TestReconnectAfterWorkerCrash(t *testing.T) {
	o := newTestOrchestrator(t, nil, "research")

	_, err := o.Call(context.Background(), "research", "echo", map[string]any{"behavior": "crash"}, 0)
	// The crash itself either surfaces as an error on this call or
	// leaves the worker dead for the orchestrator to notice on the
	// next call; either is acceptable, spec §7 only requires the
	// *next* call to succeed once auto-reconnect kicks in.
	_ = err

	require.Eventually(t, func() bool {
		_, err := o.Call(context.Background(), "research", "echo", map[string]any{}, time.Second)
		return err == nil
	}, 3*time.Second, 50*time.Millisecond)
}
