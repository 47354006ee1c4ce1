package streamserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devflow/orchestrator/internal/checkpoint"
	"github.com/devflow/orchestrator/internal/graph"
	"github.com/devflow/orchestrator/internal/orchestrator"
	"github.com/devflow/orchestrator/internal/workflowstate"
)

func newTestCheckpointStore(t *testing.T) *checkpoint.Store {
	t.Helper()
	store, err := checkpoint.Open(filepath.Join(t.TempDir(), "checkpoints.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// idleOrchestrator has no workers registered, so every liveness check
// reports false without spawning any subprocess.
func idleOrchestrator() *orchestrator.Orchestrator {
	return orchestrator.New(orchestrator.Config{})
}

func TestHandleHealthzReportsWorkerLiveness(t *testing.T) {
	srv := New(graph.New(graph.Config{}), idleOrchestrator(), newTestCheckpointStore(t))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Workers map[string]bool `json:"workers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.False(t, body.Workers["research"])
	assert.Len(t, body.Workers, 5)
}

func TestHandleReadyzReturnsUnavailableWhenWorkersDown(t *testing.T) {
	srv := New(graph.New(graph.Config{}), idleOrchestrator(), newTestCheckpointStore(t))

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body struct {
		Ready bool `json:"ready"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.False(t, body.Ready)
}

func TestHandleSessionsPendingSurfacesAwaitingHumanRuns(t *testing.T) {
	store := newTestCheckpointStore(t)
	srv := New(graph.New(graph.Config{}), idleOrchestrator(), store)

	state := workflowstate.New("sess-pending-ws", "goal", "/ws")
	state.Iteration = 1
	state.AwaitingHuman = true
	require.NoError(t, store.Save(context.Background(), state))

	req := httptest.NewRequest(http.MethodGet, "/sessions/pending", nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Sessions []*workflowstate.State `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Sessions, 1)
	assert.Equal(t, "sess-pending-ws", body.Sessions[0].SessionID)
}

func TestHandleCancelInvokesRegisteredCancelFunc(t *testing.T) {
	srv := New(graph.New(graph.Config{}), idleOrchestrator(), newTestCheckpointStore(t))

	canceled := make(chan struct{})
	ctx, cancelFn := context.WithCancel(context.Background())
	go func() {
		<-ctx.Done()
		close(canceled)
	}()

	srv.registerSession("sess-x", cancelFn)
	srv.handleCancel("sess-x")

	select {
	case <-canceled:
	default:
		t.Fatal("expected cancel to have propagated to the registered context")
	}
}

func TestHandleCancelOnUnknownSessionIsNoop(t *testing.T) {
	srv := New(graph.New(graph.Config{}), idleOrchestrator(), newTestCheckpointStore(t))
	srv.handleCancel("does-not-exist") // must not panic
}

func TestUnregisterSessionRemovesEntry(t *testing.T) {
	srv := New(graph.New(graph.Config{}), idleOrchestrator(), newTestCheckpointStore(t))
	srv.registerSession("sess-y", func() {})
	srv.unregisterSession("sess-y")

	srv.mu.Lock()
	_, ok := srv.sessions["sess-y"]
	srv.mu.Unlock()
	assert.False(t, ok)
}
