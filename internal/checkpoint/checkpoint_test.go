package checkpoint

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devflow/orchestrator/internal/workflowstate"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "checkpoints.db")
	store, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSaveAndLoadExactIteration(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	state := workflowstate.New("sess-1", "build a calculator", "/ws")
	state.Iteration = 1
	state.Instructions = "research the workspace"
	require.NoError(t, store.Save(ctx, state))

	state.Iteration = 2
	state.Instructions = "design the architecture"
	require.NoError(t, store.Save(ctx, state))

	loaded, err := store.Load(ctx, "sess-1", 1)
	require.NoError(t, err)
	assert.Equal(t, "research the workspace", loaded.Instructions)
	assert.Equal(t, 1, loaded.Iteration)
}

func TestLoadLatestReturnsHighestIteration(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	state := workflowstate.New("sess-2", "goal", "/ws")
	for i := 1; i <= 3; i++ {
		state.Iteration = i
		state.Instructions = "step"
		require.NoError(t, store.Save(ctx, state))
	}

	latest, err := store.LoadLatest(ctx, "sess-2")
	require.NoError(t, err)
	assert.Equal(t, 3, latest.Iteration)
}

func TestLoadMissingCheckpointErrors(t *testing.T) {
	store := openTestStore(t)
	_, err := store.Load(context.Background(), "no-such-session", 1)
	assert.Error(t, err)

	_, err = store.LoadLatest(context.Background(), "no-such-session")
	assert.Error(t, err)
}

func TestPendingSessionsExcludesCompletedRuns(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	pending := workflowstate.New("sess-pending", "goal", "/ws")
	pending.Iteration = 1
	pending.AwaitingHuman = true
	require.NoError(t, store.Save(ctx, pending))

	done := workflowstate.New("sess-done", "goal", "/ws")
	done.Iteration = 5
	done.ResponseReady = true
	require.NoError(t, store.Save(ctx, done))

	sessions, err := store.PendingSessions(ctx)
	require.NoError(t, err)

	require.Len(t, sessions, 1)
	assert.Equal(t, "sess-pending", sessions[0].SessionID)
}

func TestClearRemovesAllIterationsForSession(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	state := workflowstate.New("sess-3", "goal", "/ws")
	state.Iteration = 1
	require.NoError(t, store.Save(ctx, state))
	state.Iteration = 2
	require.NoError(t, store.Save(ctx, state))

	require.NoError(t, store.Clear(ctx, "sess-3"))

	_, err := store.LoadLatest(ctx, "sess-3")
	assert.Error(t, err)
}
